package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dicomrouter/router/internal/platform/dimse"
)

func sampleDataset(sop string) dimse.Dataset {
	ds := dimse.Dataset{}
	ds.Set("PatientID", "P100").
		Set("PatientName", "SANTOSO^BUDI").
		Set("StudyInstanceUID", "1.2.3").
		Set("SeriesInstanceUID", "1.2.3.1").
		Set("SOPInstanceUID", sop).
		Set("SeriesNumber", "1").
		Set("AcquisitionDate", "20240305").
		Set("Modality", "CT").
		Set("BodyPartExamined", "CHEST")
	return ds
}

func TestDocumentFromDataset(t *testing.T) {
	doc := DocumentFromDataset(sampleDataset("1.2.3.1.1"), "/data/x.dcm")
	if doc.PatientID != "P100" || doc.SOPInstanceUID != "1.2.3.1.1" || doc.Path != "/data/x.dcm" {
		t.Errorf("unexpected document %+v", doc)
	}
	if doc.SeriesDate != "20240305" {
		t.Errorf("expected acquisition date fallback, got %q", doc.SeriesDate)
	}
	if doc.BodyPartExamined != "CHEST" || doc.SeriesNumber != "1" {
		t.Errorf("unexpected document %+v", doc)
	}
}

func TestMemoryIndex_UpsertReplaces(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()
	_ = idx.Upsert(ctx, DocumentFromDataset(sampleDataset("1.2.3.1.2"), "/a"))
	_ = idx.Upsert(ctx, DocumentFromDataset(sampleDataset("1.2.3.1.1"), "/b"))
	_ = idx.Upsert(ctx, DocumentFromDataset(sampleDataset("1.2.3.1.1"), "/c"))

	docs, _ := idx.FindAll(ctx)
	if len(docs) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(docs))
	}
	if docs[0].SOPInstanceUID != "1.2.3.1.1" || docs[0].Path != "/c" {
		t.Errorf("expected replaced document first, got %+v", docs[0])
	}
	if docs[0].IndexedAt.IsZero() {
		t.Error("expected IndexedAt to be set")
	}
}

type failingIndex struct{}

func (failingIndex) Upsert(context.Context, Document) error { return errors.New("down") }
func (failingIndex) FindAll(context.Context) ([]Document, error) {
	return nil, errors.New("down")
}
func (failingIndex) FindByPatient(context.Context, string) ([]Document, error) {
	return nil, errors.New("down")
}

func serve(t *testing.T, idx Index, path string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	NewHandler(idx, zerolog.Nop()).RegisterRoutes(e.Group(""))
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_FindAll(t *testing.T) {
	idx := NewMemoryIndex()
	_ = idx.Upsert(context.Background(), DocumentFromDataset(sampleDataset("1.2.3.1.1"), "/a"))

	rec := serve(t, idx, "/dicom-files")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Message []Document `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Message) != 1 || body.Message[0].PatientID != "P100" {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandler_FindByPatient(t *testing.T) {
	idx := NewMemoryIndex()
	_ = idx.Upsert(context.Background(), DocumentFromDataset(sampleDataset("1.2.3.1.1"), "/a"))

	rec := serve(t, idx, "/dicom-files/P100")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var docs []Document
	if err := json.Unmarshal(rec.Body.Bytes(), &docs); err != nil || len(docs) != 1 {
		t.Errorf("unexpected body %s", rec.Body.String())
	}

	rec = serve(t, idx, "/dicom-files/P404")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var msg map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &msg)
	if msg["message"] != "No DICOM files found for patient ID: P404" {
		t.Errorf("unexpected message %q", msg["message"])
	}
}

func TestHandler_IndexFailure(t *testing.T) {
	for _, path := range []string{"/dicom-files", "/dicom-files/P1"} {
		if rec := serve(t, failingIndex{}, path); rec.Code != http.StatusInternalServerError {
			t.Errorf("%s: expected 500, got %d", path, rec.Code)
		}
	}
}
