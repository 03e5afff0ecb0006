package blobstore

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dicomrouter/router/internal/platform/apperr"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func writeStudy(t *testing.T) (string, []string) {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"1.2.3.1/1.2.3.1.1.dcm": "first",
		"1.2.3.1/1.2.3.1.2.dcm": "second",
		"1.2.3.2/1.2.3.2.1.dcm": "third",
		"ImagingStudy.json":     "{}",
	}
	for rel, content := range files {
		p := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	paths, err := StudyFiles(root)
	if err != nil {
		t.Fatalf("StudyFiles: %v", err)
	}
	return root, paths
}

func newMirrorServer(t *testing.T, store *InMemoryStore) *httptest.Server {
	t.Helper()
	e := echo.New()
	NewHandler(store).RegisterRoutes(e.Group(""))
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

var batch = Batch{PatientID: "P100", OrganizationID: "ORG1", AccessionNumber: "ACC1"}

// ---------------------------------------------------------------------------
// StudyFiles
// ---------------------------------------------------------------------------

func TestStudyFiles_OnlyDicomSorted(t *testing.T) {
	root, paths := writeStudy(t)
	if len(paths) != 3 {
		t.Fatalf("expected 3 .dcm files, got %v", paths)
	}
	want := filepath.Join(root, "1.2.3.1", "1.2.3.1.1.dcm")
	if paths[0] != want {
		t.Errorf("expected %s first, got %s", want, paths[0])
	}
}

func TestStudyFiles_MissingDir(t *testing.T) {
	if _, err := StudyFiles(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing directory")
	}
}

// ---------------------------------------------------------------------------
// HTTPStore against the receiving handler
// ---------------------------------------------------------------------------

func TestHTTPStore_UploadBatch(t *testing.T) {
	store := NewInMemoryStore()
	srv := newMirrorServer(t, store)
	_, paths := writeStudy(t)

	client := NewHTTPStore(srv.URL+"/", nil, zerolog.Nop())
	receipt, err := client.UploadBatch(context.Background(), batch, paths)
	if err != nil {
		t.Fatalf("UploadBatch: %v", err)
	}
	if receipt.Total != 3 {
		t.Errorf("expected 3 files in receipt, got %d", receipt.Total)
	}

	stored := store.ListByPatient("P100", "ACC1")
	if len(stored) != 3 {
		t.Fatalf("expected 3 stored blobs, got %d", len(stored))
	}
	first := stored[0]
	if first.FileName != "1.2.3.1.1.dcm" {
		t.Errorf("expected file name 1.2.3.1.1.dcm, got %s", first.FileName)
	}
	if first.ContentType != ContentTypeDICOM {
		t.Errorf("expected %s, got %s", ContentTypeDICOM, first.ContentType)
	}
	if first.OrganizationID != "ORG1" || first.Size != int64(len("first")) {
		t.Errorf("unexpected metadata %+v", first)
	}
	if first.Hash == "" || first.ID == "" {
		t.Error("expected id and hash to be set")
	}

	rc, err := store.Open(first.ID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "first" {
		t.Errorf("expected stored content 'first', got %q", data)
	}
}

func TestHTTPStore_RejectedBatch(t *testing.T) {
	srv := newMirrorServer(t, NewInMemoryStore())
	_, paths := writeStudy(t)

	client := NewHTTPStore(srv.URL, nil, zerolog.Nop())
	_, err := client.UploadBatch(context.Background(), Batch{AccessionNumber: "ACC1"}, paths)
	if !apperr.IsRemoteCall(err) {
		t.Fatalf("expected remote call error, got %v", err)
	}
	if !strings.Contains(err.Error(), "400") {
		t.Errorf("expected status in error, got %v", err)
	}
}

func TestHTTPStore_NoFiles(t *testing.T) {
	client := NewHTTPStore("http://mirror.invalid", nil, zerolog.Nop())
	if _, err := client.UploadBatch(context.Background(), batch, nil); !apperr.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestHTTPStore_MissingFileFails(t *testing.T) {
	srv := newMirrorServer(t, NewInMemoryStore())
	client := NewHTTPStore(srv.URL, nil, zerolog.Nop())
	_, err := client.UploadBatch(context.Background(), batch, []string{filepath.Join(t.TempDir(), "gone.dcm")})
	if err == nil {
		t.Fatal("expected error when a file cannot be read")
	}
}

// ---------------------------------------------------------------------------
// InMemoryStore and handler
// ---------------------------------------------------------------------------

func TestInMemoryStore_UploadBatch(t *testing.T) {
	store := NewInMemoryStore()
	_, paths := writeStudy(t)
	receipt, err := store.UploadBatch(context.Background(), batch, paths)
	if err != nil {
		t.Fatalf("UploadBatch: %v", err)
	}
	if receipt.Total != 3 || len(receipt.Files) != 3 {
		t.Errorf("unexpected receipt %+v", receipt)
	}
	if got := store.ListByPatient("P100", "OTHER"); len(got) != 0 {
		t.Errorf("expected accession filter to exclude all, got %d", len(got))
	}
}

func TestInMemoryStore_Validation(t *testing.T) {
	store := NewInMemoryStore()
	if _, err := store.Put(context.Background(), batch, "", ContentTypeDICOM, strings.NewReader("x")); err != ErrMissingFileName {
		t.Errorf("expected ErrMissingFileName, got %v", err)
	}
	if _, err := store.Put(context.Background(), Batch{}, "a.dcm", ContentTypeDICOM, strings.NewReader("x")); err != ErrMissingPatient {
		t.Errorf("expected ErrMissingPatient, got %v", err)
	}
	if _, err := store.Open("nope"); !apperr.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestHandler_ListAndDownload(t *testing.T) {
	store := NewInMemoryStore()
	meta, err := store.Put(context.Background(), batch, "a.dcm", ContentTypeDICOM, strings.NewReader("payload"))
	if err != nil {
		t.Fatal(err)
	}
	srv := newMirrorServer(t, store)

	resp, err := http.Get(srv.URL + "/files/patient/P100")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var list listResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Total != 1 || list.Items[0].ID != meta.ID {
		t.Errorf("unexpected list %+v", list)
	}

	resp2, err := http.Get(srv.URL + "/files/" + meta.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	body, _ := io.ReadAll(resp2.Body)
	if resp2.StatusCode != http.StatusOK || string(body) != "payload" {
		t.Errorf("unexpected download %d %q", resp2.StatusCode, body)
	}

	resp3, err := http.Get(srv.URL + "/files/missing")
	if err != nil {
		t.Fatal(err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp3.StatusCode)
	}
}

func TestHandler_EmptyUpload(t *testing.T) {
	e := echo.New()
	NewHandler(NewInMemoryStore()).RegisterRoutes(e.Group(""))
	req := httptest.NewRequest(http.MethodPost, "/files", strings.NewReader(""))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=xyz")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}
