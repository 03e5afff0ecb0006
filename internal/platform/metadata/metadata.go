// Package metadata keeps a searchable copy of the header attributes of every
// received instance in a document store and serves it over /dicom-files.
package metadata

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dicomrouter/router/internal/platform/dimse"
)

// CollectionName is the document collection holding one document per SOP
// instance.
const CollectionName = "dicom_metadata"

// Document is the indexed view of one stored instance.
type Document struct {
	PatientID         string    `bson:"patient_id" json:"patient_id"`
	PatientName       string    `bson:"patient_name" json:"patient_name"`
	StudyID           string    `bson:"study_id" json:"study_id"`
	StudyUID          string    `bson:"study_uid" json:"study_uid"`
	StudyDate         string    `bson:"study_date" json:"study_date"`
	StudyTime         string    `bson:"study_time" json:"study_time"`
	StudyDescription  string    `bson:"study_description" json:"study_description"`
	AccessionNumber   string    `bson:"accession_number" json:"accession_number"`
	SeriesUID         string    `bson:"series_uid" json:"series_uid"`
	SeriesNumber      string    `bson:"series_id" json:"series_id"`
	SeriesDate        string    `bson:"series_date" json:"series_date"`
	SeriesTime        string    `bson:"series_time" json:"series_time"`
	SeriesDescription string    `bson:"series_description" json:"series_description"`
	SOPInstanceUID    string    `bson:"sop_instance_uid" json:"sop_instance_uid"`
	InstanceNumber    string    `bson:"instance_number" json:"instance_number"`
	BodyPartExamined  string    `bson:"body_part_examined" json:"body_part_examined"`
	Modality          string    `bson:"modality" json:"modality"`
	Path              string    `bson:"path" json:"path"`
	AssociationID     string    `bson:"association_id" json:"association_id"`
	IndexedAt         time.Time `bson:"indexed_at" json:"indexed_at"`
}

// DocumentFromDataset builds the document for an instance stored at path.
// SeriesDate falls back to AcquisitionDate.
func DocumentFromDataset(ds dimse.Dataset, path string) Document {
	seriesDate := ds.String("SeriesDate")
	if seriesDate == "" {
		seriesDate = ds.String("AcquisitionDate")
	}
	return Document{
		PatientID:         ds.String("PatientID"),
		PatientName:       ds.String("PatientName"),
		StudyID:           ds.String("StudyID"),
		StudyUID:          ds.String("StudyInstanceUID"),
		StudyDate:         ds.String("StudyDate"),
		StudyTime:         ds.String("StudyTime"),
		StudyDescription:  ds.String("StudyDescription"),
		AccessionNumber:   ds.String("AccessionNumber"),
		SeriesUID:         ds.String("SeriesInstanceUID"),
		SeriesNumber:      ds.String("SeriesNumber"),
		SeriesDate:        seriesDate,
		SeriesTime:        ds.String("SeriesTime"),
		SeriesDescription: ds.String("SeriesDescription"),
		SOPInstanceUID:    ds.String("SOPInstanceUID"),
		InstanceNumber:    ds.String("InstanceNumber"),
		BodyPartExamined:  ds.String("BodyPartExamined"),
		Modality:          ds.String("Modality"),
		Path:              path,
	}
}

// Index stores and searches instance documents. Upsert replaces the
// document with the same SOP instance UID.
type Index interface {
	Upsert(ctx context.Context, doc Document) error
	FindAll(ctx context.Context) ([]Document, error)
	FindByPatient(ctx context.Context, patientID string) ([]Document, error)
}

// MemoryIndex is an Index for tests and the development mode.
type MemoryIndex struct {
	mu   sync.RWMutex
	docs map[string]Document
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{docs: make(map[string]Document)}
}

func (m *MemoryIndex) Upsert(_ context.Context, doc Document) error {
	if doc.IndexedAt.IsZero() {
		doc.IndexedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.docs[doc.SOPInstanceUID] = doc
	m.mu.Unlock()
	return nil
}

func (m *MemoryIndex) FindAll(_ context.Context) ([]Document, error) {
	return m.filter(func(Document) bool { return true }), nil
}

func (m *MemoryIndex) FindByPatient(_ context.Context, patientID string) ([]Document, error) {
	return m.filter(func(d Document) bool { return d.PatientID == patientID }), nil
}

func (m *MemoryIndex) filter(keep func(Document) bool) []Document {
	m.mu.RLock()
	out := make([]Document, 0, len(m.docs))
	for _, d := range m.docs {
		if keep(d) {
			out = append(out, d)
		}
	}
	m.mu.RUnlock()
	sortDocuments(out)
	return out
}

// sortDocuments orders by study, series and instance UID, matching the
// Mongo query sort.
func sortDocuments(docs []Document) {
	sort.Slice(docs, func(i, j int) bool {
		a, b := docs[i], docs[j]
		if c := strings.Compare(a.StudyUID, b.StudyUID); c != 0 {
			return c < 0
		}
		if c := strings.Compare(a.SeriesUID, b.SeriesUID); c != 0 {
			return c < 0
		}
		return a.SOPInstanceUID < b.SOPInstanceUID
	})
}
