package worklist

import (
	"context"
	"errors"
)

// ErrNotFound is returned by repositories when no row matches.
var ErrNotFound = errors.New("worklist: not found")

type Repository interface {
	// Save upserts the patient and the entry together. An existing entry
	// with the same study UID is replaced and keeps its id.
	Save(ctx context.Context, p *Patient, e *Entry) error
	GetPatient(ctx context.Context, patientID string) (*Patient, error)
	GetByStudyUID(ctx context.Context, studyUID string) (*Entry, error)
	ListByAccession(ctx context.Context, accession string) ([]*Entry, error)
}
