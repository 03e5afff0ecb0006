// Package saga reconciles each completed association with the national
// exchange: it links the study to its order, publishes the ImagingStudy,
// pushes the instances and keeps a per-study integration state.
package saga

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	// StatusFailed marks a study that stopped before PUSHING_INSTANCES. It is
	// retried exactly like PENDING.
	StatusFailed Status = "FAILED"
)

// StateKey identifies the integration state of one study.
type StateKey struct {
	PatientID       string `json:"patient_id"`
	StudyUID        string `json:"study_uid"`
	AccessionNumber string `json:"accession_number"`
}

type State struct {
	StateKey
	RemoteRecordID string    `json:"remote_record_id,omitempty"`
	Status         Status    `json:"status"`
	CountSuccess   int       `json:"count_success"`
	CountFailed    int       `json:"count_failed"`
	LastError      string    `json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

var ErrStateNotFound = errors.New("saga: integration state not found")

type StateRepository interface {
	// Begin creates the state as PENDING, or moves an existing one back to
	// PENDING keeping its record id and counts.
	Begin(ctx context.Context, key StateKey) error
	SetRecordID(ctx context.Context, key StateKey, recordID string) error
	// Finish stores the push counts and the final status.
	Finish(ctx context.Context, key StateKey, status Status, success, failed int, lastError string) error
	// Fail records status FAILED and the error, leaving the counts alone.
	Fail(ctx context.Context, key StateKey, lastError string) error
	Get(ctx context.Context, key StateKey) (*State, error)
	ListByStudy(ctx context.Context, studyUID string) ([]*State, error)
}
