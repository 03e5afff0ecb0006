package saga

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/dicomrouter/router/internal/domain/ledger"
	"github.com/dicomrouter/router/internal/platform/apperr"
)

type TriggerRequest struct {
	PatientID       string `json:"patient_id"`
	StudyUID        string `json:"study_id"`
	AccessionNumber string `json:"accession_number"`
	SeriesNumber    *int   `json:"series_number,omitempty"`
	InstanceNumber  *int   `json:"instance_number,omitempty"`
}

type TriggerResult string

const (
	TriggerAlreadySent TriggerResult = "already sent"
	TriggerProcessing  TriggerResult = "processing"
)

// Submitter schedules a study saga without waiting for it.
type Submitter interface {
	SubmitStudy(associationID string, ref ledger.StudyRef, scope Scope) error
}

// TriggerService re-runs the saga for a study on external request.
type TriggerService struct {
	states    StateRepository
	ledger    *ledger.Ledger
	submitter Submitter
	logger    zerolog.Logger
}

func NewTriggerService(states StateRepository, l *ledger.Ledger, submitter Submitter, logger zerolog.Logger) *TriggerService {
	return &TriggerService{
		states:    states,
		ledger:    l,
		submitter: submitter,
		logger:    logger.With().Str("component", "saga-trigger").Logger(),
	}
}

// TriggerReconciliation looks up the integration state of the study and,
// unless it already succeeded, schedules the saga for every association
// that delivered the study. FAILED and PENDING are handled the same way.
func (s *TriggerService) TriggerReconciliation(ctx context.Context, req TriggerRequest) (TriggerResult, error) {
	const op = "saga.TriggerReconciliation"
	if req.PatientID == "" || req.StudyUID == "" || req.AccessionNumber == "" {
		return "", apperr.ValidationError(op, "patient_id, study_id and accession_number are required")
	}

	key := StateKey{PatientID: req.PatientID, StudyUID: req.StudyUID, AccessionNumber: req.AccessionNumber}
	state, err := s.states.Get(ctx, key)
	if errors.Is(err, ErrStateNotFound) {
		return "", apperr.NotFoundError(op, "no integration state for study "+req.StudyUID)
	}
	if err != nil {
		return "", apperr.PersistenceError(op, err)
	}
	if state.Status == StatusSuccess {
		return TriggerAlreadySent, nil
	}

	assocs, err := s.ledger.FindAssociations(ctx, req.StudyUID)
	if err != nil {
		return "", err
	}
	if len(assocs) == 0 {
		return "", apperr.NotFoundError(op, "no stored instances for study "+req.StudyUID)
	}

	scope := Scope{SeriesNumber: req.SeriesNumber, InstanceNumber: req.InstanceNumber}
	ref := ledger.StudyRef{StudyUID: req.StudyUID, AccessionNumber: req.AccessionNumber}
	for _, assoc := range assocs {
		if err := s.submitter.SubmitStudy(assoc, ref, scope); err != nil {
			return "", err
		}
	}
	s.logger.Info().
		Str("study_uid", req.StudyUID).
		Str("previous_status", string(state.Status)).
		Int("associations", len(assocs)).
		Msg("reconciliation re-triggered")
	return TriggerProcessing, nil
}

func (s *TriggerService) States(ctx context.Context, studyUID string) ([]*State, error) {
	states, err := s.states.ListByStudy(ctx, studyUID)
	if err != nil {
		return nil, apperr.PersistenceError("saga.States", err)
	}
	return states, nil
}
