package ledger

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dicomrouter/router/internal/platform/apperr"
	"github.com/dicomrouter/router/internal/platform/telemetry"
)

// Ledger serializes all writes through one mutex so at most one writer
// touches the store at a time. Reads go straight to the repository.
type Ledger struct {
	repo    Repository
	mu      sync.Mutex
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

func NewLedger(repo Repository, logger zerolog.Logger, metrics *telemetry.Metrics) *Ledger {
	return &Ledger{
		repo:    repo,
		logger:  logger.With().Str("component", "ledger").Logger(),
		metrics: metrics,
	}
}

// RecordInstance stores a newly received instance with sent=0. A repeated
// key overwrites the previous row and is reported as a duplicate.
func (l *Ledger) RecordInstance(ctx context.Context, inst Instance) (bool, error) {
	if inst.AssociationID == "" || inst.StudyUID == "" || inst.SeriesUID == "" || inst.InstanceUID == "" {
		return false, apperr.ValidationError("ledger.record", "association, study, series and instance UIDs are required")
	}
	if inst.StoragePath == "" {
		return false, apperr.ValidationError("ledger.record", "storage path is required")
	}

	l.mu.Lock()
	duplicate, err := l.repo.Upsert(ctx, &inst)
	l.mu.Unlock()
	if err != nil {
		l.logger.Error().Err(err).
			Str("association_id", inst.AssociationID).
			Str("instance_uid", inst.InstanceUID).
			Msg("failed to record instance")
		return false, apperr.PersistenceError("ledger.record", err)
	}
	if duplicate {
		l.metrics.DuplicateInstance()
		l.logger.Warn().
			Str("association_id", inst.AssociationID).
			Str("instance_uid", inst.InstanceUID).
			Msg("duplicate instance overwritten")
	}
	return duplicate, nil
}

func (l *Ledger) MarkAssociationComplete(ctx context.Context, associationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.repo.MarkAssociationComplete(ctx, associationID); err != nil {
		l.logger.Error().Err(err).Str("association_id", associationID).Msg("failed to mark association complete")
		return apperr.PersistenceError("ledger.complete", err)
	}
	return nil
}

func (l *Ledger) ListStudies(ctx context.Context, associationID string) ([]StudyRef, error) {
	studies, err := l.repo.ListStudies(ctx, associationID)
	if err != nil {
		return nil, apperr.PersistenceError("ledger.list_studies", err)
	}
	return studies, nil
}

func (l *Ledger) ListInstances(ctx context.Context, associationID, studyUID string) ([]InstanceRef, error) {
	refs, err := l.repo.ListInstances(ctx, associationID, studyUID)
	if err != nil {
		return nil, apperr.PersistenceError("ledger.list_instances", err)
	}
	return refs, nil
}

// MarkInstanceSent sets sent=1. It never clears the flag and repeating it is
// harmless.
func (l *Ledger) MarkInstanceSent(ctx context.Context, key InstanceKey) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.repo.MarkSent(ctx, key); err != nil {
		l.logger.Error().Err(err).Str("instance_uid", key.InstanceUID).Msg("failed to mark instance sent")
		return apperr.PersistenceError("ledger.mark_sent", err)
	}
	return nil
}

func (l *Ledger) AnyUnsent(ctx context.Context, associationID string) (bool, error) {
	unsent, err := l.repo.AnyUnsent(ctx, associationID)
	if err != nil {
		return false, apperr.PersistenceError("ledger.any_unsent", err)
	}
	return unsent, nil
}

// FindAssociations lists the associations that delivered studyUID, oldest
// first.
func (l *Ledger) FindAssociations(ctx context.Context, studyUID string) ([]string, error) {
	ids, err := l.repo.FindAssociations(ctx, studyUID)
	if err != nil {
		return nil, apperr.PersistenceError("ledger.find_associations", err)
	}
	return ids, nil
}

// StudyProgress counts sent and unsent instances of a study over every
// association that delivered it.
func (l *Ledger) StudyProgress(ctx context.Context, studyUID, accession string) (StudyProgress, error) {
	sent, unsent, err := l.repo.CountStudy(ctx, studyUID, accession)
	if err != nil {
		return StudyProgress{}, apperr.PersistenceError("ledger.study_progress", err)
	}
	return StudyProgress{Sent: sent, Unsent: unsent}, nil
}

// ResetSent clears the sent flags of one study so it is pushed again. It is
// the only operation that moves sent from 1 back to 0.
func (l *Ledger) ResetSent(ctx context.Context, associationID, studyUID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, err := l.repo.ResetSent(ctx, associationID, studyUID)
	if err != nil {
		return 0, apperr.PersistenceError("ledger.reset_sent", err)
	}
	l.logger.Info().
		Str("association_id", associationID).
		Str("study_uid", studyUID).
		Int64("instances", n).
		Msg("sent flags reset for reprocessing")
	return n, nil
}
