package saga

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/dicomrouter/router/internal/domain/ledger"
)

var ErrRunnerClosed = errors.New("saga: runner is shut down")

// Runner executes sagas in the background, at most workers at a time.
// Submit never blocks the caller.
type Runner struct {
	orch   *Orchestrator
	sem    *semaphore.Weighted
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewRunner(orch *Orchestrator, workers int64, logger zerolog.Logger) *Runner {
	if workers <= 0 {
		workers = 1
	}
	return &Runner{
		orch:   orch,
		sem:    semaphore.NewWeighted(workers),
		logger: logger.With().Str("component", "saga-runner").Logger(),
	}
}

// Submit schedules every study of a completed association.
func (r *Runner) Submit(associationID string) error {
	return r.spawn(func(ctx context.Context) {
		r.orch.RunAssociation(ctx, associationID)
	})
}

// SubmitStudy schedules one study of an association, narrowed to scope.
func (r *Runner) SubmitStudy(associationID string, ref ledger.StudyRef, scope Scope) error {
	return r.spawn(func(ctx context.Context) {
		r.orch.RunStudy(ctx, associationID, ref, scope)
	})
}

func (r *Runner) spawn(fn func(ctx context.Context)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRunnerClosed
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		// Sagas outlive the request or association that triggered them.
		ctx := context.Background()
		if err := r.sem.Acquire(ctx, 1); err != nil {
			r.logger.Error().Err(err).Msg("failed to acquire saga slot")
			return
		}
		defer r.sem.Release(1)
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error().Interface("panic", p).Msg("saga panicked")
			}
		}()
		fn(ctx)
	}()
	return nil
}

// Shutdown stops accepting work and waits for running sagas or ctx.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
