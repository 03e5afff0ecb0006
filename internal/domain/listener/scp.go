// Package listener implements the DICOM lifecycle callbacks: it files
// received instances, answers worklist and query C-FINDs and hands completed
// associations to the saga runner.
package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/dicomrouter/router/internal/domain/ledger"
	"github.com/dicomrouter/router/internal/domain/matching"
	"github.com/dicomrouter/router/internal/domain/record"
	"github.com/dicomrouter/router/internal/platform/dimse"
	"github.com/dicomrouter/router/internal/platform/metadata"
	"github.com/dicomrouter/router/internal/platform/telemetry"
)

// Finder runs a C-FIND identifier against the worklist store.
type Finder interface {
	Find(ctx context.Context, req matching.FindRequest) (*matching.Results, error)
}

// Submitter schedules the saga of a released association.
type Submitter interface {
	Submit(associationID string) error
}

// InstanceIndex learns about stored instances so SERIES and IMAGE level
// queries can match them. matching.MemoryStore implements it.
type InstanceIndex interface {
	AddInstance(studyUID, seriesUID, instanceUID string)
}

type Deps struct {
	Ledger   *ledger.Ledger
	Layout   record.Layout
	Finder   Finder
	Runner   Submitter
	Metadata metadata.Index
	Index    InstanceIndex
	Logger   zerolog.Logger
	Metrics  *telemetry.Metrics
}

// SCP is registered with a dimse.Dispatcher for store, find, echo and
// release.
type SCP struct {
	ledger   *ledger.Ledger
	layout   record.Layout
	finder   Finder
	runner   Submitter
	metadata metadata.Index
	index    InstanceIndex
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
}

func NewSCP(d Deps) *SCP {
	return &SCP{
		ledger:   d.Ledger,
		layout:   d.Layout,
		finder:   d.Finder,
		runner:   d.Runner,
		metadata: d.Metadata,
		index:    d.Index,
		logger:   d.Logger.With().Str("component", "scp").Logger(),
		metrics:  d.Metrics,
	}
}

func (s *SCP) HandleStore(ctx context.Context, ev *dimse.StoreEvent) dimse.Status {
	st := s.store(ctx, ev)
	s.metrics.InstanceStored(st.String())
	return st
}

func (s *SCP) store(ctx context.Context, ev *dimse.StoreEvent) dimse.Status {
	id := ev.Identifier
	sop := ev.SOPInstanceUID
	if sop == "" {
		sop = id.String("SOPInstanceUID")
	}
	study, series := id.String("StudyInstanceUID"), id.String("SeriesInstanceUID")
	log := s.logger.With().
		Str("association_id", ev.Association.ID).
		Str("calling_ae", ev.Association.CallingAE).
		Str("instance_uid", sop).
		Logger()

	if study == "" || series == "" || sop == "" {
		log.Error().Msg("instance without study, series or SOP instance UID")
		return dimse.StatusFailure
	}

	if !record.ValidUID(study) || !record.ValidUID(series) || !record.ValidUID(sop) {
		log.Error().Str("study_uid", study).Str("series_uid", series).Msg("malformed UID, instance rejected")
		return dimse.StatusFailure
	}
	path, err := s.layout.InstancePath(ev.Association.ID, study, series, sop)
	if err != nil {
		log.Error().Err(err).Msg("cannot place instance under storage root")
		return dimse.StatusFailure
	}
	if err := writeFile(path, ev.Data); err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to write instance")
		return dimse.StatusOutOfResources
	}

	_, err = s.ledger.RecordInstance(ctx, ledger.Instance{
		InstanceKey: ledger.InstanceKey{
			AssociationID: ev.Association.ID,
			StudyUID:      study,
			SeriesUID:     series,
			InstanceUID:   sop,
		},
		CallingAE:       ev.Association.CallingAE,
		CalledAE:        ev.Association.CalledAE,
		AccessionNumber: id.String("AccessionNumber"),
		StoragePath:     path,
	})
	if err != nil {
		return dimse.StatusFailure
	}

	if s.index != nil {
		s.index.AddInstance(study, series, sop)
	}
	if s.metadata != nil {
		if err := s.metadata.Upsert(ctx, metadata.DocumentFromDataset(id, path)); err != nil {
			log.Warn().Err(err).Msg("metadata indexing failed")
		}
	}
	log.Debug().Str("path", path).Msg("instance stored")
	return dimse.StatusSuccess
}

// writeFile writes data next to path and renames it into place, so a
// half-written instance never appears under its final name.
func writeFile(path string, data io.Reader) error {
	if data == nil {
		return errors.New("no instance data")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".incoming-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *SCP) HandleFind(ctx context.Context, ev *dimse.FindEvent) dimse.FindResponses {
	res, err := s.finder.Find(ctx, matching.FindRequest{
		Level:      ev.Level,
		Identifier: ev.Identifier,
		Cancelled:  ev.Cancelled,
	})
	if err != nil {
		s.metrics.FindQuery(string(ev.Level), dimse.StatusFailure.String())
		return dimse.FinalResponse(dimse.StatusFailure)
	}
	return &findStream{scp: s, level: ev.Level, res: res, assoc: ev.Association.ID}
}

// findStream turns matching results into pending responses followed by
// exactly one final status.
type findStream struct {
	scp   *SCP
	level dimse.Level
	assoc string
	res   *matching.Results

	cur   dimse.FindResponse
	count int
	done  bool
}

func (f *findStream) Next() bool {
	if f.done {
		return false
	}
	if f.res.Next() {
		f.count++
		f.scp.metrics.FindResult()
		f.cur = dimse.FindResponse{Status: dimse.StatusPending, Dataset: f.res.Dataset()}
		return true
	}

	f.done = true
	status := dimse.StatusSuccess
	if err := f.res.Err(); err != nil {
		if errors.Is(err, matching.ErrCancelled) {
			status = dimse.StatusCancel
		} else {
			status = dimse.StatusFailure
			f.scp.logger.Error().Err(err).Str("association_id", f.assoc).Msg("C-FIND failed")
		}
	}
	f.scp.metrics.FindQuery(string(f.level), status.String())
	f.scp.logger.Info().
		Str("association_id", f.assoc).
		Str("level", string(f.level)).
		Int("matches", f.count).
		Str("status", status.String()).
		Msg("C-FIND completed")
	f.cur = dimse.FindResponse{Status: status}
	return true
}

func (f *findStream) Response() dimse.FindResponse { return f.cur }

func (f *findStream) Close() error { return f.res.Close() }

func (s *SCP) HandleEcho(_ context.Context, ev *dimse.EchoEvent) dimse.Status {
	s.logger.Debug().Str("calling_ae", ev.Association.CallingAE).Msg("C-ECHO")
	return dimse.StatusSuccess
}

// HandleRelease marks the association complete and schedules its saga. It
// does not wait for the saga.
func (s *SCP) HandleRelease(ctx context.Context, ev *dimse.ReleaseEvent) {
	log := s.logger.With().Str("association_id", ev.Association.ID).Logger()
	if err := s.ledger.MarkAssociationComplete(ctx, ev.Association.ID); err != nil {
		log.Error().Err(err).Msg("failed to mark association complete")
	}
	if s.runner == nil {
		return
	}
	if err := s.runner.Submit(ev.Association.ID); err != nil {
		log.Error().Err(err).Msg("failed to schedule association saga")
		return
	}
	log.Info().Msg("association released, saga scheduled")
}
