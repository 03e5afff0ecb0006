package saga

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dicomrouter/router/internal/domain/ledger"
	"github.com/dicomrouter/router/internal/domain/record"
	"github.com/dicomrouter/router/internal/domain/worklist"
	"github.com/dicomrouter/router/internal/platform/apperr"
	"github.com/dicomrouter/router/internal/platform/blobstore"
	"github.com/dicomrouter/router/internal/platform/fhir"
	"github.com/dicomrouter/router/internal/platform/notification"
	"github.com/dicomrouter/router/internal/platform/remote"
	"github.com/dicomrouter/router/internal/platform/telemetry"
)

type Step string

const (
	StepReconciling Step = "RECONCILING_REMOTE_STUDY"
	StepLinking     Step = "LINKING_PATIENT"
	StepMirroring   Step = "MIRRORING_FILES"
	StepBuilding    Step = "BUILDING_RECORD"
	StepPublishing  Step = "PUBLISHING_RECORD"
	StepPushing     Step = "PUSHING_INSTANCES"
	StepDone        Step = "DONE"
)

// Remote is the part of the exchange client the saga drives.
type Remote interface {
	FindExistingRecord(ctx context.Context, accession string) (string, error)
	FindOrderReference(ctx context.Context, accession string) (remote.OrderRef, error)
	CreateRecord(ctx context.Context, study *fhir.ImagingStudy) (string, error)
	UpdateRecord(ctx context.Context, id string, study *fhir.ImagingStudy) (string, error)
	PushInstance(ctx context.Context, path, recordID string) (remote.PushResult, error)
	MirrorEnabled(ctx context.Context) (bool, error)
}

type RecordBuilder interface {
	Scan(ctx context.Context, dir string) ([]record.File, error)
	Build(ctx context.Context, in record.StudyInput) (*fhir.ImagingStudy, error)
}

// Notifier is told about every study that reaches SUCCESS.
type Notifier interface {
	StudyReady(ctx context.Context, notice notification.StudyNotice) error
}

// WorklistLookup resolves the local order of a study.
type WorklistLookup interface {
	GetByStudyUID(ctx context.Context, studyUID string) (*worklist.Entry, error)
	GetPatient(ctx context.Context, patientID string) (*worklist.Patient, error)
}

// Scope narrows a run to one series and optionally one instance, by number.
type Scope struct {
	SeriesNumber   *int `json:"series_number,omitempty"`
	InstanceNumber *int `json:"instance_number,omitempty"`
}

func (s Scope) IsZero() bool { return s.SeriesNumber == nil && s.InstanceNumber == nil }

// StudyOutcome reports how far one study got.
type StudyOutcome struct {
	AssociationID   string
	StudyUID        string
	AccessionNumber string
	PatientID       string
	RecordID        string
	Status          Status
	// FailedStep is empty unless a step stopped the study.
	FailedStep Step
	Err        error
	MirrorErr  error
	Sent       int
	Failed     int
}

type Deps struct {
	Ledger   *ledger.Ledger
	States   StateRepository
	Remote   Remote
	Builder  RecordBuilder
	Layout   record.Layout
	Mirror   blobstore.Store
	Notifier Notifier
	Worklist WorklistLookup
	Logger   zerolog.Logger
	Metrics  *telemetry.Metrics
}

type Options struct {
	OrganizationID string
	// StepTimeout bounds each step; for PUSHING_INSTANCES it bounds each
	// instance push.
	StepTimeout time.Duration
	// MirrorEnabled forces MIRRORING_FILES on. Otherwise the exchange's
	// dcm_cfg flag decides.
	MirrorEnabled bool
}

type Orchestrator struct {
	ledger   *ledger.Ledger
	states   StateRepository
	remote   Remote
	builder  RecordBuilder
	layout   record.Layout
	mirror   blobstore.Store
	notifier Notifier
	worklist WorklistLookup
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	opts     Options

	studies keyedMutex
}

func NewOrchestrator(d Deps, opts Options) *Orchestrator {
	return &Orchestrator{
		ledger:   d.Ledger,
		states:   d.States,
		remote:   d.Remote,
		builder:  d.Builder,
		layout:   d.Layout,
		mirror:   d.Mirror,
		notifier: d.Notifier,
		worklist: d.Worklist,
		logger:   d.Logger.With().Str("component", "saga").Logger(),
		metrics:  d.Metrics,
		opts:     opts,
	}
}

// RunAssociation runs every study of a completed association. A failing
// study never stops its siblings.
func (o *Orchestrator) RunAssociation(ctx context.Context, associationID string) []StudyOutcome {
	log := o.logger.With().Str("association_id", associationID).Logger()
	studies, err := o.ledger.ListStudies(ctx, associationID)
	if err != nil {
		log.Error().Err(err).Msg("cannot list studies of association")
		return nil
	}
	if len(studies) > 0 {
		log.Info().Int("studies", len(studies)).Msg("processing association")
	}

	outcomes := make([]StudyOutcome, 0, len(studies))
	for _, ref := range studies {
		outcomes = append(outcomes, o.RunStudy(ctx, associationID, ref, Scope{}))
	}

	if unsent, err := o.ledger.AnyUnsent(ctx, associationID); err == nil && unsent {
		log.Warn().Msg("association has unsent instances")
	}
	return outcomes
}

// RunStudy drives one study through the saga steps. Runs of the same study
// are serialized, whichever association delivered it.
func (o *Orchestrator) RunStudy(ctx context.Context, associationID string, ref ledger.StudyRef, scope Scope) StudyOutcome {
	unlock := o.studies.Lock(ref.StudyUID)
	defer unlock()
	o.metrics.SagaStarted()
	defer o.metrics.SagaFinished()

	r := &studyRun{
		o:     o,
		scope: scope,
		out: StudyOutcome{
			AssociationID:   associationID,
			StudyUID:        ref.StudyUID,
			AccessionNumber: ref.AccessionNumber,
			Status:          StatusPending,
		},
		log: o.logger.With().
			Str("association_id", associationID).
			Str("study_uid", ref.StudyUID).
			Str("accession_number", ref.AccessionNumber).
			Logger(),
	}
	r.run(ctx)
	return r.out
}

type studyRun struct {
	o     *Orchestrator
	scope Scope
	out   StudyOutcome
	log   zerolog.Logger

	key       StateKey
	stateOpen bool
	order     remote.OrderRef
}

func (r *studyRun) run(ctx context.Context) {
	o := r.o
	r.key = StateKey{StudyUID: r.out.StudyUID, AccessionNumber: r.out.AccessionNumber}
	if entry := r.localEntry(ctx); entry != nil {
		r.key.PatientID = entry.PatientID
		r.openState(ctx)
	}

	instances, err := o.ledger.ListInstances(ctx, r.out.AssociationID, r.out.StudyUID)
	if err != nil {
		r.fail(ctx, StepReconciling, err)
		return
	}
	studyDir, err := o.layout.StudyDir(r.out.AssociationID, r.out.StudyUID)
	if err != nil {
		r.fail(ctx, StepBuilding, apperr.DataIntegrityError("saga.study_dir", err.Error()))
		return
	}
	if len(instances) > 0 && allSent(instances) {
		r.out.Sent = len(instances)
		r.log.Info().Msg("all instances already sent, nothing to do")
		r.finish(ctx, instances, "")
		return
	}

	// RECONCILING_REMOTE_STUDY
	if err := o.step(ctx, StepReconciling, func(ctx context.Context) error {
		id, err := o.remote.FindExistingRecord(ctx, r.out.AccessionNumber)
		r.out.RecordID = id
		return err
	}); err != nil {
		r.fail(ctx, StepReconciling, err)
		return
	}

	// LINKING_PATIENT
	if err := o.step(ctx, StepLinking, func(ctx context.Context) error {
		ref, err := o.remote.FindOrderReference(ctx, r.out.AccessionNumber)
		r.order = ref
		return err
	}); err != nil {
		r.fail(ctx, StepLinking, err)
		return
	}
	r.out.PatientID = r.order.PatientID
	if !r.stateOpen {
		r.key.PatientID = r.order.PatientID
		r.openState(ctx)
	}

	// MIRRORING_FILES
	if o.mirrorWanted(ctx) {
		err := o.step(ctx, StepMirroring, func(ctx context.Context) error {
			paths, err := blobstore.StudyFiles(studyDir)
			if err != nil {
				return err
			}
			_, err = o.mirror.UploadBatch(ctx, blobstore.Batch{
				PatientID:       r.order.PatientID,
				OrganizationID:  o.opts.OrganizationID,
				AccessionNumber: r.out.AccessionNumber,
			}, paths)
			return err
		})
		if err != nil {
			r.out.MirrorErr = err
			r.log.Error().Err(err).Msg("mirroring files failed, continuing")
		}
	} else {
		o.metrics.SagaStep(string(StepMirroring), "skipped", 0)
	}

	// BUILDING_RECORD, PUBLISHING_RECORD
	extraDirs, removed := r.siblings(ctx, instances)
	if r.out.RecordID != "" && removed {
		// Removed files are part of the published record already.
		o.metrics.SagaStep(string(StepBuilding), "skipped", 0)
		o.metrics.SagaStep(string(StepPublishing), "skipped", 0)
		r.log.Info().Str("record_id", r.out.RecordID).Msg("delivered instances no longer on disk, remote record kept")
	} else {
		var study *fhir.ImagingStudy
		if err := o.step(ctx, StepBuilding, func(ctx context.Context) error {
			var err error
			study, err = o.builder.Build(ctx, record.StudyInput{
				Dir:              studyDir,
				ExtraDirs:        extraDirs,
				StudyUID:         r.out.StudyUID,
				AccessionNumber:  r.out.AccessionNumber,
				PatientID:        r.order.PatientID,
				ServiceRequestID: r.order.ServiceRequestID,
				RecordID:         r.out.RecordID,
			})
			return err
		}); err != nil {
			r.fail(ctx, StepBuilding, err)
			return
		}

		if err := o.step(ctx, StepPublishing, func(ctx context.Context) error {
			var id string
			var err error
			if r.out.RecordID == "" {
				id, err = o.remote.CreateRecord(ctx, study)
			} else {
				id, err = o.remote.UpdateRecord(ctx, r.out.RecordID, study)
			}
			if err == nil {
				r.out.RecordID = id
			}
			return err
		}); err != nil {
			r.fail(ctx, StepPublishing, err)
			return
		}
		r.log.Info().Str("record_id", r.out.RecordID).Msg("ImagingStudy published")
	}
	if r.stateOpen {
		if err := o.states.SetRecordID(ctx, r.key, r.out.RecordID); err != nil {
			r.log.Error().Err(err).Msg("failed to store remote record id")
		}
	}

	// PUSHING_INSTANCES
	start := time.Now()
	lastErr := r.push(ctx, studyDir, instances)
	outcome := "ok"
	if lastErr != "" {
		outcome = "failed"
	}
	o.metrics.SagaStep(string(StepPushing), outcome, time.Since(start))
	r.finish(ctx, instances, lastErr)
	if r.out.Status == StatusSuccess {
		r.notify(ctx)
	}
}

// localEntry returns the ingested worklist entry for the study, if any.
func (r *studyRun) localEntry(ctx context.Context) *worklist.Entry {
	if r.o.worklist == nil {
		return nil
	}
	e, err := r.o.worklist.GetByStudyUID(ctx, r.out.StudyUID)
	if err != nil {
		if !errors.Is(err, worklist.ErrNotFound) {
			r.log.Warn().Err(err).Msg("worklist lookup failed")
		}
		return nil
	}
	return e
}

func (r *studyRun) openState(ctx context.Context) {
	if r.key.PatientID == "" {
		return
	}
	if err := r.o.states.Begin(ctx, r.key); err != nil {
		r.log.Error().Err(err).Msg("failed to open integration state")
		return
	}
	r.stateOpen = true
}

// push delivers the in-scope unsent instances. Each instance is independent.
// It returns the last push error, if any.
func (r *studyRun) push(ctx context.Context, studyDir string, instances []ledger.InstanceRef) string {
	o := r.o
	var files map[string]*record.Header
	if !r.scope.IsZero() {
		files = r.headers(ctx, studyDir)
	}

	var lastErr string
	for i := range instances {
		inst := &instances[i]
		if inst.Sent {
			continue
		}
		if files != nil && !r.scope.includes(files[inst.InstanceUID]) {
			continue
		}

		pctx, cancel := o.stepContext(ctx)
		res, err := o.remote.PushInstance(pctx, inst.StoragePath, r.out.RecordID)
		cancel()
		if err != nil {
			o.metrics.InstancePush("failed")
			lastErr = fmt.Sprintf("push %s: %v", inst.InstanceUID, err)
			r.log.Error().Err(err).Str("instance_uid", inst.InstanceUID).Msg("instance push failed")
			continue
		}
		o.metrics.InstancePush(res.String())

		if err := o.ledger.MarkInstanceSent(ctx, inst.InstanceKey); err != nil {
			lastErr = fmt.Sprintf("mark %s sent: %v", inst.InstanceUID, err)
			continue
		}
		inst.Sent = true

		if res == remote.PushAlreadyExists {
			removeStoredFile(inst.StoragePath)
			r.log.Info().Str("instance_uid", inst.InstanceUID).Msg("instance already on archive, local copy removed")
		}
	}
	return lastErr
}

// siblings returns the study directories of the other associations that
// delivered the study, and whether any delivered instance of the study is
// already gone from disk.
func (r *studyRun) siblings(ctx context.Context, own []ledger.InstanceRef) ([]string, bool) {
	removed := anyRemoved(own)
	assocs, err := r.o.ledger.FindAssociations(ctx, r.out.StudyUID)
	if err != nil {
		r.log.Warn().Err(err).Msg("cannot list other associations of the study")
		return nil, removed
	}
	var dirs []string
	for _, assoc := range assocs {
		if assoc == r.out.AssociationID {
			continue
		}
		dir, err := r.o.layout.StudyDir(assoc, r.out.StudyUID)
		if err != nil {
			continue
		}
		dirs = append(dirs, dir)
		if !removed {
			if refs, err := r.o.ledger.ListInstances(ctx, assoc, r.out.StudyUID); err == nil {
				removed = anyRemoved(refs)
			}
		}
	}
	return dirs, removed
}

func anyRemoved(refs []ledger.InstanceRef) bool {
	for _, ref := range refs {
		if !ref.Sent {
			continue
		}
		if _, err := os.Stat(ref.StoragePath); errors.Is(err, fs.ErrNotExist) {
			return true
		}
	}
	return false
}

// headers maps SOP instance UID to header for scope filtering.
func (r *studyRun) headers(ctx context.Context, studyDir string) map[string]*record.Header {
	files, err := r.o.builder.Scan(ctx, studyDir)
	if err != nil {
		r.log.Warn().Err(err).Msg("cannot scan study for scoped push")
	}
	out := make(map[string]*record.Header, len(files))
	for _, f := range files {
		out[f.Header.SOPInstanceUID] = f.Header
	}
	return out
}

func (s Scope) includes(h *record.Header) bool {
	if h == nil {
		return false
	}
	if s.SeriesNumber != nil && h.SeriesNumber != *s.SeriesNumber {
		return false
	}
	if s.InstanceNumber != nil && h.InstanceNumber != *s.InstanceNumber {
		return false
	}
	return true
}

// removeStoredFile deletes the file and then tries its series directory,
// which fails harmlessly while other files remain.
func removeStoredFile(path string) {
	if err := os.Remove(path); err != nil {
		return
	}
	_ = os.Remove(filepath.Dir(path))
}

// finish records the outcome. Counts and status cover the study over every
// association that delivered it, since they share one integration state.
func (r *studyRun) finish(ctx context.Context, instances []ledger.InstanceRef, lastErr string) {
	sent, failed := 0, 0
	for _, inst := range instances {
		if inst.Sent {
			sent++
		} else {
			failed++
		}
	}
	complete := false
	progress, err := r.o.ledger.StudyProgress(ctx, r.out.StudyUID, r.out.AccessionNumber)
	if err != nil {
		r.log.Error().Err(err).Msg("cannot count study over associations, status left PENDING")
	} else {
		sent, failed = progress.Sent, progress.Unsent
		complete = progress.Complete()
	}

	r.out.Sent, r.out.Failed = sent, failed
	r.out.Status = StatusPending
	if complete {
		r.out.Status = StatusSuccess
		r.out.FailedStep = ""
	} else if lastErr == "" && failed > 0 {
		lastErr = fmt.Sprintf("%d instances of the study not sent yet", failed)
	}

	if r.stateOpen {
		if err := r.o.states.Finish(ctx, r.key, r.out.Status, sent, failed, lastErr); err != nil {
			r.log.Error().Err(err).Msg("failed to store integration state")
		}
	}
	r.log.Info().
		Str("status", string(r.out.Status)).
		Int("sent", sent).
		Int("failed", failed).
		Msg("study reconciled")
}

func (r *studyRun) notify(ctx context.Context) {
	if r.o.notifier == nil {
		return
	}
	notice := notification.StudyNotice{
		PatientID:       r.key.PatientID,
		StudyUID:        r.out.StudyUID,
		AccessionNumber: r.out.AccessionNumber,
		RecordID:        r.out.RecordID,
	}
	if r.o.worklist != nil && notice.PatientID != "" {
		if p, err := r.o.worklist.GetPatient(ctx, notice.PatientID); err == nil {
			notice.PatientName = p.Name
		}
	}
	if err := r.o.notifier.StudyReady(ctx, notice); err != nil {
		r.log.Warn().Err(err).Msg("study notification failed")
	}
}

func (r *studyRun) fail(ctx context.Context, step Step, err error) {
	r.out.FailedStep = step
	r.out.Err = err
	r.out.Status = StatusFailed
	r.log.Error().Err(err).Str("step", string(step)).Msg("saga step failed, study stopped")
	if !r.stateOpen {
		return
	}
	if serr := r.o.states.Fail(ctx, r.key, fmt.Sprintf("%s: %v", step, err)); serr != nil {
		r.log.Error().Err(serr).Msg("failed to store integration state")
	}
}

// step runs fn under the step timeout and records its outcome.
func (o *Orchestrator) step(ctx context.Context, name Step, fn func(ctx context.Context) error) error {
	start := time.Now()
	sctx, cancel := o.stepContext(ctx)
	defer cancel()

	err := fn(sctx)
	if err == nil && errors.Is(sctx.Err(), context.DeadlineExceeded) {
		err = sctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%s timed out after %s: %w", name, o.opts.StepTimeout, err)
	}

	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	o.metrics.SagaStep(string(name), outcome, time.Since(start))
	return err
}

func (o *Orchestrator) stepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.opts.StepTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.opts.StepTimeout)
}

func (o *Orchestrator) mirrorWanted(ctx context.Context) bool {
	if o.mirror == nil {
		return false
	}
	if o.opts.MirrorEnabled {
		return true
	}
	sctx, cancel := o.stepContext(ctx)
	defer cancel()
	enabled, err := o.remote.MirrorEnabled(sctx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("cannot read remote mirror flag, mirroring skipped")
		return false
	}
	return enabled
}

func allSent(instances []ledger.InstanceRef) bool {
	for _, inst := range instances {
		if !inst.Sent {
			return false
		}
	}
	return true
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l := k.locks[key]
	if l == nil {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
