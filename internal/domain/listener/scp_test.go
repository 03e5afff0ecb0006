package listener

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/dicomrouter/router/internal/domain/ledger"
	"github.com/dicomrouter/router/internal/domain/matching"
	"github.com/dicomrouter/router/internal/domain/record"
	"github.com/dicomrouter/router/internal/platform/dimse"
	"github.com/dicomrouter/router/internal/platform/metadata"
	"github.com/dicomrouter/router/internal/platform/telemetry"
)

type recordingRunner struct {
	mu    sync.Mutex
	assoc []string
}

func (r *recordingRunner) Submit(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assoc = append(r.assoc, id)
	return nil
}

type failingStore struct{}

func (failingStore) Query(context.Context, []matching.Predicate) (matching.Cursor, error) {
	return nil, errors.New("connection refused")
}

type testEnv struct {
	scp     *SCP
	ledger  *ledger.Ledger
	layout  record.Layout
	store   *matching.MemoryStore
	index   *metadata.MemoryIndex
	runner  *recordingRunner
	metrics *telemetry.Metrics
}

func newEnv(t *testing.T, store matching.Store) *testEnv {
	t.Helper()
	m, err := telemetry.NewMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	env := &testEnv{
		ledger:  ledger.NewLedger(ledger.NewMemoryRepo(), zerolog.Nop(), m),
		layout:  record.NewLayout(t.TempDir(), "k"),
		store:   matching.NewMemoryStore(),
		index:   metadata.NewMemoryIndex(),
		runner:  &recordingRunner{},
		metrics: m,
	}
	if store == nil {
		store = env.store
	}
	env.scp = NewSCP(Deps{
		Ledger:   env.ledger,
		Layout:   env.layout,
		Finder:   matching.NewEngine(store, zerolog.Nop(), m),
		Runner:   env.runner,
		Metadata: env.index,
		Index:    env.store,
		Logger:   zerolog.Nop(),
		Metrics:  m,
	})
	return env
}

func storeEvent(assoc, sop string) *dimse.StoreEvent {
	id := dimse.Dataset{}
	id.Set("StudyInstanceUID", "1.2.3").
		Set("SeriesInstanceUID", "1.2.3.1").
		Set("SOPInstanceUID", sop).
		Set("AccessionNumber", "ACC1").
		Set("PatientID", "P1")
	return &dimse.StoreEvent{
		Association:    dimse.Association{ID: assoc, CallingAE: "MODALITY", CalledAE: "ROUTER"},
		SOPClassUID:    "1.2.840.10008.5.1.4.1.1.2",
		SOPInstanceUID: sop,
		Identifier:     id,
		Data:           bytes.NewReader([]byte("DICM-payload")),
	}
}

func TestHandleStore(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()

	if st := env.scp.HandleStore(ctx, storeEvent("assoc-1", "1.2.3.1.1")); st != dimse.StatusSuccess {
		t.Fatalf("expected success, got %s", st)
	}

	path, _ := env.layout.InstancePath("assoc-1", "1.2.3", "1.2.3.1", "1.2.3.1.1")
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "DICM-payload" {
		t.Errorf("expected instance on disk, got %q %v", data, err)
	}
	items, _ := env.ledger.ListInstances(ctx, "assoc-1", "1.2.3")
	if len(items) != 1 || items[0].StoragePath != path || items[0].Sent {
		t.Errorf("unexpected ledger rows %+v", items)
	}
	docs, _ := env.index.FindByPatient(ctx, "P1")
	if len(docs) != 1 || docs[0].Path != path {
		t.Errorf("expected metadata document, got %+v", docs)
	}
	if got := testutil.ToFloat64(env.metrics.InstancesStored.WithLabelValues("Success")); got != 1 {
		t.Errorf("expected 1 stored instance metric, got %v", got)
	}
}

func TestHandleStore_MissingUIDs(t *testing.T) {
	env := newEnv(t, nil)
	ev := storeEvent("assoc-1", "1.2.3.1.1")
	delete(ev.Identifier, "SeriesInstanceUID")
	if st := env.scp.HandleStore(context.Background(), ev); st != dimse.StatusFailure {
		t.Errorf("expected failure, got %s", st)
	}
}

func TestHandleStore_RejectsMalformedUIDs(t *testing.T) {
	for name, uid := range map[string]string{
		"traversal": "../../../../tmp/evil",
		"separator": "1.2/3",
		"letters":   "1.2.x",
	} {
		t.Run(name, func(t *testing.T) {
			env := newEnv(t, nil)
			ev := storeEvent("assoc-1", "1.2.3.1.1")
			ev.Identifier.Set("StudyInstanceUID", uid)
			if st := env.scp.HandleStore(context.Background(), ev); st != dimse.StatusFailure {
				t.Errorf("expected failure, got %s", st)
			}
			entries, err := os.ReadDir(env.layout.Root)
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != 0 {
				t.Errorf("nothing must be written, found %d entries", len(entries))
			}
			if items, _ := env.ledger.ListInstances(context.Background(), "assoc-1", uid); len(items) != 0 {
				t.Error("nothing must be recorded for a malformed UID")
			}
		})
	}

	env := newEnv(t, nil)
	ev := storeEvent("assoc-1", "../../x")
	ev.Identifier.Set("SOPInstanceUID", "../../x")
	if st := env.scp.HandleStore(context.Background(), ev); st != dimse.StatusFailure {
		t.Errorf("expected failure for a malformed SOP instance UID, got %s", st)
	}
}

func TestHandleStore_WriteFailure(t *testing.T) {
	env := newEnv(t, nil)
	blocker := env.layout.AssociationDir("assoc-1")
	if err := os.WriteFile(blocker, []byte("not a directory"), 0o644); err != nil {
		t.Fatal(err)
	}
	if st := env.scp.HandleStore(context.Background(), storeEvent("assoc-1", "1.2.3.1.1")); st != dimse.StatusOutOfResources {
		t.Errorf("expected out of resources, got %s", st)
	}
	if items, _ := env.ledger.ListInstances(context.Background(), "assoc-1", "1.2.3"); len(items) != 0 {
		t.Error("nothing must be recorded when the write fails")
	}
}

func TestHandleRelease(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()
	env.scp.HandleStore(ctx, storeEvent("assoc-1", "1.2.3.1.1"))
	env.scp.HandleRelease(ctx, &dimse.ReleaseEvent{Association: dimse.Association{ID: "assoc-1"}})

	if len(env.runner.assoc) != 1 || env.runner.assoc[0] != "assoc-1" {
		t.Errorf("expected saga scheduled for assoc-1, got %v", env.runner.assoc)
	}
}

func TestHandleEcho(t *testing.T) {
	env := newEnv(t, nil)
	if st := env.scp.HandleEcho(context.Background(), &dimse.EchoEvent{}); st != dimse.StatusSuccess {
		t.Errorf("expected success, got %s", st)
	}
}

func worklistRow(patientID, name, study string) matching.Row {
	return matching.Row{Fields: map[string]string{
		matching.FieldPatientID:   patientID,
		matching.FieldPatientName: name,
		matching.FieldStudyUID:    study,
		matching.FieldModality:    "CT",
	}}
}

func TestHandleFind(t *testing.T) {
	env := newEnv(t, nil)
	env.store.Put(worklistRow("P1", "SMITH", "1.1"))
	env.store.Put(worklistRow("P2", "SMITHSON", "1.2"))
	env.store.Put(worklistRow("P3", "JONES", "1.3"))

	id := dimse.Dataset{}
	id.Set("PatientName", "SMITH*").Set("PatientID", "")
	resps := dimse.Drain(env.scp.HandleFind(context.Background(), &dimse.FindEvent{
		Level:      dimse.LevelWorklist,
		Identifier: id,
	}))
	if len(resps) != 3 {
		t.Fatalf("expected 2 pending and 1 final response, got %d", len(resps))
	}
	for _, r := range resps[:2] {
		if r.Status != dimse.StatusPending || r.Dataset.String("PatientID") == "" {
			t.Errorf("unexpected pending response %+v", r)
		}
	}
	if final := resps[2]; final.Status != dimse.StatusSuccess || final.Dataset != nil {
		t.Errorf("unexpected final response %+v", final)
	}
	if got := testutil.ToFloat64(env.metrics.FindQueries.WithLabelValues("WORKLIST", "Success")); got != 1 {
		t.Errorf("expected find metric, got %v", got)
	}
}

func TestHandleFind_Cancelled(t *testing.T) {
	env := newEnv(t, nil)
	env.store.Put(worklistRow("P1", "SMITH", "1.1"))
	env.store.Put(worklistRow("P2", "SMITHSON", "1.2"))

	calls := 0
	resps := dimse.Drain(env.scp.HandleFind(context.Background(), &dimse.FindEvent{
		Level:      dimse.LevelWorklist,
		Identifier: dimse.Dataset{}.Set("PatientName", "SMITH*"),
		Cancelled: func() bool {
			calls++
			return calls > 1
		},
	}))
	if len(resps) != 2 || resps[0].Status != dimse.StatusPending || resps[1].Status != dimse.StatusCancel {
		t.Errorf("expected one pending then cancel, got %+v", resps)
	}
}

func TestHandleFind_StoreFailure(t *testing.T) {
	env := newEnv(t, failingStore{})
	resps := dimse.Drain(env.scp.HandleFind(context.Background(), &dimse.FindEvent{
		Level:      dimse.LevelStudy,
		Identifier: dimse.Dataset{}.Set("PatientID", "P1"),
	}))
	if len(resps) != 1 || resps[0].Status != dimse.StatusFailure {
		t.Errorf("expected single failure, got %+v", resps)
	}
}

func TestDispatcherRegistration(t *testing.T) {
	env := newEnv(t, nil)
	d := dimse.NewDispatcher(zerolog.Nop())
	d.Register(env.scp)

	ctx := context.Background()
	if st := d.Store(ctx, storeEvent("assoc-9", "1.2.3.1.9")); st != dimse.StatusSuccess {
		t.Errorf("expected store routed to SCP, got %s", st)
	}
	d.Release(ctx, &dimse.ReleaseEvent{Association: dimse.Association{ID: "assoc-9"}})
	if len(env.runner.assoc) != 1 {
		t.Errorf("expected release routed to SCP")
	}
}
