package main

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/dicomrouter/router/internal/config"
	"github.com/dicomrouter/router/internal/domain/ledger"
	"github.com/dicomrouter/router/internal/domain/listener"
	"github.com/dicomrouter/router/internal/domain/matching"
	"github.com/dicomrouter/router/internal/domain/record"
	"github.com/dicomrouter/router/internal/domain/saga"
	"github.com/dicomrouter/router/internal/domain/worklist"
	"github.com/dicomrouter/router/internal/platform/blobstore"
	"github.com/dicomrouter/router/internal/platform/db"
	"github.com/dicomrouter/router/internal/platform/dimse"
	"github.com/dicomrouter/router/internal/platform/logging"
	"github.com/dicomrouter/router/internal/platform/metadata"
	"github.com/dicomrouter/router/internal/platform/notification"
	"github.com/dicomrouter/router/internal/platform/remote"
	"github.com/dicomrouter/router/internal/platform/telemetry"
)

// app holds every wired component of one process.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	logCloser io.Closer
	pool      *pgxpool.Pool
	metrics   *telemetry.Metrics

	ledger      *ledger.Ledger
	worklist    worklist.Repository
	worklistSvc *worklist.Service
	matchStore  matching.Store
	memStore    *matching.MemoryStore
	engine      *matching.Engine
	states      saga.StateRepository
	layout      record.Layout

	metadata   metadata.Index
	mongo      *metadata.MongoIndex
	mirror     blobstore.Store
	mirrorMem  *blobstore.InMemoryStore
	notifier   *notification.Manager
	remote     *remote.Client
	orch       *saga.Orchestrator
	runner     *saga.Runner
	trigger    *saga.TriggerService
	dispatcher *dimse.Dispatcher
}

func newLogger(cfg *config.Config) (zerolog.Logger, io.Closer) {
	return logging.New(logging.Options{
		Level:      cfg.LogLevel,
		Dev:        cfg.IsDev(),
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
}

// buildApp wires the stores, the remote client, the saga and the DIMSE
// handlers. Optional collaborators are only built when configured.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	a.logger, a.logCloser = newLogger(cfg)

	metrics, err := telemetry.NewMetrics(prometheus.NewRegistry())
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	a.metrics = metrics

	if err := a.buildStores(ctx); err != nil {
		a.close()
		return nil, err
	}
	a.engine = matching.NewEngine(a.matchStore, a.logger, a.metrics)
	a.worklistSvc = worklist.NewService(a.worklist, cfg.OrganizationID, a.logger)
	a.layout = record.NewLayout(cfg.DicomDir, cfg.StorageHashKey)

	if err := a.buildMetadata(ctx); err != nil {
		a.close()
		return nil, err
	}
	a.buildMirror()
	a.buildNotifier()
	a.buildSaga(ctx)

	scp := listener.NewSCP(listener.Deps{
		Ledger:   a.ledger,
		Layout:   a.layout,
		Finder:   a.engine,
		Runner:   a.submitter(),
		Metadata: a.metadata,
		Index:    a.instanceIndex(),
		Logger:   a.logger,
		Metrics:  a.metrics,
	})
	a.dispatcher = dimse.NewDispatcher(a.logger)
	a.dispatcher.Register(scp)
	return a, nil
}

func (a *app) buildStores(ctx context.Context) error {
	if a.cfg.InMemory {
		a.logger.Warn().Msg("in-memory mode: ledger, worklist and integration state are not persisted")
		a.memStore = matching.NewMemoryStore()
		a.matchStore = a.memStore
		a.worklist = worklist.NewMemoryRepo(a.memStore)
		a.ledger = ledger.NewLedger(ledger.NewMemoryRepo(), a.logger, a.metrics)
		a.states = saga.NewMemoryStateRepo()
		return nil
	}

	pool, err := db.NewPool(ctx, a.cfg.DatabaseURL, a.cfg.DBMaxConns, a.cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	a.pool = pool
	a.logger.Info().Msg("connected to database")
	a.matchStore = matching.NewStorePG(pool)
	a.worklist = worklist.NewRepoPG(pool)
	a.ledger = ledger.NewLedger(ledger.NewRepoPG(pool), a.logger, a.metrics)
	a.states = saga.NewStateRepoPG(pool)
	return nil
}

func (a *app) buildMetadata(ctx context.Context) error {
	if a.cfg.MongoURL == "" {
		a.metadata = metadata.NewMemoryIndex()
		return nil
	}
	idx, err := metadata.NewMongoIndex(ctx, a.cfg.MongoURL, a.cfg.MongoDatabase)
	if err != nil {
		return fmt.Errorf("connect metadata index: %w", err)
	}
	a.mongo = idx
	a.metadata = idx
	a.logger.Info().Str("database", a.cfg.MongoDatabase).Msg("connected to metadata index")
	return nil
}

func (a *app) buildMirror() {
	switch {
	case a.cfg.MirrorURL != "":
		a.mirror = blobstore.NewHTTPStore(a.cfg.MirrorURL, &http.Client{Timeout: a.cfg.RemoteTimeout}, a.logger)
	case a.cfg.InMemory:
		a.mirrorMem = blobstore.NewInMemoryStore()
		a.mirror = a.mirrorMem
	}
}

func (a *app) buildNotifier() {
	if a.cfg.NotifyURL == "" {
		return
	}
	sender := notification.NewWhatsAppSender(notification.ProviderConfig{
		BaseURL:  a.cfg.NotifyURL,
		Email:    a.cfg.NotifyEmail,
		Password: a.cfg.NotifyPassword,
	}, &http.Client{Timeout: a.cfg.RemoteTimeout}, a.logger)
	a.notifier = notification.NewManager(sender, notification.ManagerConfig{
		Recipient: a.cfg.NotifyRecipient,
		Template:  a.cfg.NotifyTemplate,
	}, a.logger)
}

func (a *app) buildSaga(ctx context.Context) {
	if !a.cfg.RemoteEnabled() {
		a.logger.Warn().Msg("REMOTE_URL not set: associations are stored but never reconciled")
		return
	}
	tokens := remote.NewTokenSource(ctx, remote.TokenConfig{
		BaseURL:      a.cfg.RemoteURL,
		TokenPath:    a.cfg.RemoteTokenPath,
		ClientID:     a.cfg.RemoteClientID,
		ClientSecret: a.cfg.RemoteClientSecret,
	})
	a.remote = remote.New(remote.Config{
		BaseURL:        a.cfg.RemoteURL,
		FHIRPath:       a.cfg.RemoteFHIRPath,
		DicomPath:      a.cfg.RemoteDicomPath,
		OrganizationID: a.cfg.OrganizationID,
		Timeout:        a.cfg.RemoteTimeout,
		MaxRetries:     a.cfg.RemoteMaxRetries,
		OrderCacheTTL:  a.cfg.OrderCacheTTL,
	}, tokens, a.logger, a.metrics)

	deps := saga.Deps{
		Ledger:   a.ledger,
		States:   a.states,
		Remote:   a.remote,
		Builder:  record.NewBuilder(record.NewDicomReader(), a.cfg.OrganizationID, a.logger),
		Layout:   a.layout,
		Mirror:   a.mirror,
		Worklist: a.worklist,
		Logger:   a.logger,
		Metrics:  a.metrics,
	}
	if a.notifier != nil {
		deps.Notifier = a.notifier
	}
	a.orch = saga.NewOrchestrator(deps, saga.Options{
		OrganizationID: a.cfg.OrganizationID,
		StepTimeout:    a.cfg.SagaStepTimeout,
		MirrorEnabled:  a.cfg.MirrorEnabled,
	})
	a.runner = saga.NewRunner(a.orch, a.cfg.SagaWorkers, a.logger)
	a.trigger = saga.NewTriggerService(a.states, a.ledger, a.runner, a.logger)
}

// submitter returns the runner as a listener.Submitter, or nil when the
// saga is disabled.
func (a *app) submitter() listener.Submitter {
	if a.runner == nil {
		return nil
	}
	return a.runner
}

func (a *app) instanceIndex() listener.InstanceIndex {
	if a.memStore == nil {
		return nil
	}
	return a.memStore
}

// healthChecks lists the dependencies /health/db pings.
func (a *app) healthChecks() map[string]db.Checker {
	checks := map[string]db.Checker{}
	if a.pool != nil {
		checks["postgres"] = db.CheckerFunc(a.pool.Ping)
	}
	if a.mongo != nil {
		checks["mongodb"] = a.mongo
	}
	return checks
}

// shutdown waits for running sagas, then releases connections.
func (a *app) shutdown(ctx context.Context) {
	if a.runner != nil {
		if err := a.runner.Shutdown(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("sagas still running at shutdown")
		}
	}
	a.close()
}

func (a *app) close() {
	if a.mongo != nil {
		_ = a.mongo.Close(context.Background())
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
}
