package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"github.com/dicomrouter/router/internal/config"
	"github.com/dicomrouter/router/internal/domain/listener"
	"github.com/dicomrouter/router/internal/domain/matching"
	"github.com/dicomrouter/router/internal/domain/saga"
	"github.com/dicomrouter/router/internal/domain/worklist"
	"github.com/dicomrouter/router/internal/platform/auth"
	"github.com/dicomrouter/router/internal/platform/blobstore"
	"github.com/dicomrouter/router/internal/platform/db"
	"github.com/dicomrouter/router/internal/platform/dimse"
	"github.com/dicomrouter/router/internal/platform/metadata"
	"github.com/dicomrouter/router/internal/platform/middleware"
	"github.com/dicomrouter/router/internal/platform/notification"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "dicom-router",
		Short: "DICOM worklist and national exchange gateway",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(worklistCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the router",
		RunE: func(cmd *cobra.Command, args []string) error {
			if memory, _ := cmd.Flags().GetBool("memory"); memory {
				os.Setenv("IN_MEMORY", "true")
			}
			return runServer()
		},
	}
	cmd.Flags().Bool("memory", false, "Keep all state in memory (no database)")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Running migrations on schema: %s\n", schema)
			count, err := db.NewMigrator(pool, dir, schema).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", db.DefaultSchema, "Target schema for migrations")
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir, schema).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", db.DefaultSchema, "Target schema for migrations")
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

// reconcileCmd runs the saga in the foreground, for operators repairing a
// study the background run left PENDING or FAILED.
func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run the reconciliation saga for an association or a study",
		RunE: func(cmd *cobra.Command, args []string) error {
			assoc, _ := cmd.Flags().GetString("association")
			study, _ := cmd.Flags().GetString("study")
			reprocess, _ := cmd.Flags().GetBool("reprocess")
			if (assoc == "") == (study == "") {
				return fmt.Errorf("exactly one of --association or --study is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if !cfg.RemoteEnabled() {
				return fmt.Errorf("REMOTE_URL is required to reconcile")
			}

			ctx := context.Background()
			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			outcomes, err := reconcile(ctx, a, assoc, study, reprocess)
			if err != nil {
				return err
			}
			return printOutcomes(cmd.OutOrStdout(), outcomes)
		},
	}
	cmd.Flags().String("association", "", "Association id to reconcile")
	cmd.Flags().String("study", "", "Study Instance UID to reconcile across all associations")
	cmd.Flags().Bool("reprocess", false, "Push instances again even if already marked sent")
	return cmd
}

func reconcile(ctx context.Context, a *app, assoc, study string, reprocess bool) ([]saga.StudyOutcome, error) {
	if assoc != "" {
		if reprocess {
			refs, err := a.ledger.ListStudies(ctx, assoc)
			if err != nil {
				return nil, err
			}
			for _, ref := range refs {
				if _, err := a.ledger.ResetSent(ctx, assoc, ref.StudyUID); err != nil {
					return nil, err
				}
			}
		}
		return a.orch.RunAssociation(ctx, assoc), nil
	}

	assocs, err := a.ledger.FindAssociations(ctx, study)
	if err != nil {
		return nil, err
	}
	if len(assocs) == 0 {
		return nil, fmt.Errorf("no stored instances for study %s", study)
	}
	var out []saga.StudyOutcome
	for _, id := range assocs {
		if reprocess {
			if _, err := a.ledger.ResetSent(ctx, id, study); err != nil {
				return nil, err
			}
		}
		refs, err := a.ledger.ListStudies(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			if ref.StudyUID != study {
				continue
			}
			out = append(out, a.orch.RunStudy(ctx, id, ref, saga.Scope{}))
		}
	}
	return out, nil
}

type outcomeView struct {
	AssociationID string `json:"association_id"`
	StudyUID      string `json:"study_uid"`
	Status        string `json:"status"`
	RecordID      string `json:"record_id,omitempty"`
	Sent          int    `json:"sent"`
	Failed        int    `json:"failed"`
	FailedStep    string `json:"failed_step,omitempty"`
	Error         string `json:"error,omitempty"`
}

func printOutcomes(w io.Writer, outcomes []saga.StudyOutcome) error {
	views := make([]outcomeView, 0, len(outcomes))
	for _, o := range outcomes {
		v := outcomeView{
			AssociationID: o.AssociationID,
			StudyUID:      o.StudyUID,
			Status:        string(o.Status),
			RecordID:      o.RecordID,
			Sent:          o.Sent,
			Failed:        o.Failed,
			FailedStep:    string(o.FailedStep),
		}
		if o.Err != nil {
			v.Error = o.Err.Error()
		}
		views = append(views, v)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(views)
}

func worklistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worklist",
		Short: "Inspect the modality worklist",
	}

	findCmd := &cobra.Command{
		Use:   "find",
		Short: "Run a C-FIND identifier against the worklist and print the matches",
		RunE: func(cmd *cobra.Command, args []string) error {
			level, _ := cmd.Flags().GetString("level")
			filters, _ := cmd.Flags().GetStringArray("filter")
			id, err := parseFilters(filters)
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			logger, closer := newLogger(cfg)
			defer closer.Close()
			engine := matching.NewEngine(matching.NewStorePG(pool), logger, nil)
			return runFind(ctx, cmd.OutOrStdout(), engine, dimse.Level(strings.ToUpper(level)), id)
		},
	}
	findCmd.Flags().String("level", string(dimse.LevelWorklist), "Query level (PATIENT, STUDY, SERIES, IMAGE or WORKLIST)")
	findCmd.Flags().StringArray("filter", nil, "Keyword=Value matching key, repeatable (empty value requests the attribute)")
	cmd.AddCommand(findCmd)
	return cmd
}

// parseFilters turns Keyword=Value pairs into a C-FIND identifier.
func parseFilters(filters []string) (dimse.Dataset, error) {
	id := dimse.Dataset{}
	for _, f := range filters {
		k, v, ok := strings.Cut(f, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid filter %q, want Keyword=Value", f)
		}
		id.Set(k, v)
	}
	return id, nil
}

func runFind(ctx context.Context, w io.Writer, engine listener.Finder, level dimse.Level, id dimse.Dataset) error {
	res, err := engine.Find(ctx, matching.FindRequest{Level: level, Identifier: id})
	if err != nil {
		return err
	}
	defer res.Close()

	enc := json.NewEncoder(w)
	for res.Next() {
		if err := enc.Encode(listener.Flatten(res.Dataset())); err != nil {
			return err
		}
	}
	for _, u := range res.Unsupported() {
		fmt.Fprintf(os.Stderr, "unsupported matching key %s: %s\n", u.Keyword, u.Reason)
	}
	return res.Err()
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	a, err := buildApp(context.Background(), cfg)
	if err != nil {
		return err
	}
	logger := a.logger

	e := newEcho(a)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("ae_title", cfg.AETitle).Msg("starting dicom router")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}
	a.shutdown(ctx)
	return nil
}

// newEcho builds the HTTP surface: health and metrics, the RIS facing
// worklist API, integration state, the metadata index and the DIMSE bridge.
func newEcho(a *app) *echo.Echo {
	cfg := a.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.BodyLimit("512M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Calling-AE"},
	}))
	e.Use(a.metrics.MetricsMiddleware())
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}

	if cfg.ResolvedAuthMode() == "development" {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			SigningKey: []byte(cfg.JWTSecret),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(a.pool, a.healthChecks()))
	e.GET("/metrics", a.metrics.PrometheusHandler())

	apiV1 := e.Group("/api/v1")
	fhirGroup := e.Group("/fhir")

	worklist.NewHandler(a.worklistSvc).RegisterRoutes(apiV1, fhirGroup)
	metadata.NewHandler(a.metadata, a.logger).RegisterRoutes(apiV1)
	listener.NewBridge(a.dispatcher, cfg.AETitle, a.logger).RegisterRoutes(apiV1)

	if a.trigger != nil {
		saga.NewHandler(a.trigger).RegisterRoutes(apiV1)
	}
	if a.notifier != nil {
		notification.NewHandler(a.notifier).RegisterRoutes(apiV1)
	}
	if a.mirrorMem != nil {
		blobstore.NewHandler(a.mirrorMem).RegisterRoutes(apiV1.Group("/mirror"))
	}
	return e
}
