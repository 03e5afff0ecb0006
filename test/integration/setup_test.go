package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dicomrouter/router/internal/platform/db"
)

// globalPool is shared by every test and initialized once in TestMain.
var globalPool *pgxpool.Pool

// TestMain starts a ledger database (or uses INTEGRATION_DATABASE_URL),
// applies the migrations and runs the tests. Without Docker the package is
// skipped.
func TestMain(m *testing.M) {
	ctx := context.Background()

	connStr := os.Getenv("INTEGRATION_DATABASE_URL")
	cleanup := func() {}
	if connStr == "" {
		if !dockerAvailable(ctx) {
			fmt.Fprintln(os.Stderr, "skipping integration tests: docker is not available")
			os.Exit(0)
		}
		c, err := startLedgerDB(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start postgres: %v\n", err)
			os.Exit(1)
		}
		connStr, cleanup = c.DSN(), c.Stop
	}

	pool, err := db.NewPool(ctx, connStr, 5, 1)
	if err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	if _, err := db.NewMigrator(pool, findMigrationsDir(), db.DefaultSchema).Up(ctx); err != nil {
		pool.Close()
		cleanup()
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	globalPool = pool
	code := m.Run()
	pool.Close()
	cleanup()
	os.Exit(code)
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	return exec.CommandContext(ctx, "docker", "info").Run() == nil
}

// findMigrationsDir locates the migrations directory relative to this test file.
func findMigrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

var uidSeq atomic.Int64

// uid returns a unique 2.25 style UID so tests never share rows.
func uid(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("2.25.%d.%d", uuid.New().ID(), uidSeq.Add(1))
}
