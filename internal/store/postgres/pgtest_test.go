package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jensholdgaard/cricket-auctiond/internal/clock"
	"github.com/jensholdgaard/cricket-auctiond/internal/config"
	"github.com/jensholdgaard/cricket-auctiond/internal/store/postgres"
)

var testNow = time.Date(2026, 3, 22, 19, 30, 0, 0, time.UTC)

const testLockTimeout = 500 * time.Millisecond

// newTestLedger connects through the instrumented driver to a fresh
// Postgres container with the schema applied.
func newTestLedger(t *testing.T) (*postgres.Ledger, *sqlx.DB) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("auctiond_test"),
		tcpostgres.WithUsername("auctiond"),
		tcpostgres.WithPassword("auctiond"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}

	host, err := ctr.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := ctr.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}

	db, err := postgres.Connect(ctx, config.DatabaseConfig{
		Host:         host,
		Port:         port.Int(),
		User:         "auctiond",
		Password:     "auctiond",
		DBName:       "auctiond_test",
		SSLMode:      "disable",
		MaxOpenConns: 8,
	})
	if err != nil {
		t.Fatalf("connecting to test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	for range 2 {
		if err := postgres.Migrate(ctx, db); err != nil {
			t.Fatalf("applying migration: %v", err)
		}
	}

	return postgres.New(db, clock.NewMock(testNow), testLockTimeout), db
}
