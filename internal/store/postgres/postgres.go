// Package postgres is the Postgres store driver. Row locks use
// SELECT ... FOR UPDATE inside sqlx transactions.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/jensholdgaard/cricket-auctiond/internal/clock"
	"github.com/jensholdgaard/cricket-auctiond/internal/config"
	"github.com/jensholdgaard/cricket-auctiond/internal/store"
)

//go:embed migrations/001_initial.sql
var initialSchema string

func init() {
	store.Register("postgres", func(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (store.Ledger, error) {
		db, err := Connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if cfg.Migrate {
			if err := Migrate(ctx, db); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		return New(db, clk, cfg.LockTimeout), nil
	})
}

// Connect opens and verifies a Postgres connection with OTEL instrumentation.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	// Register the OTel-instrumented driver wrapping lib/pq.
	driverName, err := otelsql.Register("postgres",
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		return nil, fmt.Errorf("registering otel driver: %w", err)
	}

	db, err := sqlx.ConnectContext(ctx, driverName, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return db, nil
}

// Migrate applies the schema. It is safe to run repeatedly.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, initialSchema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// Ledger implements store.Ledger and store.Seeder with sqlx.
type Ledger struct {
	queries
	db          *sqlx.DB
	clock       clock.Clock
	lockTimeout time.Duration
}

var (
	_ store.Ledger = (*Ledger)(nil)
	_ store.Seeder = (*Ledger)(nil)
	_ store.Tx     = (*tx)(nil)
)

// New returns a Ledger over db. A positive lockTimeout bounds every row
// lock wait inside WithinTx.
func New(db *sqlx.DB, clk clock.Clock, lockTimeout time.Duration) *Ledger {
	return &Ledger{queries: queries{q: db}, db: db, clock: clk, lockTimeout: lockTimeout}
}

// DB returns the underlying connection pool.
func (l *Ledger) DB() *sql.DB { return l.db.DB }

// WithinTx runs fn inside a database transaction.
func (l *Ledger) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	sqlTx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", mapErr(err))
	}
	defer func() { _ = sqlTx.Rollback() }()

	if l.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", l.lockTimeout.Milliseconds())
		if _, err := sqlTx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("setting lock timeout: %w", err)
		}
	}

	if err := fn(ctx, &tx{queries: queries{q: sqlTx}, clock: l.clock}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", mapErr(err))
	}
	return nil
}

func (l *Ledger) Ping(ctx context.Context) error { return l.db.PingContext(ctx) }

func (l *Ledger) Close() error { return l.db.Close() }

// mapErr translates driver errors into store sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "55P03": // lock_not_available
			return fmt.Errorf("%w: %s", store.ErrLockTimeout, pqErr.Message)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%w: %s", store.ErrNotFound, pqErr.Message)
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", store.ErrConflict, pqErr.Message)
		case "23514": // check_violation
			if pqErr.Constraint == "team_purse_bounds" {
				return fmt.Errorf("%w: %s", store.ErrInsufficientPurse, pqErr.Message)
			}
		}
	}
	return err
}
