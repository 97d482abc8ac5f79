// Package ledger is the append-only usage record store of §4.3, backed by
// SQLite in WAL mode and migrated with golang-migrate, grounded on
// bugielektrik-library's migrate+driver pairing (swapped to sqlite3 to keep
// the gateway a single-binary deploy).
package ledger

import (
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Record is one completed dispatch, written for both success and failure
// per §7's reconcilability policy.
type Record struct {
	Caller       string
	CapabilityID string
	CostMicros   int64
	Success      bool
	LatencyMs    int64
	At           time.Time
}

// Ledger is the durable usage store.
type Ledger struct {
	db *sql.DB
}

// Open opens/creates the sqlite database at dsn and applies migrations.
func Open(dsn string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite: single writer avoids SQLITE_BUSY under WAL

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return &Ledger{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return err
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// Close releases the underlying database handle.
func (l *Ledger) Close() error { return l.db.Close() }

// Append writes one usage record. The INSERT commits before this call
// returns, satisfying §5's "all appends committed before the response is
// returned" rule for the caller.
func (l *Ledger) Append(r Record) error {
	_, err := l.db.Exec(
		`INSERT INTO usage_records (caller, capability_id, cost_micros, success, latency_ms, ts)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.Caller, r.CapabilityID, r.CostMicros, boolToInt(r.Success), r.LatencyMs, r.At.Unix(),
	)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
