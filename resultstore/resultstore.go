// Package resultstore implements the Result Aggregator (§3 FullResult,
// §4.11 checkpoint): an append-only sqlite-backed log of every telemetry
// and log entry, schema-migrated with golang-migrate, grounded on
// boxer.go's `sql.Open("sqlite", ...)` plus embedded-schema pattern.
package resultstore

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Kind tags one entry's payload shape.
type Kind string

const (
	KindDataPoint Kind = "data_point"
	KindLog       Kind = "log"
)

// Entry is one row of the append-only log (§3 FullResult).
type Entry struct {
	ID            int64
	Experiment    string
	Instance      string
	Kind          Kind
	Payload       json.RawMessage
	RecordedAt    time.Time
	AfterSnapshot bool
}

// AppStatus is one row of the per-Application record table, cleared on a
// checkpoint reset and rebuilt from the new run (§4.11).
type AppStatus struct {
	Experiment  string
	Instance    string
	AppName     string
	State       string
	ExitMessage string
	RecordedAt  time.Time
}

// Store owns the sqlite-backed append-only log.
type Store struct {
	db *sql.DB
}

// Open opens (creating and migrating if necessary) the result store at
// path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("resultstore: open %q: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("resultstore: enable WAL: %w", err)
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("resultstore: migration driver: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("resultstore: migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("resultstore: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("resultstore: migrate up: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// AppendDataPoint persists a telemetry sample forwarded from a
// Supervisor's DataPoints channel.
func (s *Store) AppendDataPoint(experiment, instance string, payload any, at time.Time) error {
	return s.append(experiment, instance, KindDataPoint, payload, at)
}

// AppendLog persists a log-line entry forwarded from a Supervisor's Logs
// channel.
func (s *Store) AppendLog(experiment, instance string, payload any, at time.Time) error {
	return s.append(experiment, instance, KindLog, payload, at)
}

func (s *Store) append(experiment, instance string, kind Kind, payload any, at time.Time) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("resultstore: marshal %s payload: %w", kind, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO entries (experiment, instance, kind, payload, recorded_at, after_snapshot) VALUES (?, ?, ?, ?, ?, 1)`,
		experiment, instance, string(kind), string(data), at,
	)
	if err != nil {
		return fmt.Errorf("resultstore: insert %s entry: %w", kind, err)
	}
	return nil
}

// RecordAppStatus persists one Application state-change record.
func (s *Store) RecordAppStatus(rec AppStatus) error {
	_, err := s.db.Exec(
		`INSERT INTO application_records (experiment, instance, app_name, state, exit_message, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Experiment, rec.Instance, rec.AppName, rec.State, rec.ExitMessage, rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("resultstore: insert application record: %w", err)
	}
	return nil
}

// Entries returns every entry for an experiment, in insertion order, for
// the `export` subcommand.
func (s *Store) Entries(experiment string) ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT id, experiment, instance, kind, payload, recorded_at, after_snapshot FROM entries WHERE experiment = ? ORDER BY id`,
		experiment,
	)
	if err != nil {
		return nil, fmt.Errorf("resultstore: query entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var payload string
		if err := rows.Scan(&e.ID, &e.Experiment, &e.Instance, &e.Kind, &payload, &e.RecordedAt, &e.AfterSnapshot); err != nil {
			return nil, fmt.Errorf("resultstore: scan entry: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Checkpoint implements §4.11's reset semantics for a run resuming from a
// snapshot: every prior entry for this experiment is marked
// after_snapshot=false, and per-Application records are cleared so they
// are rebuilt from the new run. Instance/Controller log entries are kept
// (only marked, never deleted) so they remain available as context.
func (s *Store) Checkpoint(experiment string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("resultstore: begin checkpoint tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE entries SET after_snapshot = 0 WHERE experiment = ?`, experiment); err != nil {
		return fmt.Errorf("resultstore: mark entries after_snapshot=false: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM application_records WHERE experiment = ?`, experiment); err != nil {
		return fmt.Errorf("resultstore: clear application records: %w", err)
	}
	return tx.Commit()
}
