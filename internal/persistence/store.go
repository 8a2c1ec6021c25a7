// Package persistence owns the run record table and the per-run event log.
// All cross-worker coordination happens here through conditional updates;
// callers never see the raw database handle outside this package boundary.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/sakti-dev/runcoord/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "rc-v1-2026-08-run-lifecycle"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1

	// DefaultMaxAttempts bounds the requeue budget when the caller does not
	// supply one.
	DefaultMaxAttempts = 3

	// MaxEventListLimit caps a single ListEventsAfter page.
	MaxEventListLimit = 1000
)

// ErrRunNotFound is returned when a run id does not resolve to a row.
var ErrRunNotFound = errors.New("run not found")

// RunState is the lifecycle state of a run.
type RunState string

const (
	RunStateQueued          RunState = "queued"
	RunStateRunning         RunState = "running"
	RunStateCancelRequested RunState = "cancel_requested"
	// RunStateStale is a transient marker set by the recovery sweep between
	// detecting an expired lease and resolving the run to queued or dead. A
	// crashed sweep can leave it behind, so ClaimNextRun also accepts
	// lease-expired stale rows.
	RunStateStale RunState = "stale"

	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
	RunStateCanceled  RunState = "canceled"
	RunStateDead      RunState = "dead"
)

// RuntimeMode selects the execution profile for a run.
type RuntimeMode string

const (
	RuntimeModeIntake RuntimeMode = "intake"
	RuntimeModePlan   RuntimeMode = "plan"
	RuntimeModeBuild  RuntimeMode = "build"
)

// ValidRuntimeMode reports whether m is a known runtime mode.
func ValidRuntimeMode(m RuntimeMode) bool {
	switch m {
	case RuntimeModeIntake, RuntimeModePlan, RuntimeModeBuild:
		return true
	}
	return false
}

var allowedTransitions = map[RunState]map[RunState]struct{}{
	RunStateQueued: {
		RunStateRunning:  {},
		RunStateCanceled: {},
	},
	RunStateRunning: {
		RunStateCompleted:       {},
		RunStateFailed:          {},
		RunStateCancelRequested: {},
		RunStateCanceled:        {},
		RunStateStale:           {},
	},
	RunStateCancelRequested: {
		RunStateCanceled:  {},
		RunStateCompleted: {},
		RunStateFailed:    {},
	},
	RunStateStale: {
		RunStateQueued:   {},
		RunStateDead:     {},
		RunStateRunning:  {},
		RunStateCanceled: {},
	},
}

// IsTerminal reports whether s admits no further transitions.
func IsTerminal(s RunState) bool {
	switch s {
	case RunStateCompleted, RunStateFailed, RunStateCanceled, RunStateDead:
		return true
	}
	return false
}

func canTransition(from, to RunState) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Run is a single asynchronous execution attempt record.
type Run struct {
	ID                string      `json:"id"`
	TaskSessionID     string      `json:"task_session_id"`
	RuntimeMode       RuntimeMode `json:"runtime_mode"`
	State             RunState    `json:"state"`
	ClientRequestKey  string      `json:"client_request_key,omitempty"`
	Input             string      `json:"input"`
	Metadata          string      `json:"metadata"`
	Attempt           int         `json:"attempt"`
	MaxAttempts       int         `json:"max_attempts"`
	LeaseOwner        string      `json:"lease_owner,omitempty"`
	LeaseExpiresAt    *time.Time  `json:"lease_expires_at,omitempty"`
	LastHeartbeatAt   *time.Time  `json:"last_heartbeat_at,omitempty"`
	CancelRequestedAt *time.Time  `json:"cancel_requested_at,omitempty"`
	CanceledAt        *time.Time  `json:"canceled_at,omitempty"`
	FinishedAt        *time.Time  `json:"finished_at,omitempty"`
	ErrorCode         string      `json:"error_code,omitempty"`
	ErrorMessage      string      `json:"error_message,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
	QueuedAt          time.Time   `json:"queued_at"`
	StartedAt         *time.Time  `json:"started_at,omitempty"`
}

// RunEvent is one row of the per-run append-only event log.
type RunEvent struct {
	EventID       string    `json:"event_id"`
	RunID         string    `json:"run_id"`
	TaskSessionID string    `json:"task_session_id"`
	EventSeq      int64     `json:"event_seq"`
	EventType     string    `json:"event_type"`
	Payload       string    `json:"payload"`
	DedupeKey     string    `json:"dedupe_key,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".runcoord", "runcoord.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// Single connection serializes claim/append transactions in-process; the
	// database-level conditional updates still guard against other processes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			task_session_id TEXT NOT NULL,
			runtime_mode TEXT NOT NULL CHECK(runtime_mode IN ('intake', 'plan', 'build')),
			state TEXT NOT NULL CHECK(state IN ('queued', 'running', 'cancel_requested', 'stale', 'completed', 'failed', 'canceled', 'dead')),
			client_request_key TEXT,
			input JSON NOT NULL DEFAULT '{}',
			metadata JSON NOT NULL DEFAULT '{}',
			attempt INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			lease_owner TEXT,
			lease_expires_at DATETIME,
			last_heartbeat_at DATETIME,
			cancel_requested_at DATETIME,
			canceled_at DATETIME,
			finished_at DATETIME,
			error_code TEXT,
			error_message TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			queued_at DATETIME NOT NULL,
			started_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS run_events (
			event_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id),
			task_session_id TEXT NOT NULL,
			event_seq INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			dedupe_key TEXT,
			created_at DATETIME NOT NULL,
			UNIQUE(run_id, event_seq)
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_client_key ON runs(task_session_id, client_request_key) WHERE client_request_key IS NOT NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_runs_claim ON runs(state, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_lease_expires ON runs(lease_expires_at);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(task_session_id, created_at);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_run_events_dedupe ON run_events(run_id, dedupe_key) WHERE dedupe_key IS NOT NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_seq ON run_events(run_id, event_seq);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

const runColumns = `
	id,
	task_session_id,
	runtime_mode,
	state,
	COALESCE(client_request_key, ''),
	input,
	metadata,
	attempt,
	max_attempts,
	COALESCE(lease_owner, ''),
	lease_expires_at,
	last_heartbeat_at,
	cancel_requested_at,
	canceled_at,
	finished_at,
	COALESCE(error_code, ''),
	COALESCE(error_message, ''),
	created_at,
	updated_at,
	queued_at,
	started_at`

func scanRun(scanFn func(dest ...any) error, run *Run) error {
	var (
		leaseExpires    sql.NullTime
		lastHeartbeat   sql.NullTime
		cancelRequested sql.NullTime
		canceledAt      sql.NullTime
		finishedAt      sql.NullTime
		startedAt       sql.NullTime
	)
	if err := scanFn(
		&run.ID,
		&run.TaskSessionID,
		&run.RuntimeMode,
		&run.State,
		&run.ClientRequestKey,
		&run.Input,
		&run.Metadata,
		&run.Attempt,
		&run.MaxAttempts,
		&run.LeaseOwner,
		&leaseExpires,
		&lastHeartbeat,
		&cancelRequested,
		&canceledAt,
		&finishedAt,
		&run.ErrorCode,
		&run.ErrorMessage,
		&run.CreatedAt,
		&run.UpdatedAt,
		&run.QueuedAt,
		&startedAt,
	); err != nil {
		return err
	}
	run.LeaseExpiresAt = nullableTime(leaseExpires)
	run.LastHeartbeatAt = nullableTime(lastHeartbeat)
	run.CancelRequestedAt = nullableTime(cancelRequested)
	run.CanceledAt = nullableTime(canceledAt)
	run.FinishedAt = nullableTime(finishedAt)
	run.StartedAt = nullableTime(startedAt)
	return nil
}

func nullableTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

// transitionRunTx moves a run between states with an optimistic guard: the
// UPDATE only lands if the row still holds the state observed inside this
// transaction. Returns false when the run is missing, the current state is
// not in allowedFrom, or a concurrent writer won the race.
func (s *Store) transitionRunTx(ctx context.Context, tx *sql.Tx, runID string, allowedFrom []RunState, to RunState, set string, args ...any) (from RunState, ok bool, err error) {
	var current RunState
	if err := tx.QueryRowContext(ctx, `SELECT state FROM runs WHERE id = ?;`, runID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("select run for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return current, false, nil
	}
	if !canTransition(current, to) {
		return current, false, fmt.Errorf("illegal transition %s -> %s", current, to)
	}

	query := `UPDATE runs SET state = ?, updated_at = ?`
	if set != "" {
		query += ", " + set
	}
	query += ` WHERE id = ? AND state = ?;`

	full := append([]any{to, time.Now().UTC()}, args...)
	full = append(full, runID, current)
	res, err := tx.ExecContext(ctx, query, full...)
	if err != nil {
		return current, false, fmt.Errorf("update run transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return current, false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return current, false, nil
	}
	return current, true, nil
}

func (s *Store) publishStateChange(runID, sessionID string, from, to RunState) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicRunStateChanged, bus.RunStateChangedEvent{
		RunID:         runID,
		TaskSessionID: sessionID,
		OldState:      string(from),
		NewState:      string(to),
	})
}
