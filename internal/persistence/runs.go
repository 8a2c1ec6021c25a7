package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sakti-dev/runcoord/internal/bus"
)

// CreateRunParams carries the fields needed to enqueue a new run.
type CreateRunParams struct {
	TaskSessionID    string
	RuntimeMode      RuntimeMode
	ClientRequestKey string // optional idempotency key, scoped to the session
	Input            string // JSON object, "" means {}
	Metadata         string // JSON object, "" means {}
	MaxAttempts      int    // 0 means DefaultMaxAttempts
}

// CreateRun enqueues a new run in state queued. When ClientRequestKey is set
// and a run with the same (session, key) pair already exists, the existing
// run is returned unchanged and no new row is created.
func (s *Store) CreateRun(ctx context.Context, p CreateRunParams) (*Run, error) {
	if p.TaskSessionID == "" {
		return nil, errors.New("task session id is required")
	}
	if !ValidRuntimeMode(p.RuntimeMode) {
		return nil, fmt.Errorf("unknown runtime mode %q", p.RuntimeMode)
	}
	if p.Input == "" {
		p.Input = "{}"
	}
	if p.Metadata == "" {
		p.Metadata = "{}"
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}

	if p.ClientRequestKey != "" {
		existing, err := s.FindByClientRequestKey(ctx, p.TaskSessionID, p.ClientRequestKey)
		if err != nil && !errors.Is(err, ErrRunNotFound) {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	now := time.Now().UTC()
	run := &Run{
		ID:            uuid.NewString(),
		TaskSessionID: p.TaskSessionID,
		RuntimeMode:   p.RuntimeMode,
		State:         RunStateQueued,
		Input:         p.Input,
		Metadata:      p.Metadata,
		MaxAttempts:   p.MaxAttempts,
		CreatedAt:     now,
		UpdatedAt:     now,
		QueuedAt:      now,
	}
	var clientKey sql.NullString
	if p.ClientRequestKey != "" {
		run.ClientRequestKey = p.ClientRequestKey
		clientKey = sql.NullString{String: p.ClientRequestKey, Valid: true}
	}

	err := retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO runs (id, task_session_id, runtime_mode, state, client_request_key,
				input, metadata, attempt, max_attempts, created_at, updated_at, queued_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?);
		`, run.ID, run.TaskSessionID, run.RuntimeMode, run.State, clientKey,
			run.Input, run.Metadata, run.MaxAttempts, now, now, now)
		return err
	})
	if err != nil {
		// Two callers raced on the same idempotency key; the loser adopts the
		// winner's row.
		if p.ClientRequestKey != "" && isUniqueViolation(err) {
			return s.FindByClientRequestKey(ctx, p.TaskSessionID, p.ClientRequestKey)
		}
		return nil, fmt.Errorf("insert run: %w", err)
	}

	s.publishStateChange(run.ID, run.TaskSessionID, "", RunStateQueued)
	return run, nil
}

// GetRun fetches a run by id. Returns ErrRunNotFound when absent.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?;`, runID)
	var run Run
	if err := scanRun(row.Scan, &run); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("select run: %w", err)
	}
	return &run, nil
}

// FindByClientRequestKey resolves the run created for an idempotency key
// within a session. Returns ErrRunNotFound when no run carries that key.
func (s *Store) FindByClientRequestKey(ctx context.Context, sessionID, key string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE task_session_id = ? AND client_request_key = ?;
	`, sessionID, key)
	var run Run
	if err := scanRun(row.Scan, &run); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("select run by request key: %w", err)
	}
	return &run, nil
}

// ListRunsBySession returns the session's runs, newest first.
func (s *Store) ListRunsBySession(ctx context.Context, sessionID string, limit int) ([]Run, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE task_session_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list session runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		if err := scanRun(rows.Scan, &run); err != nil {
			return nil, fmt.Errorf("scan session run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ClaimNextRun atomically claims the oldest claimable run for workerID and
// moves it to running under a lease. Claimable means queued, or stale with an
// expired lease (left behind by a sweep that died mid-pass). Returns
// (nil, nil) when the queue is empty.
func (s *Store) ClaimNextRun(ctx context.Context, workerID string, lease time.Duration) (*Run, error) {
	if workerID == "" {
		return nil, errors.New("worker id is required")
	}

	var claimed *Run
	err := retryOnBusy(ctx, 3, func() error {
		claimed = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC()
		row := tx.QueryRowContext(ctx, `
			SELECT `+runColumns+` FROM runs
			WHERE state = 'queued'
			   OR (state = 'stale' AND lease_expires_at <= ?)
			ORDER BY created_at ASC, id ASC
			LIMIT 1;
		`, now)
		var run Run
		if err := scanRun(row.Scan, &run); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return tx.Commit()
			}
			return fmt.Errorf("select claimable run: %w", err)
		}

		expires := now.Add(lease)
		from, ok, err := s.transitionRunTx(ctx, tx, run.ID,
			[]RunState{RunStateQueued, RunStateStale}, RunStateRunning,
			`lease_owner = ?, lease_expires_at = ?, last_heartbeat_at = ?, started_at = COALESCE(started_at, ?)`,
			workerID, expires, now, now)
		if err != nil {
			return err
		}
		if !ok {
			// Lost the race to another worker; treat as empty queue this poll.
			return tx.Commit()
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}

		run.State = RunStateRunning
		run.LeaseOwner = workerID
		run.LeaseExpiresAt = &expires
		run.LastHeartbeatAt = &now
		run.UpdatedAt = now
		if run.StartedAt == nil {
			run.StartedAt = &now
		}
		claimed = &run
		s.publishStateChange(run.ID, run.TaskSessionID, from, RunStateRunning)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// HeartbeatLease extends the lease for a run owned by workerID. Returns false
// when the run is no longer held by this worker in an active state, which
// tells the worker to abandon the run.
//
// cancel_requested still heartbeats: the worker keeps its lease alive while
// it winds down, so the recovery sweep only steals runs from dead workers.
func (s *Store) HeartbeatLease(ctx context.Context, runID, workerID string, lease time.Duration) (bool, error) {
	now := time.Now().UTC()
	var ok bool
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE runs
			SET lease_expires_at = ?, last_heartbeat_at = ?, updated_at = ?
			WHERE id = ? AND lease_owner = ? AND state IN ('running', 'cancel_requested');
		`, now.Add(lease), now, now, runID, workerID)
		if err != nil {
			return fmt.Errorf("heartbeat lease: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("heartbeat rows affected: %w", err)
		}
		ok = affected == 1
		return nil
	})
	return ok, err
}

// IsCancelRequested reports whether cancellation has been requested for the
// run. Terminal canceled also reports true so a slow poller stands down.
func (s *Store) IsCancelRequested(ctx context.Context, runID string) (bool, error) {
	var state RunState
	err := s.db.QueryRowContext(ctx, `SELECT state FROM runs WHERE id = ?;`, runID).Scan(&state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrRunNotFound
		}
		return false, fmt.Errorf("select run state: %w", err)
	}
	return state == RunStateCancelRequested || state == RunStateCanceled, nil
}

// RequestCancel asks for a run to stop. Queued and stale runs cancel
// immediately; running runs move to cancel_requested and keep their lease so
// the worker can wind down. Terminal runs and runs already pending
// cancellation are returned unchanged. Always returns the resulting row.
func (s *Store) RequestCancel(ctx context.Context, runID string) (*Run, error) {
	var result *Run
	err := retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin cancel tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var state RunState
		if err := tx.QueryRowContext(ctx, `SELECT state FROM runs WHERE id = ?;`, runID).Scan(&state); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrRunNotFound
			}
			return fmt.Errorf("select run for cancel: %w", err)
		}

		now := time.Now().UTC()
		var published func()
		switch state {
		case RunStateQueued, RunStateStale:
			from, ok, err := s.transitionRunTx(ctx, tx, runID,
				[]RunState{RunStateQueued, RunStateStale}, RunStateCanceled,
				`cancel_requested_at = ?, canceled_at = ?, finished_at = ?, lease_owner = NULL, lease_expires_at = NULL`,
				now, now, now)
			if err != nil {
				return err
			}
			if ok {
				published = func() { s.publishAfterCancel(ctx, runID, from, RunStateCanceled) }
			}
		case RunStateRunning:
			from, ok, err := s.transitionRunTx(ctx, tx, runID,
				[]RunState{RunStateRunning}, RunStateCancelRequested,
				`cancel_requested_at = ?`, now)
			if err != nil {
				return err
			}
			if ok {
				published = func() { s.publishAfterCancel(ctx, runID, from, RunStateCancelRequested) }
			}
		default:
			// cancel_requested or terminal: nothing to do.
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit cancel tx: %w", err)
		}
		if published != nil {
			published()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	result, err = s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) publishAfterCancel(ctx context.Context, runID string, from, to RunState) {
	run, err := s.GetRun(ctx, runID)
	sessionID := ""
	if err == nil {
		sessionID = run.TaskSessionID
	}
	s.publishStateChange(runID, sessionID, from, to)
	if to == RunStateCanceled && s.bus != nil {
		s.bus.Publish(bus.TopicRunCanceled, bus.RunStateChangedEvent{
			RunID: runID, TaskSessionID: sessionID,
			OldState: string(from), NewState: string(to),
		})
	}
}

// MarkCompleted finalizes a run owned by workerID as completed. The guard
// accepts running and cancel_requested: a worker that finishes real work
// before noticing a cancel request still records the completion. Returns
// false when the worker no longer owns the run.
func (s *Store) MarkCompleted(ctx context.Context, runID, workerID string) (bool, error) {
	return s.finalizeOwned(ctx, runID, workerID, RunStateCompleted, "", "")
}

// MarkFailed finalizes a run owned by workerID as failed with an error code
// and message. Same ownership guard as MarkCompleted.
func (s *Store) MarkFailed(ctx context.Context, runID, workerID, errorCode, errorMessage string) (bool, error) {
	return s.finalizeOwned(ctx, runID, workerID, RunStateFailed, errorCode, errorMessage)
}

// MarkCanceled finalizes a run owned by workerID as canceled, acknowledging
// a cancel request.
func (s *Store) MarkCanceled(ctx context.Context, runID, workerID string) (bool, error) {
	return s.finalizeOwned(ctx, runID, workerID, RunStateCanceled, "", "")
}

func (s *Store) finalizeOwned(ctx context.Context, runID, workerID string, to RunState, errorCode, errorMessage string) (bool, error) {
	if workerID == "" {
		return false, errors.New("worker id is required")
	}
	var (
		done      bool
		from      RunState
		sessionID string
	)
	err := retryOnBusy(ctx, 3, func() error {
		done = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin finalize tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var owner sql.NullString
		if err := tx.QueryRowContext(ctx, `SELECT lease_owner, task_session_id FROM runs WHERE id = ?;`, runID).Scan(&owner, &sessionID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return tx.Commit()
			}
			return fmt.Errorf("select run owner: %w", err)
		}
		if !owner.Valid || owner.String != workerID {
			return tx.Commit()
		}

		now := time.Now().UTC()
		set := `finished_at = ?, lease_owner = NULL, lease_expires_at = NULL`
		args := []any{now}
		switch to {
		case RunStateFailed:
			set += `, error_code = ?, error_message = ?`
			args = append(args, errorCode, errorMessage)
		case RunStateCanceled:
			set += `, canceled_at = ?`
			args = append(args, now)
		}

		prev, ok, err := s.transitionRunTx(ctx, tx, runID,
			[]RunState{RunStateRunning, RunStateCancelRequested}, to, set, args...)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit finalize tx: %w", err)
		}
		done = ok
		from = prev
		return nil
	})
	if err != nil {
		return false, err
	}
	if done {
		s.publishStateChange(runID, sessionID, from, to)
		if s.bus != nil {
			topic := map[RunState]string{
				RunStateCompleted: bus.TopicRunCompleted,
				RunStateFailed:    bus.TopicRunFailed,
				RunStateCanceled:  bus.TopicRunCanceled,
			}[to]
			s.bus.Publish(topic, bus.RunStateChangedEvent{
				RunID: runID, TaskSessionID: sessionID,
				OldState: string(from), NewState: string(to),
			})
		}
	}
	return done, nil
}

// RequeueExpiredRuns is the recovery sweep. Running runs whose lease expired
// before now are marked stale and then resolved in the same transaction:
// requeued with attempt+1 when budget remains, dead otherwise. A
// cancel_requested run whose worker died is resolved straight to canceled.
// Returns the number of runs put back on the queue.
func (s *Store) RequeueExpiredRuns(ctx context.Context, now time.Time) (requeued int64, err error) {
	type change struct {
		runID     string
		sessionID string
		from, to  RunState
	}
	var changes []change

	err = retryOnBusy(ctx, 3, func() error {
		requeued = 0
		changes = changes[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sweep tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id, task_session_id, state, attempt, max_attempts FROM runs
			WHERE state IN ('running', 'cancel_requested', 'stale')
			  AND lease_expires_at IS NOT NULL
			  AND lease_expires_at <= ?
			ORDER BY lease_expires_at ASC;
		`, now)
		if err != nil {
			return fmt.Errorf("select expired leases: %w", err)
		}
		type expired struct {
			id, sessionID string
			state         RunState
			attempt       int
			maxAttempts   int
		}
		var found []expired
		for rows.Next() {
			var e expired
			if err := rows.Scan(&e.id, &e.sessionID, &e.state, &e.attempt, &e.maxAttempts); err != nil {
				rows.Close()
				return fmt.Errorf("scan expired run: %w", err)
			}
			found = append(found, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate expired runs: %w", err)
		}

		for _, e := range found {
			switch e.state {
			case RunStateCancelRequested:
				// Worker died while winding down; nothing left to wait for.
				from, ok, err := s.transitionRunTx(ctx, tx, e.id,
					[]RunState{RunStateCancelRequested}, RunStateCanceled,
					`canceled_at = ?, finished_at = ?, lease_owner = NULL, lease_expires_at = NULL`,
					now, now)
				if err != nil {
					return err
				}
				if ok {
					changes = append(changes, change{e.id, e.sessionID, from, RunStateCanceled})
				}
				continue
			case RunStateRunning:
				if _, ok, err := s.transitionRunTx(ctx, tx, e.id,
					[]RunState{RunStateRunning}, RunStateStale, ``); err != nil {
					return err
				} else if !ok {
					continue
				}
			case RunStateStale:
				// Left behind by an interrupted sweep; resolve it now.
			}

			if e.attempt+1 < e.maxAttempts {
				from, ok, err := s.transitionRunTx(ctx, tx, e.id,
					[]RunState{RunStateStale}, RunStateQueued,
					`attempt = attempt + 1, lease_owner = NULL, lease_expires_at = NULL, last_heartbeat_at = NULL, queued_at = ?`,
					now)
				if err != nil {
					return err
				}
				if ok {
					requeued++
					changes = append(changes, change{e.id, e.sessionID, from, RunStateQueued})
				}
			} else {
				from, ok, err := s.transitionRunTx(ctx, tx, e.id,
					[]RunState{RunStateStale}, RunStateDead,
					`finished_at = ?, lease_owner = NULL, lease_expires_at = NULL,
					 error_code = 'LEASE_EXPIRED', error_message = 'retry budget exhausted after repeated lease expiry'`,
					now)
				if err != nil {
					return err
				}
				if ok {
					changes = append(changes, change{e.id, e.sessionID, from, RunStateDead})
				}
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit sweep tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, c := range changes {
		s.publishStateChange(c.runID, c.sessionID, c.from, c.to)
		if c.to == RunStateQueued && s.bus != nil {
			s.bus.Publish(bus.TopicRunRequeued, bus.RunStateChangedEvent{
				RunID: c.runID, TaskSessionID: c.sessionID,
				OldState: string(c.from), NewState: string(c.to),
			})
		}
	}
	return requeued, nil
}
