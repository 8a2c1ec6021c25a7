package persistence

import (
	"context"
	"fmt"
	"time"
)

// StateCounts summarizes the run table for health and metrics endpoints.
type StateCounts struct {
	Queued          int64 `json:"queued"`
	Running         int64 `json:"running"`
	CancelRequested int64 `json:"cancel_requested"`
	Stale           int64 `json:"stale"`
	Completed       int64 `json:"completed"`
	Failed          int64 `json:"failed"`
	Canceled        int64 `json:"canceled"`
	Dead            int64 `json:"dead"`
	ExpiredLeases   int64 `json:"expired_leases"`
}

// CountsByState tallies runs per state plus the number of active runs whose
// lease has already expired (sweep backlog).
func (s *Store) CountsByState(ctx context.Context) (StateCounts, error) {
	var counts StateCounts
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM runs GROUP BY state;`)
	if err != nil {
		return counts, fmt.Errorf("count runs by state: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var state RunState
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return counts, fmt.Errorf("scan state count: %w", err)
		}
		switch state {
		case RunStateQueued:
			counts.Queued = n
		case RunStateRunning:
			counts.Running = n
		case RunStateCancelRequested:
			counts.CancelRequested = n
		case RunStateStale:
			counts.Stale = n
		case RunStateCompleted:
			counts.Completed = n
		case RunStateFailed:
			counts.Failed = n
		case RunStateCanceled:
			counts.Canceled = n
		case RunStateDead:
			counts.Dead = n
		}
	}
	if err := rows.Err(); err != nil {
		return counts, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM runs
		WHERE state IN ('running', 'cancel_requested', 'stale')
		  AND lease_expires_at IS NOT NULL
		  AND lease_expires_at <= ?;
	`, time.Now().UTC()).Scan(&counts.ExpiredLeases)
	if err != nil {
		return counts, fmt.Errorf("count expired leases: %w", err)
	}
	return counts, nil
}

// PruneTerminalRuns deletes terminal runs that finished before cutoff, along
// with their event logs. Returns the number of runs removed.
func (s *Store) PruneTerminalRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	var pruned int64
	err := retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin prune tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM run_events WHERE run_id IN (
				SELECT id FROM runs
				WHERE state IN ('completed', 'failed', 'canceled', 'dead')
				  AND finished_at IS NOT NULL AND finished_at < ?
			);
		`, cutoff); err != nil {
			return fmt.Errorf("prune run events: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			DELETE FROM runs
			WHERE state IN ('completed', 'failed', 'canceled', 'dead')
			  AND finished_at IS NOT NULL AND finished_at < ?;
		`, cutoff)
		if err != nil {
			return fmt.Errorf("prune runs: %w", err)
		}
		pruned, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("prune rows affected: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return pruned, nil
}

// Backup writes a consistent snapshot of the database to destPath using
// VACUUM INTO. The destination must not already exist.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return fmt.Errorf("vacuum into backup: %w", err)
	}
	return nil
}
