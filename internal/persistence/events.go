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

// AppendEventParams carries one event to append to a run's log.
type AppendEventParams struct {
	RunID     string
	EventType string
	Payload   string // JSON, "" means {}
	DedupeKey string // optional, scoped to the run
}

// AppendEvent appends an event to the run's log with the next sequence
// number. Sequences are per-run, start at 1, and never gap: the number is
// assigned as MAX(event_seq)+1 inside the insert transaction. When DedupeKey
// is set and an event with that key already exists for the run, the existing
// event is returned and nothing is written.
func (s *Store) AppendEvent(ctx context.Context, p AppendEventParams) (*RunEvent, error) {
	if p.RunID == "" {
		return nil, errors.New("run id is required")
	}
	if p.EventType == "" {
		return nil, errors.New("event type is required")
	}
	if p.Payload == "" {
		p.Payload = "{}"
	}

	var result *RunEvent
	err := retryOnBusy(ctx, 3, func() error {
		result = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if p.DedupeKey != "" {
			existing, err := getEventByDedupeKeyTx(ctx, tx, p.RunID, p.DedupeKey)
			if err != nil {
				return err
			}
			if existing != nil {
				result = existing
				return tx.Commit()
			}
		}

		var sessionID string
		if err := tx.QueryRowContext(ctx, `SELECT task_session_id FROM runs WHERE id = ?;`, p.RunID).Scan(&sessionID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrRunNotFound
			}
			return fmt.Errorf("select run for event: %w", err)
		}

		var lastSeq int64
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(event_seq), 0) FROM run_events WHERE run_id = ?;
		`, p.RunID).Scan(&lastSeq); err != nil {
			return fmt.Errorf("select last event seq: %w", err)
		}

		event := &RunEvent{
			EventID:       uuid.NewString(),
			RunID:         p.RunID,
			TaskSessionID: sessionID,
			EventSeq:      lastSeq + 1,
			EventType:     p.EventType,
			Payload:       p.Payload,
			DedupeKey:     p.DedupeKey,
			CreatedAt:     time.Now().UTC(),
		}
		var dedupe sql.NullString
		if p.DedupeKey != "" {
			dedupe = sql.NullString{String: p.DedupeKey, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO run_events (event_id, run_id, task_session_id, event_seq, event_type, payload, dedupe_key, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, event.EventID, event.RunID, event.TaskSessionID, event.EventSeq,
			event.EventType, event.Payload, dedupe, event.CreatedAt); err != nil {
			return fmt.Errorf("insert run event: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit append tx: %w", err)
		}

		result = event
		if s.bus != nil {
			s.bus.Publish(bus.TopicRunEvent, bus.RunEventAppended{
				RunID:     event.RunID,
				EventSeq:  event.EventSeq,
				EventType: event.EventType,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func getEventByDedupeKeyTx(ctx context.Context, tx *sql.Tx, runID, key string) (*RunEvent, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM run_events
		WHERE run_id = ? AND dedupe_key = ?;
	`, runID, key)
	var event RunEvent
	if err := scanEvent(row.Scan, &event); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select event by dedupe key: %w", err)
	}
	return &event, nil
}

// ListEventsAfter returns up to limit events with event_seq > afterSeq,
// ordered by sequence. afterSeq 0 reads from the start of the log.
func (s *Store) ListEventsAfter(ctx context.Context, runID string, afterSeq int64, limit int) ([]RunEvent, error) {
	if limit <= 0 || limit > MaxEventListLimit {
		limit = MaxEventListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM run_events
		WHERE run_id = ? AND event_seq > ?
		ORDER BY event_seq ASC
		LIMIT ?;
	`, runID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()

	var events []RunEvent
	for rows.Next() {
		var event RunEvent
		if err := scanEvent(rows.Scan, &event); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// LastEventSeq returns the highest sequence appended for the run, 0 when the
// log is empty.
func (s *Store) LastEventSeq(ctx context.Context, runID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(event_seq), 0) FROM run_events WHERE run_id = ?;
	`, runID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("select last event seq: %w", err)
	}
	return seq, nil
}

const eventColumns = `
	event_id,
	run_id,
	task_session_id,
	event_seq,
	event_type,
	payload,
	COALESCE(dedupe_key, ''),
	created_at`

func scanEvent(scanFn func(dest ...any) error, event *RunEvent) error {
	return scanFn(
		&event.EventID,
		&event.RunID,
		&event.TaskSessionID,
		&event.EventSeq,
		&event.EventType,
		&event.Payload,
		&event.DedupeKey,
		&event.CreatedAt,
	)
}
