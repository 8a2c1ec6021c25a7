package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sakti-dev/runcoord/internal/bus"
	"github.com/sakti-dev/runcoord/internal/persistence"
)

// tailPollInterval bounds how stale a stream can get if the bus drops the
// wakeup notification.
const tailPollInterval = 250 * time.Millisecond

// handleStream implements GET /api/v1/run/stream?run_id=XXX&after=N.
// It replays the run's event log from the requested cursor as SSE frames,
// then tails new events until the run reaches a terminal state and the log
// is drained. The SSE id field carries event_seq, so reconnecting clients
// resume from Last-Event-ID without gaps or duplicates.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		http.Error(w, "run_id query parameter is required", http.StatusBadRequest)
		return
	}

	cursor := int64(0)
	if raw := r.URL.Query().Get("after"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			http.Error(w, "after must be a non-negative integer", http.StatusBadRequest)
			return
		}
		cursor = v
	}
	// Reconnect cursor wins over the query parameter.
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v > cursor {
			cursor = v
		}
	}

	if _, err := s.cfg.Store.GetRun(r.Context(), runID); err != nil {
		if errors.Is(err, persistence.ErrRunNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		return
	}

	// The bus only wakes the tail early; the event log is the source of
	// truth, so a dropped notification costs at most one poll interval.
	var sub *bus.Subscription
	if s.cfg.Bus != nil {
		sub = s.cfg.Bus.Subscribe(bus.TopicRunEvent)
		defer s.cfg.Bus.Unsubscribe(sub)
	}

	ctx := r.Context()
	ticker := time.NewTicker(tailPollInterval)
	defer ticker.Stop()

	for {
		next, done, err := s.flushEvents(ctx, w, flusher, runID, cursor)
		if err != nil {
			return
		}
		cursor = next
		if done {
			return
		}

		if sub != nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case event, ok := <-sub.Ch():
				if !ok {
					return
				}
				if appended, ok := event.Payload.(bus.RunEventAppended); !ok || appended.RunID != runID {
					continue
				}
			}
		} else {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}
}

// flushEvents writes all events past the cursor and reports whether the
// stream is finished (run terminal and log drained).
func (s *Server) flushEvents(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, runID string, cursor int64) (int64, bool, error) {
	for {
		events, err := s.cfg.Store.ListEventsAfter(ctx, runID, cursor, 256)
		if err != nil {
			return cursor, false, err
		}
		for _, event := range events {
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", event.EventSeq, data); err != nil {
				return cursor, false, err
			}
			cursor = event.EventSeq
		}
		flusher.Flush()
		if len(events) < 256 {
			break
		}
	}

	run, err := s.cfg.Store.GetRun(ctx, runID)
	if err != nil {
		return cursor, false, err
	}
	if !persistence.IsTerminal(run.State) {
		return cursor, false, nil
	}
	// Terminal: drain anything appended between the flush and the state
	// read, then close.
	last, err := s.cfg.Store.LastEventSeq(ctx, runID)
	if err != nil {
		return cursor, false, err
	}
	return cursor, last <= cursor, nil
}
