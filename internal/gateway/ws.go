package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/sakti-dev/runcoord/internal/bus"
	"github.com/sakti-dev/runcoord/internal/persistence"
)

// wsFrame is one message on the WebSocket feed: either an event from the
// run's log or the final state notification that closes the stream.
type wsFrame struct {
	Type  string                `json:"type"` // "event" or "state"
	Event *persistence.RunEvent `json:"event,omitempty"`
	State string                `json:"state,omitempty"`
}

// handleWS implements GET /ws?run_id=XXX&after=N: the same replay-then-tail
// contract as the SSE stream, over a WebSocket. The connection closes with a
// final "state" frame once the run is terminal and the log is drained.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
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
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v > 0 {
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

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	ctx := r.Context()

	var sub *bus.Subscription
	if s.cfg.Bus != nil {
		sub = s.cfg.Bus.Subscribe(bus.TopicRunEvent)
		defer s.cfg.Bus.Unsubscribe(sub)
	}

	ticker := time.NewTicker(tailPollInterval)
	defer ticker.Stop()

	for {
		events, err := s.cfg.Store.ListEventsAfter(ctx, runID, cursor, 256)
		if err != nil {
			return
		}
		for i := range events {
			if err := wsjson.Write(ctx, conn, wsFrame{Type: "event", Event: &events[i]}); err != nil {
				return
			}
			cursor = events[i].EventSeq
		}
		if len(events) == 256 {
			continue
		}

		run, err := s.cfg.Store.GetRun(ctx, runID)
		if err != nil {
			return
		}
		if persistence.IsTerminal(run.State) {
			last, err := s.cfg.Store.LastEventSeq(ctx, runID)
			if err != nil {
				return
			}
			if last <= cursor {
				_ = wsjson.Write(ctx, conn, wsFrame{Type: "state", State: string(run.State)})
				conn.Close(websocket.StatusNormalClosure, "run finished")
				return
			}
			continue
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
