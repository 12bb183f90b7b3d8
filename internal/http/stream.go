package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"taxledger/internal/auth"
	"taxledger/internal/core"
	"taxledger/internal/log"
	"taxledger/internal/realtime"
)

const keepAliveInterval = 25 * time.Second

type streamEvent struct {
	name  string
	data  any
	final bool
}

type syncErrorEvent struct {
	Error string `json:"error"`
	// Stale is true while the last snapshot is still shown.
	Stale bool `json:"stale"`
	// Final is true when the stream ends after this event.
	Final bool `json:"final"`
}

// handleStream serves the owner's ledger as Server-Sent Events. Each
// connection runs its own sync controller; the client receives a
// "snapshot" event after every accepted write and "sync-error" events
// when a re-fetch or the change feed fails.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := auth.SessionFromContext(ctx)
	if _, err := sess.Owner(); err != nil {
		s.fail(w, r, log.OpSubscribe, err)
		return
	}

	rc := http.NewResponseController(w)
	// Streams outlive the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	events := make(chan streamEvent)
	done := make(chan struct{})
	defer close(done)

	send := func(ev streamEvent) {
		select {
		case events <- ev:
		case <-done:
		}
	}

	cfg := s.syncCfg
	cfg.Logger = log.FromContext(ctx)
	ctl := realtime.NewController(s.ledger, s.changes, sess, cfg)
	unregister, err := ctl.Register(realtime.ObserverFuncs{
		Snapshot: func(records []core.ExpenseRecord) {
			send(streamEvent{name: "snapshot", data: listResponse{Expenses: toExpenseList(records), Count: len(records)}})
		},
		Error: func(err error) {
			stale := errors.Is(err, realtime.ErrStale)
			send(streamEvent{
				name:  "sync-error",
				data:  syncErrorEvent{Error: err.Error(), Stale: stale, Final: !stale},
				final: !stale,
			})
		},
	})
	if err != nil {
		s.fail(w, r, log.OpSubscribe, err)
		return
	}
	defer unregister()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		log.FromContext(ctx).WarnContext(ctx, "Streaming not supported", log.FieldError, err)
		return
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			_ = rc.Flush()
		case ev := <-events:
			if err := writeEvent(w, ev); err != nil {
				log.FromContext(ctx).DebugContext(ctx, "Stream write failed", log.FieldError, err)
				return
			}
			_ = rc.Flush()
			if ev.final {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev streamEvent) error {
	data, err := json.Marshal(ev.data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.name, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, data)
	return err
}
