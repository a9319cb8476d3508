package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/store"
)

// handleStreamEvents replays a run's recorded events and then follows live
// ones until the run finishes or the client goes away.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, model.KindResourceNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run for events", "error", err)
		s.writeError(w, model.KindInternal, "failed to get run")
		return
	}

	// Subscribe before reading history so nothing published in between is
	// lost. Duplicates are filtered by sequence number below.
	ch, unsub := s.engine.Broker().Subscribe(id)
	defer unsub()

	history, err := s.store.GetEvents(r.Context(), id)
	if err != nil {
		s.logger.Error("get run events", "error", err)
		s.writeError(w, model.KindInternal, "failed to get run events")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("clear write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	next := 0
	for _, ev := range history {
		if err := writeSSEEvent(w, ev); err != nil {
			return
		}
		next = ev.Seq + 1
	}
	flush()

	if model.IsTerminal(run.Status) {
		_ = writeSSEDone(w)
		flush()
		return
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = writeSSEDone(w)
				flush()
				return
			}
			if ev.Seq < next {
				continue
			}
			if err := writeSSEEvent(w, ev); err != nil {
				return
			}
			next = ev.Seq + 1
			flush()
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEEvent writes one run event as a named SSE event whose id is the
// event sequence number and whose data is the event as JSON.
func writeSSEEvent(w http.ResponseWriter, ev model.RunEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
	return err
}

// writeSSEDone writes the terminating event of a stream.
func writeSSEDone(w http.ResponseWriter) error {
	_, err := fmt.Fprint(w, "event: done\ndata: stream complete\n\n")
	return err
}
