package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gigmarket/gigmarket/internal/domain/stream"
)

// streamConversation pushes conversation changes as server-sent events.
// Clients back-fill through the REST endpoints after a reconnect or a
// stream.reset event.
func (s *Server) streamConversation(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "conversationId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "invalid conversation id")
		return
	}
	actor := actorID(r.Context())
	if _, err := s.messagingSvc.GetConversation(r.Context(), id, actor); err != nil {
		s.respondAppError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "streaming unsupported")
		return
	}

	viewer := s.hub.Join(actor, id)
	defer s.hub.Leave(viewer)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "retry: %d\n\n", 3000)
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-viewer.Events:
			if !ok {
				if viewer.Evicted() {
					_ = writeEvent(w, &stream.Event{Name: stream.EventReset, Data: []byte("{}")})
					flusher.Flush()
				}
				return
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev *stream.Event) error {
	if ev.ID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", ev.ID); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, ev.Data)
	return err
}
