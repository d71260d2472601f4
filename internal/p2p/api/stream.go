package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/execution-hub/channel-hub/internal/domain/event"
)

const streamBuffer = 64

// streamEvents pushes live domain events as server-sent events. Optional
// filters: type (comma separated) and process_id.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported", nil)
		return
	}
	var types []event.Type
	for _, raw := range strings.Split(r.URL.Query().Get("type"), ",") {
		if raw = strings.TrimSpace(raw); raw != "" {
			types = append(types, event.Type(raw))
		}
	}
	processID := strings.TrimSpace(r.URL.Query().Get("process_id"))

	events, cancel := s.rt.Node.Events().Subscribe(streamBuffer, types...)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			if processID != "" && evt.ProcessID != processID {
				continue
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("event: " + string(evt.Type) + "\ndata: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}
