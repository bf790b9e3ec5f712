package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/teroai/testbench/pkg/eventlog"
	"github.com/teroai/testbench/pkg/events"
	"github.com/teroai/testbench/pkg/store"
)

// handleStreamEvents streams a run's event log as server-sent events:
// retained history first, then live events until the run finishes. A
// reconnecting client resumes from its Last-Event-ID.
func (s *server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"streaming unsupported"})

		return
	}

	afterID := resumePoint(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// A finished run only has whatever history is still retained; replay
	// it and end the stream instead of tailing forever.
	if run.Status.Terminal() {
		rows, err := s.events.ReadFrom(r.Context(), run.ID, afterID)
		if err != nil {
			s.log.WithError(err).Warn("Failed to replay suite run events")

			return
		}

		for _, row := range rows {
			writeSSE(w, row)
		}

		flusher.Flush()

		return
	}

	err := s.events.Tail(r.Context(), run.ID, afterID, func(row store.SuiteRunEvent) error {
		writeSSE(w, row)
		flusher.Flush()

		if terminalEvent(row.Type) {
			return eventlog.ErrStop
		}

		return nil
	})
	if err != nil && !errors.Is(err, r.Context().Err()) {
		s.log.WithError(err).WithField("suite_run_id", run.ID).
			Warn("Event stream ended with error")
	}
}

// resumePoint extracts the last event id the client has seen, from the
// standard SSE reconnect header or an explicit query parameter.
func resumePoint(r *http.Request) uint {
	candidate := r.Header.Get("Last-Event-ID")
	if candidate == "" {
		candidate = r.URL.Query().Get("after")
	}

	id, err := strconv.ParseUint(candidate, 10, 32)
	if err != nil {
		return 0
	}

	return uint(id)
}

func writeSSE(w http.ResponseWriter, row store.SuiteRunEvent) {
	data := strings.ReplaceAll(row.Data, "\n", "\ndata: ")

	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", row.ID, row.Type, data)
}

// terminalEvent reports whether an event type closes the run's stream.
func terminalEvent(t string) bool {
	return t == string(events.TypeSuiteComplete) || t == string(events.TypeSuiteError)
}
