package endpoints

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/buildtrace/buildtrace/internal/events"
	"github.com/buildtrace/buildtrace/internal/svcctx"
)

// JobEventsEndpoint handles GET /api/jobs/{id}/events, streaming progress
// events for one job as server-sent events. The stream ends after
// job_complete or when the client disconnects.
type JobEventsEndpoint struct{}

func (e *JobEventsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/jobs/{id}/events", e.handler
}

func (e *JobEventsEndpoint) RequiresInit() bool { return true }

func (e *JobEventsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	feed := svcctx.FeedFrom(r.Context())
	jobID := r.PathValue("id")

	ch, cancel := feed.Subscribe(jobID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
			if ev.Type == events.TypeJobComplete {
				return
			}
		}
	}
}

func (e *JobEventsEndpoint) Command(_ func() string) *cobra.Command {
	// Streaming endpoint; watch a job with curl -N.
	return nil
}
