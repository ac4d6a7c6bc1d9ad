//go:build unix

package jobs

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/pbs-plus/pbx-backup/internal/backend/status"
	"github.com/pbs-plus/pbx-backup/internal/proxy/controllers"
	"github.com/pbs-plus/pbx-backup/internal/syslog"
)

const sseEvent = "new-msgs"

func parseRequest(r *http.Request) (status.Request, error) {
	q := r.URL.Query()
	return status.ParseRequest(
		chi.URLParam(r, "kind"),
		q.Get("id"),
		q.Get("transaction"),
		q.Get("pid"),
		q.Get("offset") == "true",
	)
}

// StatusHandler streams job status as server-sent events until the job
// reaches a terminal state or the client goes away.
func StatusHandler(b *controllers.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		emitter := status.EmitterFunc(func(ev status.Event) error {
			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", sseEvent, data); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		})

		req, err := parseRequest(r)
		if err != nil {
			_ = emitter.Emit(status.MissingParameters())
			return
		}

		if err := b.Streamer.Stream(r.Context(), req, emitter); err != nil && r.Context().Err() == nil {
			syslog.L.Warn().
				WithMessage("status stream ended early").
				WithField("error", err.Error()).
				WithJob(req.TransactionID).
				Write()
		}
	}
}
