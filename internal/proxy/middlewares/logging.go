//go:build unix

package middlewares

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/pbs-plus/pbx-backup/internal/syslog"
)

// RequestLogger writes one debug entry per request, and a warning for
// server errors.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		entry := syslog.L.Debug()
		if ww.Status() >= http.StatusInternalServerError {
			entry = syslog.L.Warn()
		}
		entry.WithMessage("http request").
			WithFields(map[string]interface{}{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   ww.Status(),
				"bytes":    ww.BytesWritten(),
				"duration": time.Since(start).String(),
			}).
			Write()
	})
}
