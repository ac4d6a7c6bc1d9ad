//go:build unix

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pbs-plus/pbx-backup/internal/config"
	"github.com/pbs-plus/pbx-backup/internal/proxy/controllers"
	"github.com/pbs-plus/pbx-backup/internal/proxy/controllers/backups"
	"github.com/pbs-plus/pbx-backup/internal/proxy/controllers/jobs"
	"github.com/pbs-plus/pbx-backup/internal/proxy/controllers/restores"
	"github.com/pbs-plus/pbx-backup/internal/proxy/controllers/system"
	"github.com/pbs-plus/pbx-backup/internal/proxy/controllers/uploads"
	mw "github.com/pbs-plus/pbx-backup/internal/proxy/middlewares"
	"github.com/pbs-plus/pbx-backup/internal/syslog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var Version = "v0.0.0"

// NewRouter mounts every API route under /api/v1. A nil uploadLimiter is
// built from cfg.
func NewRouter(b *controllers.Backend, cfg config.ServerConfig, uploadLimiter *mw.RateLimiter) http.Handler {
	if uploadLimiter == nil {
		uploadLimiter = mw.NewRateLimiter(cfg.UploadRate, cfg.UploadBurst)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(mw.RequestLogger)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
			controllers.WriteData(w, map[string]string{"version": Version})
		})

		r.Get("/backups", backups.ListHandler(b))
		r.Post("/backups", backups.SaveHandler(b))
		r.Get("/backups/{id}", backups.GetHandler(b))
		r.Delete("/backups/{id}", backups.DeleteHandler(b))
		r.Post("/backups/{id}/run", backups.RunHandler(b))

		r.Get("/restores/local", restores.LocalHandler(b))
		r.Get("/restores/{fileid}/inspect", restores.InspectHandler(b))
		r.Post("/restores/{fileid}/run", restores.RunHandler(b))
		r.Get("/restores/{fileid}/download", restores.DownloadHandler(b))
		r.Delete("/restores/{fileid}", restores.DeleteHandler(b))

		r.Get("/jobs/{kind}/status", jobs.StatusHandler(b))
		r.Get("/jobs/{kind}/ws", jobs.WebSocketHandler(b))

		r.With(uploadLimiter.Handler).Post("/uploads", uploads.ChunkHandler(b))

		r.Get("/hooks", system.HooksHandler(b))
		r.Post("/keys/generate", system.GenerateKeyHandler(b))
	})

	return r
}

// HTTPService runs an http.Server under a suture supervisor.
type HTTPService struct {
	server          *http.Server
	shutdownTimeout time.Duration
}

func NewHTTPService(handler http.Handler, cfg config.ServerConfig) *HTTPService {
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPService{
		server: &http.Server{
			Addr:              cfg.Listen,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       2 * time.Minute,
		},
		shutdownTimeout: timeout,
	}
}

func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		syslog.L.Info().WithMessage(fmt.Sprintf("starting API server on %s", h.server.Addr)).Write()
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		// The serve context is already cancelled; shutdown gets its own.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()

		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("API server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string {
	return "http-server"
}
