//go:build unix

package server

import (
	"context"
	"time"

	"github.com/pbs-plus/pbx-backup/internal/backend/upload"
	mw "github.com/pbs-plus/pbx-backup/internal/proxy/middlewares"
	"github.com/pbs-plus/pbx-backup/internal/syslog"
)

// MaintenanceService periodically drops idle rate limiter buckets and stale
// upload sessions.
type MaintenanceService struct {
	Limiter *mw.RateLimiter
	Uploads *upload.Reassembler

	Interval      time.Duration
	LimiterIdle   time.Duration
	SessionMaxAge time.Duration
}

func NewMaintenanceService(limiter *mw.RateLimiter, uploads *upload.Reassembler) *MaintenanceService {
	return &MaintenanceService{
		Limiter:       limiter,
		Uploads:       uploads,
		Interval:      15 * time.Minute,
		LimiterIdle:   10 * time.Minute,
		SessionMaxAge: 24 * time.Hour,
	}
}

func (m *MaintenanceService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	for {
		m.RunOnce()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *MaintenanceService) RunOnce() {
	if m.Limiter != nil {
		m.Limiter.Cleanup(m.LimiterIdle)
	}
	if m.Uploads != nil {
		if err := m.Uploads.PruneSessions(m.SessionMaxAge); err != nil {
			syslog.L.Error(err).WithMessage("failed to prune upload sessions").Write()
		}
	}
}

func (m *MaintenanceService) String() string {
	return "maintenance"
}
