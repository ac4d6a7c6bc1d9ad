//go:build unix

package middlewares

import (
	"net"
	"net/http"
	"time"

	"github.com/pbs-plus/pbx-backup/internal/proxy/controllers"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"
)

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter keeps one token bucket per client address.
type RateLimiter struct {
	limit    rate.Limit
	burst    int
	limiters *xsync.MapOf[string, *limiterEntry]
	now      func() time.Time
}

func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: xsync.NewMapOf[string, *limiterEntry](),
		now:      time.Now,
	}
}

func (rl *RateLimiter) Allow(key string) bool {
	now := rl.now()
	entry, _ := rl.limiters.Compute(key, func(old *limiterEntry, loaded bool) (*limiterEntry, bool) {
		if !loaded {
			return &limiterEntry{limiter: rate.NewLimiter(rl.limit, rl.burst), lastAccess: now}, false
		}
		old.lastAccess = now
		return old, false
	})
	return entry.limiter.AllowN(now, 1)
}

// Cleanup drops buckets idle for longer than idle.
func (rl *RateLimiter) Cleanup(idle time.Duration) {
	threshold := rl.now().Add(-idle)
	rl.limiters.Range(func(key string, entry *limiterEntry) bool {
		rl.limiters.Compute(key, func(old *limiterEntry, loaded bool) (*limiterEntry, bool) {
			return old, !loaded || old.lastAccess.Before(threshold)
		})
		return true
	})
}

// Handler rejects requests over the limit with 429.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientKey(r)) {
			w.Header().Set("Retry-After", "1")
			controllers.WriteJSON(w, http.StatusTooManyRequests, controllers.StatusResponse{
				Status:  false,
				Message: "too many requests",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
