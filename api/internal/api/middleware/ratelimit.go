package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const visitorIdle = 3 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	mu       sync.Mutex
	lastSeen time.Time
}

// RateLimiter is a per-client token bucket.
type RateLimiter struct {
	rps      rate.Limit
	burst    int
	visitors sync.Map // client ip -> *visitor
}

func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{rps: rate.Limit(rps), burst: burst}
}

func (l *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// RealIP runs first, so RemoteAddr is the client behind a proxy.
		ip := r.RemoteAddr

		v, _ := l.visitors.LoadOrStore(ip, &visitor{
			limiter:  rate.NewLimiter(l.rps, l.burst),
			lastSeen: time.Now(),
		})
		vis := v.(*visitor)
		vis.mu.Lock()
		vis.lastSeen = time.Now()
		vis.mu.Unlock()

		if !vis.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run drops idle visitors every minute until ctx is done.
func (l *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.sweep(now)
		}
	}
}

func (l *RateLimiter) sweep(now time.Time) {
	l.visitors.Range(func(key, value any) bool {
		vis := value.(*visitor)
		vis.mu.Lock()
		idle := now.Sub(vis.lastSeen) > visitorIdle
		vis.mu.Unlock()
		if idle {
			l.visitors.Delete(key)
		}
		return true
	})
}
