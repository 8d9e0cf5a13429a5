package worker

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PerClientRateLimiter keeps one token bucket per client address.
type PerClientRateLimiter struct {
	lastCleanup     time.Time
	clients         map[string]*clientLimiter
	limit           rate.Limit
	burst           int
	cleanupInterval time.Duration
	maxIdleTime     time.Duration
	requests        int64
	rejected        int64
	mu              sync.Mutex
}

type clientLimiter struct {
	lastSeen time.Time
	limiter  *rate.Limiter
}

// NewPerClientRateLimiter allows each client perSecond requests on
// average with bursts of up to burst.
func NewPerClientRateLimiter(perSecond float64, burst int) *PerClientRateLimiter {
	return &PerClientRateLimiter{
		limit:           rate.Limit(perSecond),
		burst:           burst,
		clients:         make(map[string]*clientLimiter),
		cleanupInterval: 5 * time.Minute,
		maxIdleTime:     10 * time.Minute,
		lastCleanup:     time.Now(),
	}
}

// Allow reports whether a request from clientKey may proceed.
func (l *PerClientRateLimiter) Allow(clientKey string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastCleanup) > l.cleanupInterval {
		for key, c := range l.clients {
			if now.Sub(c.lastSeen) > l.maxIdleTime {
				delete(l.clients, key)
			}
		}
		l.lastCleanup = now
	}

	c, ok := l.clients[clientKey]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[clientKey] = c
	}
	c.lastSeen = now

	l.requests++
	if c.limiter.AllowN(now, 1) {
		return true
	}
	l.rejected++
	return false
}

// Stats returns aggregate statistics.
func (l *PerClientRateLimiter) Stats() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()

	return map[string]any{
		"rate":           float64(l.limit),
		"burst":          l.burst,
		"active_clients": len(l.clients),
		"total_requests": l.requests,
		"total_rejected": l.rejected,
	}
}

// PerClientRateLimitMiddleware rejects clients over their rate with 429.
// Clients are identified by the host of RemoteAddr, which chi's RealIP
// middleware rewrites from proxy headers.
func PerClientRateLimitMiddleware(limiter *PerClientRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(clientKey(r)) {
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
