package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ClientLimiter keeps one token bucket per client address for inbound
// requests.
type ClientLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*clientEntry
	rate       rate.Limit
	burst      int
	idle       time.Duration
	maxEntries int
}

type clientEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewClientLimiter admits perSecond requests per client with the given burst.
// Clients idle for longer than idle are forgotten on the next sweep.
func NewClientLimiter(perSecond float64, burst int, idle time.Duration) *ClientLimiter {
	return &ClientLimiter{
		limiters:   make(map[string]*clientEntry),
		rate:       rate.Limit(perSecond),
		burst:      burst,
		idle:       idle,
		maxEntries: 10000,
	}
}

func (l *ClientLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	entry, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= l.maxEntries {
			l.sweep(now)
		}
		entry = &clientEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastAccess = now
	return entry.limiter
}

// sweep drops idle entries and, if the table is still full, the oldest one.
// Caller holds l.mu.
func (l *ClientLimiter) sweep(now time.Time) {
	var oldestKey string
	var oldest time.Time
	for k, e := range l.limiters {
		if now.Sub(e.lastAccess) > l.idle {
			delete(l.limiters, k)
			continue
		}
		if oldestKey == "" || e.lastAccess.Before(oldest) {
			oldestKey, oldest = k, e.lastAccess
		}
	}
	if len(l.limiters) >= l.maxEntries && oldestKey != "" {
		delete(l.limiters, oldestKey)
	}
}

// Middleware rejects requests over the limit with 429. It keys on
// RemoteAddr, so mount it after a real-IP middleware when behind a proxy.
func (l *ClientLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.get(clientKey(r.RemoteAddr)).Allow() {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
