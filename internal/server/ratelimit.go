package server

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter keeps one token bucket per client address.
type rateLimiter struct {
	mu       sync.Mutex
	rps      rate.Limit
	burst    int
	ttl      time.Duration
	now      func() time.Time
	clients  map[string]*rate.Limiter
	lastSeen map[string]time.Time

	// lastSweep bounds idle-client cleanup to once per ttl.
	lastSweep time.Time
}

// newRateLimiter returns nil when limiting is disabled.
func newRateLimiter(requestsPerSec float64, burst int) *rateLimiter {
	if requestsPerSec <= 0 || burst <= 0 {
		return nil
	}
	return &rateLimiter{
		rps:      rate.Limit(requestsPerSec),
		burst:    burst,
		ttl:      10 * time.Minute,
		now:      time.Now,
		clients:  make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
	}
}

func (l *rateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientAddress(r)) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error": "rate limit exceeded",
				"code":  "RATE_LIMITED",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *rateLimiter) allow(clientID string) bool {
	if clientID == "" {
		clientID = "unknown"
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.clients[clientID]
	if !ok {
		limiter = rate.NewLimiter(l.rps, l.burst)
		l.clients[clientID] = limiter
	}
	l.lastSeen[clientID] = now

	if now.Sub(l.lastSweep) >= l.ttl {
		l.sweep(now)
	}
	return limiter.AllowN(now, 1)
}

// sweep drops clients idle for longer than ttl. Callers hold mu.
func (l *rateLimiter) sweep(now time.Time) {
	for key, seenAt := range l.lastSeen {
		if now.Sub(seenAt) > l.ttl {
			delete(l.lastSeen, key)
			delete(l.clients, key)
		}
	}
	l.lastSweep = now
}

func clientAddress(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}
