package payoutd

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// RateLimiter throttles redemption and verification attempts per client.
type RateLimiter struct {
	perSecond rate.Limit
	burst     int
	visitors  *cache.Cache
}

// NewRateLimiter allows requestsPerMinute with the supplied burst. Idle
// clients are forgotten after idle.
func NewRateLimiter(requestsPerMinute float64, burst int, idle time.Duration) *RateLimiter {
	perSecond := requestsPerMinute / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	return &RateLimiter{
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		visitors:  cache.New(idle, idle),
	}
}

// Allow reports whether id may proceed now.
func (l *RateLimiter) Allow(id string) bool {
	if l == nil {
		return true
	}
	return l.limiter(id).Allow()
}

func (l *RateLimiter) limiter(id string) *rate.Limiter {
	if cached, ok := l.visitors.Get(id); ok {
		l.visitors.SetDefault(id, cached)
		return cached.(*rate.Limiter)
	}
	limiter := rate.NewLimiter(l.perSecond, l.burst)
	if err := l.visitors.Add(id, limiter, cache.DefaultExpiration); err != nil {
		// Lost the race against a concurrent request from the same client.
		if cached, ok := l.visitors.Get(id); ok {
			return cached.(*rate.Limiter)
		}
	}
	return limiter
}

// Middleware rejects requests from clients over their budget. Authenticated
// callers are keyed by wallet, anonymous ones by address.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := clientID(r)
		if caller, ok := CallerFromContext(r.Context()); ok {
			id = strings.ToLower(caller.Hex())
		}
		if !l.Allow(id) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", http.StatusText(http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientID(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
