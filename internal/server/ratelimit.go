package server

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// defaultSaltRateBurst and defaultSaltRateInterval give each client IP 10
// salt lookups per 15 minutes: enough for legitimate device setup retries,
// tight enough to slow down userID enumeration.
const (
	defaultSaltRateBurst    = 10
	defaultSaltRateInterval = rate.Limit(float64(defaultSaltRateBurst) / (15 * 60))
)

// IPRateLimiter hands out a token-bucket limiter per client IP.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

// NewIPRateLimiter builds a limiter allowing burst immediate requests per
// IP, refilling at r per second thereafter.
func NewIPRateLimiter(r rate.Limit, burst int) *IPRateLimiter {
	return &IPRateLimiter{limiters: make(map[string]*rate.Limiter), r: r, burst: burst}
}

// NewSaltRateLimiter builds the default limiter for the salt lookup endpoint.
func NewSaltRateLimiter() *IPRateLimiter {
	return NewIPRateLimiter(defaultSaltRateInterval, defaultSaltRateBurst)
}

func (l *IPRateLimiter) forIP(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(l.r, l.burst)
		l.limiters[ip] = lim
	}
	return lim
}

// Allow reports whether the request from r's client IP may proceed.
func (l *IPRateLimiter) Allow(r *http.Request) bool {
	return l.forIP(clientIP(r)).Allow()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware wraps next, rejecting requests that exceed the per-IP rate
// with 429.
func (l *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(r) {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
