// Rate limiter for the recomputation endpoint. Counts requests per client
// IP over a fixed window held in memory; no external state.
package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter budgets requests per IP within a reset window.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	maxRate int
	period  time.Duration
	stop    chan struct{}
}

// window counts requests since its start; it resets lazily once period
// has elapsed.
type window struct {
	used  int
	start time.Time
}

// NewRateLimiter creates a rate limiter allowing maxRate requests per period.
// Call Close to release the cleanup goroutine.
func NewRateLimiter(maxRate int, period time.Duration) *RateLimiter {
	rl := &RateLimiter{
		windows: make(map[string]*window),
		maxRate: maxRate,
		period:  period,
		stop:    make(chan struct{}),
	}
	go rl.evictLoop()
	return rl
}

// Close stops the background eviction of stale windows.
func (rl *RateLimiter) Close() {
	close(rl.stop)
}

func (rl *RateLimiter) evictLoop() {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			rl.evictStale()
		case <-rl.stop:
			return
		}
	}
}

// evictStale drops windows idle for more than two periods.
func (rl *RateLimiter) evictStale() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-2 * rl.period)
	for ip, w := range rl.windows {
		if w.start.Before(cutoff) {
			delete(rl.windows, ip)
		}
	}
}

// Allow reports whether the given IP is within its budget, consuming one
// request from it when so.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	w, ok := rl.windows[ip]
	if !ok || now.Sub(w.start) >= rl.period {
		w = &window{start: now}
		rl.windows[ip] = w
	}
	if w.used >= rl.maxRate {
		return false
	}
	w.used++
	return true
}

// RetryAfter returns how many seconds until the window resets for this IP.
func (rl *RateLimiter) RetryAfter(ip string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[ip]
	if !ok {
		return 0
	}
	remaining := rl.period - time.Since(w.start)
	if remaining <= 0 {
		return 0
	}
	return int(remaining.Seconds()) + 1
}

// RateLimitMiddleware wraps a handler with rate limiting. Returns 429 when
// the budget is exhausted.
func RateLimitMiddleware(rl *RateLimiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.Allow(ip) {
			w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfter(ip)))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// clientIP resolves the request's client address, honoring the first entry
// of X-Forwarded-For for proxied requests.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
