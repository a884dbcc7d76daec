package internal

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter provides simple in-memory per-IP rate limiting for webhook
// endpoints. Webhook URLs are unauthenticated until the signature check runs,
// so a cheap gate in front keeps a flood from reaching the HMAC work.
type RateLimiter struct {
	mu           sync.Mutex
	buckets      map[string]*bucket
	limit        int
	window       time.Duration
	requestCount int
	cleanupEvery int
	maxBuckets   int
}

type bucket struct {
	count   int
	resetAt time.Time
}

// NewRateLimiter creates a new rate limiter allowing limit requests per
// window per client IP.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		buckets:      make(map[string]*bucket),
		limit:        limit,
		window:       window,
		cleanupEvery: 100,
		maxBuckets:   200,
	}
}

func (rl *RateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	// Lazy cleanup: every N requests or when the map outgrows its bound.
	// Avoids a background goroutine that nothing could stop.
	rl.requestCount++
	if rl.requestCount%rl.cleanupEvery == 0 || len(rl.buckets) > rl.maxBuckets {
		rl.cleanupExpired(now)
	}

	b, ok := rl.buckets[ip]
	if !ok || now.After(b.resetAt) {
		rl.buckets[ip] = &bucket{count: 1, resetAt: now.Add(rl.window)}
		return true
	}

	if b.count >= rl.limit {
		return false
	}

	b.count++
	return true
}

func (rl *RateLimiter) cleanupExpired(now time.Time) {
	for ip, b := range rl.buckets {
		if now.After(b.resetAt) {
			delete(rl.buckets, ip)
		}
	}
}

// Middleware wraps an HTTP handler with rate limiting.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(GetClientIP(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetClientIP extracts the client IP from the request, preferring the first
// entry of X-Forwarded-For when a proxy set it.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	return r.RemoteAddr
}
