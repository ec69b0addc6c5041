package auth

import (
	"sync"
	"time"
)

// RateLimiter enforces a fixed-window request budget per client IP.
type RateLimiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	windows map[string]*ipWindow
}

type ipWindow struct {
	count   int
	startAt time.Time
}

// NewRateLimiter creates a limiter allowing limit requests per window per IP.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  window,
		windows: make(map[string]*ipWindow),
	}
}

// Allow reports whether a request from ip fits in the current window.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	w, ok := rl.windows[ip]
	if !ok || now.After(w.startAt.Add(rl.window)) {
		rl.windows[ip] = &ipWindow{count: 1, startAt: now}
		return true
	}
	w.count++
	return w.count <= rl.limit
}

// Cleanup drops expired windows. Call periodically.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	for ip, w := range rl.windows {
		if now.After(w.startAt.Add(rl.window)) {
			delete(rl.windows, ip)
		}
	}
}
