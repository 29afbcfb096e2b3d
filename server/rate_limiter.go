package main

import (
	"sync"
	"time"
)

type rateWindow struct {
	count int
	reset time.Time
}

// RateLimiter tracks per-caller request usage within a fixed window. Used
// to throttle challenge issuance when verify_rate_limit is configured.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]rateWindow
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{windows: make(map[string]rateWindow)}
}

// Allow returns true if the caller may proceed under the provided limit.
func (rl *RateLimiter) Allow(key string, limit int, window time.Duration) bool {
	if limit <= 0 {
		return true
	}
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	win := rl.windows[key]
	if win.reset.IsZero() || now.After(win.reset) {
		win = rateWindow{reset: now.Add(window)}
	}
	if win.count >= limit {
		rl.windows[key] = win
		return false
	}
	win.count++
	rl.windows[key] = win
	return true
}

type RateLimiterStats struct {
	Keys int `json:"keys"`
}

func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return RateLimiterStats{Keys: len(rl.windows)}
}
