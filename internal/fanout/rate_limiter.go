package fanout

import (
	"sync"
	"time"
)

// DefaultRateLimit is the number of sends a user may make per window.
const DefaultRateLimit = 100

// RateLimiter implements per-user fixed-window rate limiting.
// ARCHITECTURAL DISCOVERY: per-user state with periodic cleanup keeps the
// table bounded by recently active senders
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	senders map[string]*senderWindow
	now     func() time.Time
}

type senderWindow struct {
	count int
	start time.Time
}

// NewRateLimiter allows limit sends per minute per user. A limit <= 0
// disables limiting.
func NewRateLimiter(limit int) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  time.Minute,
		senders: make(map[string]*senderWindow),
		now:     time.Now,
	}
}

// Allow reports whether userID may send now, and counts the send if so.
func (rl *RateLimiter) Allow(userID string) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.senders[userID]
	if !ok || now.Sub(w.start) >= rl.window {
		rl.senders[userID] = &senderWindow{count: 1, start: now}
		return true
	}
	if w.count >= rl.limit {
		return false
	}
	w.count++
	return true
}

// Cleanup drops senders idle for more than five windows.
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for userID, w := range rl.senders {
		if now.Sub(w.start) > 5*rl.window {
			delete(rl.senders, userID)
			removed++
		}
	}
	return removed
}
