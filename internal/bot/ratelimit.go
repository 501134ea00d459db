package bot

import (
	"sync"
	"time"
)

// Limiter is a per-user sliding-window rate limiter. Messages over the
// limit are dropped silently at the ingress, so a flood of forwarded voice
// notes cannot drain a balance or the provider quota.
type Limiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[int64][]time.Time
	now    func() time.Time
}

// NewLimiter allows limit events per user per second.
func NewLimiter(limit int) *Limiter {
	return &Limiter{
		limit:  limit,
		window: time.Second,
		hits:   make(map[int64][]time.Time),
		now:    time.Now,
	}
}

// Allow reports whether the user may proceed. bypass skips the limit
// entirely (admins).
func (l *Limiter) Allow(userID int64, bypass bool) bool {
	if bypass {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	kept := l.hits[userID][:0]
	for _, t := range l.hits[userID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.limit {
		l.hits[userID] = kept
		return false
	}
	l.hits[userID] = append(kept, now)
	return true
}
