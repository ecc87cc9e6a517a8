package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LoginLimiter throttles failed authentication attempts per client key
// (usually the remote address). A key is blocked once it has used up its
// burst of failures and unblocks as the budget refills over cooldown.
type LoginLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    rate.Limit
	burst    int

	lastCleanup     time.Time
	cleanupInterval time.Duration
}

// NewLoginLimiter allows threshold failures per cooldown window.
func NewLoginLimiter(threshold int, cooldown time.Duration) *LoginLimiter {
	if threshold < 1 {
		threshold = 1
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &LoginLimiter{
		limiters:        make(map[string]*rate.Limiter),
		every:           rate.Every(cooldown / time.Duration(threshold)),
		burst:           threshold,
		lastCleanup:     time.Now(),
		cleanupInterval: 10 * cooldown, //nolint:mnd // prune idle keys after ten windows
	}
}

// Blocked reports whether key has no failures left.
func (l *LoginLimiter) Blocked(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[key]
	return ok && lim.Tokens() < 1
}

// RecordFailure consumes one failure from key's budget.
func (l *LoginLimiter) RecordFailure(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.every, l.burst)
		l.limiters[key] = lim
	}
	lim.Allow()
	l.maybeCleanup()
}

// Reset forgets key, typically after a successful login.
func (l *LoginLimiter) Reset(key string) {
	l.mu.Lock()
	delete(l.limiters, key)
	l.mu.Unlock()
}

// maybeCleanup drops limiters that have refilled completely. Callers hold mu.
func (l *LoginLimiter) maybeCleanup() {
	if time.Since(l.lastCleanup) < l.cleanupInterval {
		return
	}
	for key, lim := range l.limiters {
		if lim.Tokens() >= float64(l.burst) {
			delete(l.limiters, key)
		}
	}
	l.lastCleanup = time.Now()
}
