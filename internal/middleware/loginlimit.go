package middleware

import (
	"sync"
	"time"

	"github.com/openclaw/agent-coordinator/internal/config"
)

const attemptCleanupPeriod = 5 * time.Minute

type failedAttempt struct {
	count       int
	windowStart time.Time
}

// AttemptLimiter locks a client out after too many failed credential checks
// inside one window.
type AttemptLimiter struct {
	mu          sync.Mutex
	attempts    map[string]*failedAttempt
	maxAttempts int
	window      time.Duration
	lastCleanup time.Time
	now         func() time.Time
}

func NewAttemptLimiter(maxAttempts int, window time.Duration) *AttemptLimiter {
	if maxAttempts <= 0 {
		maxAttempts = config.AdminMaxAttempts
	}
	if window <= 0 {
		window = config.AdminLockoutWindow
	}
	return &AttemptLimiter{
		attempts:    make(map[string]*failedAttempt),
		maxAttempts: maxAttempts,
		window:      window,
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

func (l *AttemptLimiter) cleanup(now time.Time) {
	if now.Sub(l.lastCleanup) < attemptCleanupPeriod {
		return
	}
	l.lastCleanup = now

	for ip, attempt := range l.attempts {
		if now.Sub(attempt.windowStart) > l.window {
			delete(l.attempts, ip)
		}
	}
}

// Locked reports whether ip has used up its attempts for the current window.
func (l *AttemptLimiter) Locked(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.cleanup(now)

	attempt, exists := l.attempts[ip]
	if !exists {
		return false
	}
	if now.Sub(attempt.windowStart) > l.window {
		delete(l.attempts, ip)
		return false
	}
	return attempt.count >= l.maxAttempts
}

func (l *AttemptLimiter) Fail(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	attempt, exists := l.attempts[ip]
	if !exists || now.Sub(attempt.windowStart) > l.window {
		l.attempts[ip] = &failedAttempt{count: 1, windowStart: now}
		return
	}
	attempt.count++
}

func (l *AttemptLimiter) Reset(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, ip)
}
