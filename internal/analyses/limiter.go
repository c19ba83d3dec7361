package analyses

import (
	"sync"
	"time"
)

const createLimitWindow = 1 * time.Second

// createLimiter throttles job creation per owner so a stuck client
// resubmitting an upload cannot flood the pipeline.
type createLimiter struct {
	mu      sync.Mutex
	lastHit map[string]time.Time
	now     func() time.Time
	window  time.Duration
}

func newCreateLimiter(window time.Duration, now func() time.Time) *createLimiter {
	if now == nil {
		now = time.Now
	}
	if window <= 0 {
		window = createLimitWindow
	}
	return &createLimiter{
		lastHit: make(map[string]time.Time),
		now:     now,
		window:  window,
	}
}

func (l *createLimiter) Allow(ownerID string) bool {
	if l == nil {
		return true
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if last, ok := l.lastHit[ownerID]; ok {
		if now.Sub(last) < l.window {
			return false
		}
	}
	l.lastHit[ownerID] = now
	return true
}

func (l *createLimiter) RetryAfterSeconds() int {
	if l == nil {
		return int(createLimitWindow.Seconds())
	}
	return int(l.window.Seconds())
}
