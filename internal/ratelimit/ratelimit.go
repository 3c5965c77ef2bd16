package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrLimited is used by admission to report a refused submission.
var ErrLimited = errors.New("submission rate limit exceeded")

// Limiter bounds job submissions per source using a token bucket that
// refills fully once per window. A source is whatever admission keys
// on, typically the job's context tag.
type Limiter struct {
	mu        sync.Mutex
	tokens    map[string]int
	lastReset map[string]time.Time
	maxPerWin int
	window    time.Duration
}

// New creates a Limiter allowing maxPerWindow submissions per source
// per window.
func New(maxPerWindow int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		tokens:    make(map[string]int),
		lastReset: make(map[string]time.Time),
		maxPerWin: maxPerWindow,
		window:    window,
	}
}

// Allow consumes one token for the source if any remain.
func (l *Limiter) Allow(source string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill(source)

	if l.tokens[source] > 0 {
		l.tokens[source]--
		return true
	}
	return false
}

// Remaining reports how many submissions the source has left in the
// current window.
func (l *Limiter) Remaining(source string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill(source)
	return l.tokens[source]
}

// refill resets the source's bucket when its window has elapsed.
// Callers hold l.mu.
func (l *Limiter) refill(source string) {
	now := time.Now()
	last, exists := l.lastReset[source]
	if !exists || now.Sub(last) > l.window {
		l.tokens[source] = l.maxPerWin
		l.lastReset[source] = now
	}
}
