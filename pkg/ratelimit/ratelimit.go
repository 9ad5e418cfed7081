// Package ratelimit implements sliding-window request admission control keyed
// by client IP.
//
// Each client gets an independent window of request timestamps. An admission
// check prunes timestamps older than the window, then admits or rejects based
// on the remaining count. A background cleanup removes clients with no recent
// activity; Stop halts it for deterministic shutdown.
package ratelimit

import (
	"sync"
	"time"
)

// Defaults for New.
const (
	DefaultMaxRequests     = 10
	DefaultWindow          = 60 * time.Second
	DefaultCleanupInterval = 60 * time.Second
)

// Result reports the outcome of an admission check.
type Result struct {
	// Allowed is true when the request was admitted and its timestamp
	// recorded.
	Allowed bool

	// Remaining is the number of further requests the client may make within
	// the current window. Zero when rejected.
	Remaining int

	// ResetTime is when the oldest recorded request leaves the window.
	ResetTime time.Time

	// RetryAfter is the whole number of seconds the client should wait before
	// retrying. At least 1 when rejected, 0 when admitted.
	RetryAfter int
}

// Limiter is a sliding-window rate limiter. The zero value is not usable;
// construct with New.
type Limiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time

	maxRequests int
	window      time.Duration

	done     chan struct{}
	stopOnce sync.Once

	now func() time.Time // stubbed in tests
}

// New creates a Limiter admitting up to maxRequests per window for each
// client and starts its background cleanup. Non-positive arguments fall back
// to the defaults. The caller owns the limiter and must call Stop when done.
func New(maxRequests int, window time.Duration) *Limiter {
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	l := &Limiter{
		requests:    make(map[string][]time.Time),
		maxRequests: maxRequests,
		window:      window,
		done:        make(chan struct{}),
		now:         time.Now,
	}
	go l.cleanupLoop(DefaultCleanupInterval)
	return l
}

// Check admits or rejects one request from the given client. Pruning and
// recording happen atomically under the limiter's lock.
func (l *Limiter) Check(client string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	kept := l.requests[client][:0]
	for _, ts := range l.requests[client] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= l.maxRequests {
		l.requests[client] = kept
		resetTime := kept[0].Add(l.window)
		retryAfter := int((resetTime.Sub(now) + time.Second - 1) / time.Second)
		if retryAfter < 1 {
			retryAfter = 1
		}
		return Result{
			Allowed:    false,
			Remaining:  0,
			ResetTime:  resetTime,
			RetryAfter: retryAfter,
		}
	}

	count := len(kept)
	kept = append(kept, now)
	l.requests[client] = kept

	resetTime := kept[0].Add(l.window)
	return Result{
		Allowed:   true,
		Remaining: l.maxRequests - count - 1,
		ResetTime: resetTime,
	}
}

// Reset clears one client's request history.
func (l *Limiter) Reset(client string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.requests, client)
}

// Stop halts the background cleanup. Idempotent.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
	})
}

func (l *Limiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

// cleanup drops clients whose every recorded request has left the window.
func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	for client, stamps := range l.requests {
		live := false
		for _, ts := range stamps {
			if ts.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(l.requests, client)
		}
	}
}
