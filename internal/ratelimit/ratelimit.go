// Package ratelimit provides a per-user fixed-window rate limiter.
// It backs the expensive evaluate-extended path; state is in-process only.
package ratelimit

import (
	"sync"
	"time"
)

// sweepInterval is how often expired windows are dropped.
const sweepInterval = 60 * time.Second

type entry struct {
	count   int
	resetAt time.Time
}

// Limiter tracks request counts per user within fixed windows.
type Limiter struct {
	mu        sync.Mutex
	users     map[string]*entry
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	now func() time.Time // injectable clock for tests
}

// Result reports the outcome of a rate-limit check.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

// New creates a Limiter and starts its background sweep.
func New() *Limiter {
	l := &Limiter{
		users:  make(map[string]*entry),
		stopCh: make(chan struct{}),
		now:    time.Now,
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.sweepRoutine()
	}()

	return l
}

// Check records a request for userID against a fixed window of windowMs
// capacity max. The first request of a window always succeeds; once the
// window is full, Check denies with the time remaining until reset.
func (l *Limiter) Check(userID string, max int, window time.Duration) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.users[userID]
	if !ok || !e.resetAt.After(now) {
		l.users[userID] = &entry{count: 1, resetAt: now.Add(window)}
		return Result{Allowed: true}
	}

	if e.count < max {
		e.count++
		return Result{Allowed: true}
	}

	return Result{Allowed: false, RetryAfter: e.resetAt.Sub(now)}
}

// Reset drops the window for a user. Used by tests and admin paths.
func (l *Limiter) Reset(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.users, userID)
}

func (l *Limiter) sweepRoutine() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for userID, e := range l.users {
		if !e.resetAt.After(now) {
			delete(l.users, userID)
		}
	}
}

// Close stops the sweep routine. Safe to call multiple times.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.wg.Wait()
	})
}
