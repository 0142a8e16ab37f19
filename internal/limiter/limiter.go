// Package limiter bounds in-flight operations per user.
// Excess callers wait in FIFO order behind a hard deadline; a waiter that
// times out is spliced out of the queue and fails with a retryable error.
package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/camofox/camofox-go/internal/types"
)

type waiterState int

const (
	waiting waiterState = iota
	granted
	abandoned
)

type waiter struct {
	ready chan struct{}
	state waiterState // guarded by Limiter.mu
}

type bucket struct {
	active int
	queue  []*waiter
}

// Limiter enforces a per-user cap on concurrently running operations.
type Limiter struct {
	mu          sync.Mutex
	users       map[string]*bucket
	maxPerUser  int
	waitTimeout time.Duration
}

// New creates a limiter allowing maxPerUser in-flight operations per user,
// with excess callers waiting at most waitTimeout.
func New(maxPerUser int, waitTimeout time.Duration) *Limiter {
	return &Limiter{
		users:       make(map[string]*bucket),
		maxPerUser:  maxPerUser,
		waitTimeout: waitTimeout,
	}
}

// Do runs op under the user's concurrency budget.
// If the user is at capacity, the caller queues FIFO. Queue waits are bounded
// by the configured wait timeout and by ctx; either firing splices the waiter
// out without disturbing the active count.
func (l *Limiter) Do(ctx context.Context, userID string, op func() error) error {
	l.mu.Lock()
	b := l.users[userID]
	if b == nil {
		b = &bucket{}
		l.users[userID] = b
	}

	if b.active < l.maxPerUser {
		b.active++
		l.mu.Unlock()
		return l.run(userID, op)
	}

	w := &waiter{ready: make(chan struct{})}
	b.queue = append(b.queue, w)
	queued := len(b.queue)
	l.mu.Unlock()

	log.Debug().
		Str("user_id", userID).
		Int("queued", queued).
		Msg("User at concurrency cap, waiting")

	timer := time.NewTimer(l.waitTimeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		return l.run(userID, op)
	case <-timer.C:
		if l.abandon(userID, w) {
			return types.NewBusyError(userID)
		}
		// Grant raced the timer; the slot is ours.
		return l.run(userID, op)
	case <-ctx.Done():
		if l.abandon(userID, w) {
			return ctx.Err()
		}
		return l.run(userID, op)
	}
}

// abandon marks a waiter as given up. Returns false if the waiter had
// already been granted a slot, in which case the caller must run (and thus
// release) it.
func (l *Limiter) abandon(userID string, w *waiter) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if w.state == granted {
		return false
	}
	w.state = abandoned

	if b := l.users[userID]; b != nil {
		for i, qw := range b.queue {
			if qw == w {
				b.queue = append(b.queue[:i], b.queue[i+1:]...)
				break
			}
		}
		l.maybeDelete(userID, b)
	}
	return true
}

// run executes op while holding a slot, then releases it on every exit path.
func (l *Limiter) run(userID string, op func() error) error {
	defer l.release(userID)
	return op()
}

// release frees a slot and resumes the oldest live waiter, if any.
func (l *Limiter) release(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.users[userID]
	if b == nil {
		return
	}
	b.active--

	for len(b.queue) > 0 {
		w := b.queue[0]
		b.queue = b.queue[1:]
		if w.state != waiting {
			continue
		}
		w.state = granted
		b.active++
		close(w.ready)
		break
	}

	l.maybeDelete(userID, b)
}

// maybeDelete drops an idle bucket. Must be called with mu held.
func (l *Limiter) maybeDelete(userID string, b *bucket) {
	if b.active == 0 && len(b.queue) == 0 {
		delete(l.users, userID)
	}
}

// Active returns the number of in-flight operations for a user.
func (l *Limiter) Active(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b := l.users[userID]; b != nil {
		return b.active
	}
	return 0
}
