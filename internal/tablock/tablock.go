// Package tablock serializes mutating operations per tab.
// Each tab has at most one in-flight operation; later callers chain behind
// the current holder's completion, bounded by an acquisition timeout.
package tablock

import (
	"context"
	"sync"
	"time"

	"github.com/camofox/camofox-go/internal/types"
)

// Lock provides strict per-tab serialization.
type Lock struct {
	mu    sync.Mutex
	slots map[string]chan struct{} // closed when the holder finishes
}

// New creates an empty tab lock table.
func New() *Lock {
	return &Lock{slots: make(map[string]chan struct{})}
}

// WithLock runs op strictly after the tab's current holder finishes.
//
// The wait for the predecessor is bounded by timeout and by ctx. The
// predecessor's error is ignored for chaining purposes: a failed operation
// still releases the tab. When op finishes, the slot is cleared only if it is
// still ours; a newer operation may have chained behind us and taken over.
func (l *Lock) WithLock(ctx context.Context, tabID string, timeout time.Duration, op func() error) error {
	l.mu.Lock()
	prev := l.slots[tabID]
	mine := make(chan struct{})
	l.slots[tabID] = mine
	l.mu.Unlock()

	if prev != nil {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case <-prev:
		case <-timer.C:
			l.abandonSlot(tabID, mine, prev)
			return types.NewTimeoutError("tab lock acquisition", timeout)
		case <-ctx.Done():
			l.abandonSlot(tabID, mine, prev)
			return ctx.Err()
		}
	}

	defer l.releaseSlot(tabID, mine)
	return op()
}

// abandonSlot gives up a queued slot without running. The slot must not be
// signaled until the predecessor actually finishes, or a successor chained
// behind us would run concurrently with the still-active holder.
func (l *Lock) abandonSlot(tabID string, mine, prev chan struct{}) {
	go func() {
		<-prev
		l.releaseSlot(tabID, mine)
	}()
}

// releaseSlot signals successors and clears the slot if it is still ours.
func (l *Lock) releaseSlot(tabID string, mine chan struct{}) {
	close(mine)
	l.mu.Lock()
	if l.slots[tabID] == mine {
		delete(l.slots, tabID)
	}
	l.mu.Unlock()
}

// Clear drops any stored slot for a tab. Called by the tab close path so
// closed tabs leave no residue.
func (l *Lock) Clear(tabID string) {
	l.mu.Lock()
	delete(l.slots, tabID)
	l.mu.Unlock()
}

// Held reports whether a tab currently has a stored slot.
func (l *Lock) Held(tabID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.slots[tabID]
	return ok
}
