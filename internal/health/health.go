// Package health tracks navigation health for the degraded-state signal.
// A run of consecutive navigation failures marks the service degraded; a
// single success resets the counter.
package health

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// stallWindow is how long without a successful navigation (while idle)
// before the periodic probe emits a warning.
const stallWindow = 120 * time.Second

// Tracker records navigation outcomes and exposes the health state.
type Tracker struct {
	mu                  sync.Mutex
	consecutiveFailures int
	lastSuccessfulNav   time.Time
	failureThreshold    int

	recovering atomic.Bool
	activeOps  atomic.Int64

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// State is a point-in-time snapshot of the tracker.
type State struct {
	ConsecutiveFailures int
	LastSuccessfulNav   time.Time
	Recovering          bool
	ActiveOps           int
}

// NewTracker creates a Tracker and starts the periodic stall probe.
func NewTracker(failureThreshold int, probeInterval time.Duration) *Tracker {
	t := &Tracker{
		failureThreshold:  failureThreshold,
		lastSuccessfulNav: time.Now(),
		stopCh:            make(chan struct{}),
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.probeRoutine(probeInterval)
	}()

	return t
}

// RecordNavSuccess resets the failure counter and stamps the success time.
func (t *Tracker) RecordNavSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consecutiveFailures = 0
	t.lastSuccessfulNav = time.Now()
}

// RecordNavFailure increments the failure counter.
// Returns true iff the counter has reached the configured threshold.
func (t *Tracker) RecordNavFailure() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consecutiveFailures++
	if t.consecutiveFailures >= t.failureThreshold {
		log.Warn().
			Int("consecutive_failures", t.consecutiveFailures).
			Int("threshold", t.failureThreshold).
			Msg("Navigation failure threshold reached")
		return true
	}
	return false
}

// OpStarted marks the beginning of an in-flight operation.
func (t *Tracker) OpStarted() {
	t.activeOps.Add(1)
}

// OpFinished marks the end of an in-flight operation.
func (t *Tracker) OpFinished() {
	t.activeOps.Add(-1)
}

// SetRecovering toggles the shutdown-in-progress flag.
// While set, the health endpoint answers 503.
func (t *Tracker) SetRecovering(v bool) {
	t.recovering.Store(v)
}

// IsRecovering reports whether shutdown is in progress.
func (t *Tracker) IsRecovering() bool {
	return t.recovering.Load()
}

// Snapshot returns the current health state.
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return State{
		ConsecutiveFailures: t.consecutiveFailures,
		LastSuccessfulNav:   t.lastSuccessfulNav,
		Recovering:          t.recovering.Load(),
		ActiveOps:           int(t.activeOps.Load()),
	}
}

// probeRoutine warns when the service is idle but has not navigated
// successfully for a long time. This surfaces a wedged browser without
// attempting automated recovery.
func (t *Tracker) probeRoutine(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.probe()
		case <-t.stopCh:
			return
		}
	}
}

func (t *Tracker) probe() {
	if t.activeOps.Load() != 0 {
		return
	}

	t.mu.Lock()
	since := time.Since(t.lastSuccessfulNav)
	failures := t.consecutiveFailures
	t.mu.Unlock()

	if since > stallWindow {
		log.Warn().
			Dur("since_last_success", since).
			Int("consecutive_failures", failures).
			Msg("No successful navigation recently while idle - browser may be wedged")
	}
}

// Close stops the probe routine. Safe to call multiple times.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() {
		close(t.stopCh)
		t.wg.Wait()
	})
}
