package ratelimit

import (
	"testing"
	"time"
)

func newTestLimiter(now *time.Time) *Limiter {
	l := New()
	l.now = func() time.Time { return *now }
	return l
}

func TestCheckAllowsUpToMax(t *testing.T) {
	now := time.Now()
	l := newTestLimiter(&now)
	defer l.Close()

	for i := 0; i < 3; i++ {
		res := l.Check("u1", 3, time.Minute)
		if !res.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	res := l.Check("u1", 3, time.Minute)
	if res.Allowed {
		t.Fatal("4th request in window should be denied")
	}
	if res.RetryAfter <= 0 || res.RetryAfter > time.Minute {
		t.Errorf("retryAfter out of range: %v", res.RetryAfter)
	}
}

func TestCheckResetsAfterWindow(t *testing.T) {
	now := time.Now()
	l := newTestLimiter(&now)
	defer l.Close()

	for i := 0; i < 2; i++ {
		l.Check("u1", 2, time.Minute)
	}
	if l.Check("u1", 2, time.Minute).Allowed {
		t.Fatal("window should be exhausted")
	}

	now = now.Add(time.Minute + time.Millisecond)
	if !l.Check("u1", 2, time.Minute).Allowed {
		t.Fatal("request after window reset should be allowed")
	}
}

func TestCheckIsolatesUsers(t *testing.T) {
	now := time.Now()
	l := newTestLimiter(&now)
	defer l.Close()

	l.Check("u1", 1, time.Minute)
	if l.Check("u1", 1, time.Minute).Allowed {
		t.Fatal("u1 should be limited")
	}
	if !l.Check("u2", 1, time.Minute).Allowed {
		t.Fatal("u2 should be independent of u1")
	}
}

func TestSweepDropsExpiredEntries(t *testing.T) {
	now := time.Now()
	l := newTestLimiter(&now)
	defer l.Close()

	l.Check("u1", 5, time.Minute)
	l.Check("u2", 5, time.Hour)

	now = now.Add(2 * time.Minute)
	l.sweep()

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.users["u1"]; ok {
		t.Error("expired entry u1 should be swept")
	}
	if _, ok := l.users["u2"]; !ok {
		t.Error("live entry u2 should survive the sweep")
	}
}
