package tablock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/camofox/camofox-go/internal/types"
)

func TestSerializesSameTab(t *testing.T) {
	l := New()

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 1; i <= 5; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			_ = l.WithLock(context.Background(), "t1", 5*time.Second, func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				return nil
			})
		}()
		time.Sleep(15 * time.Millisecond) // enforce submission order
	}
	wg.Wait()

	for i, got := range order {
		if got != i+1 {
			t.Fatalf("operations ran out of submission order: %v", order)
		}
	}
}

func TestIndependentTabsRunConcurrently(t *testing.T) {
	l := New()

	blocked := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), "t1", time.Second, func() error {
			<-blocked
			return nil
		})
	}()
	time.Sleep(10 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), "t2", time.Second, func() error {
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("t2 operation blocked behind t1's lock")
	}
	close(blocked)
}

func TestErrorDoesNotPoisonLock(t *testing.T) {
	l := New()

	_ = l.WithLock(context.Background(), "t1", time.Second, func() error {
		return errors.New("boom")
	})

	if err := l.WithLock(context.Background(), "t1", time.Second, func() error { return nil }); err != nil {
		t.Fatalf("lock should be free after a failed op: %v", err)
	}
	if l.Held("t1") {
		t.Error("slot residue left after completed operations")
	}
}

func TestAcquisitionTimeout(t *testing.T) {
	l := New()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), "t1", time.Minute, func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := l.WithLock(context.Background(), "t1", 30*time.Millisecond, func() error { return nil })
	var ce *types.CoreError
	if !errors.As(err, &ce) || ce.Kind != types.KindTimeout {
		t.Fatalf("expected timeout error, got %v", err)
	}

	// After the holder finishes, the chain must heal: a successor queued
	// behind the abandoned waiter still runs.
	done := make(chan error, 1)
	go func() {
		done <- l.WithLock(context.Background(), "t1", time.Second, func() error { return nil })
	}()
	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("successor after abandoned waiter failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("chain did not heal after abandoned waiter")
	}
}

func TestClearRemovesResidue(t *testing.T) {
	l := New()
	_ = l.WithLock(context.Background(), "t1", time.Second, func() error { return nil })
	l.Clear("t1")
	if l.Held("t1") {
		t.Error("Clear should remove the slot")
	}
}
