package contextpool

import (
	"context"
	"testing"
	"time"

	"github.com/camofox/camofox-go/internal/config"
	"github.com/camofox/camofox-go/internal/types"
)

// testConfig returns a configuration suitable for testing.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		ProfilesDir: dir,
		MaxContexts: 2,
		Headless:    config.HeadlessTrue,
	}
}

// skipCI skips tests that require a real browser.
func skipCI(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping browser test in short mode")
	}
}

func TestEntryTouch(t *testing.T) {
	e := &Entry{UserID: "u1"}
	e.Touch()
	if time.Since(e.LastAccess()) > time.Second {
		t.Error("Touch should stamp a recent last-access time")
	}
}

func TestCreateLauncherAppliesSeed(t *testing.T) {
	pool, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}

	seed := &types.SeedOptions{
		Locale:      "de-DE",
		TimezoneID:  "Europe/Berlin",
		Geolocation: &types.Geolocation{Latitude: 52.52, Longitude: 13.405},
		Viewport:    &types.Viewport{Width: 800, Height: 600},
	}
	l := pool.createLauncher(t.TempDir(), seed, config.HeadlessTrue)

	if got := l.Get("accept-lang"); got != "de-DE" {
		t.Errorf("accept-lang = %q, want de-DE", got)
	}
	if got := l.Get("window-size"); got != "800,600" {
		t.Errorf("window-size = %q, want 800,600", got)
	}
}

func TestApplySeedOverridesWithoutSeed(t *testing.T) {
	e := &Entry{UserID: "u1"}
	if err := e.ApplySeedOverrides(nil); err != nil {
		t.Errorf("no seed should be a no-op, got %v", err)
	}
}

func TestEnsureAfterCloseAllFails(t *testing.T) {
	pool, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	pool.CloseAll()

	if _, err := pool.Ensure(context.Background(), "u1", nil); err != types.ErrPoolClosed {
		t.Errorf("Ensure after CloseAll should return ErrPoolClosed, got %v", err)
	}
}

func TestEnsureLaunchesAndReuses(t *testing.T) {
	skipCI(t)

	pool, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer pool.CloseAll()

	ctx := context.Background()
	e1, err := pool.Ensure(ctx, "u1", nil)
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	e2, err := pool.Ensure(ctx, "u1", nil)
	if err != nil {
		t.Fatalf("Second Ensure failed: %v", err)
	}
	if e1 != e2 {
		t.Error("Ensure should return the same live entry for one user")
	}
	if pool.Len() != 1 {
		t.Errorf("Expected pool size 1, got %d", pool.Len())
	}
}

func TestLRUEvictionFiresCallbacks(t *testing.T) {
	skipCI(t)

	pool, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer pool.CloseAll()

	evicted := make(chan string, 4)
	pool.OnEvict(func(userID string) { evicted <- userID })

	ctx := context.Background()
	for _, u := range []string{"u1", "u2", "u3"} {
		if _, err := pool.Ensure(ctx, u, nil); err != nil {
			t.Fatalf("Ensure(%s) failed: %v", u, err)
		}
	}

	// Pool caps at 2, so launching u3 must evict u1 (the oldest).
	select {
	case got := <-evicted:
		if got != "u1" {
			t.Errorf("Expected eviction of u1, got %s", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Eviction callback never fired")
	}

	if pool.Len() != 2 {
		t.Errorf("Expected pool size 2 after eviction, got %d", pool.Len())
	}
}
