package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/camofox/camofox-go/internal/config"
	"github.com/camofox/camofox-go/internal/contextpool"
	"github.com/camofox/camofox-go/internal/tablock"
	"github.com/camofox/camofox-go/internal/tabs"
	"github.com/camofox/camofox-go/internal/types"
)

func newTestRegistry(t *testing.T, maxSessions int) *Registry {
	t.Helper()
	cfg := &config.Config{
		MaxContexts:        10,
		MaxSessions:        maxSessions,
		SessionIdleTimeout: time.Hour,
		ProfilesDir:        t.TempDir(),
		Headless:           config.HeadlessTrue,
	}
	pool, err := contextpool.New(cfg)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	r := New(cfg, pool, tablock.New())
	t.Cleanup(r.Close)
	return r
}

// injectSession places a session with tabs directly into the registry maps,
// bypassing the browser launch.
func injectSession(r *Registry, key, userID string, tabIDs ...string) []*tabs.Tab {
	s := &Session{
		Key:    key,
		UserID: userID,
		groups: map[string]map[string]*tabs.Tab{defaultGroup: {}},
	}
	s.Touch()

	var out []*tabs.Tab
	r.mu.Lock()
	for _, id := range tabIDs {
		tab := tabs.New(nil, userID, key)
		tab.ID = id
		s.groups[defaultGroup][id] = tab
		r.tabIndex[id] = key
		out = append(out, tab)
	}
	r.sessions[key] = s
	r.mu.Unlock()
	return out
}

func TestSessionCapCountsLaunching(t *testing.T) {
	r := newTestRegistry(t, 1)
	injectSession(r, "u1", "u1")

	_, err := r.GetSession(context.Background(), "u2", nil)
	if err == nil {
		t.Fatal("expected session cap error")
	}
	var ce *types.CoreError
	if !errors.As(err, &ce) || ce.Kind != types.KindBusy {
		t.Fatalf("expected busy error, got %v", err)
	}
	if !errors.Is(err, types.ErrTooManySessions) {
		t.Error("error should wrap ErrTooManySessions")
	}
}

func TestFindTabByIDOwnership(t *testing.T) {
	r := newTestRegistry(t, 10)
	injectSession(r, "u1", "u1", "t1")

	if tab := r.FindTabByID("t1", "u1"); tab == nil {
		t.Fatal("owner lookup failed")
	}
	if tab := r.FindTabByID("t1", "u2"); tab != nil {
		t.Fatal("cross-tenant lookup must return nil")
	}
	if tab := r.FindTabByID("missing", "u1"); tab != nil {
		t.Fatal("unknown tab lookup must return nil")
	}
}

func TestFindTabByIDRepairsIndex(t *testing.T) {
	r := newTestRegistry(t, 10)
	injectSession(r, "u1", "u1", "t1")

	// Simulate a lost index entry: the scan fallback must find the tab and
	// repopulate the index.
	r.mu.Lock()
	delete(r.tabIndex, "t1")
	r.mu.Unlock()

	if tab := r.FindTabByID("t1", "u1"); tab == nil {
		t.Fatal("scan fallback failed")
	}
	r.mu.Lock()
	_, ok := r.tabIndex["t1"]
	r.mu.Unlock()
	if !ok {
		t.Error("index was not repopulated after scan hit")
	}
}

func TestCloseTabRemovesIndexAndGroup(t *testing.T) {
	r := newTestRegistry(t, 10)
	injectSession(r, "u1", "u1", "t1")

	if err := r.CloseTab("t1", "u1"); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if tab := r.FindTabByID("t1", "u1"); tab != nil {
		t.Error("closed tab still resolvable")
	}

	r.mu.Lock()
	s := r.sessions["u1"]
	r.mu.Unlock()
	s.mu.Lock()
	groups := len(s.groups)
	s.mu.Unlock()
	if groups != 0 {
		t.Error("empty tab group should be deleted")
	}
}

func TestCloseTabWrongUser(t *testing.T) {
	r := newTestRegistry(t, 10)
	injectSession(r, "u1", "u1", "t1")

	err := r.CloseTab("t1", "u2")
	if err == nil {
		t.Fatal("expected not-found for wrong user")
	}
	var ce *types.CoreError
	if !errors.As(err, &ce) || ce.Kind != types.KindNotFound {
		t.Fatalf("expected not-found kind, got %v", err)
	}
	if tab := r.FindTabByID("t1", "u1"); tab == nil {
		t.Error("tab must survive a foreign close attempt")
	}
}

func TestCloseGroup(t *testing.T) {
	r := newTestRegistry(t, 10)
	injectSession(r, "u1", "u1", "t1", "t2")

	if n := r.CloseGroup("u1", defaultGroup); n != 2 {
		t.Fatalf("closed %d tabs, want 2", n)
	}
	if tab := r.FindTabByID("t1", "u1"); tab != nil {
		t.Error("group tab still resolvable after group close")
	}
}

func TestSessionKeyCollapse(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping browser test in short mode")
	}
	r := newTestRegistry(t, 10)

	// A legacy hashed session key must resolve to the same session bucket
	// as the plain user id.
	s1, err := r.GetSession(context.Background(), "u1", nil)
	if err != nil {
		t.Fatalf("session create failed: %v", err)
	}
	s2, err := r.GetSession(context.Background(), "u1:abc123", nil)
	if err != nil {
		t.Fatalf("collapsed key lookup failed: %v", err)
	}
	if s1 != s2 {
		t.Error("hashed session key did not collapse to the same session")
	}
	r.CloseSessionsForUser("u1")
}

func TestReapIdleSessions(t *testing.T) {
	r := newTestRegistry(t, 10)
	r.cfg.SessionIdleTimeout = time.Minute
	injectSession(r, "u1", "u1", "t1")

	r.mu.Lock()
	r.sessions["u1"].lastAccess.Store(time.Now().Add(-2 * time.Minute).UnixMilli())
	r.mu.Unlock()

	r.reapIdle()

	if r.SessionCount() != 0 {
		t.Error("idle session was not reaped")
	}
	if tab := r.FindTabByID("t1", "u1"); tab != nil {
		t.Error("reaped session's tab still resolvable")
	}
}
