// Package registry maps session keys to sessions and owns the tab reverse
// index. Sessions bundle a pooled browser context with named tab groups; the
// reverse index resolves a tabId to its owning session without scanning.
package registry

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"

	"github.com/camofox/camofox-go/internal/config"
	"github.com/camofox/camofox-go/internal/contextpool"
	"github.com/camofox/camofox-go/internal/security"
	"github.com/camofox/camofox-go/internal/tablock"
	"github.com/camofox/camofox-go/internal/tabs"
	"github.com/camofox/camofox-go/internal/types"
)

// reaperInterval is how often idle sessions are swept.
const reaperInterval = 60 * time.Second

// defaultGroup names the tab group used when a caller supplies none.
const defaultGroup = "default"

// Session bundles one user's browser context with its tab groups.
type Session struct {
	Key    string
	UserID string

	mu     sync.Mutex
	entry  *contextpool.Entry
	groups map[string]map[string]*tabs.Tab // listItemId -> tabId -> tab

	lastAccess atomic.Int64 // unix millis
}

// Touch stamps the session's last access time.
func (s *Session) Touch() {
	s.lastAccess.Store(time.Now().UnixMilli())
}

// LastAccess returns the session's last access time.
func (s *Session) LastAccess() time.Time {
	return time.UnixMilli(s.lastAccess.Load())
}

// Entry returns the session's pooled context entry.
func (s *Session) Entry() *contextpool.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entry
}

// Tabs returns all of the session's tabs across groups.
func (s *Session) Tabs() []*tabs.Tab {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*tabs.Tab
	for _, group := range s.groups {
		for _, tab := range group {
			out = append(out, tab)
		}
	}
	return out
}

// launchWaiter is the shared future for one in-flight session creation.
type launchWaiter struct {
	done    chan struct{}
	session *Session
	err     error
}

// Registry owns the session map, the launching map, and the tab index.
type Registry struct {
	cfg   *config.Config
	pool  *contextpool.Pool
	locks *tablock.Lock

	mu        sync.Mutex
	sessions  map[string]*Session
	launching map[string]*launchWaiter
	tabIndex  map[string]string // tabId -> sessionKey

	onUserClose []func(userID string)

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a session registry bound to a context pool. The registry
// subscribes to pool evictions so a context evicted under memory pressure
// drops its session entry; the on-disk profile is retained.
func New(cfg *config.Config, pool *contextpool.Pool, locks *tablock.Lock) *Registry {
	r := &Registry{
		cfg:       cfg,
		pool:      pool,
		locks:     locks,
		sessions:  make(map[string]*Session),
		launching: make(map[string]*launchWaiter),
		tabIndex:  make(map[string]string),
		stopCh:    make(chan struct{}),
	}

	pool.OnEvict(func(userID string) {
		r.dropSessionsForUser(userID, false)
	})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.reapRoutine()
	}()

	return r
}

// OnUserClose registers a callback fired when a user's sessions are closed
// explicitly. Download bookkeeping subscribes here.
func (r *Registry) OnUserClose(fn func(userID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUserClose = append(r.onUserClose, fn)
}

// GetSession returns the session for a key, creating it if needed.
//
// Creation is single-flight: concurrent callers for the same key share one
// launch. The session count gate includes in-flight launches, so a burst of
// new users cannot overshoot the cap.
func (r *Registry) GetSession(ctx context.Context, sessionKey string, seed *types.SeedOptions) (*Session, error) {
	key := security.CollapseSessionKey(sessionKey)
	userID := key

	for {
		r.mu.Lock()
		if s, ok := r.sessions[key]; ok {
			r.mu.Unlock()
			// Revalidate the pooled context; it may have been evicted or
			// crashed since the session was created.
			entry, err := r.pool.Ensure(ctx, userID, seed)
			if err != nil {
				return nil, err
			}
			s.mu.Lock()
			s.entry = entry
			s.mu.Unlock()
			s.Touch()
			return s, nil
		}

		if w, ok := r.launching[key]; ok {
			r.mu.Unlock()
			select {
			case <-w.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if w.err != nil {
				return nil, w.err
			}
			// Loop: the session is now in the map (or was dropped again).
			continue
		}

		if len(r.sessions)+len(r.launching) >= r.cfg.MaxSessions {
			r.mu.Unlock()
			return nil, &types.CoreError{
				Kind:       types.KindBusy,
				Message:    "Maximum number of sessions reached, retry later",
				RetryAfter: 10 * time.Second,
				Err:        types.ErrTooManySessions,
			}
		}

		w := &launchWaiter{done: make(chan struct{})}
		r.launching[key] = w
		r.mu.Unlock()

		s, err := r.createSession(ctx, key, userID, seed)
		w.session, w.err = s, err

		r.mu.Lock()
		delete(r.launching, key)
		if err == nil {
			r.sessions[key] = s
		}
		r.mu.Unlock()
		close(w.done)

		return s, err
	}
}

func (r *Registry) createSession(ctx context.Context, key, userID string, seed *types.SeedOptions) (*Session, error) {
	entry, err := r.pool.Ensure(ctx, userID, seed)
	if err != nil {
		return nil, err
	}

	s := &Session{
		Key:    key,
		UserID: userID,
		entry:  entry,
		groups: make(map[string]map[string]*tabs.Tab),
	}
	s.Touch()

	log.Info().
		Str("user_id", userID).
		Str("session_key", key).
		Msg("Session created")

	return s, nil
}

// CreateTab opens a new page in the session and registers it in the given
// tab group and the reverse index.
func (r *Registry) CreateTab(ctx context.Context, s *Session, listItemID string) (*tabs.Tab, error) {
	if listItemID == "" {
		listItemID = defaultGroup
	}

	entry := s.Entry()
	page, err := stealth.Page(entry.Browser.Context(ctx))
	if err != nil {
		return nil, types.NewEngineError("failed to open tab: "+err.Error(), err)
	}

	if err := entry.ApplySeedOverrides(page); err != nil {
		log.Warn().Err(err).Str("user_id", s.UserID).Msg("Seed overrides not applied to new tab")
	}

	tab := tabs.New(page, s.UserID, s.Key)

	r.mu.Lock()
	s.mu.Lock()
	group, ok := s.groups[listItemID]
	if !ok {
		group = make(map[string]*tabs.Tab)
		s.groups[listItemID] = group
	}
	group[tab.ID] = tab
	s.mu.Unlock()
	r.tabIndex[tab.ID] = s.Key
	r.mu.Unlock()

	s.Touch()

	log.Info().
		Str("user_id", s.UserID).
		Str("tab_id", tab.ID).
		Str("group", listItemID).
		Msg("Tab created")

	return tab, nil
}

// FindTabByID resolves a tabId for a user. The reverse index is the fast
// path; when it points at another user's session, the lookup fails rather
// than leak a cross-tenant handle. A stale or missing index entry falls back
// to scanning the user's own sessions, repopulating the index on a hit.
func (r *Registry) FindTabByID(tabID, userID string) *tabs.Tab {
	r.mu.Lock()
	defer r.mu.Unlock()

	if key, ok := r.tabIndex[tabID]; ok {
		if s, ok := r.sessions[key]; ok {
			if s.UserID != userID {
				return nil
			}
			if tab := s.findTab(tabID); tab != nil {
				s.Touch()
				return tab
			}
		}
		delete(r.tabIndex, tabID)
	}

	for key, s := range r.sessions {
		if s.UserID != userID {
			continue
		}
		if tab := s.findTab(tabID); tab != nil {
			r.tabIndex[tabID] = key
			s.Touch()
			return tab
		}
	}
	return nil
}

func (s *Session) findTab(tabID string) *tabs.Tab {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, group := range s.groups {
		if tab, ok := group[tabID]; ok {
			return tab
		}
	}
	return nil
}

// TabIDByFrame resolves the tab owning a frame. Download events report the
// originating frame; this attributes them to a tab for the recent-downloads
// query. Unattributable frames map to "unknown".
func (r *Registry) TabIDByFrame(userID string, frameID proto.PageFrameID) string {
	for _, tab := range r.TabsForUser(userID) {
		if p := tab.Page(); p != nil && p.FrameID == frameID {
			return tab.ID
		}
	}
	return "unknown"
}

// TabsForUser lists all live tabs across the user's sessions.
func (r *Registry) TabsForUser(userID string) []*tabs.Tab {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*tabs.Tab
	for _, s := range r.sessions {
		if s.UserID == userID {
			out = append(out, s.Tabs()...)
		}
	}
	return out
}

// CloseTab closes a tab and removes it from its group and the reverse index
// atomically. Empty groups are deleted. The tab lock slot is cleared so a
// closed tab leaves no residue.
func (r *Registry) CloseTab(tabID, userID string) error {
	tab := r.FindTabByID(tabID, userID)
	if tab == nil {
		return types.NewNotFoundError(types.ErrTabNotFound.Error())
	}

	tab.Close()
	r.locks.Clear(tabID)
	r.removeTab(tabID)

	log.Info().Str("user_id", userID).Str("tab_id", tabID).Msg("Tab closed")
	return nil
}

// removeTab deletes a tab from its group and the reverse index together.
func (r *Registry) removeTab(tabID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.tabIndex[tabID]
	delete(r.tabIndex, tabID)
	if !ok {
		return
	}
	s, ok := r.sessions[key]
	if !ok {
		return
	}

	s.mu.Lock()
	for name, group := range s.groups {
		if _, ok := group[tabID]; ok {
			delete(group, tabID)
			if len(group) == 0 {
				delete(s.groups, name)
			}
			break
		}
	}
	s.mu.Unlock()
}

// CloseGroup closes every tab in a user's tab group.
// Returns the number of tabs closed.
func (r *Registry) CloseGroup(userID, listItemID string) int {
	r.mu.Lock()
	var victims []*tabs.Tab
	for _, s := range r.sessions {
		if s.UserID != userID {
			continue
		}
		s.mu.Lock()
		if group, ok := s.groups[listItemID]; ok {
			for _, tab := range group {
				victims = append(victims, tab)
			}
			delete(s.groups, listItemID)
		}
		s.mu.Unlock()
	}
	for _, tab := range victims {
		delete(r.tabIndex, tab.ID)
	}
	r.mu.Unlock()

	for _, tab := range victims {
		tab.Close()
		r.locks.Clear(tab.ID)
	}

	if len(victims) > 0 {
		log.Info().
			Str("user_id", userID).
			Str("group", listItemID).
			Int("tabs", len(victims)).
			Msg("Tab group closed")
	}
	return len(victims)
}

// CloseSessionsForUser closes the user's pooled context and drops every
// session belonging to the user. Registered user-close callbacks run after
// the sessions are gone.
func (r *Registry) CloseSessionsForUser(userID string) {
	r.pool.CloseContext(userID)
	r.dropSessionsForUser(userID, true)

	r.mu.Lock()
	callbacks := r.onUserClose
	r.mu.Unlock()
	for _, fn := range callbacks {
		fn(userID)
	}
}

// dropSessionsForUser removes the user's sessions and tabs from the maps.
// When closeTabs is set, tab pages are also closed; the pool-eviction path
// leaves page closing to the browser teardown.
func (r *Registry) dropSessionsForUser(userID string, closeTabs bool) {
	r.mu.Lock()
	var victims []*tabs.Tab
	for key, s := range r.sessions {
		if s.UserID != userID && !strings.HasPrefix(key, userID+":") {
			continue
		}
		victims = append(victims, s.Tabs()...)
		delete(r.sessions, key)
	}
	for _, tab := range victims {
		delete(r.tabIndex, tab.ID)
	}
	r.mu.Unlock()

	for _, tab := range victims {
		if closeTabs {
			tab.Close()
		}
		r.locks.Clear(tab.ID)
	}

	if len(victims) > 0 || closeTabs {
		log.Info().
			Str("user_id", userID).
			Int("tabs", len(victims)).
			Msg("Sessions dropped for user")
	}
}

// CloseAllSessions closes the pool and drops every session. Used at shutdown.
func (r *Registry) CloseAllSessions() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.tabIndex = make(map[string]string)
	r.mu.Unlock()

	for _, s := range sessions {
		for _, tab := range s.Tabs() {
			tab.Close()
			r.locks.Clear(tab.ID)
		}
	}

	r.pool.CloseAll()
	log.Info().Int("sessions", len(sessions)).Msg("All sessions closed")
}

// SessionCount returns the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// reapRoutine evicts sessions idle past the configured timeout.
func (r *Registry) reapRoutine() {
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.reapIdle()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) reapIdle() {
	cutoff := time.Now().Add(-r.cfg.SessionIdleTimeout)

	r.mu.Lock()
	var idle []*Session
	for key, s := range r.sessions {
		if s.LastAccess().Before(cutoff) {
			idle = append(idle, s)
			delete(r.sessions, key)
		}
	}
	for _, s := range idle {
		for _, tab := range s.Tabs() {
			delete(r.tabIndex, tab.ID)
		}
	}
	r.mu.Unlock()

	for _, s := range idle {
		log.Info().
			Str("user_id", s.UserID).
			Time("last_access", s.LastAccess()).
			Msg("Reaping idle session")
		for _, tab := range s.Tabs() {
			tab.Close()
			r.locks.Clear(tab.ID)
		}
		r.pool.CloseContext(s.UserID)
	}
}

// Close stops the idle reaper. Safe to call multiple times.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.stopCh)
		r.wg.Wait()
	})
}
