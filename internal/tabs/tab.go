// Package tabs implements the per-tab browser surface: navigation,
// accessibility snapshots with stable element refs, and ref-addressed actions.
package tabs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/camofox/camofox-go/internal/security"
	"github.com/camofox/camofox-go/internal/snapshot"
	"github.com/camofox/camofox-go/internal/types"
)

// pageCloseTimeout bounds how long a page close may block.
const pageCloseTimeout = 5 * time.Second

// navigateTimeout bounds the goto call itself; readiness waits are separate.
const navigateTimeout = 25 * time.Second

// Tab owns one browser page and its ref table.
//
// Ref lookups resolve against the accessibility tree as long as the page has
// not navigated; navigation invalidates the table atomically before rebuild.
type Tab struct {
	ID         string
	UserID     string
	SessionKey string

	page *rod.Page

	mu           sync.Mutex
	refs         *snapshot.Table
	visited      []string
	visitedSet   map[string]struct{}
	lastSnapshot string // annotated full text, pre-windowing

	toolCalls atomic.Int64
	createdAt time.Time
	closed    atomic.Bool
}

// New wraps a page handle in a Tab with a fresh id.
func New(page *rod.Page, userID, sessionKey string) *Tab {
	return &Tab{
		ID:         uuid.NewString(),
		UserID:     userID,
		SessionKey: sessionKey,
		page:       page,
		refs:       snapshot.NewTable(),
		visitedSet: make(map[string]struct{}),
		createdAt:  time.Now(),
	}
}

// Page returns the underlying page handle.
func (t *Tab) Page() *rod.Page {
	return t.page
}

// URL returns the page's current URL, or "" on engine error.
func (t *Tab) URL() string {
	info, err := t.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

// Title returns the page's current title, or "" on engine error.
func (t *Tab) Title() string {
	info, err := t.page.Info()
	if err != nil {
		return ""
	}
	return info.Title
}

// CountToolCall increments the per-tab tool-call counter.
func (t *Tab) CountToolCall() {
	t.toolCalls.Add(1)
}

// MarkVisited records a URL in the visited set, preserving first-seen order.
func (t *Tab) MarkVisited(url string) {
	if url == "" || url == "about:blank" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.visitedSet[url]; ok {
		return
	}
	t.visitedSet[url] = struct{}{}
	t.visited = append(t.visited, url)
}

// Visited returns the visited URLs in first-seen order.
func (t *Tab) Visited() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.visited))
	copy(out, t.visited)
	return out
}

// Stats is the payload for the per-tab stats endpoint.
type Stats struct {
	TabID      string   `json:"tabId"`
	URL        string   `json:"url"`
	Title      string   `json:"title"`
	RefsCount  int      `json:"refsCount"`
	ToolCalls  int64    `json:"toolCalls"`
	Visited    []string `json:"visited"`
	CreatedAt  string   `json:"createdAt"`
	AgeSeconds int64    `json:"ageSeconds"`
}

// Stats returns a point-in-time view of the tab.
func (t *Tab) Stats() Stats {
	t.mu.Lock()
	refsCount := t.refs.Count()
	t.mu.Unlock()
	return Stats{
		TabID:      t.ID,
		URL:        t.URL(),
		Title:      t.Title(),
		RefsCount:  refsCount,
		ToolCalls:  t.toolCalls.Load(),
		Visited:    t.Visited(),
		CreatedAt:  t.createdAt.UTC().Format(time.RFC3339),
		AgeSeconds: int64(time.Since(t.createdAt).Seconds()),
	}
}

// RefsCount returns the current ref table size.
func (t *Tab) RefsCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refs.Count()
}

// invalidateRefs drops the ref table and the snapshot cache together, so a
// stale cache can never be served against a fresh table.
func (t *Tab) invalidateRefs() {
	t.mu.Lock()
	t.refs.Clear()
	t.lastSnapshot = ""
	t.mu.Unlock()
}

// Navigate drives the page to url and waits for DOMContentLoaded.
// Non-http(s) schemes are rejected before any engine call, so a bad URL has
// no side effect on the tab.
func (t *Tab) Navigate(ctx context.Context, url string) error {
	if err := security.ValidateNavigationURL(url); err != nil {
		return types.NewValidationError(err.Error())
	}

	t.invalidateRefs()

	page := t.page.Context(ctx).Timeout(navigateTimeout)
	wait := page.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
	if err := page.Navigate(url); err != nil {
		return types.NewEngineError("navigation failed: "+err.Error(), err)
	}
	wait()

	t.MarkVisited(t.URL())
	return nil
}

// Back navigates history backwards and invalidates refs.
func (t *Tab) Back(ctx context.Context) error {
	t.invalidateRefs()
	if err := t.page.Context(ctx).NavigateBack(); err != nil {
		return types.NewEngineError("history back failed: "+err.Error(), err)
	}
	t.waitSettled(ctx)
	return nil
}

// Forward navigates history forwards and invalidates refs.
func (t *Tab) Forward(ctx context.Context) error {
	t.invalidateRefs()
	if err := t.page.Context(ctx).NavigateForward(); err != nil {
		return types.NewEngineError("history forward failed: "+err.Error(), err)
	}
	t.waitSettled(ctx)
	return nil
}

// Refresh reloads the page and invalidates refs.
func (t *Tab) Refresh(ctx context.Context) error {
	t.invalidateRefs()
	if err := t.page.Context(ctx).Reload(); err != nil {
		return types.NewEngineError("reload failed: "+err.Error(), err)
	}
	t.waitSettled(ctx)
	return nil
}

// waitSettled best-effort waits for the load event after a history move.
func (t *Tab) waitSettled(ctx context.Context) {
	if err := t.page.Context(ctx).Timeout(10 * time.Second).WaitLoad(); err != nil {
		log.Debug().Str("tab_id", t.ID).Err(err).Msg("Load wait after navigation did not settle")
	}
}

// IsClosed reports whether Close has run.
func (t *Tab) IsClosed() bool {
	return t.closed.Load()
}

// Close closes the page. Safe to call multiple times; the close is raced
// against a timer so a hung engine cannot wedge the caller.
func (t *Tab) Close() {
	if t.closed.Swap(true) {
		return
	}
	if t.page == nil {
		return
	}
	safePageClose(t.page, t.ID)
}

// safePageClose races a page close against a timer. Always returns; close
// errors are logged and never propagated.
func safePageClose(page *rod.Page, tabID string) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := page.Close(); err != nil {
			log.Debug().Str("tab_id", tabID).Err(err).Msg("Error closing page")
		}
	}()

	select {
	case <-done:
	case <-time.After(pageCloseTimeout):
		log.Warn().Str("tab_id", tabID).Msg("Page close timed out")
	}
}
