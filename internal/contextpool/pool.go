// Package contextpool manages a bounded LRU of persistent browser contexts,
// one per user. Contexts are expensive (a full browser process with an
// on-disk profile), so the pool multiplexes many users onto a capped set and
// evicts the least-recently-used context when full. Launches are
// single-flight: concurrent callers for the same user share one launch.
package contextpool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"github.com/ysmood/gson"
	"golang.org/x/sync/singleflight"

	"github.com/camofox/camofox-go/internal/config"
	"github.com/camofox/camofox-go/internal/security"
	"github.com/camofox/camofox-go/internal/types"
)

// closeTimeout bounds how long a context close may block.
const closeTimeout = 5 * time.Second

// aliveProbeTimeout bounds the cheap liveness probe against the engine.
const aliveProbeTimeout = 2 * time.Second

// Entry is a live pool entry: one persistent browser context for one user.
type Entry struct {
	Browser    *rod.Browser
	UserID     string
	ProfileDir string
	Seed       *types.SeedOptions
	Headless   config.HeadlessMode

	lastAccess atomic.Int64 // unix millis
	closing    atomic.Bool  // guards against double close between hook and explicit paths
}

// Touch stamps the entry's last access time.
func (e *Entry) Touch() {
	e.lastAccess.Store(time.Now().UnixMilli())
}

// LastAccess returns the entry's last access time.
func (e *Entry) LastAccess() time.Time {
	return time.UnixMilli(e.lastAccess.Load())
}

// alive probes the browser connection with a short deadline.
// A context closed externally (crash, manual kill) fails this probe.
func (e *Entry) alive() bool {
	ctx, cancel := context.WithTimeout(context.Background(), aliveProbeTimeout)
	defer cancel()
	_, err := proto.BrowserGetVersion{}.Call(e.Browser.Context(ctx))
	return err == nil
}

// EvictFunc is notified before an evicted context is closed, so subscribers
// (session registry, download bookkeeping) can drop their references.
type EvictFunc func(userID string)

// Pool is the bounded LRU of persistent contexts keyed by userId.
//
// Launching entries live in the singleflight group, not in the LRU, so the
// LRU only ever evicts fully-launched contexts and a launch can never be
// evicted out from under its waiters.
type Pool struct {
	cfg *config.Config

	mu       sync.Mutex
	cache    *lru.Cache[string, *Entry]
	launch   singleflight.Group
	onEvict  []EvictFunc
	closed   atomic.Bool
	closeWg  sync.WaitGroup
}

// New creates a context pool bounded at cfg.MaxContexts.
func New(cfg *config.Config) (*Pool, error) {
	p := &Pool{cfg: cfg}

	cache, err := lru.NewWithEvict[string, *Entry](cfg.MaxContexts, p.evicted)
	if err != nil {
		return nil, fmt.Errorf("failed to create context LRU: %w", err)
	}
	p.cache = cache

	log.Info().
		Int("max_contexts", cfg.MaxContexts).
		Str("profiles_dir", cfg.ProfilesDir).
		Str("headless", string(cfg.Headless)).
		Msg("Context pool initialized")

	return p, nil
}

// OnEvict registers a callback fired before an evicted context is closed.
func (p *Pool) OnEvict(fn EvictFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onEvict = append(p.onEvict, fn)
}

// evicted is the LRU eviction hook. Subscribers run first, then the browser
// is closed in the background so the cache lock is never held across slow I/O.
// Entries already being closed by an explicit path are skipped.
func (p *Pool) evicted(userID string, entry *Entry) {
	if entry.closing.Swap(true) {
		return
	}

	log.Info().
		Str("user_id", userID).
		Time("last_access", entry.LastAccess()).
		Msg("Evicting least-recently-used context")

	for _, fn := range p.evictFuncs() {
		fn(userID)
	}

	p.closeWg.Add(1)
	go func() {
		defer p.closeWg.Done()
		safeBrowserClose(entry.Browser)
	}()
}

func (p *Pool) evictFuncs() []EvictFunc {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onEvict
}

// Ensure returns the user's persistent context, launching it if needed.
//
// Seed options are honored on first launch only. A live context launched
// with different seeds is reused as-is: persistence wins over fresh
// configuration, and the mismatch is logged.
func (p *Pool) Ensure(ctx context.Context, userID string, seed *types.SeedOptions) (*Entry, error) {
	if p.closed.Load() {
		return nil, types.ErrPoolClosed
	}

	if entry, ok := p.cache.Get(userID); ok {
		if entry.alive() {
			entry.Touch()
			warnSeedMismatch(entry, seed)
			return entry, nil
		}
		log.Warn().Str("user_id", userID).Msg("Context closed externally, relaunching")
		p.cache.Remove(userID)
	}

	v, err, shared := p.launch.Do(userID, func() (interface{}, error) {
		// Another flight may have populated the cache between our Get and
		// entering the group.
		if entry, ok := p.cache.Get(userID); ok && entry.alive() {
			return entry, nil
		}
		return p.launchContext(userID, seed, p.cfg.Headless)
	})
	if err != nil {
		return nil, err
	}

	entry := v.(*Entry)
	if shared {
		warnSeedMismatch(entry, seed)
	}
	entry.Touch()
	return entry, nil
}

// Peek returns the user's context without touching recency or launching.
func (p *Pool) Peek(userID string) (*Entry, bool) {
	return p.cache.Peek(userID)
}

// launchContext launches a persistent browser context for userID.
// The profile directory is keyed by the URL-encoded user id so hostile ids
// cannot traverse outside the profiles root.
func (p *Pool) launchContext(userID string, seed *types.SeedOptions, headless config.HeadlessMode) (*Entry, error) {
	profileDir := filepath.Join(p.cfg.ProfilesDir, security.UserPathKey(userID))
	if err := os.MkdirAll(profileDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create profile dir: %v", types.ErrLaunchFailed, err)
	}

	log.Info().
		Str("user_id", userID).
		Str("profile_dir", profileDir).
		Str("headless", string(headless)).
		Msg("Launching persistent context")

	l := p.createLauncher(profileDir, seed, headless)
	url, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrLaunchFailed, err)
	}

	browser := rod.New().ControlURL(url)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("%w: connect: %v", types.ErrLaunchFailed, err)
	}

	entry := &Entry{
		Browser:    browser,
		UserID:     userID,
		ProfileDir: profileDir,
		Seed:       seed,
		Headless:   headless,
	}
	entry.Touch()

	// Add may evict the oldest entry; the eviction hook handles callbacks
	// and close.
	p.cache.Add(userID, entry)

	log.Info().
		Str("user_id", userID).
		Int("pool_size", p.cache.Len()).
		Msg("Persistent context launched")

	return entry, nil
}

// createLauncher builds the rod launcher for a persistent profile.
// Flags follow the settings known to work in containerized deployments.
func (p *Pool) createLauncher(profileDir string, seed *types.SeedOptions, headless config.HeadlessMode) *launcher.Launcher {
	l := launcher.New().UserDataDir(profileDir)

	if p.cfg.BrowserPath != "" {
		l = l.Bin(p.cfg.BrowserPath)
	}

	switch headless {
	case config.HeadlessTrue:
		l = l.Set("headless", "new")
	default:
		// "false" and "virtual" both run headed; virtual mode relies on the
		// DISPLAY env pointing at an Xvfb display.
		l = l.Headless(false)
	}

	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-background-networking").
		Set("disable-sync").
		Set("mute-audio")

	if proxy := p.cfg.ProxyURL(); proxy != "" {
		l = l.Set("proxy-server", proxy)
	}

	if seed != nil {
		if seed.Locale != "" {
			l = l.Set("accept-lang", seed.Locale)
		}
		if seed.TimezoneID != "" {
			// Chromium reads TZ for Date and Intl; new pages additionally get
			// the emulation override via ApplySeedOverrides.
			l = l.Env(append(os.Environ(), "TZ="+seed.TimezoneID)...)
		}
		if seed.Viewport != nil && seed.Viewport.Width > 0 && seed.Viewport.Height > 0 {
			l = l.Set("window-size", fmt.Sprintf("%d,%d", seed.Viewport.Width, seed.Viewport.Height))
		}
	}

	return l
}

// seedGeoAccuracy is the accuracy (meters) reported for seeded coordinates.
const seedGeoAccuracy = 100

// ApplySeedOverrides applies the seed fields launcher flags cannot express to
// a freshly opened page: timezone and geolocation emulation.
func (e *Entry) ApplySeedOverrides(page *rod.Page) error {
	if e.Seed == nil {
		return nil
	}
	if tz := e.Seed.TimezoneID; tz != "" {
		if err := (proto.EmulationSetTimezoneOverride{TimezoneID: tz}).Call(page); err != nil {
			return fmt.Errorf("timezone override: %w", err)
		}
	}
	if g := e.Seed.Geolocation; g != nil {
		err := proto.EmulationSetGeolocationOverride{
			Latitude:  gson.Num(g.Latitude),
			Longitude: gson.Num(g.Longitude),
			Accuracy:  gson.Num(seedGeoAccuracy),
		}.Call(page)
		if err != nil {
			return fmt.Errorf("geolocation override: %w", err)
		}
	}
	return nil
}

// warnSeedMismatch logs when a caller passes fresh seed options for an
// already-launched context. The new values are ignored.
func warnSeedMismatch(entry *Entry, seed *types.SeedOptions) {
	if seed == nil {
		return
	}
	if entry.Seed == nil || entry.Seed.Locale != seed.Locale ||
		entry.Seed.TimezoneID != seed.TimezoneID {
		log.Warn().
			Str("user_id", entry.UserID).
			Msg("Seed options ignored: persistent context already launched with different seeds")
	}
}

// Restart closes the user's context and relaunches it, optionally flipping
// the display mode. Any in-flight launch for the user completes first.
func (p *Pool) Restart(ctx context.Context, userID string, headless *config.HeadlessMode) (*Entry, error) {
	if p.closed.Load() {
		return nil, types.ErrPoolClosed
	}

	// Wait for any pending launch so we do not orphan a half-built context.
	_, _, _ = p.launch.Do(userID, func() (interface{}, error) { return nil, nil })

	var seed *types.SeedOptions
	mode := p.cfg.Headless
	if entry, ok := p.cache.Peek(userID); ok {
		seed = entry.Seed
		mode = entry.Headless
		p.removeWithoutCallbacks(userID, entry)
	}
	if headless != nil {
		mode = *headless
	}

	log.Info().
		Str("user_id", userID).
		Str("headless", string(mode)).
		Msg("Restarting persistent context")

	v, err, _ := p.launch.Do(userID+"\x00restart", func() (interface{}, error) {
		return p.launchContext(userID, seed, mode)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

// CloseContext closes and removes a user's context.
// Pending launch errors are ignored; the goal is a clean slate.
func (p *Pool) CloseContext(userID string) {
	_, _, _ = p.launch.Do(userID, func() (interface{}, error) { return nil, nil })

	if entry, ok := p.cache.Peek(userID); ok {
		p.removeWithoutCallbacks(userID, entry)
		log.Info().Str("user_id", userID).Msg("Context closed")
	}
}

// removeWithoutCallbacks takes an entry out of the LRU and closes it
// synchronously, without firing eviction callbacks. Used by the explicit
// close/restart paths, where the caller already knows the context is going
// away (and, for restart, must not relaunch while the profile is locked by
// the old process).
func (p *Pool) removeWithoutCallbacks(userID string, entry *Entry) {
	already := entry.closing.Swap(true)
	p.cache.Remove(userID)
	if !already {
		safeBrowserClose(entry.Browser)
	}
}

// CloseAll best-effort closes every context. Used at shutdown.
func (p *Pool) CloseAll() {
	if p.closed.Swap(true) {
		return
	}

	keys := p.cache.Keys()
	log.Info().Int("count", len(keys)).Msg("Closing all contexts")

	for _, userID := range keys {
		if entry, ok := p.cache.Peek(userID); ok {
			p.removeWithoutCallbacks(userID, entry)
		}
	}

	done := make(chan struct{})
	go func() {
		p.closeWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		log.Warn().Msg("Timeout waiting for context close goroutines")
	}
}

// Len returns the number of live (non-launching) contexts.
func (p *Pool) Len() int {
	return p.cache.Len()
}

// ActiveUserIDs returns the user ids with live contexts, oldest first.
func (p *Pool) ActiveUserIDs() []string {
	return p.cache.Keys()
}

// AnyConnected reports whether at least one pooled context answers a probe.
func (p *Pool) AnyConnected() bool {
	for _, userID := range p.cache.Keys() {
		if entry, ok := p.cache.Peek(userID); ok && entry.alive() {
			return true
		}
	}
	return false
}

// safeBrowserClose races a browser close against a timer. It always returns;
// close errors are logged and never propagated.
func safeBrowserClose(browser *rod.Browser) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := browser.Close(); err != nil {
			log.Debug().Err(err).Msg("Error closing browser context")
		}
	}()

	select {
	case <-done:
	case <-time.After(closeTimeout):
		log.Warn().Msg("Browser context close timed out")
	}
}
