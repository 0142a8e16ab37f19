package downloads

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
)

// TabResolver maps the frame that initiated a download to a tabId.
// Returns "unknown" when the frame cannot be matched.
type TabResolver func(frameID proto.PageFrameID) string

// watcher tracks one browser's download events.
type watcher struct {
	cancel context.CancelFunc

	mu    sync.Mutex
	byGUI map[string]string // download GUID -> registry id
}

// EnsureAttached subscribes to a browser's download events, once per browser
// instance. The engine writes files under the user's download directory named
// by GUID; on completion the file is renamed to its registry name.
func (m *Manager) EnsureAttached(browser *rod.Browser, userID string, resolve TabResolver) error {
	m.watchMu.Lock()
	if _, ok := m.watchers[browser]; ok {
		m.watchMu.Unlock()
		return nil
	}
	w := &watcher{byGUI: make(map[string]string)}
	m.watchers[browser] = w
	m.watchMu.Unlock()

	dir, err := m.UserDir(userID)
	if err != nil {
		m.detach(browser)
		return err
	}

	err = proto.BrowserSetDownloadBehavior{
		Behavior:      proto.BrowserSetDownloadBehaviorBehaviorAllowAndName,
		DownloadPath:  dir,
		EventsEnabled: true,
	}.Call(browser)
	if err != nil {
		m.detach(browser)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	go browser.Context(ctx).EachEvent(
		func(e *proto.BrowserDownloadWillBegin) {
			tabID := "unknown"
			if resolve != nil {
				tabID = resolve(e.FrameID)
			}
			info, err := m.Register(userID, tabID, e.URL, e.SuggestedFilename)
			if err != nil {
				log.Error().Err(err).Str("user_id", userID).Msg("Failed to register download")
				return
			}
			w.mu.Lock()
			w.byGUI[e.GUID] = info.ID
			w.mu.Unlock()
		},
		func(e *proto.BrowserDownloadProgress) {
			w.mu.Lock()
			id, ok := w.byGUI[e.GUID]
			if ok && e.State != proto.BrowserDownloadProgressStateInProgress {
				delete(w.byGUI, e.GUID)
			}
			w.mu.Unlock()
			if !ok {
				return
			}

			switch e.State {
			case proto.BrowserDownloadProgressStateCompleted:
				m.adoptEngineFile(userID, dir, e.GUID, id)
				m.Complete(id)
			case proto.BrowserDownloadProgressStateCanceled:
				m.Fail(id, "download canceled")
			}
		},
	)()

	log.Debug().Str("user_id", userID).Msg("Download watcher attached")
	return nil
}

// adoptEngineFile renames the engine's GUID-named file to the registry name.
func (m *Manager) adoptEngineFile(userID, dir, guid, id string) {
	m.mu.Lock()
	d, ok := m.entries[id]
	var target string
	if ok {
		target = m.FilePath(d)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	src := filepath.Join(dir, guid)
	if err := os.Rename(src, target); err != nil {
		log.Warn().
			Err(err).
			Str("download_id", id).
			Str("user_id", userID).
			Msg("Failed to move completed download into place")
	}
}

// Detach stops the watcher for a browser. Called when the context is closed
// or evicted.
func (m *Manager) Detach(browser *rod.Browser) {
	m.detach(browser)
}

func (m *Manager) detach(browser *rod.Browser) {
	m.watchMu.Lock()
	w, ok := m.watchers[browser]
	delete(m.watchers, browser)
	m.watchMu.Unlock()
	if ok && w.cancel != nil {
		w.cancel()
	}
}
