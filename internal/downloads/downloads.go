// Package downloads tracks browser downloads per user: an in-memory registry
// with a per-user cap, TTL cleanup, and a crash-safe on-disk snapshot that is
// reconciled with the actual files at startup.
package downloads

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/camofox/camofox-go/internal/config"
	"github.com/camofox/camofox-go/internal/security"
	"github.com/camofox/camofox-go/internal/types"
)

// Download statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// registryFile is the on-disk snapshot, rewritten atomically.
const registryFile = "registry.json"

// saveDebounce batches bursts of mutations into one disk write.
const saveDebounce = time.Second

// sweepInterval is how often expired entries are cleaned up.
const sweepInterval = 60 * time.Second

// Info is one tracked download. Timestamps are unix millis.
type Info struct {
	ID                string `json:"id"`
	UserID            string `json:"userId"`
	TabID             string `json:"tabId"`
	URL               string `json:"url"`
	SuggestedFilename string `json:"suggestedFilename"`
	SavedFilename     string `json:"savedFilename"`
	MimeType          string `json:"mimeType"`
	Size              int64  `json:"size"`
	Status            string `json:"status"`
	Error             string `json:"error,omitempty"`
	CreatedAt         int64  `json:"createdAt"`
	CompletedAt       int64  `json:"completedAt,omitempty"`
	ContentURL        string `json:"contentUrl"`
}

// sortKey orders entries for eviction: completion time when set, else
// creation time.
func (d *Info) sortKey() int64 {
	if d.CompletedAt != 0 {
		return d.CompletedAt
	}
	return d.CreatedAt
}

// done reports whether the download reached a terminal status.
func (d *Info) done() bool {
	return d.Status != StatusPending
}

// Manager is the download registry.
type Manager struct {
	cfg *config.Config

	mu        sync.Mutex
	entries   map[string]*Info
	saveTimer *time.Timer

	watchMu  sync.Mutex
	watchers map[*rod.Browser]*watcher

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewManager loads and reconciles the on-disk registry, then starts the TTL
// sweeper.
func NewManager(cfg *config.Config) (*Manager, error) {
	m := &Manager{
		cfg:      cfg,
		entries:  make(map[string]*Info),
		watchers: make(map[*rod.Browser]*watcher),
		stopCh:   make(chan struct{}),
	}

	if err := m.reconcile(); err != nil {
		return nil, fmt.Errorf("download registry reconciliation failed: %w", err)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.sweepRoutine()
	}()

	log.Info().
		Int("entries", m.Count()).
		Str("dir", cfg.DownloadsDir).
		Msg("Download registry initialized")

	return m, nil
}

// UserDir returns (and creates) the user's download directory.
func (m *Manager) UserDir(userID string) (string, error) {
	dir := filepath.Join(m.cfg.DownloadsDir, security.UserPathKey(userID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create download dir: %w", err)
	}
	return dir, nil
}

// FilePath returns the on-disk location of a download.
func (m *Manager) FilePath(d *Info) string {
	return filepath.Join(m.cfg.DownloadsDir, security.UserPathKey(d.UserID), d.SavedFilename)
}

// Register inserts a new pending entry, enforcing the per-user cap first.
// The eviction policy removes the oldest finished entry and its file;
// pending entries are never evicted.
func (m *Manager) Register(userID, tabID, url, suggestedFilename string) (*Info, error) {
	if _, err := m.UserDir(userID); err != nil {
		return nil, err
	}

	suggested := sanitizeFilename(suggestedFilename)
	id := uuid.NewString()
	d := &Info{
		ID:                id,
		UserID:            userID,
		TabID:             tabID,
		URL:               url,
		SuggestedFilename: suggested,
		SavedFilename:     id + "_" + suggested,
		MimeType:          guessMimeType(suggested),
		Status:            StatusPending,
		CreatedAt:         time.Now().UnixMilli(),
		ContentURL:        "/downloads/" + id + "/content",
	}

	m.mu.Lock()
	m.evictForCapLocked(userID)
	m.entries[id] = d
	m.scheduleSaveLocked()
	m.mu.Unlock()

	log.Info().
		Str("user_id", userID).
		Str("download_id", id).
		Str("filename", suggested).
		Msg("Download started")

	return m.copyOf(d), nil
}

// evictForCapLocked enforces the per-user cap before an insert.
func (m *Manager) evictForCapLocked(userID string) {
	max := m.cfg.MaxDownloadsPerUser
	for {
		count := 0
		var oldest *Info
		for _, d := range m.entries {
			if d.UserID != userID {
				continue
			}
			count++
			if d.done() && (oldest == nil || d.sortKey() < oldest.sortKey()) {
				oldest = d
			}
		}
		if count < max {
			return
		}
		if oldest == nil {
			// Every entry is pending; the cap cannot evict them.
			log.Warn().
				Str("user_id", userID).
				Int("count", count).
				Msg("Per-user download cap reached with only pending entries")
			return
		}
		if err := os.Remove(m.FilePath(oldest)); err != nil && !os.IsNotExist(err) {
			log.Debug().Err(err).Str("download_id", oldest.ID).Msg("Failed to remove evicted download file")
		}
		delete(m.entries, oldest.ID)
		log.Info().
			Str("user_id", userID).
			Str("download_id", oldest.ID).
			Msg("Evicted oldest finished download for user cap")
	}
}

// Complete finalizes a download: the file is stat'ed, the size cap enforced,
// and the entry marked completed.
func (m *Manager) Complete(id string) {
	m.mu.Lock()
	d, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	path := m.FilePath(d)
	m.mu.Unlock()

	fi, err := os.Stat(path)
	if err != nil {
		m.finish(id, StatusFailed, "downloaded file missing: "+err.Error())
		return
	}
	maxBytes := int64(m.cfg.MaxDownloadSizeMB) << 20
	if maxBytes > 0 && fi.Size() > maxBytes {
		if rmErr := os.Remove(path); rmErr != nil {
			log.Debug().Err(rmErr).Str("download_id", id).Msg("Failed to remove oversized download")
		}
		m.finish(id, StatusFailed, fmt.Sprintf("file exceeds maximum size of %dMB", m.cfg.MaxDownloadSizeMB))
		return
	}

	m.mu.Lock()
	d.Size = fi.Size()
	d.Status = StatusCompleted
	d.CompletedAt = time.Now().UnixMilli()
	m.scheduleSaveLocked()
	m.mu.Unlock()

	log.Info().
		Str("download_id", id).
		Int64("size", fi.Size()).
		Msg("Download completed")
}

// Fail marks a download failed, or canceled when the engine message says so.
func (m *Manager) Fail(id, message string) {
	status := StatusFailed
	if strings.Contains(strings.ToLower(message), "canceled") {
		status = StatusCanceled
	}
	m.finish(id, status, message)
}

func (m *Manager) finish(id, status, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.entries[id]
	if !ok {
		return
	}
	d.Status = status
	d.Error = message
	d.CompletedAt = time.Now().UnixMilli()
	m.scheduleSaveLocked()

	log.Warn().
		Str("download_id", id).
		Str("status", status).
		Str("error", message).
		Msg("Download did not complete")
}

// Get returns a download owned by userID.
func (m *Manager) Get(id, userID string) (*Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.entries[id]
	if !ok || d.UserID != userID {
		return nil, types.NewNotFoundError(types.ErrDownloadNotFound.Error())
	}
	return m.copyOf(d), nil
}

// ListForUser returns the user's downloads, newest first.
func (m *Manager) ListForUser(userID string) []*Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Info
	for _, d := range m.entries {
		if d.UserID == userID {
			out = append(out, m.copyOf(d))
		}
	}
	sortNewestFirst(out)
	return out
}

// Recent returns the tab's downloads created within the window. The click
// action uses this to inline downloads it triggered.
func (m *Manager) Recent(tabID string, window time.Duration) []*Info {
	cutoff := time.Now().Add(-window).UnixMilli()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Info
	for _, d := range m.entries {
		if d.TabID == tabID && d.CreatedAt >= cutoff {
			out = append(out, m.copyOf(d))
		}
	}
	sortNewestFirst(out)
	return out
}

// Delete removes a download and its file. File errors are ignored; the
// entry always goes away.
func (m *Manager) Delete(id, userID string) error {
	m.mu.Lock()
	d, ok := m.entries[id]
	if !ok || d.UserID != userID {
		m.mu.Unlock()
		return types.NewNotFoundError(types.ErrDownloadNotFound.Error())
	}
	path := m.FilePath(d)
	delete(m.entries, id)
	m.scheduleSaveLocked()
	m.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Str("download_id", id).Msg("Failed to remove download file")
	}
	log.Info().Str("download_id", id).Msg("Download deleted")
	return nil
}

// CleanupUser drops all of a user's finished entries and files. Called when
// the user's sessions are closed.
func (m *Manager) CleanupUser(userID string) {
	m.mu.Lock()
	var victims []*Info
	for id, d := range m.entries {
		if d.UserID == userID && d.done() {
			victims = append(victims, d)
			delete(m.entries, id)
		}
	}
	if len(victims) > 0 {
		m.scheduleSaveLocked()
	}
	m.mu.Unlock()

	for _, d := range victims {
		if err := os.Remove(m.FilePath(d)); err != nil && !os.IsNotExist(err) {
			log.Debug().Err(err).Str("download_id", d.ID).Msg("Failed to remove download file")
		}
	}
	if len(victims) > 0 {
		log.Info().Str("user_id", userID).Int("count", len(victims)).Msg("Cleaned up user downloads")
	}
}

// Count returns the number of tracked downloads.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Manager) copyOf(d *Info) *Info {
	c := *d
	return &c
}

func sortNewestFirst(list []*Info) {
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt > list[j].CreatedAt
	})
}

// sweepRoutine drops finished entries past the TTL.
func (m *Manager) sweepRoutine() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweepExpired()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweepExpired() {
	cutoff := time.Now().Add(-m.cfg.DownloadTTL).UnixMilli()

	m.mu.Lock()
	var victims []*Info
	for id, d := range m.entries {
		if d.done() && d.sortKey() < cutoff {
			victims = append(victims, d)
			delete(m.entries, id)
		}
	}
	if len(victims) > 0 {
		m.scheduleSaveLocked()
	}
	m.mu.Unlock()

	for _, d := range victims {
		if err := os.Remove(m.FilePath(d)); err != nil && !os.IsNotExist(err) {
			log.Debug().Err(err).Str("download_id", d.ID).Msg("Failed to remove expired download file")
		}
	}
	if len(victims) > 0 {
		log.Info().Int("count", len(victims)).Msg("Swept expired downloads")
	}
}

// scheduleSaveLocked arms the debounced persist timer. Callers hold m.mu.
func (m *Manager) scheduleSaveLocked() {
	if m.saveTimer != nil {
		return
	}
	m.saveTimer = time.AfterFunc(saveDebounce, func() {
		m.mu.Lock()
		m.saveTimer = nil
		m.mu.Unlock()
		if err := m.persist(); err != nil {
			log.Error().Err(err).Msg("Failed to persist download registry")
		}
	})
}

// persist writes the registry snapshot atomically: temp file then rename.
func (m *Manager) persist() error {
	m.mu.Lock()
	snapshot := make(map[string]*Info, len(m.entries))
	for id, d := range m.entries {
		snapshot[id] = m.copyOf(d)
	}
	m.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode registry: %w", err)
	}

	path := filepath.Join(m.cfg.DownloadsDir, registryFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write registry temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace registry file: %w", err)
	}
	return nil
}

// reconcile rebuilds the registry from disk at startup: entries whose files
// vanished are dropped, and orphaned files named {uuid}_{rest} are adopted
// as completed entries.
func (m *Manager) reconcile() error {
	if err := os.MkdirAll(m.cfg.DownloadsDir, 0o755); err != nil {
		return err
	}

	path := filepath.Join(m.cfg.DownloadsDir, registryFile)
	if data, err := os.ReadFile(path); err == nil {
		var loaded map[string]*Info
		if err := json.Unmarshal(data, &loaded); err != nil {
			log.Warn().Err(err).Msg("Corrupt download registry file, starting fresh")
		} else {
			for id, d := range loaded {
				if _, err := os.Stat(m.FilePath(d)); err != nil {
					log.Debug().Str("download_id", id).Msg("Dropping registry entry without a file")
					continue
				}
				// A pending entry from before a crash will never complete.
				if d.Status == StatusPending {
					d.Status = StatusFailed
					d.Error = "interrupted by restart"
					d.CompletedAt = time.Now().UnixMilli()
				}
				m.entries[id] = d
			}
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	m.adoptOrphans()

	if err := m.persist(); err != nil {
		return err
	}
	return nil
}

// adoptOrphans scans user directories for files the registry does not know
// and adopts them as completed entries with an unknown tab.
func (m *Manager) adoptOrphans() {
	dirs, err := os.ReadDir(m.cfg.DownloadsDir)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to scan downloads dir for orphans")
		return
	}

	known := make(map[string]bool, len(m.entries))
	for _, d := range m.entries {
		known[d.SavedFilename] = true
	}

	adopted := 0
	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		userID, err := security.UserFromPathKey(dir.Name())
		if err != nil {
			continue
		}
		files, err := os.ReadDir(filepath.Join(m.cfg.DownloadsDir, dir.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || known[f.Name()] {
				continue
			}
			id, rest, ok := splitSavedFilename(f.Name())
			if !ok {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			m.entries[id] = &Info{
				ID:                id,
				UserID:            userID,
				TabID:             "unknown",
				SuggestedFilename: rest,
				SavedFilename:     f.Name(),
				MimeType:          guessMimeType(rest),
				Size:              info.Size(),
				Status:            StatusCompleted,
				CreatedAt:         info.ModTime().UnixMilli(),
				CompletedAt:       info.ModTime().UnixMilli(),
				ContentURL:        "/downloads/" + id + "/content",
			}
			adopted++
		}
	}
	if adopted > 0 {
		log.Info().Int("count", adopted).Msg("Adopted orphaned download files")
	}
}

// splitSavedFilename parses "{uuid}_{rest}" names.
func splitSavedFilename(name string) (id, rest string, ok bool) {
	i := strings.IndexByte(name, '_')
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	if _, err := uuid.Parse(name[:i]); err != nil {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}

// Close stops the sweeper and flushes a final snapshot.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()

		m.watchMu.Lock()
		for browser, w := range m.watchers {
			if w.cancel != nil {
				w.cancel()
			}
			delete(m.watchers, browser)
		}
		m.watchMu.Unlock()

		m.mu.Lock()
		if m.saveTimer != nil {
			m.saveTimer.Stop()
			m.saveTimer = nil
		}
		m.mu.Unlock()

		if err := m.persist(); err != nil {
			log.Error().Err(err).Msg("Failed to persist download registry at shutdown")
		}
	})
}
