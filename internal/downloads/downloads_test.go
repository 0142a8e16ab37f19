package downloads

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/camofox/camofox-go/internal/config"
	"github.com/camofox/camofox-go/internal/security"
)

func newTestManager(t *testing.T, maxPerUser int) *Manager {
	t.Helper()
	cfg := &config.Config{
		DownloadsDir:        t.TempDir(),
		MaxDownloadsPerUser: maxPerUser,
		MaxDownloadSizeMB:   100,
		DownloadTTL:         24 * time.Hour,
	}
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestRegisterAndComplete(t *testing.T) {
	m := newTestManager(t, 10)

	d, err := m.Register("u1", "t1", "https://example.com/report.pdf", "report.pdf")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if d.Status != StatusPending {
		t.Errorf("new download status = %q, want pending", d.Status)
	}
	if d.SavedFilename != d.ID+"_report.pdf" {
		t.Errorf("saved filename = %q", d.SavedFilename)
	}
	if d.MimeType != "application/pdf" {
		t.Errorf("mime = %q", d.MimeType)
	}

	writeFile(t, m.FilePath(d), "content")
	m.Complete(d.ID)

	got, err := m.Get(d.ID, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCompleted || got.Size != 7 || got.CompletedAt == 0 {
		t.Errorf("unexpected completed entry: %+v", got)
	}
}

func TestGetOwnership(t *testing.T) {
	m := newTestManager(t, 10)
	d, _ := m.Register("u1", "t1", "u", "f.txt")

	if _, err := m.Get(d.ID, "u2"); err == nil {
		t.Error("cross-user download lookup must fail")
	}
	if _, err := m.Get("nope", "u1"); err == nil {
		t.Error("unknown download lookup must fail")
	}
}

func TestPerUserCapEvictsOldestFinished(t *testing.T) {
	m := newTestManager(t, 5)

	var first *Info
	for i := 0; i < 5; i++ {
		d, err := m.Register("u1", "t1", "u", "f.bin")
		if err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
		writeFile(t, m.FilePath(d), "x")
		m.Complete(d.ID)
		if i == 0 {
			first = d
		}
		// Distinct completion timestamps drive the eviction order.
		m.mu.Lock()
		m.entries[d.ID].CompletedAt = int64(1000 + i)
		m.mu.Unlock()
	}

	d6, err := m.Register("u1", "t1", "u", "f.bin")
	if err != nil {
		t.Fatalf("register 6th: %v", err)
	}

	list := m.ListForUser("u1")
	if len(list) != 5 {
		t.Fatalf("list length = %d, want 5", len(list))
	}
	for _, d := range list {
		if d.ID == first.ID {
			t.Error("oldest finished entry survived the cap")
		}
	}
	found := false
	for _, d := range list {
		found = found || d.ID == d6.ID
	}
	if !found {
		t.Error("newest entry missing after cap eviction")
	}
	if _, err := os.Stat(m.FilePath(first)); !os.IsNotExist(err) {
		t.Error("evicted entry's file was not unlinked")
	}
}

func TestCapNeverEvictsPending(t *testing.T) {
	m := newTestManager(t, 2)

	d1, _ := m.Register("u1", "t1", "u", "a.bin")
	d2, _ := m.Register("u1", "t1", "u", "b.bin")
	d3, err := m.Register("u1", "t1", "u", "c.bin")
	if err != nil {
		t.Fatalf("register over cap: %v", err)
	}

	for _, d := range []*Info{d1, d2, d3} {
		if got, err := m.Get(d.ID, "u1"); err != nil || got.Status != StatusPending {
			t.Errorf("pending entry %s was evicted or mutated", d.ID)
		}
	}
}

func TestFailAndCanceled(t *testing.T) {
	m := newTestManager(t, 10)

	d1, _ := m.Register("u1", "t1", "u", "a.bin")
	m.Fail(d1.ID, "network error")
	if got, _ := m.Get(d1.ID, "u1"); got.Status != StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}

	d2, _ := m.Register("u1", "t1", "u", "b.bin")
	m.Fail(d2.ID, "download canceled by user")
	if got, _ := m.Get(d2.ID, "u1"); got.Status != StatusCanceled {
		t.Errorf("status = %q, want canceled", got.Status)
	}
}

func TestSweepExpired(t *testing.T) {
	m := newTestManager(t, 10)

	d, _ := m.Register("u1", "t1", "u", "old.bin")
	writeFile(t, m.FilePath(d), "x")
	m.Complete(d.ID)

	m.mu.Lock()
	m.entries[d.ID].CompletedAt = time.Now().Add(-48 * time.Hour).UnixMilli()
	m.mu.Unlock()

	pending, _ := m.Register("u1", "t1", "u", "live.bin")
	m.mu.Lock()
	m.entries[pending.ID].CreatedAt = time.Now().Add(-48 * time.Hour).UnixMilli()
	m.mu.Unlock()

	m.sweepExpired()

	if _, err := m.Get(d.ID, "u1"); err == nil {
		t.Error("expired finished entry survived the sweep")
	}
	if _, err := m.Get(pending.ID, "u1"); err != nil {
		t.Error("pending entry must never be swept")
	}
}

func TestRecentFiltersByTabAndWindow(t *testing.T) {
	m := newTestManager(t, 10)

	a, _ := m.Register("u1", "tabA", "u", "a.bin")
	m.Register("u1", "tabB", "u", "b.bin")
	old, _ := m.Register("u1", "tabA", "u", "old.bin")
	m.mu.Lock()
	m.entries[old.ID].CreatedAt = time.Now().Add(-time.Hour).UnixMilli()
	m.mu.Unlock()

	recent := m.Recent("tabA", time.Minute)
	if len(recent) != 1 || recent[0].ID != a.ID {
		t.Errorf("unexpected recent set: %+v", recent)
	}
}

func TestListForUserNewestFirst(t *testing.T) {
	m := newTestManager(t, 10)

	ids := make([]string, 3)
	for i := range ids {
		d, err := m.Register("u1", "t1", "u", "f.txt")
		if err != nil {
			t.Fatalf("register: %v", err)
		}
		ids[i] = d.ID
	}

	// Register stamps CreatedAt with millisecond precision, so force
	// distinct timestamps to make the ordering observable.
	m.mu.Lock()
	for i, id := range ids {
		m.entries[id].CreatedAt = int64(1000 + i)
	}
	m.mu.Unlock()

	list := m.ListForUser("u1")
	if len(list) != 3 {
		t.Fatalf("expected 3 downloads, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].CreatedAt < list[i].CreatedAt {
			t.Errorf("list not newest first: [%d]=%d before [%d]=%d",
				i-1, list[i-1].CreatedAt, i, list[i].CreatedAt)
		}
	}
	if list[0].ID != ids[2] {
		t.Errorf("newest download = %s, want %s", list[0].ID, ids[2])
	}
}

func TestDelete(t *testing.T) {
	m := newTestManager(t, 10)
	d, _ := m.Register("u1", "t1", "u", "a.bin")
	writeFile(t, m.FilePath(d), "x")
	m.Complete(d.ID)

	if err := m.Delete(d.ID, "u1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.Get(d.ID, "u1"); err == nil {
		t.Error("deleted entry still present")
	}
	if _, err := os.Stat(m.FilePath(d)); !os.IsNotExist(err) {
		t.Error("deleted entry's file still on disk")
	}
}

func TestReconcileDropsEntriesWithoutFiles(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		DownloadsDir:        dir,
		MaxDownloadsPerUser: 10,
		MaxDownloadSizeMB:   100,
		DownloadTTL:         24 * time.Hour,
	}

	ghost := &Info{
		ID:            uuid.NewString(),
		UserID:        "u1",
		TabID:         "t1",
		SavedFilename: "gone.bin",
		Status:        StatusCompleted,
		CreatedAt:     time.Now().UnixMilli(),
	}
	data, _ := json.Marshal(map[string]*Info{ghost.ID: ghost})
	writeFileT(t, filepath.Join(dir, registryFile), data)

	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	defer m.Close()

	if m.Count() != 0 {
		t.Error("entry without a backing file survived reconciliation")
	}
}

func TestReconcileAdoptsOrphans(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		DownloadsDir:        dir,
		MaxDownloadsPerUser: 10,
		MaxDownloadSizeMB:   100,
		DownloadTTL:         24 * time.Hour,
	}

	userDir := filepath.Join(dir, security.UserPathKey("u1"))
	if err := os.MkdirAll(userDir, 0o755); err != nil {
		t.Fatal(err)
	}
	id := uuid.NewString()
	writeFileT(t, filepath.Join(userDir, id+"_orphan.pdf"), []byte("pdf bytes"))
	writeFileT(t, filepath.Join(userDir, "not-a-uuid_skip.bin"), []byte("x"))

	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	defer m.Close()

	got, err := m.Get(id, "u1")
	if err != nil {
		t.Fatalf("adopted orphan not found: %v", err)
	}
	if got.Status != StatusCompleted || got.TabID != "unknown" {
		t.Errorf("unexpected adopted entry: %+v", got)
	}
	if got.MimeType != "application/pdf" {
		t.Errorf("adopted mime = %q", got.MimeType)
	}
	if got.Size != int64(len("pdf bytes")) {
		t.Errorf("adopted size = %d", got.Size)
	}
	if m.Count() != 1 {
		t.Errorf("count = %d, want 1 (non-uuid file must be skipped)", m.Count())
	}

	// Reconciliation persists immediately; the snapshot must exist.
	if _, err := os.Stat(filepath.Join(dir, registryFile)); err != nil {
		t.Error("registry snapshot missing after reconciliation")
	}
}

func TestReconcileFailsInterruptedPending(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		DownloadsDir:        dir,
		MaxDownloadsPerUser: 10,
		MaxDownloadSizeMB:   100,
		DownloadTTL:         24 * time.Hour,
	}

	userDir := filepath.Join(dir, security.UserPathKey("u1"))
	if err := os.MkdirAll(userDir, 0o755); err != nil {
		t.Fatal(err)
	}
	id := uuid.NewString()
	stale := &Info{
		ID:            id,
		UserID:        "u1",
		TabID:         "t1",
		SavedFilename: id + "_partial.bin",
		Status:        StatusPending,
		CreatedAt:     time.Now().UnixMilli(),
	}
	writeFileT(t, filepath.Join(userDir, stale.SavedFilename), []byte("partial"))
	data, _ := json.Marshal(map[string]*Info{id: stale})
	writeFileT(t, filepath.Join(dir, registryFile), data)

	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	defer m.Close()

	got, err := m.Get(id, "u1")
	if err != nil {
		t.Fatalf("interrupted entry missing: %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("interrupted pending status = %q, want failed", got.Status)
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := []struct{ in, want string }{
		{`..\..\evil.exe`, ".._.._evil.exe"},
		{"a/b/c.txt", "a_b_c.txt"},
		{"  spaced.txt  ", "spaced.txt"},
		{"nul\x00byte.txt", "nulbyte.txt"},
		{"", "download"},
		{"   ", "download"},
	}
	for _, tc := range cases {
		if got := sanitizeFilename(tc.in); got != tc.want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	long := sanitizeFilename(stringOfLen(300))
	if len(long) != 200 {
		t.Errorf("long name capped at %d, want 200", len(long))
	}
}

func TestGuessMimeType(t *testing.T) {
	cases := []struct{ in, want string }{
		{"a.PDF", "application/pdf"},
		{"archive.tar.gz", "application/gzip"},
		{"page.htm", "text/html"},
		{"clip.webm", "video/webm"},
		{"noext", "application/octet-stream"},
		{"weird.xyz", "application/octet-stream"},
		{"trailingdot.", "application/octet-stream"},
	}
	for _, tc := range cases {
		if got := guessMimeType(tc.in); got != tc.want {
			t.Errorf("guessMimeType(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func stringOfLen(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a'
	}
	return string(b)
}

func writeFileT(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
