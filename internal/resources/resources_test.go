package resources

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-rod/rod"

	"github.com/camofox/camofox-go/internal/config"
	"github.com/camofox/camofox-go/internal/downloads"
	"github.com/camofox/camofox-go/internal/types"
)

func TestNormalizeExtensions(t *testing.T) {
	got := normalizeExtensions([]string{"PDF", ".Zip", " png ", ""})
	want := []string{".pdf", ".zip", ".png"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ext[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestNormalizeTypes(t *testing.T) {
	all, err := normalizeTypes(nil)
	if err != nil || len(all) != 4 {
		t.Errorf("defaulting failed: %v %v", all, err)
	}

	if _, err := normalizeTypes([]string{"images", "bogus"}); err == nil {
		t.Error("invalid type must be rejected")
	}
}

func TestDecodeDataURI(t *testing.T) {
	data, err := decodeDataURI("data:text/plain;base64,aGVsbG8=")
	if err != nil || string(data) != "hello" {
		t.Errorf("base64 decode: %q %v", data, err)
	}

	data, err = decodeDataURI("data:text/plain,hello%20world")
	if err != nil || string(data) != "hello world" {
		t.Errorf("percent decode: %q %v", data, err)
	}

	if _, err := decodeDataURI("nonsense"); err == nil {
		t.Error("malformed data URI must fail")
	}
	if _, err := decodeDataURI("data:text/plain;base64,!!!"); err == nil {
		t.Error("bad base64 must fail")
	}
}

func TestFilenameFromURL(t *testing.T) {
	cases := []struct{ in, want string }{
		{"https://example.com/files/report.pdf", "report.pdf"},
		{"https://example.com/files/report.pdf?x=1", "report.pdf"},
		{"https://example.com/", "download"},
		{"https://example.com", "download"},
		{"data:text/plain,x", "download"},
	}
	for _, tc := range cases {
		if got := filenameFromURL(tc.in); got != tc.want {
			t.Errorf("filenameFromURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestClampMaxFiles(t *testing.T) {
	cases := []struct{ in, want int }{
		{0, types.DefaultBatchFiles},
		{-5, types.DefaultBatchFiles},
		{10, 10},
		{9999, types.MaxBatchFiles},
	}
	for _, tc := range cases {
		if got := clampMaxFiles(tc.in); got != tc.want {
			t.Errorf("clampMaxFiles(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func newBatchFixture(t *testing.T) (*BatchDownloader, *downloads.Manager) {
	t.Helper()
	cfg := &config.Config{
		DownloadsDir:        t.TempDir(),
		MaxDownloadsPerUser: 100,
		MaxDownloadSizeMB:   1,
		MaxBlobSizeMB:       1,
		MaxBatchConcurrency: 3,
		DownloadTTL:         time.Hour,
	}
	dl, err := downloads.NewManager(cfg)
	if err != nil {
		t.Fatalf("downloads: %v", err)
	}
	t.Cleanup(dl.Close)
	return NewBatchDownloader(cfg, dl), dl
}

func TestBatchDownloadHTTPAndDataURI(t *testing.T) {
	b, dl := newBatchFixture(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	urls := []string{
		srv.URL + "/file.bin",
		"data:text/plain;base64,aGVsbG8=",
	}
	results := b.Download(context.Background(), nil, "u1", "t1", urls, 0, false)

	for i, r := range results {
		if r.Status != downloads.StatusCompleted {
			t.Fatalf("item %d: status %q error %q", i, r.Status, r.Error)
		}
		info, err := dl.Get(r.DownloadID, "u1")
		if err != nil {
			t.Fatalf("item %d: registry lookup: %v", i, err)
		}
		if info.Status != downloads.StatusCompleted {
			t.Errorf("item %d: registry status %q", i, info.Status)
		}
		if _, err := os.Stat(dl.FilePath(info)); err != nil {
			t.Errorf("item %d: file missing: %v", i, err)
		}
	}
}

func TestBatchDownloadOversizedBodyFails(t *testing.T) {
	b, dl := newBatchFixture(t)

	big := strings.Repeat("x", 2<<20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(big))
	}))
	defer srv.Close()

	results := b.Download(context.Background(), nil, "u1", "t1", []string{srv.URL + "/big.bin"}, 0, false)
	if results[0].Status != downloads.StatusFailed {
		t.Fatalf("oversized fetch should fail, got %+v", results[0])
	}
	info, err := dl.Get(results[0].DownloadID, "u1")
	if err != nil {
		t.Fatalf("registry lookup: %v", err)
	}
	if info.Status != downloads.StatusFailed {
		t.Errorf("registry status = %q, want failed", info.Status)
	}
}

func TestBatchBlobWithoutResolveFails(t *testing.T) {
	b, _ := newBatchFixture(t)

	results := b.Download(context.Background(), nil, "u1", "t1",
		[]string{"blob:https://example.com/abc"}, 0, false)
	if results[0].Status != downloads.StatusFailed {
		t.Fatalf("blob without resolveBlobs should fail, got %+v", results[0])
	}
	if !strings.Contains(results[0].Error, "resolveBlobs") {
		t.Errorf("error should mention resolveBlobs: %q", results[0].Error)
	}
}

func TestBatchUnsupportedScheme(t *testing.T) {
	b, _ := newBatchFixture(t)
	results := b.Download(context.Background(), nil, "u1", "t1",
		[]string{"ftp://example.com/x"}, 0, false)
	if results[0].Status != downloads.StatusFailed {
		t.Fatalf("unsupported scheme should fail, got %+v", results[0])
	}
}

func TestBatchFetchesThroughPageFirst(t *testing.T) {
	b, dl := newBatchFixture(t)

	var directHits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		directHits.Add(1)
		w.Write([]byte("direct"))
	}))
	defer srv.Close()

	b.pageFetch = func(ctx context.Context, page *rod.Page, rawURL string, maxBytes int64) (string, error) {
		return "data:application/octet-stream;base64," +
			base64.StdEncoding.EncodeToString([]byte("session-bytes")), nil
	}

	results := b.Download(context.Background(), &rod.Page{}, "u1", "t1",
		[]string{srv.URL + "/gated.bin"}, 0, false)
	if results[0].Status != downloads.StatusCompleted {
		t.Fatalf("page fetch should complete, got %+v", results[0])
	}
	if directHits.Load() != 0 {
		t.Error("in-page fetch succeeded, direct client should not be used")
	}

	info, err := dl.Get(results[0].DownloadID, "u1")
	if err != nil {
		t.Fatalf("registry lookup: %v", err)
	}
	data, err := os.ReadFile(dl.FilePath(info))
	if err != nil || string(data) != "session-bytes" {
		t.Errorf("file content = %q, %v; want session-bytes", data, err)
	}
}

func TestBatchFallsBackToDirectFetch(t *testing.T) {
	b, dl := newBatchFixture(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("direct"))
	}))
	defer srv.Close()

	b.pageFetch = func(ctx context.Context, page *rod.Page, rawURL string, maxBytes int64) (string, error) {
		return "", errors.New("CORS policy blocked the read")
	}

	results := b.Download(context.Background(), &rod.Page{}, "u1", "t1",
		[]string{srv.URL + "/open.bin"}, 0, false)
	if results[0].Status != downloads.StatusCompleted {
		t.Fatalf("fallback fetch should complete, got %+v", results[0])
	}

	info, err := dl.Get(results[0].DownloadID, "u1")
	if err != nil {
		t.Fatalf("registry lookup: %v", err)
	}
	data, err := os.ReadFile(dl.FilePath(info))
	if err != nil || string(data) != "direct" {
		t.Errorf("file content = %q, %v; want direct", data, err)
	}
}
