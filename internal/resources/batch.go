package resources

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/camofox/camofox-go/internal/config"
	"github.com/camofox/camofox-go/internal/downloads"
	"github.com/camofox/camofox-go/internal/types"
)

// fetchTimeout bounds each HTTP fetch in a batch.
const fetchTimeout = 30 * time.Second

// pageFetchJS fetches a URL inside the page with the context's cookies and
// auth state, refusing oversized bodies, and returns the bytes as a data URL.
const pageFetchJS = `async (opts) => {
	var res = await fetch(opts.url, { credentials: "include" });
	if (!res.ok) throw new Error("fetch returned status " + res.status);
	var blob = await res.blob();
	if (blob.size > opts.maxBytes) throw new Error("response exceeds maximum size");
	return await new Promise(function(resolve, reject) {
		var reader = new FileReader();
		reader.onload = function() { resolve(reader.result); };
		reader.onerror = function() { reject(new Error("body read failed")); };
		reader.readAsDataURL(blob);
	});
}`

// BatchDownloader fetches a capped set of URLs with bounded concurrency and
// records each as a download registry entry.
type BatchDownloader struct {
	cfg    *config.Config
	dl     *downloads.Manager
	client *http.Client

	// pageFetch runs the in-page fetch; replaceable in tests.
	pageFetch func(ctx context.Context, page *rod.Page, rawURL string, maxBytes int64) (string, error)
}

// NewBatchDownloader creates a batch downloader over the download registry.
// The direct-fetch fallback client carries the configured proxy so both fetch
// paths exit through the same egress.
func NewBatchDownloader(cfg *config.Config, dl *downloads.Manager) *BatchDownloader {
	client := &http.Client{Timeout: fetchTimeout}
	if proxy := cfg.ProxyURL(); proxy != "" {
		if u, err := url.Parse(proxy); err == nil {
			client.Transport = &http.Transport{Proxy: http.ProxyURL(u)}
		}
	}
	return &BatchDownloader{
		cfg:       cfg,
		dl:        dl,
		client:    client,
		pageFetch: fetchViaPage,
	}
}

// fetchViaPage evaluates an in-page fetch so the request rides the browser
// context's session state.
func fetchViaPage(ctx context.Context, page *rod.Page, rawURL string, maxBytes int64) (string, error) {
	res, err := page.Context(ctx).Eval(pageFetchJS, map[string]interface{}{
		"url":      rawURL,
		"maxBytes": maxBytes,
	})
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

// ItemResult is the outcome for one batch candidate.
type ItemResult struct {
	URL        string `json:"url"`
	DownloadID string `json:"downloadId,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// clampMaxFiles applies the documented bounds to the requested batch size.
func clampMaxFiles(requested int) int {
	if requested <= 0 {
		return types.DefaultBatchFiles
	}
	if requested > types.MaxBatchFiles {
		return types.MaxBatchFiles
	}
	return requested
}

// Download fetches up to maxFiles candidates. Each candidate registers a
// pending entry before any work, acquires a semaphore slot, and transitions
// to completed or failed. If every item fails, any entry still pending is
// failed so no batch leaves pending residue.
func (b *BatchDownloader) Download(ctx context.Context, page *rod.Page, userID, tabID string, urls []string, maxFiles int, resolveBlobs bool) []ItemResult {
	limit := clampMaxFiles(maxFiles)
	if len(urls) > limit {
		urls = urls[:limit]
	}

	results := make([]ItemResult, len(urls))
	sem := semaphore.NewWeighted(int64(b.cfg.MaxBatchConcurrency))

	var wg sync.WaitGroup
	for i, u := range urls {
		info, err := b.dl.Register(userID, tabID, u, filenameFromURL(u))
		if err != nil {
			results[i] = ItemResult{URL: u, Status: downloads.StatusFailed, Error: err.Error()}
			continue
		}
		results[i] = ItemResult{URL: u, DownloadID: info.ID}

		wg.Add(1)
		go func(i int, u string, info *downloads.Info) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				b.dl.Fail(info.ID, "batch canceled: "+err.Error())
				results[i].Status = downloads.StatusFailed
				results[i].Error = err.Error()
				return
			}
			defer sem.Release(1)

			if err := b.fetchOne(ctx, page, info, u, resolveBlobs); err != nil {
				b.dl.Fail(info.ID, err.Error())
				results[i].Status = downloads.StatusFailed
				results[i].Error = err.Error()
				return
			}
			b.dl.Complete(info.ID)
			results[i].Status = downloads.StatusCompleted
		}(i, u, info)
	}
	wg.Wait()

	b.failLeftoverPendings(results)
	return results
}

// failLeftoverPendings closes out entries that never transitioned, so a
// wholly failed batch cannot strand pending registry entries.
func (b *BatchDownloader) failLeftoverPendings(results []ItemResult) {
	anyOK := false
	for _, r := range results {
		anyOK = anyOK || r.Status == downloads.StatusCompleted
	}
	if anyOK {
		return
	}
	for i := range results {
		if results[i].DownloadID != "" && results[i].Status == "" {
			b.dl.Fail(results[i].DownloadID, "batch failed")
			results[i].Status = downloads.StatusFailed
			results[i].Error = "batch failed"
		}
	}
}

// fetchOne writes one candidate to the download's file path.
func (b *BatchDownloader) fetchOne(ctx context.Context, page *rod.Page, info *downloads.Info, rawURL string, resolveBlobs bool) error {
	target := b.dl.FilePath(info)

	switch {
	case strings.HasPrefix(rawURL, "data:"):
		data, err := decodeDataURI(rawURL)
		if err != nil {
			return err
		}
		if max := int64(b.cfg.MaxBlobSizeMB) << 20; int64(len(data)) > max {
			return fmt.Errorf("data URI exceeds maximum size of %dMB", b.cfg.MaxBlobSizeMB)
		}
		return os.WriteFile(target, data, 0o644)

	case strings.HasPrefix(rawURL, "blob:"):
		if !resolveBlobs {
			return fmt.Errorf("blob URL requires resolveBlobs")
		}
		if page == nil {
			return fmt.Errorf("blob URL requires a live page")
		}
		dataURL, _, err := ResolveBlob(ctx, page, rawURL)
		if err != nil {
			return err
		}
		data, err := decodeDataURI(dataURL)
		if err != nil {
			return err
		}
		if max := int64(b.cfg.MaxBlobSizeMB) << 20; int64(len(data)) > max {
			return fmt.Errorf("blob exceeds maximum size of %dMB", b.cfg.MaxBlobSizeMB)
		}
		return os.WriteFile(target, data, 0o644)

	case strings.HasPrefix(rawURL, "http:"), strings.HasPrefix(rawURL, "https:"):
		return b.fetchHTTP(ctx, page, rawURL, target)

	default:
		return fmt.Errorf("unsupported URL scheme")
	}
}

// fetchHTTP writes an http(s) candidate to disk. The primary path fetches
// inside the user's browser context so the page's cookies and auth state
// apply; requests the page is not permitted to read (cross-origin without
// CORS) fall back to a direct client fetch.
func (b *BatchDownloader) fetchHTTP(ctx context.Context, page *rod.Page, rawURL, target string) error {
	maxBytes := int64(b.cfg.MaxDownloadSizeMB) << 20

	if page != nil {
		dataURL, err := b.pageFetch(ctx, page, rawURL, maxBytes)
		if err == nil {
			data, decErr := decodeDataURI(dataURL)
			if decErr != nil {
				return decErr
			}
			if int64(len(data)) > maxBytes {
				return fmt.Errorf("response exceeds maximum size of %dMB", b.cfg.MaxDownloadSizeMB)
			}
			return os.WriteFile(target, data, 0o644)
		}
		log.Debug().Err(err).Str("url", rawURL).Msg("In-page fetch failed, falling back to direct fetch")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("fetch returned status %d", resp.StatusCode)
	}

	if resp.ContentLength > 0 && resp.ContentLength > maxBytes {
		return fmt.Errorf("response exceeds maximum size of %dMB", b.cfg.MaxDownloadSizeMB)
	}

	f, err := os.Create(target)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := io.Copy(f, io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		if rmErr := os.Remove(target); rmErr != nil {
			log.Debug().Err(rmErr).Msg("Failed to remove partial download")
		}
		return err
	}
	if n > maxBytes {
		if rmErr := os.Remove(target); rmErr != nil {
			log.Debug().Err(rmErr).Msg("Failed to remove oversized download")
		}
		return fmt.Errorf("response exceeds maximum size of %dMB", b.cfg.MaxDownloadSizeMB)
	}
	return nil
}

// decodeDataURI decodes data: URIs, base64 or percent-encoded.
func decodeDataURI(uri string) ([]byte, error) {
	i := strings.IndexByte(uri, ',')
	if !strings.HasPrefix(uri, "data:") || i < 0 {
		return nil, fmt.Errorf("malformed data URI")
	}
	meta, payload := uri[5:i], uri[i+1:]

	if strings.HasSuffix(meta, ";base64") {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 data URI: %w", err)
		}
		return data, nil
	}

	decoded, err := url.QueryUnescape(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid data URI encoding: %w", err)
	}
	return []byte(decoded), nil
}

// filenameFromURL derives a filename hint from a URL path.
func filenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" || u.Path == "/" {
		return "download"
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "download"
	}
	return name
}
