package handlers

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/camofox/camofox-go/internal/downloads"
	"github.com/camofox/camofox-go/internal/resources"
	"github.com/camofox/camofox-go/internal/security"
	"github.com/camofox/camofox-go/internal/tabs"
	"github.com/camofox/camofox-go/internal/types"
)

// tabDownloadsWindow is the lookback for the per-tab downloads listing.
const tabDownloadsWindow = 30 * time.Minute

// maxResolveBlobs caps one resolve-blobs request.
const maxResolveBlobs = 25

// TabDownloads handles GET /tabs/{tabId}/downloads?userId=.
func (h *Handler) TabDownloads(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	tabID := r.PathValue("tabId")

	if security.ValidateUserID(userID) != "" || h.registry.FindTabByID(tabID, userID) == nil {
		h.writeErr(w, types.NewNotFoundError(types.ErrTabNotFound.Error()))
		return
	}

	list := h.dl.Recent(tabID, tabDownloadsWindow)
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"downloads": list, "count": len(list)})
}

// UserDownloads handles GET /users/{userId}/downloads.
func (h *Handler) UserDownloads(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	if msg := security.ValidateUserID(userID); msg != "" {
		h.writeErr(w, types.NewValidationError(msg))
		return
	}

	list := h.dl.ListForUser(userID)
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"downloads": list, "count": len(list)})
}

// GetDownload handles GET /downloads/{downloadId}?userId=.
func (h *Handler) GetDownload(w http.ResponseWriter, r *http.Request) {
	info, err := h.dl.Get(r.PathValue("downloadId"), r.URL.Query().Get("userId"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, info)
}

// DeleteDownload handles DELETE /downloads/{downloadId}?userId=.
func (h *Handler) DeleteDownload(w http.ResponseWriter, r *http.Request) {
	if err := h.dl.Delete(r.PathValue("downloadId"), r.URL.Query().Get("userId")); err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// DownloadContent handles GET /downloads/{downloadId}/content?userId=.
// Requesting a non-completed download is a conflict, not a not-found.
func (h *Handler) DownloadContent(w http.ResponseWriter, r *http.Request) {
	info, err := h.dl.Get(r.PathValue("downloadId"), r.URL.Query().Get("userId"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if info.Status != downloads.StatusCompleted {
		h.writeErr(w, types.NewConflictError(types.ErrDownloadNotComplete.Error()))
		return
	}

	f, err := os.Open(h.dl.FilePath(info))
	if err != nil {
		h.writeErr(w, types.NewNotFoundError(types.ErrDownloadNotFound.Error()))
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", info.MimeType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+info.SuggestedFilename+`"`)
	http.ServeContent(w, r, info.SuggestedFilename, time.UnixMilli(info.CompletedAt), f)
}

// ExtractResources handles POST /tabs/{tabId}/extract-resources.
func (h *Handler) ExtractResources(w http.ResponseWriter, r *http.Request) {
	var req types.ExtractResourcesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeErr(w, err)
		return
	}

	h.withTab(w, r, userIDFrom(r, req.UserID), r.PathValue("tabId"), func(ctx context.Context, tab *tabs.Tab) (interface{}, error) {
		return resources.Extract(ctx, tab.Page(), &req)
	})
}

// BatchDownload handles POST /tabs/{tabId}/batch-download. With no explicit
// urls, it extracts candidates first using the same scoping options.
func (h *Handler) BatchDownload(w http.ResponseWriter, r *http.Request) {
	var req types.BatchDownloadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeErr(w, err)
		return
	}

	tabID := r.PathValue("tabId")
	userID := userIDFrom(r, req.UserID)

	h.withTab(w, r, userID, tabID, func(ctx context.Context, tab *tabs.Tab) (interface{}, error) {
		urls := req.URLs
		if len(urls) == 0 {
			extracted, err := resources.Extract(ctx, tab.Page(), &types.ExtractResourcesRequest{
				UserID:            userID,
				ContainerSelector: req.ContainerSelector,
				Types:             req.Types,
				Extensions:        req.Extensions,
			})
			if err != nil {
				return nil, err
			}
			for _, res := range extracted.Resources {
				urls = append(urls, res.URL)
			}
		}
		if len(urls) == 0 {
			return nil, types.NewValidationError("no downloadable resources found")
		}

		results := h.batch.Download(ctx, tab.Page(), userID, tabID, urls, req.MaxFiles, req.ResolveBlobs)

		completed := 0
		for _, res := range results {
			if res.Status == downloads.StatusCompleted {
				completed++
			}
		}
		log.Info().
			Str("user_id", userID).
			Str("tab_id", tabID).
			Int("requested", len(urls)).
			Int("completed", completed).
			Msg("Batch download finished")

		return map[string]interface{}{
			"results":   results,
			"total":     len(results),
			"completed": completed,
		}, nil
	})
}

// blobResult is one resolve-blobs outcome.
type blobResult struct {
	URL      string `json:"url"`
	DataURL  string `json:"dataUrl,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ResolveBlobs handles POST /tabs/{tabId}/resolve-blobs.
func (h *Handler) ResolveBlobs(w http.ResponseWriter, r *http.Request) {
	var req types.ResolveBlobsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeErr(w, err)
		return
	}

	h.withTab(w, r, userIDFrom(r, req.UserID), r.PathValue("tabId"), func(ctx context.Context, tab *tabs.Tab) (interface{}, error) {
		if len(req.URLs) == 0 {
			return nil, types.NewValidationError("urls array is required")
		}
		urls := req.URLs
		if len(urls) > maxResolveBlobs {
			urls = urls[:maxResolveBlobs]
		}

		out := make([]blobResult, 0, len(urls))
		for _, u := range urls {
			dataURL, mime, err := resources.ResolveBlob(ctx, tab.Page(), u)
			if err != nil {
				out = append(out, blobResult{URL: u, Error: err.Error()})
				continue
			}
			out = append(out, blobResult{URL: u, DataURL: dataURL, MimeType: mime})
		}
		return map[string]interface{}{"results": out}, nil
	})
}
