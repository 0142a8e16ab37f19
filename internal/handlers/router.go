package handlers

import (
	"net/http"
	"time"

	"github.com/camofox/camofox-go/internal/middleware"
)

// Routes assembles the HTTP surface. Script-executing and cookie-importing
// endpoints sit behind the bearer guard; the stop endpoint behind the admin
// key. Everything goes through recovery and logging.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	std := middleware.Timeout(h.cfg.HandlerTimeout)
	// Extended evaluate owns its long deadline; the outer timeout only backstops.
	long := middleware.Timeout(h.cfg.EvaluateExtTimeout + 10*time.Second)
	auth := middleware.Bearer(h.cfg)

	handle := func(pattern string, fn http.HandlerFunc, mws ...func(http.Handler) http.Handler) {
		mux.Handle(pattern, middleware.Chain(mws...)(fn))
	}

	handle("POST /tabs", h.CreateTab, std)
	handle("GET /tabs", h.ListTabs, std)
	handle("DELETE /tabs/group/{listItemId}", h.CloseGroup, std)
	handle("DELETE /tabs/{tabId}", h.CloseTab, std)

	handle("POST /tabs/{tabId}/navigate", h.Navigate, std)
	handle("GET /tabs/{tabId}/snapshot", h.Snapshot, std)
	handle("POST /tabs/{tabId}/click", h.Click, std)
	handle("POST /tabs/{tabId}/type", h.Type, std)
	handle("POST /tabs/{tabId}/press", h.Press, std)
	handle("POST /tabs/{tabId}/scroll", h.Scroll, std)
	handle("POST /tabs/{tabId}/scroll-element", h.ScrollElement, std)
	handle("POST /tabs/{tabId}/back", h.historyOp(backOp), std)
	handle("POST /tabs/{tabId}/forward", h.historyOp(forwardOp), std)
	handle("POST /tabs/{tabId}/refresh", h.historyOp(refreshOp), std)
	handle("POST /tabs/{tabId}/wait", h.Wait, std)
	handle("POST /tabs/{tabId}/act", h.Act, std)
	handle("GET /tabs/{tabId}/links", h.Links, std)
	handle("GET /tabs/{tabId}/screenshot", h.Screenshot, std)
	handle("GET /tabs/{tabId}/stats", h.Stats, std)
	handle("GET /tabs/{tabId}/cookies", h.ExportCookies, std)

	handle("POST /tabs/{tabId}/evaluate", h.Evaluate, auth, std)
	handle("POST /tabs/{tabId}/evaluate-extended", h.EvaluateExtended, auth, long)

	handle("GET /tabs/{tabId}/downloads", h.TabDownloads, std)
	handle("GET /users/{userId}/downloads", h.UserDownloads, std)
	handle("GET /downloads/{downloadId}", h.GetDownload, std)
	handle("DELETE /downloads/{downloadId}", h.DeleteDownload, std)
	handle("GET /downloads/{downloadId}/content", h.DownloadContent, std)
	handle("POST /tabs/{tabId}/extract-resources", h.ExtractResources, std)
	handle("POST /tabs/{tabId}/batch-download", h.BatchDownload, long)
	handle("POST /tabs/{tabId}/resolve-blobs", h.ResolveBlobs, std)

	handle("DELETE /sessions/{userId}", h.CloseSessions, std)
	handle("POST /sessions/{userId}/cookies", h.ImportCookies, auth, std)
	handle("POST /sessions/{userId}/toggle-display", h.ToggleDisplay, std)

	handle("GET /health", h.Health)
	handle("GET /presets", h.Presets, std)
	handle("POST /admin/stop", h.AdminStop, middleware.AdminKey(h.cfg))

	mux.HandleFunc("/", h.NotFound)

	return middleware.Chain(middleware.Recovery, middleware.Logging)(mux)
}
