package handlers

import (
	"net/http"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/camofox/camofox-go/internal/types"
	"github.com/camofox/camofox-go/pkg/version"
)

// Health handles GET /health. While a recovery restart is in progress the
// endpoint answers 503 so load balancers drain traffic.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.tracker.IsRecovering() {
		h.writeJSON(w, http.StatusServiceUnavailable, types.HealthResponse{
			OK:         false,
			Running:    true,
			Engine:     "chromium",
			Recovering: true,
			Version:    version.Full(),
		})
		return
	}

	state := h.tracker.Snapshot()
	h.writeJSON(w, http.StatusOK, types.HealthResponse{
		OK:                  state.ConsecutiveFailures < h.cfg.FailureThreshold,
		Running:             true,
		Engine:              "chromium",
		BrowserConnected:    h.pool.AnyConnected(),
		ConsecutiveFailures: state.ConsecutiveFailures,
		ActiveOps:           state.ActiveOps,
		PoolSize:            h.pool.Len(),
		ActiveUserIDs:       h.pool.ActiveUserIDs(),
		ProfileDirsTotal:    h.profileDirCount(),
		Version:             version.Full(),
	})
}

// profileDirCount counts persisted profile directories, including ones for
// users with no live context.
func (h *Handler) profileDirCount() int {
	entries, err := os.ReadDir(h.cfg.ProfilesDir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			n++
		}
	}
	return n
}

// Presets handles GET /presets. Without parameters it lists the search
// macros; with ?macro=<name>&query=<q> it returns the expanded search URL
// so agents can navigate without templating client-side.
func (h *Handler) Presets(w http.ResponseWriter, r *http.Request) {
	p := h.presets.Get()

	if name := r.URL.Query().Get("macro"); name != "" {
		expanded, err := p.ExpandMacro(name, r.URL.Query().Get("query"))
		if err != nil {
			h.writeErr(w, types.NewValidationError(err.Error()))
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]string{
			"macro": name,
			"url":   expanded,
		})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"macros": p.SearchMacros,
		"count":  len(p.SearchMacros),
	})
}

// AdminStop handles POST /admin/stop. The response is written before the
// shutdown starts so the caller sees the acknowledgement.
func (h *Handler) AdminStop(w http.ResponseWriter, r *http.Request) {
	log.Warn().Str("remote_addr", r.RemoteAddr).Msg("Shutdown requested via admin endpoint")
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	if h.stop != nil {
		go h.stop()
	}
}
