package handlers

import (
	"net/http"

	"github.com/go-rod/rod/lib/proto"

	"github.com/camofox/camofox-go/internal/config"
	"github.com/camofox/camofox-go/internal/security"
	"github.com/camofox/camofox-go/internal/types"
)

// CloseSessions handles DELETE /sessions/{userId}: closes the user's context
// and every session and tab belonging to them. The profile directory stays.
func (h *Handler) CloseSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	if msg := security.ValidateUserID(userID); msg != "" {
		h.writeErr(w, types.NewValidationError(msg))
		return
	}

	h.registry.CloseSessionsForUser(userID)
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ImportCookies handles POST /sessions/{userId}/cookies. Bearer-guarded when
// an API key is configured.
func (h *Handler) ImportCookies(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	if msg := security.ValidateUserID(userID); msg != "" {
		h.writeErr(w, types.NewValidationError(msg))
		return
	}

	var req types.ImportCookiesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeErr(w, err)
		return
	}
	if len(req.Cookies) == 0 {
		h.writeErr(w, types.NewValidationError("cookies array is required"))
		return
	}
	if len(req.Cookies) > types.MaxCookies {
		h.writeErr(w, types.NewValidationError("too many cookies"))
		return
	}
	for i := range req.Cookies {
		if err := req.Cookies[i].Validate(i); err != nil {
			h.writeErr(w, types.NewValidationError(err.Error()))
			return
		}
	}

	s, err := h.registry.GetSession(r.Context(), userID, nil)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	params := make([]*proto.NetworkCookieParam, 0, len(req.Cookies))
	for _, c := range req.Cookies {
		params = append(params, cookieParam(c))
	}
	if err := s.Entry().Browser.SetCookies(params); err != nil {
		h.writeErr(w, types.NewEngineError("cookie import failed: "+err.Error(), err))
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "imported": len(params)})
}

// cookieParam converts the wire cookie into the engine's shape.
func cookieParam(c types.Cookie) *proto.NetworkCookieParam {
	p := &proto.NetworkCookieParam{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		URL:      c.URL,
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
	}
	if c.Expires > 0 {
		p.Expires = proto.TimeSinceEpoch(c.Expires)
	}
	switch c.SameSite {
	case "Strict", "strict":
		p.SameSite = proto.NetworkCookieSameSiteStrict
	case "Lax", "lax":
		p.SameSite = proto.NetworkCookieSameSiteLax
	case "None", "none":
		p.SameSite = proto.NetworkCookieSameSiteNone
	}
	return p
}

// ToggleDisplay handles POST /sessions/{userId}/toggle-display: restarts the
// user's context headed or headless. Open tabs do not survive the restart.
func (h *Handler) ToggleDisplay(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	if msg := security.ValidateUserID(userID); msg != "" {
		h.writeErr(w, types.NewValidationError(msg))
		return
	}

	var req types.ToggleDisplayRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeErr(w, err)
		return
	}

	var target config.HeadlessMode
	if req.Headless != nil {
		target = config.HeadlessFalse
		if *req.Headless {
			target = config.HeadlessTrue
		}
	} else {
		entry, ok := h.pool.Peek(userID)
		if !ok {
			h.writeErr(w, types.NewNotFoundError(types.ErrSessionNotFound.Error()))
			return
		}
		target = config.HeadlessTrue
		if entry.Headless == config.HeadlessTrue {
			target = config.HeadlessFalse
		}
	}

	entry, err := h.pool.Restart(r.Context(), userID, &target)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	h.attachDownloadWatcher(userID)
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"headless": entry.Headless == config.HeadlessTrue,
	})
}
