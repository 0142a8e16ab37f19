package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"

	"github.com/camofox/camofox-go/internal/security"
	"github.com/camofox/camofox-go/internal/snapshot"
	"github.com/camofox/camofox-go/internal/tabs"
	"github.com/camofox/camofox-go/internal/types"
)

// clickDownloadWindow is how far back the click response looks for downloads
// the click may have triggered.
const clickDownloadWindow = 5 * time.Second

// tabSummary is the list/create payload for one tab.
type tabSummary struct {
	TabID string `json:"tabId"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

// CreateTab handles POST /tabs: ensures the user's session, opens a page,
// and optionally navigates it.
func (h *Handler) CreateTab(w http.ResponseWriter, r *http.Request) {
	var req types.CreateTabRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeErr(w, err)
		return
	}

	if msg := security.ValidateUserID(req.UserID); msg != "" {
		h.writeErr(w, types.NewValidationError(msg))
		return
	}

	sessionKey := req.SessionKey
	if sessionKey == "" {
		sessionKey = req.UserID
	}

	h.tracker.OpStarted()
	defer h.tracker.OpFinished()

	var summary tabSummary
	err := h.limiter.Do(r.Context(), req.UserID, func() error {
		s, err := h.registry.GetSession(r.Context(), sessionKey, req.Overrides)
		if err != nil {
			return err
		}

		h.attachDownloadWatcher(s.UserID)

		tab, err := h.registry.CreateTab(r.Context(), s, req.ListItemID)
		if err != nil {
			return err
		}

		if req.URL != "" {
			if err := tab.Navigate(r.Context(), req.URL); err != nil {
				h.tracker.RecordNavFailure()
				return err
			}
			h.tracker.RecordNavSuccess()
		}

		summary = tabSummary{TabID: tab.ID, URL: tab.URL(), Title: tab.Title()}
		return nil
	})
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// attachDownloadWatcher subscribes the user's browser to download events,
// attributing each to the tab owning the originating frame.
func (h *Handler) attachDownloadWatcher(userID string) {
	entry, ok := h.pool.Peek(userID)
	if !ok {
		return
	}
	err := h.dl.EnsureAttached(entry.Browser, userID, func(frameID proto.PageFrameID) string {
		return h.registry.TabIDByFrame(userID, frameID)
	})
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Failed to attach download watcher")
	}
}

// ListTabs handles GET /tabs?userId=.
func (h *Handler) ListTabs(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if msg := security.ValidateUserID(userID); msg != "" {
		h.writeErr(w, types.NewValidationError(msg))
		return
	}

	list := h.registry.TabsForUser(userID)
	out := make([]tabSummary, 0, len(list))
	for _, tab := range list {
		out = append(out, tabSummary{TabID: tab.ID, URL: tab.URL(), Title: tab.Title()})
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"tabs": out})
}

// CloseTab handles DELETE /tabs/{tabId}.
func (h *Handler) CloseTab(w http.ResponseWriter, r *http.Request) {
	var req types.TabRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeErr(w, err)
		return
	}
	userID := userIDFrom(r, req.UserID)
	if security.ValidateUserID(userID) != "" {
		h.writeErr(w, types.NewNotFoundError(types.ErrTabNotFound.Error()))
		return
	}

	if err := h.registry.CloseTab(r.PathValue("tabId"), userID); err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// CloseGroup handles DELETE /tabs/group/{listItemId}.
func (h *Handler) CloseGroup(w http.ResponseWriter, r *http.Request) {
	var req types.TabRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeErr(w, err)
		return
	}
	userID := userIDFrom(r, req.UserID)
	if msg := security.ValidateUserID(userID); msg != "" {
		h.writeErr(w, types.NewValidationError(msg))
		return
	}

	closed := h.registry.CloseGroup(userID, r.PathValue("listItemId"))
	h.writeJSON(w, http.StatusOK, map[string]int{"closed": closed})
}

// Navigate handles POST /tabs/{tabId}/navigate. Navigation outcomes feed the
// health tracker; nothing else does.
func (h *Handler) Navigate(w http.ResponseWriter, r *http.Request) {
	var req types.NavigateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeErr(w, err)
		return
	}

	h.withTab(w, r, userIDFrom(r, req.UserID), r.PathValue("tabId"), func(ctx context.Context, tab *tabs.Tab) (interface{}, error) {
		if req.URL == "" {
			return nil, types.NewValidationError(types.ErrURLRequired.Error())
		}
		if err := tab.Navigate(ctx, req.URL); err != nil {
			if types.KindOf(err) != types.KindValidation {
				h.tracker.RecordNavFailure()
			}
			return nil, err
		}
		h.tracker.RecordNavSuccess()
		return map[string]interface{}{"ok": true, "url": tab.URL(), "title": tab.Title()}, nil
	})
}

// Snapshot handles GET /tabs/{tabId}/snapshot?userId=&offset=.
// offset > 0 pages through the cached snapshot; offset 0 rebuilds.
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	h.withTab(w, r, r.URL.Query().Get("userId"), r.PathValue("tabId"), func(ctx context.Context, tab *tabs.Tab) (interface{}, error) {
		text := ""
		if offset > 0 {
			text = tab.CachedSnapshot()
		}
		if text == "" {
			text = tab.BuildSnapshot(ctx, h.cfg.BuildRefsTimeout, h.presets.Get().ConsentSelectors)
		}

		windowed, meta := snapshot.Window(text, offset, h.cfg.MaxSnapshotChars, h.cfg.SnapshotTailChars)
		return &types.SnapshotResponse{
			TabID:     tab.ID,
			URL:       tab.URL(),
			Title:     tab.Title(),
			Snapshot:  windowed,
			RefsCount: tab.RefsCount(),
			Meta:      meta,
		}, nil
	})
}

// Click handles POST /tabs/{tabId}/click. Downloads triggered by the click
// are inlined in the response.
func (h *Handler) Click(w http.ResponseWriter, r *http.Request) {
	var req types.ClickRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeErr(w, err)
		return
	}

	tabID := r.PathValue("tabId")
	h.withTab(w, r, userIDFrom(r, req.UserID), tabID, func(ctx context.Context, tab *tabs.Tab) (interface{}, error) {
		if err := tab.Click(ctx, req.Ref, h.cfg.BuildRefsTimeout); err != nil {
			return nil, err
		}
		resp := map[string]interface{}{"ok": true}
		if recent := h.dl.Recent(tabID, clickDownloadWindow); len(recent) > 0 {
			resp["downloads"] = recent
		}
		return resp, nil
	})
}

// Type handles POST /tabs/{tabId}/type.
func (h *Handler) Type(w http.ResponseWriter, r *http.Request) {
	var req types.TypeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeErr(w, err)
		return
	}

	h.withTab(w, r, userIDFrom(r, req.UserID), r.PathValue("tabId"), func(ctx context.Context, tab *tabs.Tab) (interface{}, error) {
		if err := tab.Type(ctx, req.Ref, req.Text, req.Clear, req.PressEnter, h.cfg.BuildRefsTimeout); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil
	})
}

// Press handles POST /tabs/{tabId}/press.
func (h *Handler) Press(w http.ResponseWriter, r *http.Request) {
	var req types.PressRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeErr(w, err)
		return
	}

	h.withTab(w, r, userIDFrom(r, req.UserID), r.PathValue("tabId"), func(ctx context.Context, tab *tabs.Tab) (interface{}, error) {
		if err := tab.Press(ctx, req.Key, h.cfg.BuildRefsTimeout); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil
	})
}

// Scroll handles POST /tabs/{tabId}/scroll.
func (h *Handler) Scroll(w http.ResponseWriter, r *http.Request) {
	var req types.ScrollRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeErr(w, err)
		return
	}

	h.withTab(w, r, userIDFrom(r, req.UserID), r.PathValue("tabId"), func(ctx context.Context, tab *tabs.Tab) (interface{}, error) {
		if err := tab.Scroll(ctx, req.DeltaX, req.DeltaY, h.cfg.BuildRefsTimeout); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil
	})
}

// ScrollElement handles POST /tabs/{tabId}/scroll-element.
func (h *Handler) ScrollElement(w http.ResponseWriter, r *http.Request) {
	var req types.ScrollElementRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeErr(w, err)
		return
	}

	h.withTab(w, r, userIDFrom(r, req.UserID), r.PathValue("tabId"), func(ctx context.Context, tab *tabs.Tab) (interface{}, error) {
		metrics, err := tab.ScrollElement(ctx, &req, h.cfg.BuildRefsTimeout)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"ok": true, "metrics": metrics}, nil
	})
}

// History operations, wired through historyOp by the router.
func backOp(ctx context.Context, tab *tabs.Tab) error    { return tab.Back(ctx) }
func forwardOp(ctx context.Context, tab *tabs.Tab) error { return tab.Forward(ctx) }
func refreshOp(ctx context.Context, tab *tabs.Tab) error { return tab.Refresh(ctx) }

// historyOp builds a handler for back/forward/refresh.
func (h *Handler) historyOp(op func(ctx context.Context, tab *tabs.Tab) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.TabRequest
		if err := decodeJSON(w, r, &req); err != nil {
			h.writeErr(w, err)
			return
		}

		h.withTab(w, r, userIDFrom(r, req.UserID), r.PathValue("tabId"), func(ctx context.Context, tab *tabs.Tab) (interface{}, error) {
			if err := op(ctx, tab); err != nil {
				return nil, err
			}
			return map[string]interface{}{"ok": true, "url": tab.URL()}, nil
		})
	}
}

// Wait handles POST /tabs/{tabId}/wait.
func (h *Handler) Wait(w http.ResponseWriter, r *http.Request) {
	var req types.WaitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeErr(w, err)
		return
	}

	h.withTab(w, r, userIDFrom(r, req.UserID), r.PathValue("tabId"), func(ctx context.Context, tab *tabs.Tab) (interface{}, error) {
		if err := tab.Wait(ctx, req.Ms); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil
	})
}

// Act handles POST /tabs/{tabId}/act: one endpoint dispatching on kind.
func (h *Handler) Act(w http.ResponseWriter, r *http.Request) {
	var req types.ActRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeErr(w, err)
		return
	}

	if !types.ActionKinds[req.Kind] {
		h.writeErr(w, types.NewValidationError("invalid action kind: "+req.Kind))
		return
	}

	tabID := r.PathValue("tabId")
	userID := userIDFrom(r, req.UserID)

	if req.Kind == "close" {
		if security.ValidateUserID(userID) != "" {
			h.writeErr(w, types.NewNotFoundError(types.ErrTabNotFound.Error()))
			return
		}
		if err := h.registry.CloseTab(tabID, userID); err != nil {
			h.writeErr(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	h.withTab(w, r, userID, tabID, func(ctx context.Context, tab *tabs.Tab) (interface{}, error) {
		refsTimeout := h.cfg.BuildRefsTimeout
		var err error
		switch req.Kind {
		case "click":
			err = tab.Click(ctx, req.Ref, refsTimeout)
		case "type":
			err = tab.Type(ctx, req.Ref, req.Text, req.Clear, false, refsTimeout)
		case "press":
			err = tab.Press(ctx, req.Key, refsTimeout)
		case "scroll":
			err = tab.Scroll(ctx, req.DeltaX, req.DeltaY, refsTimeout)
		case "scrollIntoView":
			err = tab.ScrollIntoView(ctx, req.Ref, refsTimeout)
		case "hover":
			err = tab.Hover(ctx, req.Ref, refsTimeout)
		case "wait":
			err = tab.Wait(ctx, req.Ms)
		}
		if err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil
	})
}

// Evaluate handles POST /tabs/{tabId}/evaluate, capped at the standard
// evaluate timeout.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	h.evaluate(w, r, h.cfg.EvaluateTimeout)
}

// EvaluateExtended handles POST /tabs/{tabId}/evaluate-extended: a longer
// timeout cap behind a per-user rate limit. The limit is checked before the
// tab lookup so quota exhaustion is reported even for unknown tabs.
func (h *Handler) EvaluateExtended(w http.ResponseWriter, r *http.Request) {
	var req types.EvaluateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeErr(w, err)
		return
	}
	userID := userIDFrom(r, req.UserID)
	if security.ValidateUserID(userID) != "" {
		h.writeErr(w, types.NewNotFoundError(types.ErrTabNotFound.Error()))
		return
	}

	res := h.rate.Check(userID, h.cfg.EvalExtRateLimitMax, h.cfg.EvalExtRateLimitWindow)
	if !res.Allowed {
		h.writeErr(w, types.NewRateLimitedError(res.RetryAfter))
		return
	}

	h.runEvaluate(w, r, userID, &req, h.cfg.EvaluateExtTimeout)
}

func (h *Handler) evaluate(w http.ResponseWriter, r *http.Request, maxTimeout time.Duration) {
	var req types.EvaluateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeErr(w, err)
		return
	}
	h.runEvaluate(w, r, userIDFrom(r, req.UserID), &req, maxTimeout)
}

func (h *Handler) runEvaluate(w http.ResponseWriter, r *http.Request, userID string, req *types.EvaluateRequest, maxTimeout time.Duration) {
	h.withTab(w, r, userID, r.PathValue("tabId"), func(ctx context.Context, tab *tabs.Tab) (interface{}, error) {
		return tab.Evaluate(ctx, req.Expression, time.Duration(req.TimeoutMs)*time.Millisecond, maxTimeout)
	})
}

// Links handles GET /tabs/{tabId}/links?userId=.
func (h *Handler) Links(w http.ResponseWriter, r *http.Request) {
	h.withTab(w, r, r.URL.Query().Get("userId"), r.PathValue("tabId"), func(ctx context.Context, tab *tabs.Tab) (interface{}, error) {
		links, err := tab.Links(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"links": links, "count": len(links)}, nil
	})
}

// Screenshot handles GET /tabs/{tabId}/screenshot?userId=&fullPage=. The
// response is raw PNG, not JSON.
func (h *Handler) Screenshot(w http.ResponseWriter, r *http.Request) {
	fullPage := r.URL.Query().Get("fullPage") == "true"

	result, err := h.runTab(r, r.URL.Query().Get("userId"), r.PathValue("tabId"), func(ctx context.Context, tab *tabs.Tab) (interface{}, error) {
		return tab.Screenshot(ctx, fullPage)
	})
	if err != nil {
		h.writeErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(result.([]byte)); err != nil {
		log.Debug().Err(err).Msg("Failed to write screenshot response")
	}
}

// Stats handles GET /tabs/{tabId}/stats?userId=.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	h.withTab(w, r, r.URL.Query().Get("userId"), r.PathValue("tabId"), func(ctx context.Context, tab *tabs.Tab) (interface{}, error) {
		return tab.Stats(), nil
	})
}

// ExportCookies handles GET /tabs/{tabId}/cookies?userId=.
func (h *Handler) ExportCookies(w http.ResponseWriter, r *http.Request) {
	h.withTab(w, r, r.URL.Query().Get("userId"), r.PathValue("tabId"), func(ctx context.Context, tab *tabs.Tab) (interface{}, error) {
		cookies, err := tab.ExportCookies(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"cookies": cookies, "count": len(cookies)}, nil
	})
}
