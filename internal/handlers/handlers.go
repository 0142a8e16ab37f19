// Package handlers provides the HTTP surface of the camofox control plane.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/camofox/camofox-go/internal/config"
	"github.com/camofox/camofox-go/internal/contextpool"
	"github.com/camofox/camofox-go/internal/downloads"
	"github.com/camofox/camofox-go/internal/health"
	"github.com/camofox/camofox-go/internal/limiter"
	"github.com/camofox/camofox-go/internal/presets"
	"github.com/camofox/camofox-go/internal/ratelimit"
	"github.com/camofox/camofox-go/internal/registry"
	"github.com/camofox/camofox-go/internal/resources"
	"github.com/camofox/camofox-go/internal/security"
	"github.com/camofox/camofox-go/internal/tablock"
	"github.com/camofox/camofox-go/internal/tabs"
	"github.com/camofox/camofox-go/internal/types"
)

// maxBodyBytes caps request bodies. The largest legitimate payload is an
// evaluate expression (64KB) or a cookie import.
const maxBodyBytes = 1 << 20

// Handler carries the wired core components behind the HTTP surface.
type Handler struct {
	cfg      *config.Config
	pool     *contextpool.Pool
	registry *registry.Registry
	locks    *tablock.Lock
	limiter  *limiter.Limiter
	rate     *ratelimit.Limiter
	tracker  *health.Tracker
	dl       *downloads.Manager
	batch    *resources.BatchDownloader
	presets  *presets.Manager

	// stop triggers graceful shutdown; wired by main for the admin endpoint.
	stop func()
}

// New creates a Handler over the wired components.
func New(
	cfg *config.Config,
	pool *contextpool.Pool,
	reg *registry.Registry,
	locks *tablock.Lock,
	lim *limiter.Limiter,
	rate *ratelimit.Limiter,
	tracker *health.Tracker,
	dl *downloads.Manager,
	batch *resources.BatchDownloader,
	pre *presets.Manager,
	stop func(),
) *Handler {
	return &Handler{
		cfg:      cfg,
		pool:     pool,
		registry: reg,
		locks:    locks,
		limiter:  lim,
		rate:     rate,
		tracker:  tracker,
		dl:       dl,
		batch:    batch,
		presets:  pre,
		stop:     stop,
	}
}

// rateLimitedResponse is the 429 envelope carrying the retry hint in the body
// as well as the Retry-After header.
type rateLimitedResponse struct {
	Error        string `json:"error"`
	RetryAfterMs int64  `json:"retryAfterMs"`
}

// writeJSON buffers nothing exotic; encoding failures are logged and the
// connection gets a plain 500.
func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErr maps an error chain to the HTTP boundary. CoreError kinds pick the
// status; engine errors are logged and, in production, replaced by a generic
// message. Retryable errors carry Retry-After.
func (h *Handler) writeErr(w http.ResponseWriter, err error) {
	var ce *types.CoreError
	if !errors.As(err, &ce) {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			ce = &types.CoreError{Kind: types.KindTimeout, Message: "Operation timed out", Err: err}
		case errors.Is(err, context.Canceled):
			ce = &types.CoreError{Kind: types.KindTimeout, Message: "Request canceled", Err: err}
		default:
			ce = types.NewEngineError(err.Error(), err)
		}
	}

	msg := ce.Message
	if ce.Kind == types.KindEngine {
		log.Error().Err(err).Msg("Engine error surfaced to client")
		if h.cfg.IsProduction() {
			msg = "Internal server error"
		}
	}

	if ce.RetryAfter > 0 {
		secs := int64(ce.RetryAfter.Round(time.Second).Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		h.writeJSON(w, ce.StatusCode(), rateLimitedResponse{
			Error:        msg,
			RetryAfterMs: ce.RetryAfter.Milliseconds(),
		})
		return
	}

	h.writeJSON(w, ce.StatusCode(), types.ErrorResponse{Error: msg})
}

// decodeJSON parses a bounded JSON body. An empty body decodes to the zero
// value so field validation can produce the real message.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return types.NewValidationError("Invalid JSON body")
	}
	return nil
}

// userIDFrom returns the userId for a request: body value if set, else the
// userId query parameter.
func userIDFrom(r *http.Request, bodyUserID string) string {
	if bodyUserID != "" {
		return bodyUserID
	}
	return r.URL.Query().Get("userId")
}

// withTab runs a tab-scoped operation under the full concurrency stack:
// ownership check, per-user concurrency budget, per-tab serialization, and
// the in-flight gauge. A missing or mismatched userId is a 404 so tab
// existence is never revealed across tenants.
func (h *Handler) withTab(w http.ResponseWriter, r *http.Request, userID, tabID string, op func(ctx context.Context, tab *tabs.Tab) (interface{}, error)) {
	result, err := h.runTab(r, userID, tabID, op)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// runTab is withTab without the response write, for endpoints that emit
// non-JSON payloads.
func (h *Handler) runTab(r *http.Request, userID, tabID string, op func(ctx context.Context, tab *tabs.Tab) (interface{}, error)) (interface{}, error) {
	if security.ValidateUserID(userID) != "" {
		return nil, types.NewNotFoundError(types.ErrTabNotFound.Error())
	}

	tab := h.registry.FindTabByID(tabID, userID)
	if tab == nil {
		return nil, types.NewNotFoundError(types.ErrTabNotFound.Error())
	}

	h.tracker.OpStarted()
	defer h.tracker.OpFinished()

	var result interface{}
	err := h.limiter.Do(r.Context(), userID, func() error {
		return h.locks.WithLock(r.Context(), tabID, h.cfg.TabLockTimeout, func() error {
			tab.CountToolCall()
			var opErr error
			result, opErr = op(r.Context(), tab)
			return opErr
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// NotFound answers unknown paths with the uniform envelope.
func (h *Handler) NotFound(w http.ResponseWriter, r *http.Request) {
	h.writeErr(w, types.NewNotFoundError("Not found"))
}
