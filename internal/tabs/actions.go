package tabs

import (
	"context"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"

	"github.com/camofox/camofox-go/internal/types"
)

// maxWaitMs caps the explicit wait action.
const maxWaitMs = 10000

// defaultScrollDelta is applied when a relative element scroll carries no
// deltas at all.
const defaultScrollDelta = 300

// syntheticClickDelay paces the fallback mouse sequence.
const syntheticClickDelay = 50 * time.Millisecond

// ScrollMetrics are the element scroll values returned by scroll-element.
type ScrollMetrics struct {
	ScrollTop    float64 `json:"scrollTop"`
	ScrollLeft   float64 `json:"scrollLeft"`
	ScrollWidth  float64 `json:"scrollWidth"`
	ScrollHeight float64 `json:"scrollHeight"`
	ClientWidth  float64 `json:"clientWidth"`
	ClientHeight float64 `json:"clientHeight"`
}

// Click clicks the element behind ref with a three-stage escalation:
// a normal click, then a direct DOM click when pointer events are
// intercepted, then a synthetic mouse sequence at the element's center.
func (t *Tab) Click(ctx context.Context, ref string, refsTimeout time.Duration) error {
	el, err := t.resolveRef(ctx, ref)
	if err != nil {
		return err
	}

	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		if !isInterceptionError(err) {
			return types.NewEngineError("click failed: "+err.Error(), err)
		}
		log.Debug().Str("tab_id", t.ID).Str("ref", ref).Msg("Click intercepted, escalating to DOM click")
		if _, err := el.Eval(`() => this.click()`); err != nil {
			log.Debug().Str("tab_id", t.ID).Str("ref", ref).Msg("DOM click failed, escalating to synthetic mouse")
			if err := t.syntheticClick(el); err != nil {
				return types.NewEngineError("click failed after escalation: "+err.Error(), err)
			}
		}
	}

	t.MarkVisited(t.URL())
	t.rebuildRefs(ctx, refsTimeout)
	return nil
}

// isInterceptionError recognizes the engine messages that mean another
// element swallowed the pointer event.
func isInterceptionError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "intercept") ||
		strings.Contains(msg, "covered") ||
		strings.Contains(msg, "not clickable") ||
		strings.Contains(msg, "invisible")
}

// syntheticClick replays a raw mouse press at the element's center.
func (t *Tab) syntheticClick(el *rod.Element) error {
	shape, err := el.Shape()
	if err != nil {
		return err
	}
	box := shape.Box()
	if box == nil {
		return types.NewEngineError("element has no visible box", nil)
	}

	center := proto.NewPoint(box.X+box.Width/2, box.Y+box.Height/2)
	mouse := t.page.Mouse
	if err := mouse.MoveTo(center); err != nil {
		return err
	}
	time.Sleep(syntheticClickDelay)
	if err := mouse.Down(proto.InputMouseButtonLeft, 1); err != nil {
		return err
	}
	time.Sleep(syntheticClickDelay)
	return mouse.Up(proto.InputMouseButtonLeft, 1)
}

// Type fills the element behind ref with text. When clear is set, the
// existing content is selected first so the input replaces it. PressEnter
// adds a separate keyboard press after the fill.
func (t *Tab) Type(ctx context.Context, ref, text string, clear, pressEnter bool, refsTimeout time.Duration) error {
	if len(text) > types.MaxTextLength {
		return types.NewValidationError("text exceeds maximum length")
	}

	el, err := t.resolveRef(ctx, ref)
	if err != nil {
		return err
	}

	if err := el.Focus(); err != nil {
		return types.NewEngineError("focus failed: "+err.Error(), err)
	}
	if clear {
		if err := el.SelectAllText(); err != nil {
			log.Debug().Str("tab_id", t.ID).Err(err).Msg("Select-all before type failed, appending instead")
		}
	}
	if err := el.Input(text); err != nil {
		return types.NewEngineError("type failed: "+err.Error(), err)
	}
	if pressEnter {
		if err := t.pressKey("Enter"); err != nil {
			return err
		}
	}

	t.rebuildRefs(ctx, refsTimeout)
	return nil
}

// Press presses a single keyboard key on the page.
func (t *Tab) Press(ctx context.Context, key string, refsTimeout time.Duration) error {
	if err := t.pressKey(key); err != nil {
		return err
	}
	t.rebuildRefs(ctx, refsTimeout)
	return nil
}

func (t *Tab) pressKey(key string) error {
	k, err := lookupKey(key)
	if err != nil {
		return err
	}
	if err := t.page.Keyboard.Press(k); err != nil {
		return types.NewEngineError("key press failed: "+err.Error(), err)
	}
	return nil
}

// Scroll scrolls the page viewport by the given deltas.
func (t *Tab) Scroll(ctx context.Context, deltaX, deltaY float64, refsTimeout time.Duration) error {
	if deltaX == 0 && deltaY == 0 {
		deltaY = defaultScrollDelta
	}
	if err := t.page.Mouse.Scroll(deltaX, deltaY, 1); err != nil {
		return types.NewEngineError("scroll failed: "+err.Error(), err)
	}
	t.rebuildRefs(ctx, refsTimeout)
	return nil
}

// ScrollElement scrolls the element behind ref, either to an absolute
// position or by relative deltas, and returns its scroll metrics.
func (t *Tab) ScrollElement(ctx context.Context, req *types.ScrollElementRequest, refsTimeout time.Duration) (*ScrollMetrics, error) {
	el, err := t.resolveRef(ctx, req.Ref)
	if err != nil {
		return nil, err
	}

	var res *proto.RuntimeRemoteObject
	if req.ScrollTo != nil {
		res, err = el.Eval(`(top, left) => {
			this.scrollTo({ top: top, left: left, behavior: "instant" });
			return { scrollTop: this.scrollTop, scrollLeft: this.scrollLeft,
				scrollWidth: this.scrollWidth, scrollHeight: this.scrollHeight,
				clientWidth: this.clientWidth, clientHeight: this.clientHeight };
		}`, req.ScrollTo.Top, req.ScrollTo.Left)
	} else {
		dx, dy := req.DeltaX, req.DeltaY
		if dx == 0 && dy == 0 {
			dy = defaultScrollDelta
		}
		res, err = el.Eval(`(dx, dy) => {
			this.scrollBy({ top: dy, left: dx, behavior: "instant" });
			return { scrollTop: this.scrollTop, scrollLeft: this.scrollLeft,
				scrollWidth: this.scrollWidth, scrollHeight: this.scrollHeight,
				clientWidth: this.clientWidth, clientHeight: this.clientHeight };
		}`, dx, dy)
	}
	if err != nil {
		return nil, types.NewEngineError("element scroll failed: "+err.Error(), err)
	}

	metrics := &ScrollMetrics{
		ScrollTop:    res.Value.Get("scrollTop").Num(),
		ScrollLeft:   res.Value.Get("scrollLeft").Num(),
		ScrollWidth:  res.Value.Get("scrollWidth").Num(),
		ScrollHeight: res.Value.Get("scrollHeight").Num(),
		ClientWidth:  res.Value.Get("clientWidth").Num(),
		ClientHeight: res.Value.Get("clientHeight").Num(),
	}

	t.rebuildRefs(ctx, refsTimeout)
	return metrics, nil
}

// Hover moves the pointer over the element behind ref.
func (t *Tab) Hover(ctx context.Context, ref string, refsTimeout time.Duration) error {
	el, err := t.resolveRef(ctx, ref)
	if err != nil {
		return err
	}
	if err := el.Hover(); err != nil {
		return types.NewEngineError("hover failed: "+err.Error(), err)
	}
	t.rebuildRefs(ctx, refsTimeout)
	return nil
}

// ScrollIntoView brings the element behind ref into the viewport.
func (t *Tab) ScrollIntoView(ctx context.Context, ref string, refsTimeout time.Duration) error {
	el, err := t.resolveRef(ctx, ref)
	if err != nil {
		return err
	}
	if err := el.ScrollIntoView(); err != nil {
		return types.NewEngineError("scroll into view failed: "+err.Error(), err)
	}
	t.rebuildRefs(ctx, refsTimeout)
	return nil
}

// Wait sleeps for the requested duration, capped to keep handlers bounded.
func (t *Tab) Wait(ctx context.Context, ms int) error {
	if ms < 0 {
		return types.NewValidationError("wait duration must be non-negative")
	}
	if ms > maxWaitMs {
		ms = maxWaitMs
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
