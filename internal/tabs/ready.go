package tabs

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
)

// Hydration loop bounds: total wait is hydrationMaxIters * hydrationInterval.
const (
	hydrationMaxIters = 40
	hydrationInterval = 250 * time.Millisecond
	resourceQuietMs   = 400
)

// DefaultConsentSelectors are tried in order before each snapshot.
// OneTrust first (most common), then generic aria-labels, dialog buttons,
// and common consent/modal class patterns.
var DefaultConsentSelectors = []string{
	"#onetrust-accept-btn-handler",
	"#onetrust-reject-all-handler",
	"#onetrust-close-btn-container button",
	`button[aria-label="Accept all"]`,
	`button[aria-label="Close"]`,
	`button[aria-label="Dismiss"]`,
	`[role="dialog"] button`,
	`[class*="consent"] button`,
	`[class*="privacy"] button`,
	`[class*="cookie"] button`,
	`[class*="modal"] button[class*="close"]`,
	`[class*="overlay"] button[class*="close"]`,
}

// hydrationJS reports whether the document looks settled: readyState is
// complete and no resource finished loading within the quiet window.
const hydrationJS = `
(function(quietMs) {
	if (document.readyState !== "complete") return false;
	var entries = performance.getEntriesByType("resource");
	if (entries.length === 0) return true;
	var last = entries[entries.length - 1];
	return (performance.now() - last.responseEnd) > quietMs;
})(%d)`

// twoFramesJS resolves after two animation frames, letting layout settle.
const twoFramesJS = `
new Promise(function(resolve) {
	requestAnimationFrame(function() { requestAnimationFrame(resolve); });
})`

// ensureReady runs the bounded readiness loop. Failures never abort: a page
// that refuses to settle still gets a snapshot of whatever is there.
func ensureReady(ctx context.Context, page *rod.Page) {
	p := page.Context(ctx)

	check := fmt.Sprintf(hydrationJS, resourceQuietMs)
	for i := 0; i < hydrationMaxIters; i++ {
		res, err := proto.RuntimeEvaluate{
			Expression:    check,
			ReturnByValue: true,
		}.Call(p)
		if err == nil && res.ExceptionDetails == nil && res.Result.Value.Bool() {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(hydrationInterval):
		}
	}

	_, err := proto.RuntimeEvaluate{
		Expression:   twoFramesJS,
		AwaitPromise: true,
	}.Call(p.Timeout(2 * time.Second))
	if err != nil {
		log.Debug().Err(err).Msg("Animation frame wait failed, continuing")
	}
}

// dismissConsent best-effort clicks consent and modal dismissal controls.
// Every step is bounded and every failure is silently skipped: consent
// handling must never break a snapshot.
func dismissConsent(ctx context.Context, page *rod.Page, selectors []string) {
	if len(selectors) == 0 {
		selectors = DefaultConsentSelectors
	}

	for _, sel := range selectors {
		select {
		case <-ctx.Done():
			return
		default:
		}

		el, err := page.Context(ctx).Timeout(100 * time.Millisecond).Element(sel)
		if err != nil {
			continue
		}
		if visible, err := el.Visible(); err != nil || !visible {
			continue
		}
		if sel == `[role="dialog"] button` && !matchesConsentText(el) {
			continue
		}
		if err := el.Timeout(time.Second).Click(proto.InputMouseButtonLeft, 1); err != nil {
			log.Debug().Str("selector", sel).Err(err).Msg("Consent click failed, skipping")
			continue
		}
		log.Debug().Str("selector", sel).Msg("Dismissed consent element")
	}
}

// matchesConsentText checks a dialog button's label against the allowed
// dismissal texts, so arbitrary dialog buttons are not clicked blindly.
func matchesConsentText(el *rod.Element) bool {
	res, err := el.Eval(`() => (this.textContent || "").trim()`)
	if err != nil {
		return false
	}
	switch res.Value.Str() {
	case "Close", "Accept", "I Accept", "Got it", "OK":
		return true
	}
	return false
}
