package tabs

import (
	"context"
	"fmt"

	"github.com/go-rod/rod/lib/proto"

	"github.com/camofox/camofox-go/internal/types"
)

// maxLinks caps the links endpoint payload.
const maxLinks = 500

// Link is one anchor extracted from the page.
type Link struct {
	Href string `json:"href"`
	Text string `json:"text"`
}

const linksJS = `
(function(max) {
	var out = [];
	var anchors = document.querySelectorAll("a[href]");
	for (var i = 0; i < anchors.length && out.length < max; i++) {
		var a = anchors[i];
		if (!a.href || a.href.indexOf("javascript:") === 0) continue;
		out.push({ href: a.href, text: (a.textContent || "").trim().slice(0, 200) });
	}
	return out;
})(%d)`

// Links extracts the page's anchors with resolved hrefs.
func (t *Tab) Links(ctx context.Context) ([]Link, error) {
	res, err := proto.RuntimeEvaluate{
		Expression:    fmt.Sprintf(linksJS, maxLinks),
		ReturnByValue: true,
	}.Call(t.page.Context(ctx))
	if err != nil {
		return nil, types.NewEngineError("link extraction failed: "+err.Error(), err)
	}
	if res.ExceptionDetails != nil {
		return nil, types.NewEngineError("link extraction failed: "+res.ExceptionDetails.Text, nil)
	}

	var links []Link
	for _, item := range res.Result.Value.Arr() {
		links = append(links, Link{
			Href: item.Get("href").Str(),
			Text: item.Get("text").Str(),
		})
	}
	return links, nil
}

// Screenshot captures the page as PNG bytes.
func (t *Tab) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	data, err := t.page.Context(ctx).Screenshot(fullPage, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, types.NewEngineError("screenshot failed: "+err.Error(), err)
	}
	return data, nil
}

// ExportCookies returns the cookies visible to this page.
func (t *Tab) ExportCookies(ctx context.Context) ([]types.Cookie, error) {
	raw, err := t.page.Context(ctx).Cookies(nil)
	if err != nil {
		return nil, types.NewEngineError("cookie export failed: "+err.Error(), err)
	}

	cookies := make([]types.Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, types.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  float64(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	return cookies, nil
}
