// Package resources extracts downloadable resources from a page subtree and
// fetches them in bulk with bounded concurrency.
package resources

import (
	"context"
	"strings"

	"github.com/go-rod/rod"
	"github.com/rs/zerolog/log"

	"github.com/camofox/camofox-go/internal/types"
)

// Extraction bounds.
const (
	maxLazyScrolls     = 50
	maxBlobResolutions = 25
)

// validTypes are the resource categories the extractor understands.
var validTypes = map[string]bool{
	"images": true, "links": true, "media": true, "documents": true,
}

// Resource is one extracted descriptor.
type Resource struct {
	URL  string `json:"url"`
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ExtractResult is the extraction payload.
type ExtractResult struct {
	Resources []Resource `json:"resources"`
	BlobURLs  []string   `json:"blobUrls"`
}

// extractJS walks a container subtree and collects resource descriptors per
// requested type, normalizing URLs against the document base and applying
// the extension filter. blob: URLs are reported separately.
const extractJS = `(opts) => {
	var container = document.querySelector(opts.selector || "body");
	if (!container) return { resources: [], blobUrls: [] };

	var wantType = {};
	(opts.types || []).forEach(function(t) { wantType[t] = true; });
	var exts = opts.extensions || [];

	var seen = {};
	var resources = [];
	var blobUrls = [];

	function extOK(url) {
		if (exts.length === 0) return true;
		try {
			var path = new URL(url, document.baseURI).pathname.toLowerCase();
			return exts.some(function(e) { return path.endsWith(e); });
		} catch (err) { return false; }
	}
	function push(raw, type, text) {
		if (!raw) return;
		var url;
		try { url = new URL(raw, document.baseURI).href; } catch (err) { return; }
		if (url.indexOf("blob:") === 0) {
			if (blobUrls.indexOf(url) < 0) blobUrls.push(url);
		}
		if (seen[url] || !extOK(url)) return;
		seen[url] = true;
		resources.push({ url: url, type: type, text: (text || "").trim().slice(0, 200) });
	}

	if (wantType.images) {
		container.querySelectorAll("img[src], source[srcset]").forEach(function(el) {
			push(el.src || (el.srcset || "").split(" ")[0], "images", el.alt);
		});
	}
	if (wantType.links) {
		container.querySelectorAll("a[href]").forEach(function(el) {
			if (el.href.indexOf("javascript:") === 0) return;
			push(el.href, "links", el.textContent);
		});
	}
	if (wantType.media) {
		container.querySelectorAll("video[src], audio[src], video source[src], audio source[src]").forEach(function(el) {
			push(el.src, "media", "");
		});
	}
	if (wantType.documents) {
		container.querySelectorAll("a[href]").forEach(function(el) {
			var href = el.href || "";
			if (/\.(pdf|zip|gz|csv|json|txt|docx?|xlsx?|pptx?)($|[?#])/i.test(href)) {
				push(href, "documents", el.textContent);
			}
		});
	}

	return { resources: resources, blobUrls: blobUrls };
}`

// lazyScrollJS scrolls up to max images into view to trigger lazy loading.
const lazyScrollJS = `(opts) => {
	var container = document.querySelector(opts.selector || "body");
	if (!container) return 0;
	var imgs = container.querySelectorAll("img");
	var n = Math.min(imgs.length, opts.max);
	for (var i = 0; i < n; i++) {
		imgs[i].scrollIntoView({ block: "center", behavior: "instant" });
	}
	return n;
}`

// resolveBlobJS fetches a blob: URL inside the page and returns its bytes as
// a data URL with the blob's MIME type.
const resolveBlobJS = `async (url) => {
	var res = await fetch(url);
	var blob = await res.blob();
	return await new Promise(function(resolve, reject) {
		var reader = new FileReader();
		reader.onload = function() { resolve({ dataUrl: reader.result, mimeType: blob.type }); };
		reader.onerror = function() { reject(new Error("blob read failed")); };
		reader.readAsDataURL(blob);
	});
}`

// normalizeExtensions lowercases extensions and guarantees a leading dot.
func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, e)
	}
	return out
}

// normalizeTypes validates and defaults the requested type set.
func normalizeTypes(requested []string) ([]string, error) {
	if len(requested) == 0 {
		return []string{"images", "links", "media", "documents"}, nil
	}
	out := make([]string, 0, len(requested))
	for _, t := range requested {
		t = strings.ToLower(strings.TrimSpace(t))
		if !validTypes[t] {
			return nil, types.NewValidationError("invalid resource type: " + t)
		}
		out = append(out, t)
	}
	return out, nil
}

// Extract runs the extraction script against a page.
func Extract(ctx context.Context, page *rod.Page, req *types.ExtractResourcesRequest) (*ExtractResult, error) {
	reqTypes, err := normalizeTypes(req.Types)
	if err != nil {
		return nil, err
	}
	exts := normalizeExtensions(req.Extensions)

	p := page.Context(ctx)

	if req.ScrollLazyImages {
		if _, err := p.Eval(lazyScrollJS, map[string]interface{}{
			"selector": req.ContainerSelector,
			"max":      maxLazyScrolls,
		}); err != nil {
			log.Debug().Err(err).Msg("Lazy image scroll failed, extracting anyway")
		}
	}

	res, err := p.Eval(extractJS, map[string]interface{}{
		"selector":   req.ContainerSelector,
		"types":      reqTypes,
		"extensions": exts,
	})
	if err != nil {
		return nil, types.NewEngineError("resource extraction failed: "+err.Error(), err)
	}

	out := &ExtractResult{}
	for _, item := range res.Value.Get("resources").Arr() {
		out.Resources = append(out.Resources, Resource{
			URL:  item.Get("url").Str(),
			Type: item.Get("type").Str(),
			Text: item.Get("text").Str(),
		})
	}
	for _, b := range res.Value.Get("blobUrls").Arr() {
		out.BlobURLs = append(out.BlobURLs, b.Str())
	}

	if req.ResolveBlobs {
		replaceBlobURLs(ctx, p, out)
	}

	return out, nil
}

// replaceBlobURLs swaps up to maxBlobResolutions blob: resources for their
// data URIs. Failures leave the original blob: URL in place.
func replaceBlobURLs(ctx context.Context, page *rod.Page, out *ExtractResult) {
	resolved := 0
	for i := range out.Resources {
		if resolved >= maxBlobResolutions {
			break
		}
		if !strings.HasPrefix(out.Resources[i].URL, "blob:") {
			continue
		}
		dataURL, _, err := ResolveBlob(ctx, page, out.Resources[i].URL)
		if err != nil {
			log.Debug().Err(err).Str("url", out.Resources[i].URL).Msg("Blob resolution failed")
			continue
		}
		out.Resources[i].URL = dataURL
		resolved++
	}
}

// ResolveBlob fetches a blob: URL inside the page, returning the data URL
// and MIME type.
func ResolveBlob(ctx context.Context, page *rod.Page, blobURL string) (dataURL, mimeType string, err error) {
	res, err := page.Context(ctx).Eval(resolveBlobJS, blobURL)
	if err != nil {
		return "", "", types.NewEngineError("blob resolution failed: "+err.Error(), err)
	}
	return res.Value.Get("dataUrl").Str(), res.Value.Get("mimeType").Str(), nil
}
