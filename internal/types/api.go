package types

import (
	"fmt"
	"strings"
)

// Request validation limits.
const (
	MaxUserIDLength    = 128
	MaxURLLength       = 8192
	MaxSelectorLength  = 2048
	MaxTextLength      = 64 * 1024
	MaxExpressionBytes = 64 * 1024
	MaxCookies         = 200
	MaxCookieNameLen   = 256
	MaxCookieValueLen  = 4096
	MaxBatchFiles      = 500
	DefaultBatchFiles  = 50
	MaxEvalResultBytes = 1 << 20 // 1MB serialized evaluate result
)

// TabRequest is the common body shape for tab-scoped operations.
// Every tab-scoped request must carry the owning userId.
type TabRequest struct {
	UserID     string `json:"userId"`
	SessionKey string `json:"sessionKey,omitempty"`
}

// CreateTabRequest creates a new tab in the user's session.
type CreateTabRequest struct {
	UserID     string       `json:"userId"`
	SessionKey string       `json:"sessionKey,omitempty"`
	URL        string       `json:"url,omitempty"`
	ListItemID string       `json:"listItemId,omitempty"`
	Overrides  *SeedOptions `json:"overrides,omitempty"`
}

// SeedOptions configure a persistent context on first launch only.
// Later calls with different seeds are ignored with a warning.
type SeedOptions struct {
	Locale      string       `json:"locale,omitempty"`
	TimezoneID  string       `json:"timezoneId,omitempty"`
	Geolocation *Geolocation `json:"geolocation,omitempty"`
	Viewport    *Viewport    `json:"viewport,omitempty"`
}

// Geolocation is a seed geolocation override.
type Geolocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Viewport is a seed viewport override.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// NavigateRequest navigates a tab to a URL.
type NavigateRequest struct {
	UserID string `json:"userId"`
	URL    string `json:"url"`
}

// ClickRequest clicks the element behind a snapshot ref.
type ClickRequest struct {
	UserID string `json:"userId"`
	Ref    string `json:"ref"`
}

// TypeRequest types text into the element behind a snapshot ref.
type TypeRequest struct {
	UserID     string `json:"userId"`
	Ref        string `json:"ref"`
	Text       string `json:"text"`
	Clear      bool   `json:"clear,omitempty"`
	PressEnter bool   `json:"pressEnter,omitempty"`
}

// PressRequest presses a keyboard key.
type PressRequest struct {
	UserID string `json:"userId"`
	Key    string `json:"key"`
}

// ScrollRequest scrolls the page viewport.
type ScrollRequest struct {
	UserID string  `json:"userId"`
	DeltaX float64 `json:"deltaX,omitempty"`
	DeltaY float64 `json:"deltaY,omitempty"`
}

// ScrollToPosition is an absolute scroll target for an element.
type ScrollToPosition struct {
	Top  float64 `json:"top"`
	Left float64 `json:"left"`
}

// ScrollElementRequest scrolls an element absolutely or relatively.
type ScrollElementRequest struct {
	UserID   string            `json:"userId"`
	Ref      string            `json:"ref"`
	ScrollTo *ScrollToPosition `json:"scrollTo,omitempty"`
	DeltaX   float64           `json:"deltaX,omitempty"`
	DeltaY   float64           `json:"deltaY,omitempty"`
}

// WaitRequest waits for a bounded amount of time.
type WaitRequest struct {
	UserID string `json:"userId"`
	Ms     int    `json:"ms"`
}

// ActRequest is the combined action endpoint; Kind selects the behavior.
type ActRequest struct {
	UserID   string            `json:"userId"`
	Kind     string            `json:"kind"`
	Ref      string            `json:"ref,omitempty"`
	Text     string            `json:"text,omitempty"`
	Key      string            `json:"key,omitempty"`
	Clear    bool              `json:"clear,omitempty"`
	Ms       int               `json:"ms,omitempty"`
	DeltaX   float64           `json:"deltaX,omitempty"`
	DeltaY   float64           `json:"deltaY,omitempty"`
	ScrollTo *ScrollToPosition `json:"scrollTo,omitempty"`
}

// ActionKinds are the valid values for ActRequest.Kind.
var ActionKinds = map[string]bool{
	"click": true, "type": true, "press": true, "scroll": true,
	"scrollIntoView": true, "hover": true, "wait": true, "close": true,
}

// EvaluateRequest runs a JavaScript expression in the tab.
type EvaluateRequest struct {
	UserID     string `json:"userId"`
	Expression string `json:"expression"`
	TimeoutMs  int    `json:"timeout,omitempty"`
}

// EvaluateResult is the outcome of an evaluate call.
type EvaluateResult struct {
	OK         bool        `json:"ok"`
	Value      interface{} `json:"value,omitempty"`
	ResultType string      `json:"resultType,omitempty"`
	Truncated  bool        `json:"truncated,omitempty"`
	ErrorType  string      `json:"errorType,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Cookie is the wire shape for cookie import/export.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	URL      string  `json:"url,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Validate checks a cookie for the fields the engine requires.
func (c *Cookie) Validate(i int) error {
	if c.Name == "" {
		return fmt.Errorf("cookie[%d]: name is required", i)
	}
	if len(c.Name) > MaxCookieNameLen {
		return fmt.Errorf("cookie[%d]: name exceeds maximum length of %d", i, MaxCookieNameLen)
	}
	if len(c.Value) > MaxCookieValueLen {
		return fmt.Errorf("cookie[%d]: value exceeds maximum length of %d", i, MaxCookieValueLen)
	}
	if c.Domain == "" && c.URL == "" {
		return fmt.Errorf("cookie[%d]: domain or url is required", i)
	}
	if strings.Contains(c.Path, "..") {
		return fmt.Errorf("cookie[%d]: path cannot contain '..'", i)
	}
	return nil
}

// ImportCookiesRequest imports cookies into a user's context.
type ImportCookiesRequest struct {
	Cookies []Cookie `json:"cookies"`
}

// ExtractResourcesRequest scopes a DOM resource extraction.
type ExtractResourcesRequest struct {
	UserID            string   `json:"userId"`
	ContainerSelector string   `json:"containerSelector,omitempty"`
	Types             []string `json:"types,omitempty"`
	Extensions        []string `json:"extensions,omitempty"`
	ScrollLazyImages  bool     `json:"scrollLazyImages,omitempty"`
	ResolveBlobs      bool     `json:"resolveBlobs,omitempty"`
}

// BatchDownloadRequest downloads a set of extracted resources.
type BatchDownloadRequest struct {
	UserID            string   `json:"userId"`
	URLs              []string `json:"urls,omitempty"`
	ContainerSelector string   `json:"containerSelector,omitempty"`
	Types             []string `json:"types,omitempty"`
	Extensions        []string `json:"extensions,omitempty"`
	MaxFiles          int      `json:"maxFiles,omitempty"`
	ResolveBlobs      bool     `json:"resolveBlobs,omitempty"`
}

// ResolveBlobsRequest resolves blob: URLs observed in the page.
type ResolveBlobsRequest struct {
	UserID string   `json:"userId"`
	URLs   []string `json:"urls"`
}

// ToggleDisplayRequest switches a user's context between headed and headless.
type ToggleDisplayRequest struct {
	Headless *bool `json:"headless,omitempty"`
}

// SnapshotMeta describes the windowing state of a returned snapshot.
type SnapshotMeta struct {
	Truncated  bool `json:"truncated"`
	TotalChars int  `json:"totalChars"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"hasMore"`
	NextOffset *int `json:"nextOffset"`
}

// SnapshotResponse is the payload for GET /tabs/:tabId/snapshot.
type SnapshotResponse struct {
	TabID     string       `json:"tabId"`
	URL       string       `json:"url"`
	Title     string       `json:"title"`
	Snapshot  string       `json:"snapshot"`
	RefsCount int          `json:"refsCount"`
	Meta      SnapshotMeta `json:"meta"`
}

// HealthResponse is the payload for GET /health.
type HealthResponse struct {
	OK                  bool     `json:"ok"`
	Running             bool     `json:"running"`
	Engine              string   `json:"engine"`
	BrowserConnected    bool     `json:"browserConnected"`
	ConsecutiveFailures int      `json:"consecutiveFailures"`
	ActiveOps           int      `json:"activeOps"`
	PoolSize            int      `json:"poolSize"`
	ActiveUserIDs       []string `json:"activeUserIds"`
	ProfileDirsTotal    int      `json:"profileDirsTotal"`
	Recovering          bool     `json:"recovering,omitempty"`
	Version             string   `json:"version,omitempty"`
}

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}
