package tabs

import (
	"context"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"

	"github.com/camofox/camofox-go/internal/snapshot"
	"github.com/camofox/camofox-go/internal/types"
)

// axRetryLoadTimeout bounds the load wait before the single snapshot retry.
const axRetryLoadTimeout = 5 * time.Second

// axNode is one accessibility node in document (DFS) order. The serializer
// and the ref resolver both consume this order, so the nth semantics of a
// built table match the tree the refs resolve against.
type axNode struct {
	Role      string
	Name      string
	Depth     int
	BackendID proto.DOMBackendNodeID
}

// collectAXNodes fetches the full accessibility tree and flattens it in DFS
// order, skipping ignored nodes (their children are lifted to the parent's
// depth, matching how engines render aria snapshots).
func collectAXNodes(page *rod.Page) ([]axNode, error) {
	res, err := proto.AccessibilityGetFullAXTree{}.Call(page)
	if err != nil {
		return nil, err
	}

	byID := make(map[proto.AccessibilityAXNodeID]*proto.AccessibilityAXNode, len(res.Nodes))
	children := make(map[proto.AccessibilityAXNodeID]bool)
	for _, n := range res.Nodes {
		byID[n.NodeID] = n
		for _, c := range n.ChildIDs {
			children[c] = true
		}
	}

	var out []axNode
	var walk func(id proto.AccessibilityAXNodeID, depth int)
	walk = func(id proto.AccessibilityAXNodeID, depth int) {
		n, ok := byID[id]
		if !ok {
			return
		}
		next := depth
		if !n.Ignored {
			node := axNode{Depth: depth, BackendID: n.BackendDOMNodeID}
			if n.Role != nil {
				node.Role = n.Role.Value.Str()
			}
			if n.Name != nil {
				node.Name = n.Name.Value.Str()
			}
			if node.Role != "" && node.Role != "none" {
				out = append(out, node)
				next = depth + 1
			}
		}
		for _, c := range n.ChildIDs {
			walk(c, next)
		}
	}

	for _, n := range res.Nodes {
		if !children[n.NodeID] {
			walk(n.NodeID, 0)
		}
	}
	return out, nil
}

// serializeAXNodes renders the flattened tree as the line format the ref
// extractor parses: `- role "name"` with two-space indentation per depth.
func serializeAXNodes(nodes []axNode) string {
	var b strings.Builder
	for _, n := range nodes {
		b.WriteString(strings.Repeat("  ", n.Depth))
		b.WriteString("- ")
		b.WriteString(n.Role)
		if n.Name != "" {
			b.WriteString(` "`)
			b.WriteString(strings.ReplaceAll(n.Name, `"`, `\"`))
			b.WriteString(`"`)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// ariaSnapshot builds the textual accessibility snapshot with a bounded
// timeout and one retry after a short load wait. On both failures it returns
// "", nil: a page that cannot be snapshotted yields an empty ref table,
// never an error.
func (t *Tab) ariaSnapshot(ctx context.Context, timeout time.Duration) string {
	page := t.page.Context(ctx)

	nodes, err := collectAXNodes(page.Timeout(timeout))
	if err != nil {
		log.Warn().Str("tab_id", t.ID).Err(err).Msg("Accessibility snapshot failed, retrying after load wait")
		if lerr := page.Timeout(axRetryLoadTimeout).WaitLoad(); lerr != nil {
			log.Debug().Str("tab_id", t.ID).Err(lerr).Msg("Load wait before snapshot retry failed")
		}
		nodes, err = collectAXNodes(page.Timeout(timeout))
		if err != nil {
			log.Warn().Str("tab_id", t.ID).Err(err).Msg("Accessibility snapshot failed twice, returning empty")
			return ""
		}
	}
	return serializeAXNodes(nodes)
}

// BuildSnapshot runs the full pipeline: readiness, consent dismissal,
// accessibility snapshot, ref extraction, and annotation. The annotated text
// is cached until the next navigation.
func (t *Tab) BuildSnapshot(ctx context.Context, refsTimeout time.Duration, consentSelectors []string) string {
	ensureReady(ctx, t.page)
	dismissConsent(ctx, t.page, consentSelectors)

	text := t.ariaSnapshot(ctx, refsTimeout)
	table := snapshot.BuildTable(text)
	annotated := snapshot.Annotate(text)

	t.mu.Lock()
	t.refs = table
	t.lastSnapshot = annotated
	refsCount := table.Count()
	t.mu.Unlock()

	log.Debug().
		Str("tab_id", t.ID).
		Int("refs", refsCount).
		Int("chars", len(annotated)).
		Msg("Snapshot built")

	return annotated
}

// CachedSnapshot returns the last annotated snapshot, or "" if none.
func (t *Tab) CachedSnapshot() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSnapshot
}

// rebuildRefs refreshes the ref table after a mutating action. Errors are
// absorbed: an action that succeeded should not fail because the follow-up
// snapshot did not.
func (t *Tab) rebuildRefs(ctx context.Context, refsTimeout time.Duration) {
	text := t.ariaSnapshot(ctx, refsTimeout)
	table := snapshot.BuildTable(text)
	annotated := snapshot.Annotate(text)

	t.mu.Lock()
	t.refs = table
	t.lastSnapshot = annotated
	t.mu.Unlock()
}

// resolveRef maps a refId back to a live element through the current
// accessibility tree. The (role, name, nth) triple survives DOM churn but
// not navigation; unknown refs surface the table's guidance error.
func (t *Tab) resolveRef(ctx context.Context, refID string) (*rod.Element, error) {
	t.mu.Lock()
	info, err := t.refs.Lookup(refID)
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	page := t.page.Context(ctx)
	nodes, err := collectAXNodes(page)
	if err != nil {
		return nil, types.NewEngineError("accessibility tree unavailable: "+err.Error(), err)
	}

	seen := 0
	for _, n := range nodes {
		if strings.ToLower(n.Role) != info.Role || n.Name != info.Name {
			continue
		}
		if seen == info.Nth {
			if n.BackendID == 0 {
				break
			}
			desc, err := proto.DOMDescribeNode{BackendNodeID: n.BackendID}.Call(page)
			if err != nil {
				return nil, types.NewEngineError("element lookup failed: "+err.Error(), err)
			}
			el, err := page.ElementFromNode(desc.Node)
			if err != nil {
				return nil, types.NewEngineError("element lookup failed: "+err.Error(), err)
			}
			return el, nil
		}
		seen++
	}

	return nil, types.NewNotFoundError(
		"Element for ref " + refID + " no longer present; take a fresh snapshot")
}
