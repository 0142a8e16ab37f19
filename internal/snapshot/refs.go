// Package snapshot derives stable element references from accessibility
// snapshots and windows the annotated text for transport.
//
// The line-oriented parser is deliberately simple: downstream clients match
// the inserted [eN] markers and depend on the exact skip rules, so the
// heuristic must stay byte-for-byte predictable.
package snapshot

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/camofox/camofox-go/internal/types"
)

// MaxRefs caps how many interactive nodes a single snapshot may yield.
const MaxRefs = 500

// refLineRe matches a candidate snapshot line: `- role "name"` with optional
// indentation and an optional quoted name.
var refLineRe = regexp.MustCompile(`^(\s*)- ([a-zA-Z]+)( "((?:[^"\\]|\\.)*)")?`)

// skipNameRe rejects date-picker style widgets whose accessible names churn.
var skipNameRe = regexp.MustCompile(`(?i)date|calendar|picker|datepicker`)

// interactiveRoles is the fixed set of roles that receive refs.
var interactiveRoles = map[string]bool{
	"button": true, "link": true, "textbox": true, "checkbox": true,
	"radio": true, "menuitem": true, "tab": true, "searchbox": true,
	"slider": true, "spinbutton": true, "switch": true,
}

// RefInfo identifies a node in the current accessibility tree.
// nth is the 0-based index among nodes with identical (role, name) in
// traversal order, so a ref resolves to the same element even after DOM
// churn, as long as the page has not navigated.
type RefInfo struct {
	Role string `json:"role"`
	Name string `json:"name"`
	Nth  int    `json:"nth"`
}

// Table maps refIds ("e1", "e2", ...) to their RefInfo.
type Table struct {
	refs  map[string]RefInfo
	count int
}

// NewTable returns an empty ref table.
func NewTable() *Table {
	return &Table{refs: make(map[string]RefInfo)}
}

// Count returns the number of refs in the table.
func (t *Table) Count() int {
	return t.count
}

// Lookup resolves a refId. Unknown refs report the valid range and remind
// the caller that refs do not survive navigation.
func (t *Table) Lookup(refID string) (RefInfo, error) {
	info, ok := t.refs[refID]
	if !ok {
		if t.count == 0 {
			return RefInfo{}, types.NewValidationError(
				"Unknown ref " + refID + ": no refs available, take a fresh snapshot")
		}
		return RefInfo{}, types.NewValidationError(fmt.Sprintf(
			"Unknown ref %s: valid refs are e1-e%d; refs do not survive navigation, take a fresh snapshot",
			refID, t.count))
	}
	return info, nil
}

// Clear drops all refs. Called atomically with navigation.
func (t *Table) Clear() {
	t.refs = make(map[string]RefInfo)
	t.count = 0
}

// eligible applies the skip rules to a parsed line.
// Order matters only for readability; all rules are conjunctive.
func eligible(role, name string) bool {
	roleLower := strings.ToLower(role)
	if roleLower == "combobox" {
		return false
	}
	if skipNameRe.MatchString(name) {
		return false
	}
	return interactiveRoles[roleLower]
}

// BuildTable walks the snapshot text line by line, assigning refs to
// interactive nodes. Accepts at most MaxRefs nodes.
func BuildTable(snapshotText string) *Table {
	t := NewTable()
	nthCounter := make(map[string]int)

	for _, line := range strings.Split(snapshotText, "\n") {
		if t.count >= MaxRefs {
			break
		}
		m := refLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		role, name := m[2], m[4]
		if !eligible(role, name) {
			continue
		}

		roleLower := strings.ToLower(role)
		key := roleLower + "\x00" + name
		nth := nthCounter[key]
		nthCounter[key]++

		t.count++
		t.refs["e"+fmt.Sprint(t.count)] = RefInfo{Role: roleLower, Name: name, Nth: nth}
	}

	return t
}

// Annotate produces a second pass over the snapshot that inserts [eN] after
// each eligible line's name token, using the same skip rules and counters as
// BuildTable, so the refIds a client sees resolve through the same table.
func Annotate(snapshotText string) string {
	lines := strings.Split(snapshotText, "\n")
	counter := 0

	for i, line := range lines {
		if counter >= MaxRefs {
			break
		}
		m := refLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		role, name := m[2], m[4]
		if !eligible(role, name) {
			continue
		}

		counter++
		marker := fmt.Sprintf(" [e%d]", counter)
		head := m[0]
		lines[i] = head + marker + line[len(head):]
	}

	return strings.Join(lines, "\n")
}
