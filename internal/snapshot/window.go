package snapshot

import (
	"fmt"
	"unicode/utf8"

	"github.com/camofox/camofox-go/internal/types"
)

// markerOverhead reserves room for the truncation marker when computing the
// content budget.
const markerOverhead = 200

// minContentBudget guarantees some content is returned even with a huge tail.
const minContentBudget = 100

// Window truncates an annotated snapshot to maxChars, always appending the
// last tailChars of the text so pagination refs at the bottom of long pages
// remain addressable from any window.
func Window(text string, offset, maxChars, tailChars int) (string, types.SnapshotMeta) {
	total := len(text)

	if total <= maxChars {
		return text, types.SnapshotMeta{
			Truncated:  false,
			TotalChars: total,
			Offset:     0,
			HasMore:    false,
			NextOffset: nil,
		}
	}

	tail := tailChars
	if tail > total {
		tail = total
	}
	tailStart := snapToRuneStart(text, total-tail)

	contentBudget := maxChars - tail - markerOverhead
	if contentBudget < minContentBudget {
		contentBudget = minContentBudget
	}

	clampedOffset := offset
	if clampedOffset < 0 {
		clampedOffset = 0
	}
	if clampedOffset > tailStart {
		clampedOffset = tailStart
	}
	clampedOffset = snapToRuneStart(text, clampedOffset)

	end := snapToRuneStart(text, clampedOffset+contentBudget)
	hasMore := end < tailStart
	if !hasMore {
		end = tailStart
	}

	out := text[clampedOffset:end]
	if hasMore {
		out += fmt.Sprintf(
			"\n... [truncated at char %d of %d; next offset = %d] ...\n",
			end, total, end)
	}
	out += text[tailStart:]

	meta := types.SnapshotMeta{
		Truncated:  true,
		TotalChars: total,
		Offset:     clampedOffset,
		HasMore:    hasMore,
	}
	if hasMore {
		next := end
		meta.NextOffset = &next
	}
	return out, meta
}

// snapToRuneStart moves a byte index backward to the nearest UTF-8 rune
// boundary so window slicing never splits a multi-byte rune.
func snapToRuneStart(text string, i int) int {
	if i <= 0 {
		return 0
	}
	if i >= len(text) {
		return len(text)
	}
	for i > 0 && !utf8.RuneStart(text[i]) {
		i--
	}
	return i
}
