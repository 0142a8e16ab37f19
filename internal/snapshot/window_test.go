package snapshot

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func buildText(n int) string {
	var b strings.Builder
	for b.Len() < n {
		b.WriteString("- button \"row\"\n")
	}
	return b.String()[:n]
}

func TestWindowShortTextPassesThrough(t *testing.T) {
	text := buildText(500)
	out, meta := Window(text, 0, 1000, 100)
	if out != text {
		t.Error("short text should be returned unmodified")
	}
	if meta.Truncated || meta.HasMore || meta.NextOffset != nil {
		t.Errorf("unexpected meta for short text: %+v", meta)
	}
	if meta.TotalChars != 500 {
		t.Errorf("TotalChars = %d, want 500", meta.TotalChars)
	}
}

func TestWindowTruncatesWithTail(t *testing.T) {
	text := buildText(10000)
	out, meta := Window(text, 0, 2000, 300)

	if !meta.Truncated || !meta.HasMore {
		t.Fatalf("expected truncation, got %+v", meta)
	}
	if meta.NextOffset == nil {
		t.Fatal("HasMore without NextOffset")
	}
	if !strings.HasSuffix(out, text[len(text)-300:]) {
		t.Error("last tailChars of the source must end the window")
	}
	if !strings.Contains(out, "[truncated at char") {
		t.Error("missing truncation marker")
	}
	// Budget: content + marker + tail must stay near maxChars.
	if len(out) > 2000+markerOverhead {
		t.Errorf("window size %d exceeds budget", len(out))
	}
}

func TestWindowEveryOffsetKeepsTailAndBudget(t *testing.T) {
	text := buildText(25000)
	maxChars, tailChars := 3000, 500
	tail := text[len(text)-tailChars:]

	for offset := -100; offset <= len(text)+100; offset += 777 {
		out, meta := Window(text, offset, maxChars, tailChars)
		if !strings.HasSuffix(out, tail) {
			t.Fatalf("offset %d: tail missing from window end", offset)
		}
		if len(out) > maxChars+markerOverhead {
			t.Fatalf("offset %d: window size %d over budget", offset, len(out))
		}
		if meta.Offset < 0 || meta.Offset > len(text)-tailChars {
			t.Fatalf("offset %d: clamped offset %d out of range", offset, meta.Offset)
		}
	}
}

func TestWindowOffsetClamping(t *testing.T) {
	text := buildText(10000)

	_, meta := Window(text, -50, 2000, 300)
	if meta.Offset != 0 {
		t.Errorf("negative offset should clamp to 0, got %d", meta.Offset)
	}

	_, meta = Window(text, 999999, 2000, 300)
	if want := len(text) - 300; meta.Offset != want {
		t.Errorf("oversized offset should clamp to %d, got %d", want, meta.Offset)
	}
}

func TestWindowPaginationTerminates(t *testing.T) {
	text := buildText(50000)
	offset, pages := 0, 0
	for {
		_, meta := Window(text, offset, 4000, 400)
		pages++
		if pages > 100 {
			t.Fatal("pagination did not terminate")
		}
		if !meta.HasMore {
			break
		}
		if *meta.NextOffset <= offset {
			t.Fatalf("NextOffset %d did not advance past %d", *meta.NextOffset, offset)
		}
		offset = *meta.NextOffset
	}
}

func TestWindowNeverSplitsRunes(t *testing.T) {
	var b strings.Builder
	for b.Len() < 20000 {
		b.WriteString("- link \"日本語のページ — ünïcode row\"\n")
	}
	text := b.String()

	// Arbitrary offsets land mid-rune; every window must still be valid UTF-8.
	for offset := 0; offset <= len(text); offset += 997 {
		out, meta := Window(text, offset, 3000, 400)
		if !utf8.ValidString(out) {
			t.Fatalf("offset %d: window contains a split rune", offset)
		}
		if meta.NextOffset != nil && !utf8.RuneStart(text[*meta.NextOffset]) {
			t.Fatalf("offset %d: NextOffset %d is not a rune boundary", offset, *meta.NextOffset)
		}
	}

	// Paginating via NextOffset stays valid end to end.
	offset := 0
	for {
		out, meta := Window(text, offset, 3000, 400)
		if !utf8.ValidString(out) {
			t.Fatalf("pagination at offset %d produced invalid UTF-8", offset)
		}
		if !meta.HasMore {
			break
		}
		offset = *meta.NextOffset
	}
}

func TestWindowLastPageHasNoMarker(t *testing.T) {
	text := buildText(10000)
	out, meta := Window(text, 9000, 2000, 300)
	if meta.HasMore {
		t.Fatal("offset near the end should be the final page")
	}
	if strings.Contains(out, "[truncated at char") {
		t.Error("final page must not carry a truncation marker")
	}
	if meta.NextOffset != nil {
		t.Error("final page must not advertise a next offset")
	}
}
