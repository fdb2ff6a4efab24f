package pii

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// span is one index entry: the global rune range owned by a segment.
type span struct {
	seg        int
	start, end int
}

// OffsetIndex maps global rune offsets over a FlattenedText back to the
// segment that emitted them. Entries are contiguous, non-overlapping and
// cover [0, Len()) exactly once; empty segments own no entry.
type OffsetIndex struct {
	text  FlattenedText
	spans []span
	total int
}

// LocalSpan is a global range clipped to one segment.
type LocalSpan struct {
	Segment Segment
	Start   int
	End     int
	// Global is the global offset of Start.
	Global int
}

// Text returns the clipped local text.
func (l LocalSpan) Text() string {
	return RuneSlice(l.Segment.Text, l.Start, l.End)
}

// NewOffsetIndex builds the index for text.
func NewOffsetIndex(text FlattenedText) *OffsetIndex {
	idx := &OffsetIndex{text: text, spans: make([]span, 0, len(text))}
	pos := 0
	for i, s := range text {
		n := utf8.RuneCountInString(s.Text)
		if n == 0 {
			continue
		}
		idx.spans = append(idx.spans, span{seg: i, start: pos, end: pos + n})
		pos += n
	}
	idx.total = pos
	return idx
}

// Len returns the total rune count.
func (x *OffsetIndex) Len() int { return x.total }

// Segments returns the indexed text.
func (x *OffsetIndex) Segments() FlattenedText { return x.text }

// Lookup returns the segment owning offset and the local offset inside it.
func (x *OffsetIndex) Lookup(offset int) (Segment, int, bool) {
	if offset < 0 || offset >= x.total {
		return Segment{}, 0, false
	}
	i := sort.Search(len(x.spans), func(i int) bool { return x.spans[i].end > offset })
	sp := x.spans[i]
	return x.text[sp.seg], offset - sp.start, true
}

// Bounds returns the global range of the segment with the given ID.
func (x *OffsetIndex) Bounds(segmentID string) (int, int, bool) {
	for _, sp := range x.spans {
		if s := x.text[sp.seg]; !s.Synthetic && s.ID == segmentID {
			return sp.start, sp.end, true
		}
	}
	return 0, 0, false
}

// Text returns the flattened text over the global range [start, end),
// separators included.
func (x *OffsetIndex) Text(start, end int) string {
	var b strings.Builder
	for _, sp := range x.Spans(start, end) {
		b.WriteString(sp.Text())
	}
	return b.String()
}

// Spans clips the global range [start, end) to each segment it touches,
// in document order. Ranges outside the text are clamped.
func (x *OffsetIndex) Spans(start, end int) []LocalSpan {
	if start < 0 {
		start = 0
	}
	if end > x.total {
		end = x.total
	}
	if start >= end {
		return nil
	}
	i := sort.Search(len(x.spans), func(i int) bool { return x.spans[i].end > start })
	var out []LocalSpan
	for ; i < len(x.spans) && x.spans[i].start < end; i++ {
		sp := x.spans[i]
		from := max(start, sp.start) - sp.start
		to := min(end, sp.end) - sp.start
		out = append(out, LocalSpan{Segment: x.text[sp.seg], Start: from, End: to, Global: sp.start + from})
	}
	return out
}
