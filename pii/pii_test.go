package pii

import "testing"

func sampleText() FlattenedText {
	return FlattenedText{
		{ID: "a", Text: "Contact: "},
		{ID: "b", Text: "张三"},
		Sep(", "),
		{ID: "empty", Text: ""},
		{ID: "c", Text: "13812345678"},
	}
}

// ----- OffsetIndex -----

func TestOffsetIndexCoversTextOnce(t *testing.T) {
	text := sampleText()
	idx := NewOffsetIndex(text)

	want := len([]rune(text.String()))
	if idx.Len() != want {
		t.Fatalf("Len() = %d, want %d", idx.Len(), want)
	}

	// Every offset resolves to exactly one segment and the local rune
	// matches the global rune.
	runes := []rune(text.String())
	for off := 0; off < idx.Len(); off++ {
		seg, local, ok := idx.Lookup(off)
		if !ok {
			t.Fatalf("Lookup(%d) failed", off)
		}
		got := []rune(seg.Text)[local]
		if got != runes[off] {
			t.Errorf("offset %d: got %q, want %q", off, got, runes[off])
		}
	}
	if _, _, ok := idx.Lookup(idx.Len()); ok {
		t.Error("Lookup past the end should fail")
	}
}

func TestOffsetIndexSpans(t *testing.T) {
	idx := NewOffsetIndex(sampleText())

	tests := []struct {
		name       string
		start, end int
		want       []string
	}{
		{"single segment", 9, 11, []string{"张三"}},
		{"straddles separator", 10, 14, []string{"三", ", ", "1"}},
		{"clamped", 20, 100, []string{"5678"}},
		{"empty", 5, 5, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spans := idx.Spans(tt.start, tt.end)
			if len(spans) != len(tt.want) {
				t.Fatalf("got %d spans, want %d", len(spans), len(tt.want))
			}
			for i, sp := range spans {
				if sp.Text() != tt.want[i] {
					t.Errorf("span %d = %q, want %q", i, sp.Text(), tt.want[i])
				}
				n := len([]rune(sp.Segment.Text))
				if sp.Start < 0 || sp.End > n || sp.Start >= sp.End {
					t.Errorf("span %d out of segment bounds: [%d,%d) of %d", i, sp.Start, sp.End, n)
				}
			}
		})
	}
}

func TestOffsetIndexBounds(t *testing.T) {
	idx := NewOffsetIndex(sampleText())
	start, end, ok := idx.Bounds("c")
	if !ok || start != 13 || end != 24 {
		t.Errorf("Bounds(c) = %d,%d,%v, want 13,24,true", start, end, ok)
	}
	if _, _, ok := idx.Bounds("empty"); ok {
		t.Error("empty segment should own no range")
	}
}

// ----- helpers -----

func TestRuneSlice(t *testing.T) {
	tests := []struct {
		s          string
		start, end int
		want       string
	}{
		{"张三李四", 1, 3, "三李"},
		{"abc", 0, 10, "abc"},
		{"abc", 3, 3, ""},
		{"abc", 2, 1, ""},
	}
	for _, tt := range tests {
		if got := RuneSlice(tt.s, tt.start, tt.end); got != tt.want {
			t.Errorf("RuneSlice(%q,%d,%d) = %q, want %q", tt.s, tt.start, tt.end, got, tt.want)
		}
	}
}

func TestImageBoxIntersects(t *testing.T) {
	a := ImageBox{X: 0, Y: 0, W: 10, H: 10}
	if !a.Intersects(ImageBox{X: 5, Y: 5, W: 10, H: 10}) {
		t.Error("overlapping boxes should intersect")
	}
	if a.Intersects(ImageBox{X: 10, Y: 0, W: 5, H: 5}) {
		t.Error("touching boxes should not intersect")
	}
}
