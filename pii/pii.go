// Package pii holds the data model shared by detection, locating and
// redaction: flattened document text, the offset index over it, detected
// entities and the format-native regions they resolve to.
//
// All offsets are rune offsets into the concatenated segment text.
package pii

import (
	"fmt"
	"unicode/utf8"
)

// Entity is a detected PII span over flattened text.
type Entity struct {
	Start int     `json:"start"`
	End   int     `json:"end"`
	Type  string  `json:"entity_type"`
	Score float64 `json:"score"`
	Text  string  `json:"text,omitempty"`
}

// Len returns the span width in runes.
func (e Entity) Len() int { return e.End - e.Start }

// Overlaps reports whether two entities share at least one rune.
func (e Entity) Overlaps(o Entity) bool {
	return e.Start < o.End && o.Start < e.End
}

// ImageEntity is an entity recognized from pixels, carrying the OCR boxes
// that cover it.
type ImageEntity struct {
	Entity
	Boxes []ImageBox `json:"boxes"`
	// BoxText holds the part of Text each box covers, parallel to Boxes.
	// It may be empty.
	BoxText []string `json:"box_text,omitempty"`
}

// Segment is one native text unit of a document. Synthetic segments are
// separators inserted between units and never map back to the document.
type Segment struct {
	ID        string
	Text      string
	Synthetic bool
}

// FlattenedText is the ordered list of segments a handler extracted.
type FlattenedText []Segment

// String concatenates every segment, separators included.
func (f FlattenedText) String() string {
	n := 0
	for _, s := range f {
		n += len(s.Text)
	}
	b := make([]byte, 0, n)
	for _, s := range f {
		b = append(b, s.Text...)
	}
	return string(b)
}

// Sep returns a synthetic separator segment.
func Sep(text string) Segment {
	return Segment{Text: text, Synthetic: true}
}

// Region is a resolved redaction target. Start and End are local rune
// offsets inside the segment; Text is the clipped local text and Offset is
// where that text begins inside the entity.
type Region struct {
	EntityID  int
	Entity    Entity
	SegmentID string
	Start     int
	End       int
	Offset    int
	Text      string
	Target    Target
}

func (r Region) String() string {
	return fmt.Sprintf("%s[%d:%d] %s %s", r.SegmentID, r.Start, r.End, r.Entity.Type, r.Target)
}

// Target is the format-native location of a region. The set of
// implementations is closed.
type Target interface {
	target()
	String() string
}

// PageBox is a rectangle on a PDF page in default user space.
type PageBox struct {
	Page       int
	X, Y, W, H float64
}

// TextRun is a run inside a Word paragraph.
type TextRun struct {
	Part      string
	Paragraph int
	Run       int
}

// CellRange is a single spreadsheet cell (1-based row and column).
type CellRange struct {
	Sheet    string
	Row, Col int
}

// ImageBox is a pixel rectangle.
type ImageBox struct {
	X, Y, W, H int
}

// ShapeText is a text run inside a slide shape.
type ShapeText struct {
	Slide     int
	Shape     int
	Paragraph int
	Run       int
}

func (PageBox) target()   {}
func (TextRun) target()   {}
func (CellRange) target() {}
func (ImageBox) target()  {}
func (ShapeText) target() {}

func (b PageBox) String() string {
	return fmt.Sprintf("page %d box(%.1f,%.1f %.1fx%.1f)", b.Page, b.X, b.Y, b.W, b.H)
}

func (t TextRun) String() string {
	return fmt.Sprintf("%s paragraph %d run %d", t.Part, t.Paragraph, t.Run)
}

func (c CellRange) String() string {
	return fmt.Sprintf("%s R%dC%d", c.Sheet, c.Row, c.Col)
}

func (b ImageBox) String() string {
	return fmt.Sprintf("box(%d,%d %dx%d)", b.X, b.Y, b.W, b.H)
}

func (s ShapeText) String() string {
	return fmt.Sprintf("slide %d shape %d paragraph %d run %d", s.Slide, s.Shape, s.Paragraph, s.Run)
}

// Area returns the box area in pixels.
func (b ImageBox) Area() int { return b.W * b.H }

// Intersects reports whether two boxes share any pixel.
func (b ImageBox) Intersects(o ImageBox) bool {
	return b.X < o.X+o.W && o.X < b.X+b.W && b.Y < o.Y+o.H && o.Y < b.Y+b.H
}

// RuneSlice returns the runes [start, end) of s, clamped to its length.
func RuneSlice(s string, start, end int) string {
	if start < 0 {
		start = 0
	}
	i, pos := 0, 0
	from, to := len(s), len(s)
	for pos < len(s) {
		if i == start {
			from = pos
		}
		if i == end {
			to = pos
			break
		}
		_, w := utf8.DecodeRuneInString(s[pos:])
		pos += w
		i++
	}
	if from > to {
		return ""
	}
	return s[from:to]
}
