// Package format owns extraction and reconstruction for each supported
// container. A Handler extracts a Handle plus flattened text; strategies
// plan edits on the handle and Reconstruct writes a new file with them.
package format

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/brunobiangulo/goredact/locate"
	"github.com/brunobiangulo/goredact/pii"
	"github.com/brunobiangulo/goredact/strategy"
)

// Kind is a document family.
type Kind string

const (
	PDF   Kind = "pdf"
	Word  Kind = "word"
	Excel Kind = "excel"
	Image Kind = "image"
	PPT   Kind = "ppt"
)

// Kinds lists every family in display order.
var Kinds = []Kind{PDF, Word, Excel, Image, PPT}

// ParseKind normalizes a file type name. Common aliases are accepted.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pdf":
		return PDF, nil
	case "word", "docx", "doc":
		return Word, nil
	case "excel", "xlsx", "xls":
		return Excel, nil
	case "image", "img", "png", "jpg", "jpeg", "bmp", "tif", "tiff", "gif":
		return Image, nil
	case "ppt", "pptx", "powerpoint":
		return PPT, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

var (
	// ErrUnsupportedFormat is returned for unknown kinds and extensions.
	ErrUnsupportedFormat = errors.New("format: unsupported format")

	// ErrLegacyFormat is returned for binary Office formats.
	ErrLegacyFormat = errors.New("format: legacy binary format, convert to OOXML (docx/xlsx/pptx) first")

	// ErrCorrupt is returned when a container cannot be parsed.
	ErrCorrupt = errors.New("format: malformed document")
)

// ExtractOptions narrow what a handler extracts.
type ExtractOptions struct {
	// Columns limits spreadsheet redaction to columns whose header (row 1)
	// matches one of these names.
	Columns []string
	// Sheets limits spreadsheet redaction to the named sheets.
	Sheets []string
}

// Handler extracts one document family.
type Handler interface {
	Kind() Kind
	Extensions() []string
	Methods() []strategy.Method
	Extract(ctx context.Context, path string, opts ExtractOptions) (Handle, pii.FlattenedText, error)
}

// Handle is an open document with planned edits.
type Handle interface {
	locate.Resolver
	strategy.Handle
	// Reconstruct writes the redacted document to outputPath atomically and
	// returns the path written. With no planned edits the source is copied
	// byte for byte.
	Reconstruct(ctx context.Context, outputPath string) (string, error)
	Close() error
}

// Raster is implemented by handles whose text is recognized from pixels.
type Raster interface {
	Encoded() []byte
}

// PartialError reports a reconstruction where some units were redacted and
// written before others failed.
type PartialError struct {
	Done   []string
	Failed []string
	Err    error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("partially redacted: %d done, failed %s: %v", len(e.Done), strings.Join(e.Failed, ", "), e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

// Supports reports whether handler h accepts method m.
func Supports(h Handler, m strategy.Method) bool {
	for _, x := range h.Methods() {
		if x == m {
			return true
		}
	}
	return false
}

// editLog collects planned text edits keyed by segment id. Ranges within a
// segment never overlap because locating already resolved overlaps.
type editLog map[string][]textEdit

type textEdit struct {
	start, end int
	text       string
}

func (l editLog) add(seg string, start, end int, text string) error {
	for _, e := range l[seg] {
		if start < e.end && e.start < end {
			return fmt.Errorf("overlapping edits in %s: [%d,%d) and [%d,%d)", seg, e.start, e.end, start, end)
		}
	}
	l[seg] = append(l[seg], textEdit{start: start, end: end, text: text})
	return nil
}

func (l editLog) count() int {
	n := 0
	for _, es := range l {
		n += len(es)
	}
	return n
}

// apply returns text with the segment's edits substituted.
func (l editLog) apply(seg, text string) string {
	es := l[seg]
	if len(es) == 0 {
		return text
	}
	sorted := append([]textEdit(nil), es...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].start < sorted[j].start })
	runes := []rune(text)
	var b strings.Builder
	pos := 0
	for _, e := range sorted {
		end := min(e.end, len(runes))
		if e.start < pos || e.start > end {
			continue
		}
		b.WriteString(string(runes[pos:e.start]))
		b.WriteString(e.text)
		pos = end
	}
	b.WriteString(string(runes[pos:]))
	return b.String()
}

func checkRange(seg pii.Segment, start, end int) error {
	n := len([]rune(seg.Text))
	if start < 0 || end > n || start >= end {
		return fmt.Errorf("range [%d,%d) outside segment %s of length %d", start, end, seg.ID, n)
	}
	return nil
}
