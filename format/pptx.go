package format

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/brunobiangulo/goredact/pii"
	"github.com/brunobiangulo/goredact/strategy"
)

// PPTXHandler redacts slide text, including table cells and speaker notes.
// Layouts, masters and media are copied untouched.
type PPTXHandler struct{}

func (h *PPTXHandler) Kind() Kind                 { return PPT }
func (h *PPTXHandler) Extensions() []string       { return []string{".pptx"} }
func (h *PPTXHandler) Methods() []strategy.Method { return []strategy.Method{strategy.Mask} }

func isPPTXTextPart(name string) bool {
	return slideNumber(name) > 0
}

// slideNumber returns the number in "ppt/slides/slide3.xml" or
// "ppt/notesSlides/notesSlide3.xml", or 0 for any other part.
func slideNumber(name string) int {
	var prefix string
	switch path.Dir(name) {
	case "ppt/slides":
		prefix = "slide"
	case "ppt/notesSlides":
		prefix = "notesSlide"
	default:
		return 0
	}
	base := strings.TrimSuffix(strings.TrimPrefix(path.Base(name), prefix), ".xml")
	var num int
	if _, err := fmt.Sscanf(base, "%d", &num); err != nil {
		return 0
	}
	return num
}

func (h *PPTXHandler) Extract(ctx context.Context, src string, _ ExtractOptions) (Handle, pii.FlattenedText, error) {
	doc, names, err := openOOXML(src, isPPTXTextPart)
	if err != nil {
		return nil, nil, err
	}
	doc.target = func(n textNode) pii.Target {
		return pii.ShapeText{Slide: n.slide, Shape: n.shape, Paragraph: n.para, Run: n.run}
	}

	// Slides in numeric order, each followed by its notes.
	sort.Slice(names, func(i, j int) bool {
		si, sj := slideNumber(names[i]), slideNumber(names[j])
		if si != sj {
			return si < sj
		}
		return path.Dir(names[i]) == "ppt/slides" && path.Dir(names[j]) != "ppt/slides"
	})

	var nodes []textNode
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			doc.Close()
			return nil, nil, err
		}
		ns, err := scanPart(name, doc.parts[name], drawingDialect)
		if err != nil {
			doc.Close()
			return nil, nil, err
		}
		num := slideNumber(name)
		for i := range ns {
			ns[i].slide = num
		}
		nodes = append(nodes, ns...)
	}
	slog.Debug("pptx: extracted", "file", path.Base(src), "slides", len(names), "runs", len(nodes))
	return doc, doc.flatten(nodes), nil
}
