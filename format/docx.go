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

// DOCXHandler redacts Word documents in place, run by run. Body, headers,
// footers, footnotes, endnotes and comments are covered.
type DOCXHandler struct{}

func (h *DOCXHandler) Kind() Kind           { return Word }
func (h *DOCXHandler) Extensions() []string { return []string{".docx"} }
func (h *DOCXHandler) Methods() []strategy.Method {
	return []strategy.Method{strategy.Fake, strategy.Mask, strategy.Encrypt}
}

// docxPartOrder sorts the main document first, then the auxiliary parts.
func docxPartOrder(name string) int {
	base := path.Base(name)
	switch {
	case name == "word/document.xml":
		return 0
	case strings.HasPrefix(base, "header"):
		return 1
	case strings.HasPrefix(base, "footer"):
		return 2
	case base == "footnotes.xml":
		return 3
	case base == "endnotes.xml":
		return 4
	case base == "comments.xml":
		return 5
	}
	return -1
}

func isDocxTextPart(name string) bool {
	return path.Dir(name) == "word" && path.Ext(name) == ".xml" && docxPartOrder(name) >= 0
}

func (h *DOCXHandler) Extract(ctx context.Context, src string, _ ExtractOptions) (Handle, pii.FlattenedText, error) {
	doc, names, err := openOOXML(src, isDocxTextPart)
	if err != nil {
		return nil, nil, err
	}
	if _, ok := doc.parts["word/document.xml"]; !ok {
		doc.Close()
		return nil, nil, fmt.Errorf("%w: %s: missing word/document.xml", ErrCorrupt, path.Base(src))
	}
	doc.target = func(n textNode) pii.Target {
		return pii.TextRun{Part: n.part, Paragraph: n.para, Run: n.run}
	}

	sort.SliceStable(names, func(i, j int) bool {
		oi, oj := docxPartOrder(names[i]), docxPartOrder(names[j])
		if oi != oj {
			return oi < oj
		}
		return names[i] < names[j]
	})

	var nodes []textNode
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			doc.Close()
			return nil, nil, err
		}
		ns, err := scanPart(name, doc.parts[name], wordDialect)
		if err != nil {
			doc.Close()
			return nil, nil, err
		}
		nodes = append(nodes, ns...)
	}
	slog.Debug("docx: extracted", "file", path.Base(src), "parts", len(names), "runs", len(nodes))
	return doc, doc.flatten(nodes), nil
}
