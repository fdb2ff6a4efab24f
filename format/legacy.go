package format

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/brunobiangulo/goredact/pii"
	"github.com/brunobiangulo/goredact/strategy"
)

// LegacyHandler recognizes binary Office formats so they are classified
// under the right kind, then refuses to extract them.
type LegacyHandler struct {
	kind Kind
	ext  string
	as   Handler
}

func legacyHandlers() []*LegacyHandler {
	return []*LegacyHandler{
		{kind: Word, ext: ".doc", as: &DOCXHandler{}},
		{kind: Excel, ext: ".xls", as: &XLSXHandler{}},
		{kind: PPT, ext: ".ppt", as: &PPTXHandler{}},
	}
}

func (h *LegacyHandler) Kind() Kind                 { return h.kind }
func (h *LegacyHandler) Extensions() []string       { return []string{h.ext} }
func (h *LegacyHandler) Methods() []strategy.Method { return h.as.Methods() }

func (h *LegacyHandler) Extract(ctx context.Context, path string, _ ExtractOptions) (Handle, pii.FlattenedText, error) {
	return nil, nil, fmt.Errorf("%s: %w", filepath.Base(path), ErrLegacyFormat)
}
