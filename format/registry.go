package format

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Registry maps kinds and file extensions to handlers.
type Registry struct {
	byKind map[Kind]Handler
	byExt  map[string]Handler
}

// NewRegistry returns a registry with the built-in handlers and the legacy
// Office extensions.
func NewRegistry() *Registry {
	r := &Registry{byKind: make(map[Kind]Handler), byExt: make(map[string]Handler)}
	for _, h := range []Handler{&PDFHandler{Verify: true}, &DOCXHandler{}, &XLSXHandler{}, &ImageHandler{}, &PPTXHandler{}} {
		r.Register(h)
	}
	for _, l := range legacyHandlers() {
		for _, ext := range l.Extensions() {
			r.byExt[ext] = l
		}
	}
	return r
}

// Register adds h under its kind and extensions, replacing earlier entries.
func (r *Registry) Register(h Handler) {
	r.byKind[h.Kind()] = h
	for _, ext := range h.Extensions() {
		r.byExt[strings.ToLower(ext)] = h
	}
}

// Get returns the handler for kind.
func (r *Registry) Get(kind Kind) (Handler, error) {
	h, ok := r.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no handler for %s", ErrUnsupportedFormat, kind)
	}
	return h, nil
}

// ForPath returns the handler for the file's extension.
func (r *Registry) ForPath(path string) (Handler, error) {
	ext := strings.ToLower(filepath.Ext(path))
	h, ok := r.byExt[ext]
	if !ok {
		return nil, fmt.Errorf("%w: extension %q", ErrUnsupportedFormat, ext)
	}
	return h, nil
}

// Resolve picks the handler for path, checking it against an explicit kind
// when one is given.
func (r *Registry) Resolve(path string, kind Kind) (Handler, error) {
	h, err := r.ForPath(path)
	if err != nil {
		return nil, err
	}
	if kind != "" && h.Kind() != kind {
		return nil, fmt.Errorf("%w: %s file given as %s", ErrUnsupportedFormat, filepath.Ext(path), kind)
	}
	return h, nil
}

// Extensions returns the accepted extensions for kind, legacy ones
// included, sorted.
func (r *Registry) Extensions(kind Kind) []string {
	var exts []string
	for ext, h := range r.byExt {
		if h.Kind() == kind {
			exts = append(exts, ext)
		}
	}
	sort.Strings(exts)
	return exts
}

// Allowed reports whether path has an accepted extension.
func (r *Registry) Allowed(path string) bool {
	_, ok := r.byExt[strings.ToLower(filepath.Ext(path))]
	return ok
}
