package goredact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"github.com/google/uuid"

	"github.com/brunobiangulo/goredact/strategy"
)

// OutputName returns the redacted file name for input:
// <stem>_anonymous_<method>[_color_<c>|_char[_<c>]]<ext>. A leading
// "<uuid>_" upload prefix is dropped from the stem.
func OutputName(input string, method strategy.Method, opts strategy.Options) string {
	base := filepath.Base(input)
	ext := filepath.Ext(base)
	stem := stripUploadPrefix(strings.TrimSuffix(base, ext))

	var b strings.Builder
	b.WriteString(stem)
	b.WriteString("_anonymous_")
	switch method {
	case strategy.Encrypt:
		b.WriteString("encrypted")
	case strategy.Color:
		b.WriteString("color_")
		c := strings.ToLower(opts.Color)
		if c == "" {
			c = "white"
		}
		b.WriteString(c)
	case strategy.Char:
		b.WriteString("char")
		if ch, err := strategy.ParseChar(opts.Char); err == nil && ch != '*' {
			b.WriteByte('_')
			b.WriteString(fileSafe(ch))
		}
	default:
		b.WriteString(string(method))
	}
	b.WriteString(ext)
	return b.String()
}

// stripUploadPrefix removes the "<uuid>_" prefix given to uploaded files.
func stripUploadPrefix(stem string) string {
	const n = 36 // canonical uuid length
	if len(stem) > n+1 && stem[n] == '_' {
		if _, err := uuid.Parse(stem[:n]); err == nil {
			return stem[n+1:]
		}
	}
	return stem
}

func fileSafe(ch rune) string {
	if ch < unicode.MaxASCII && (unicode.IsLetter(ch) || unicode.IsDigit(ch) || strings.ContainsRune("-+=~@#", ch)) {
		return string(ch)
	}
	return fmt.Sprintf("u%04x", ch)
}

// outputNames hands out unique output paths. A name is reserved from the
// moment it is chosen until its file is written, so two workers never pick
// the same path.
type outputNames struct {
	mu       sync.Mutex
	reserved map[string]bool
}

func newOutputNames() *outputNames {
	return &outputNames{reserved: make(map[string]bool)}
}

// reserve picks dir/name, or "stem (n)ext" with the lowest free n.
func (o *outputNames) reserve(dir, name string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating output directory: %w", err)
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	o.mu.Lock()
	defer o.mu.Unlock()
	for i := 0; ; i++ {
		candidate := filepath.Join(dir, name)
		if i > 0 {
			candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
		}
		if o.reserved[candidate] {
			continue
		}
		_, err := os.Stat(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			o.reserved[candidate] = true
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
	}
}

func (o *outputNames) release(path string) {
	o.mu.Lock()
	delete(o.reserved, path)
	o.mu.Unlock()
}
