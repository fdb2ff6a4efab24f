package format

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// verifyRedacted re-reads a written PDF with an independent text extractor
// and logs every redacted text that can still be found. It returns the
// leaked texts.
func verifyRedacted(path string, redacted []string) (leaked []string) {
	text, err := plainText(path)
	if err != nil {
		slog.Warn("pdf: verification skipped", "file", filepath.Base(path), "error", err)
		return nil
	}
	hay := squash(text)
	seen := map[string]bool{}
	for _, r := range redacted {
		needle := squash(r)
		// Single glyphs match too easily to mean anything.
		if utf8.RuneCountInString(needle) < 2 || seen[needle] {
			continue
		}
		seen[needle] = true
		if strings.Contains(hay, needle) {
			leaked = append(leaked, r)
		}
	}
	if len(leaked) > 0 {
		slog.Warn("pdf: redacted text still extractable", "file", filepath.Base(path), "count", len(leaked))
	}
	return leaked
}

func plainText(path string) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf reader panic: %v", r)
		}
	}()
	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()
	rd, err := reader.GetPlainText()
	if err != nil {
		return "", err
	}
	b, err := io.ReadAll(rd)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func squash(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
