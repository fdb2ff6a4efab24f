package strategy

import (
	"fmt"
	"image/color"
	"strings"
	"unicode"

	"github.com/brunobiangulo/goredact/pii"
)

type colorStrategy struct {
	fill color.RGBA
}

func (s *colorStrategy) Method() Method { return Color }

func (s *colorStrategy) Apply(h Handle, r pii.Region) error {
	if !boxTarget(r) {
		return fmt.Errorf("%w: color cannot fill %T", ErrUnsupportedMethod, r.Target)
	}
	p, err := painter(h, Color)
	if err != nil {
		return err
	}
	return p.Fill(r, s.fill)
}

type charStrategy struct {
	ch rune
}

func (s *charStrategy) Method() Method { return Char }

func (s *charStrategy) Apply(h Handle, r pii.Region) error {
	if _, ok := r.Target.(pii.ImageBox); ok {
		cp, ok := h.(CharPainter)
		if !ok {
			return fmt.Errorf("%w: char needs a paintable image handle", ErrUnsupportedMethod)
		}
		return cp.PaintChars(r, s.ch, White)
	}
	e, err := editor(h, Char)
	if err != nil {
		return err
	}
	return e.ReplaceText(r, ReplaceVisible(r.Text, s.ch))
}

// ReplaceVisible swaps every non-space rune of text for ch, keeping the
// rune count.
func ReplaceVisible(text string, ch rune) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, c := range text {
		if unicode.IsSpace(c) {
			b.WriteRune(c)
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}
