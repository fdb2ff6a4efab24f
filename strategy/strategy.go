// Package strategy implements the redaction methods. A strategy is built
// per task from validated options and applied region by region to a
// document handle; handles only record edits, so nothing reaches the output
// until the handle is reconstructed.
package strategy

import (
	"errors"
	"fmt"
	"image/color"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/brunobiangulo/goredact/pii"
)

// Method names a redaction strategy.
type Method string

const (
	Color   Method = "color"
	Char    Method = "char"
	Mask    Method = "mask"
	Fake    Method = "fake"
	Encrypt Method = "encrypt"
)

// Methods lists every method in display order.
var Methods = []Method{Mask, Color, Char, Fake, Encrypt}

var (
	// ErrUnsupportedMethod is returned when a method cannot act on a target
	// or handle.
	ErrUnsupportedMethod = errors.New("strategy: unsupported method")

	// ErrInvalidOptions is returned for malformed strategy options.
	ErrInvalidOptions = errors.New("strategy: invalid options")

	// ErrInvalidPIN is returned when the encryption PIN is not 6 digits.
	ErrInvalidPIN = errors.New("strategy: encryption key must be a 6-digit PIN")
)

// Options are the user-facing knobs shared by all strategies.
type Options struct {
	Color     string `json:"color,omitempty" yaml:"color"`
	Char      string `json:"char,omitempty" yaml:"char"`
	PIN       string `json:"encryption_key,omitempty" yaml:"encrypt"`
	Language  string `json:"language,omitempty" yaml:"language"`
	MaskToken string `json:"mask_token,omitempty" yaml:"mask_token"`
	MaskStyle string `json:"mask_style,omitempty" yaml:"mask_style"`
	// Seed makes fake substitutions reproducible within one task.
	Seed uint64 `json:"seed,omitempty" yaml:"-"`
}

// Handle is the document a strategy edits. Handles implement the
// capability interfaces their format supports.
type Handle interface {
	// Edits returns the number of planned edits.
	Edits() int
}

// TextEditor replaces the text of a region, keeping its run styling.
type TextEditor interface {
	ReplaceText(r pii.Region, text string) error
}

// Painter paints an opaque rectangle over a region, destroying what is
// underneath.
type Painter interface {
	Fill(r pii.Region, c color.RGBA) error
}

// CharPainter paints a box and draws replacement characters onto it.
type CharPainter interface {
	PaintChars(r pii.Region, ch rune, bg color.RGBA) error
}

// Strategy applies one method to regions.
type Strategy interface {
	Method() Method
	Apply(h Handle, r pii.Region) error
}

// New validates opts for method and returns a ready strategy.
func New(method Method, opts Options) (Strategy, error) {
	switch method {
	case Color:
		c, err := ParseColor(opts.Color)
		if err != nil {
			return nil, err
		}
		return &colorStrategy{fill: c}, nil
	case Char:
		ch, err := ParseChar(opts.Char)
		if err != nil {
			return nil, err
		}
		return &charStrategy{ch: ch}, nil
	case Mask:
		return newMask(opts)
	case Fake:
		return newFake(opts), nil
	case Encrypt:
		c, err := NewCipher(opts.PIN)
		if err != nil {
			return nil, err
		}
		return &encryptStrategy{cipher: c, seen: map[int]bool{}}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
}

// ParseMethod normalizes a method name.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Methods {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedMethod, s)
}

var colors = map[string]color.RGBA{
	"white": {255, 255, 255, 255},
	"black": {0, 0, 0, 255},
	"red":   {255, 0, 0, 255},
	"blue":  {0, 0, 255, 255},
}

// ColorNames lists the accepted fill colors.
var ColorNames = []string{"white", "black", "red", "blue"}

// White is the default fill.
var White = colors["white"]

// ParseColor resolves a color name; empty means white.
func ParseColor(name string) (color.RGBA, error) {
	if name == "" {
		return White, nil
	}
	c, ok := colors[strings.ToLower(name)]
	if !ok {
		return color.RGBA{}, fmt.Errorf("%w: color %q (want one of %s)", ErrInvalidOptions, name, strings.Join(ColorNames, ", "))
	}
	return c, nil
}

// ParseChar resolves the replacement character; empty means '*'.
func ParseChar(s string) (rune, error) {
	if s == "" {
		return '*', nil
	}
	r, n := utf8.DecodeRuneInString(s)
	if n != len(s) || r == utf8.RuneError || unicode.IsSpace(r) || !unicode.IsPrint(r) {
		return 0, fmt.Errorf("%w: char must be a single visible character, got %q", ErrInvalidOptions, s)
	}
	return r, nil
}

func editor(h Handle, m Method) (TextEditor, error) {
	e, ok := h.(TextEditor)
	if !ok {
		return nil, fmt.Errorf("%w: %s needs an editable text handle", ErrUnsupportedMethod, m)
	}
	return e, nil
}

func painter(h Handle, m Method) (Painter, error) {
	p, ok := h.(Painter)
	if !ok {
		return nil, fmt.Errorf("%w: %s needs a paintable handle", ErrUnsupportedMethod, m)
	}
	return p, nil
}

// boxTarget reports whether r targets a geometric box rather than text.
func boxTarget(r pii.Region) bool {
	switch r.Target.(type) {
	case pii.PageBox, pii.ImageBox:
		return true
	}
	return false
}

// firstOnly hands out the full replacement to the first region of each
// entity and empty text to the rest.
type firstOnly map[int]bool

func (f firstOnly) take(r pii.Region, full string) string {
	if f[r.EntityID] {
		return ""
	}
	f[r.EntityID] = true
	return full
}
