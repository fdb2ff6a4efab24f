package format

import (
	"strings"
	"unicode/utf16"

	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	"golang.org/x/text/encoding/charmap"
)

// pdfFont holds what the text interpreter needs from a font dictionary:
// code length, glyph widths and a code to Unicode mapping.
type pdfFont struct {
	base      string
	composite bool
	codeLen   int             // bytes per code for composite fonts
	widths    map[int]float64 // glyph space units (1/1000 em)
	missing   float64         // width of codes absent from widths
	toUni     map[int]string
}

type pdfGlyphCode struct {
	code  int
	raw   []byte
	text  string
	width float64 // glyph space units
	space bool    // single-byte code 32, subject to word spacing
}

// decode splits a shown string into glyph codes.
func (f *pdfFont) decode(s []byte) []pdfGlyphCode {
	n := 1
	if f.composite {
		n = max(f.codeLen, 1)
	}
	out := make([]pdfGlyphCode, 0, len(s)/n)
	for i := 0; i+n <= len(s); i += n {
		code := 0
		for _, b := range s[i : i+n] {
			code = code<<8 | int(b)
		}
		w, ok := f.widths[code]
		if !ok {
			w = f.missing
		}
		out = append(out, pdfGlyphCode{
			code:  code,
			raw:   s[i : i+n],
			text:  f.unicode(code),
			width: w,
			space: n == 1 && code == 32,
		})
	}
	return out
}

func (f *pdfFont) unicode(code int) string {
	if t, ok := f.toUni[code]; ok {
		return t
	}
	if f.composite {
		return "�"
	}
	return string(charmap.Windows1252.DecodeByte(byte(code)))
}

// standardWidths are the Helvetica metrics for WinAnsi codes 32 to 126.
var standardWidths = [95]float64{
	278, 278, 355, 556, 556, 889, 667, 191, 333, 333, 389, 584, 278, 333, 278, 278,
	556, 556, 556, 556, 556, 556, 556, 556, 556, 556, 278, 278, 584, 584, 584, 556,
	1015, 667, 667, 722, 722, 667, 611, 778, 722, 278, 500, 667, 556, 833, 722, 778,
	667, 778, 722, 667, 611, 722, 667, 944, 667, 667, 611, 278, 278, 278, 469, 556,
	333, 556, 556, 500, 556, 556, 278, 556, 556, 222, 222, 500, 222, 833, 556, 556,
	556, 556, 333, 500, 278, 556, 500, 722, 500, 500, 500, 334, 260, 334, 584,
}

func helveticaWidth(code int) float64 {
	if code >= 32 && code <= 126 {
		return standardWidths[code-32]
	}
	return 556
}

// redactFontName is the resource name of the font added for replacement
// characters.
const redactFontName = "GRedact"

func redactFontDict() types.Dict {
	widths := make(types.Array, len(standardWidths))
	for i, w := range standardWidths {
		widths[i] = types.Integer(int(w))
	}
	return types.Dict{
		"Type":      types.Name("Font"),
		"Subtype":   types.Name("Type1"),
		"BaseFont":  types.Name("Helvetica"),
		"Encoding":  types.Name("WinAnsiEncoding"),
		"FirstChar": types.Integer(32),
		"LastChar":  types.Integer(126),
		"Widths":    widths,
	}
}

// redactFont is the interpreter view of the added font.
var redactFont = func() *pdfFont {
	f := &pdfFont{base: "Helvetica", widths: map[int]float64{}, missing: 556}
	for i, w := range standardWidths {
		f.widths[32+i] = w
	}
	return f
}()

// encodeWinAnsi maps text to single-byte codes of the added font. Runes it
// cannot show become '*'.
func encodeWinAnsi(text string) []byte {
	out := make([]byte, 0, len(text))
	for _, r := range text {
		b, ok := charmap.Windows1252.EncodeRune(r)
		if !ok || b < 32 || b > 126 {
			b = '*'
		}
		out = append(out, b)
	}
	return out
}

func pdfNum(ctx *model.Context, o types.Object) (float64, bool) {
	if o == nil {
		return 0, false
	}
	o, err := ctx.Dereference(o)
	if err != nil || o == nil {
		return 0, false
	}
	switch v := o.(type) {
	case types.Integer:
		return float64(v), true
	case types.Float:
		return float64(v), true
	}
	return 0, false
}

// loadFont reads a font dictionary. Errors in optional entries degrade to
// default metrics rather than failing extraction.
func loadFont(ctx *model.Context, fd types.Dict) *pdfFont {
	f := &pdfFont{widths: map[int]float64{}, missing: 500}
	if b := fd.NameEntry("BaseFont"); b != nil {
		f.base = *b
	}
	sub := ""
	if s := fd.NameEntry("Subtype"); s != nil {
		sub = *s
	}

	if tu, ok := fd.Find("ToUnicode"); ok {
		if sd, _, err := ctx.DereferenceStreamDict(tu); err == nil && sd != nil {
			if err := sd.Decode(); err == nil {
				f.toUni, f.codeLen = parseToUnicode(sd.Content)
			}
		}
	}

	if sub == "Type0" {
		f.composite = true
		if f.codeLen == 0 {
			f.codeLen = 2
		}
		f.missing = 1000
		if arr, err := ctx.DereferenceArray(fd["DescendantFonts"]); err == nil && len(arr) > 0 {
			if cid, err := ctx.DereferenceDict(arr[0]); err == nil && cid != nil {
				if dw, ok := pdfNum(ctx, cid["DW"]); ok {
					f.missing = dw
				}
				f.loadCIDWidths(ctx, cid["W"])
			}
		}
		return f
	}

	first, _ := pdfNum(ctx, fd["FirstChar"])
	if arr, err := ctx.DereferenceArray(fd["Widths"]); err == nil && len(arr) > 0 {
		for i, o := range arr {
			if w, ok := pdfNum(ctx, o); ok {
				f.widths[int(first)+i] = w
			}
		}
		if desc, err := ctx.DereferenceDict(fd["FontDescriptor"]); err == nil && desc != nil {
			if mw, ok := pdfNum(ctx, desc["MissingWidth"]); ok {
				f.missing = mw
			}
		}
		return f
	}

	// Standard 14 fonts may omit Widths.
	switch {
	case strings.HasPrefix(f.base, "Courier"):
		f.missing = 600
	default:
		for c := 32; c <= 126; c++ {
			f.widths[c] = helveticaWidth(c)
		}
		f.missing = 556
	}
	return f
}

// loadCIDWidths reads a /W array: "c [w1 w2 ...]" and "cfirst clast w".
func (f *pdfFont) loadCIDWidths(ctx *model.Context, o types.Object) {
	arr, err := ctx.DereferenceArray(o)
	if err != nil {
		return
	}
	for i := 0; i < len(arr); {
		c, ok := pdfNum(ctx, arr[i])
		if !ok || i+1 >= len(arr) {
			return
		}
		next, _ := ctx.Dereference(arr[i+1])
		if ws, ok := next.(types.Array); ok {
			for j, wo := range ws {
				if w, ok := pdfNum(ctx, wo); ok {
					f.widths[int(c)+j] = w
				}
			}
			i += 2
			continue
		}
		if i+2 >= len(arr) {
			return
		}
		last, ok1 := pdfNum(ctx, arr[i+1])
		w, ok2 := pdfNum(ctx, arr[i+2])
		if !ok1 || !ok2 {
			return
		}
		for code := int(c); code <= int(last) && code-int(c) < 1<<16; code++ {
			f.widths[code] = w
		}
		i += 3
	}
}

// parseToUnicode reads bfchar and bfrange mappings from a ToUnicode CMap.
// It also returns the code length from the first codespace range.
func parseToUnicode(data []byte) (map[int]string, int) {
	ops, err := lexContent(data)
	if err != nil {
		return nil, 0
	}
	m := map[int]string{}
	codeLen := 0
	for _, op := range ops {
		switch op.name {
		case "endcodespacerange":
			if len(op.args) > 0 && op.args[0].kind == pdfString && codeLen == 0 {
				codeLen = len(op.args[0].str)
			}
		case "endbfchar":
			for i := 0; i+1 < len(op.args); i += 2 {
				src, dst := op.args[i], op.args[i+1]
				if src.kind == pdfString && dst.kind == pdfString {
					m[bytesToCode(src.str)] = utf16BE(dst.str)
				}
			}
		case "endbfrange":
			for i := 0; i+2 < len(op.args); i += 3 {
				lo, hi, dst := op.args[i], op.args[i+1], op.args[i+2]
				if lo.kind != pdfString || hi.kind != pdfString {
					continue
				}
				a, b := bytesToCode(lo.str), bytesToCode(hi.str)
				if b < a || b-a > 1<<16 {
					continue
				}
				switch dst.kind {
				case pdfString:
					base := []rune(utf16BE(dst.str))
					if len(base) == 0 {
						continue
					}
					for c := a; c <= b; c++ {
						r := append([]rune(nil), base...)
						r[len(r)-1] += rune(c - a)
						m[c] = string(r)
					}
				case pdfArray:
					for j, d := range dst.arr {
						if d.kind == pdfString && a+j <= b {
							m[a+j] = utf16BE(d.str)
						}
					}
				}
			}
		}
	}
	return m, codeLen
}

func bytesToCode(b []byte) int {
	c := 0
	for _, x := range b {
		c = c<<8 | int(x)
	}
	return c
}

func utf16BE(b []byte) string {
	u := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		u = append(u, uint16(b[i])<<8|uint16(b[i+1]))
	}
	return string(utf16.Decode(u))
}
