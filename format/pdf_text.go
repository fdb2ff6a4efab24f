package format

import (
	"math"
	"unicode/utf8"
)

// matrix is a PDF transformation [a b c d e f].
type matrix [6]float64

var identity = matrix{1, 0, 0, 1, 0, 0}

// mul returns m × n.
func (m matrix) mul(n matrix) matrix {
	return matrix{
		m[0]*n[0] + m[1]*n[2],
		m[0]*n[1] + m[1]*n[3],
		m[2]*n[0] + m[3]*n[2],
		m[2]*n[1] + m[3]*n[3],
		m[4]*n[0] + m[5]*n[2] + n[4],
		m[4]*n[1] + m[5]*n[3] + n[5],
	}
}

func (m matrix) apply(x, y float64) (float64, float64) {
	return x*m[0] + y*m[2] + m[4], x*m[1] + y*m[3] + m[5]
}

func translate(tx, ty float64) matrix { return matrix{1, 0, 0, 1, tx, ty} }

type rect struct{ x0, y0, x1, y1 float64 }

func (r rect) union(o rect) rect {
	return rect{math.Min(r.x0, o.x0), math.Min(r.y0, o.y0), math.Max(r.x1, o.x1), math.Max(r.y1, o.y1)}
}

// pdfGlyph is one shown glyph with its position in user space.
type pdfGlyph struct {
	pdfGlyphCode
	item      int // index of the string operand within the show operator
	runeStart int
	runeEnd   int
	adv       float64 // text space advance before horizontal scaling
	kern      float64 // TJ displacement applied just before this glyph, same units
	box       rect
	ox, oy    float64 // origin
	ex, ey    float64 // origin after advancing
}

// showOp is a text-showing operator and the glyphs it drew.
type showOp struct {
	op       int // index into the page's operations
	page     int
	fontName string
	font     *pdfFont
	size     float64
	th       float64 // horizontal scaling as a factor
	tc, tw   float64
	items    []pdfObj
	glyphs   []pdfGlyph
	text     string
	height   float64 // font size in user space
}

type textState struct {
	tc, tw, th, tl, rise float64
	fontName             string
	font                 *pdfFont
	size                 float64
}

type gstate struct {
	ctm matrix
	ts  textState
}

// interpretText runs the text operators of one page and returns every show
// operator with glyph geometry. Unknown fonts fall back to Helvetica
// metrics.
func interpretText(page int, ops []pdfOp, fonts map[string]*pdfFont) []showOp {
	gs := gstate{ctm: identity, ts: textState{th: 1}}
	var stack []gstate
	var tm, tlm matrix
	var shows []showOp

	for i, op := range ops {
		switch op.name {
		case "q":
			stack = append(stack, gs)
		case "Q":
			if n := len(stack); n > 0 {
				gs = stack[n-1]
				stack = stack[:n-1]
			}
		case "cm":
			if v, ok := op.nums(6); ok {
				gs.ctm = matrix{v[0], v[1], v[2], v[3], v[4], v[5]}.mul(gs.ctm)
			}
		case "BT":
			tm, tlm = identity, identity
		case "Tf":
			if len(op.args) >= 2 && op.args[0].kind == pdfName && op.args[1].kind == pdfNumber {
				gs.ts.fontName = string(op.args[0].str)
				gs.ts.size = op.args[1].num
				gs.ts.font = fonts[gs.ts.fontName]
				if gs.ts.font == nil {
					gs.ts.font = redactFont
				}
			}
		case "Tc":
			if v, ok := op.nums(1); ok {
				gs.ts.tc = v[0]
			}
		case "Tw":
			if v, ok := op.nums(1); ok {
				gs.ts.tw = v[0]
			}
		case "Tz":
			if v, ok := op.nums(1); ok {
				gs.ts.th = v[0] / 100
			}
		case "TL":
			if v, ok := op.nums(1); ok {
				gs.ts.tl = v[0]
			}
		case "Ts":
			if v, ok := op.nums(1); ok {
				gs.ts.rise = v[0]
			}
		case "Td":
			if v, ok := op.nums(2); ok {
				tlm = translate(v[0], v[1]).mul(tlm)
				tm = tlm
			}
		case "TD":
			if v, ok := op.nums(2); ok {
				gs.ts.tl = -v[1]
				tlm = translate(v[0], v[1]).mul(tlm)
				tm = tlm
			}
		case "Tm":
			if v, ok := op.nums(6); ok {
				tlm = matrix{v[0], v[1], v[2], v[3], v[4], v[5]}
				tm = tlm
			}
		case "T*":
			tlm = translate(0, -gs.ts.tl).mul(tlm)
			tm = tlm
		case "Tj", "'", "\"", "TJ":
			if op.name == "\"" && len(op.args) == 3 && op.args[0].kind == pdfNumber && op.args[1].kind == pdfNumber {
				gs.ts.tw, gs.ts.tc = op.args[0].num, op.args[1].num
			}
			if op.name == "'" || op.name == "\"" {
				tlm = translate(0, -gs.ts.tl).mul(tlm)
				tm = tlm
			}
			var items []pdfObj
			if op.name == "TJ" {
				if len(op.args) > 0 && op.args[len(op.args)-1].kind == pdfArray {
					items = op.args[len(op.args)-1].arr
				}
			} else if len(op.args) > 0 && op.args[len(op.args)-1].kind == pdfString {
				items = op.args[len(op.args)-1 : len(op.args)]
			}
			if gs.ts.font == nil {
				gs.ts.font = redactFont
			}
			s := show(page, i, items, gs, &tm)
			shows = append(shows, s)
		}
	}
	return shows
}

// show lays out the glyphs of one show operator and advances tm.
func show(page, opIndex int, items []pdfObj, gs gstate, tm *matrix) showOp {
	ts := gs.ts
	s := showOp{
		op:       opIndex,
		page:     page,
		fontName: ts.fontName,
		font:     ts.font,
		size:     ts.size,
		th:       ts.th,
		tc:       ts.tc,
		tw:       ts.tw,
		items:    items,
	}
	scale := matrix{ts.size * ts.th, 0, 0, ts.size, 0, ts.rise}
	runes := 0
	kern := 0.0
	var text []byte
	for idx, it := range items {
		switch it.kind {
		case pdfNumber:
			tx := -it.num / 1000 * ts.size
			kern += tx
			*tm = translate(tx*ts.th, 0).mul(*tm)
		case pdfString:
			for _, gc := range ts.font.decode(it.str) {
				trm := scale.mul(*tm).mul(gs.ctm)
				w0 := gc.width / 1000
				adv := w0*ts.size + ts.tc
				if gc.space {
					adv += ts.tw
				}
				g := pdfGlyph{pdfGlyphCode: gc, item: idx, adv: adv, kern: kern}
				kern = 0
				g.ox, g.oy = trm.apply(0, 0)
				g.box = glyphBox(trm, w0)
				*tm = translate(adv*ts.th, 0).mul(*tm)
				end := scale.mul(*tm).mul(gs.ctm)
				g.ex, g.ey = end.apply(0, 0)

				n := utf8.RuneCountInString(gc.text)
				g.runeStart, g.runeEnd = runes, runes+n
				runes += n
				text = append(text, gc.text...)
				s.glyphs = append(s.glyphs, g)
			}
		}
	}
	s.text = string(text)
	m := tm.mul(gs.ctm)
	s.height = math.Abs(ts.size) * math.Hypot(m[2], m[3])
	return s
}

// glyphBox returns the user space bounds of a glyph of width w0 drawn with
// render matrix trm, assuming a descent of 0.2 and an ascent of 0.8 em.
func glyphBox(trm matrix, w0 float64) rect {
	xs := [4][2]float64{{0, -0.2}, {w0, -0.2}, {0, 0.8}, {w0, 0.8}}
	r := rect{math.Inf(1), math.Inf(1), math.Inf(-1), math.Inf(-1)}
	for _, p := range xs {
		x, y := trm.apply(p[0], p[1])
		r = r.union(rect{x, y, x, y})
	}
	return r
}

// separator infers the text between two consecutive show operators from
// their geometry.
func separator(prev, next *showOp) string {
	if len(prev.glyphs) == 0 || len(next.glyphs) == 0 {
		return ""
	}
	last := prev.glyphs[len(prev.glyphs)-1]
	first := next.glyphs[0]
	h := math.Max(math.Max(prev.height, next.height), 1)
	if math.Abs(first.oy-last.ey) > 0.5*h {
		return "\n"
	}
	gap := first.ox - last.ex
	if gap > 0.2*h || gap < -h {
		return " "
	}
	return ""
}
