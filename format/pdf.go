package format

import (
	"bytes"
	"context"
	"fmt"
	"image/color"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/brunobiangulo/goredact/pii"
	"github.com/brunobiangulo/goredact/strategy"
)

// PDFHandler redacts the text layer of PDF pages. Text drawn inside form
// XObjects and text rendered as images are not reached.
type PDFHandler struct {
	// Verify re-extracts the written file and warns about redacted text
	// that is still present.
	Verify bool
}

func (h *PDFHandler) Kind() Kind           { return PDF }
func (h *PDFHandler) Extensions() []string { return []string{".pdf"} }
func (h *PDFHandler) Methods() []strategy.Method {
	return []strategy.Method{strategy.Mask, strategy.Color, strategy.Char}
}

func init() {
	// Keep pdfcpu from creating a configuration directory in $HOME.
	model.ConfigPath = "disable"
}

type pdfPage struct {
	num     int
	dict    types.Dict
	res     types.Dict
	content []byte
	refs    []types.IndirectRef // content streams
	ops     []pdfOp
	shows   []showOp
}

type pdfBox struct {
	r    rect
	fill color.RGBA
}

// pdfEdit is a planned change to the glyphs of one show operator.
type pdfEdit struct {
	from, to int    // glyph indexes, to exclusive
	text     string // replacement drawn over the removed glyphs; "" removes only
}

type pdfHandle struct {
	src    string
	verify bool
	ctx    *model.Context
	pages  []*pdfPage
	byID   map[string]*showOp
	edits  map[*showOp][]pdfEdit
	boxes  map[int][]pdfBox
	count  int
	leaked []string // region texts, for verification
}

func (h *PDFHandler) Extract(ctx context.Context, src string, _ ExtractOptions) (Handle, pii.FlattenedText, error) {
	f, err := os.Open(src)
	if err != nil {
		return nil, nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()
	pctx, err := api.ReadAndValidate(f, model.NewDefaultConfiguration())
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading PDF: %v", ErrCorrupt, err)
	}
	if err := pctx.EnsurePageCount(); err != nil {
		return nil, nil, fmt.Errorf("%w: counting pages: %v", ErrCorrupt, err)
	}
	ph := &pdfHandle{
		src:    src,
		verify: h.Verify,
		ctx:    pctx,
		byID:   map[string]*showOp{},
		edits:  map[*showOp][]pdfEdit{},
		boxes:  map[int][]pdfBox{},
	}

	var ft pii.FlattenedText
	for n := 1; n <= pctx.PageCount; n++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		pg, err := ph.loadPage(n)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: page %d: %v", ErrCorrupt, n, err)
		}
		ph.pages = append(ph.pages, pg)

		var prev *showOp
		for i := range pg.shows {
			s := &pg.shows[i]
			if s.text == "" {
				continue
			}
			if len(ft) > 0 {
				sep := "\n"
				if prev != nil {
					sep = separator(prev, s)
				}
				if sep != "" {
					ft = append(ft, pii.Sep(sep))
				}
			}
			id := fmt.Sprintf("p%d/op%d", n, s.op)
			ph.byID[id] = s
			ft = append(ft, pii.Segment{ID: id, Text: s.text})
			prev = s
		}
	}
	slog.Debug("pdf: extracted", "file", filepath.Base(src), "pages", pctx.PageCount, "segments", len(ph.byID))
	return ph, ft, nil
}

func (h *pdfHandle) loadPage(n int) (*pdfPage, error) {
	d, _, inh, err := h.ctx.PageDict(n, false)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("missing page dictionary")
	}
	pg := &pdfPage{num: n, dict: d}

	if o, ok := d.Find("Resources"); ok {
		if pg.res, err = h.ctx.DereferenceDict(o); err != nil {
			return nil, err
		}
	} else if inh != nil {
		pg.res = inh.Resources
	}

	if pg.content, pg.refs, err = h.pageContent(d); err != nil {
		return nil, err
	}
	if pg.ops, err = lexContent(pg.content); err != nil {
		return nil, err
	}
	pg.shows = interpretText(n, pg.ops, h.fonts(pg.res))
	return pg, nil
}

// pageContent returns the decoded page content, joining content arrays,
// and the references of the streams it came from.
func (h *pdfHandle) pageContent(d types.Dict) ([]byte, []types.IndirectRef, error) {
	o, ok := d.Find("Contents")
	if !ok || o == nil {
		return nil, nil, nil
	}
	obj, err := h.ctx.Dereference(o)
	if err != nil {
		return nil, nil, err
	}
	elems := []types.Object{o}
	if arr, ok := obj.(types.Array); ok {
		elems = arr
	}
	var (
		buf  bytes.Buffer
		refs []types.IndirectRef
	)
	for _, e := range elems {
		if ir, ok := e.(types.IndirectRef); ok {
			refs = append(refs, ir)
		}
		sd, _, err := h.ctx.DereferenceStreamDict(e)
		if err != nil {
			return nil, nil, err
		}
		if sd == nil {
			continue
		}
		if err := sd.Decode(); err != nil {
			return nil, nil, err
		}
		buf.Write(sd.Content)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), refs, nil
}

func (h *pdfHandle) fonts(res types.Dict) map[string]*pdfFont {
	out := map[string]*pdfFont{}
	if res == nil {
		return out
	}
	o, ok := res.Find("Font")
	if !ok {
		return out
	}
	fd, err := h.ctx.DereferenceDict(o)
	if err != nil || fd == nil {
		return out
	}
	for name, ref := range fd {
		d, err := h.ctx.DereferenceDict(ref)
		if err != nil || d == nil {
			continue
		}
		out[name] = loadFont(h.ctx, d)
	}
	return out
}

// glyphRange returns the glyph indexes whose runes intersect [start, end).
func glyphRange(s *showOp, start, end int) (int, int, bool) {
	from, to := -1, -1
	for i, g := range s.glyphs {
		if g.runeEnd > start && g.runeStart < end {
			if from < 0 {
				from = i
			}
			to = i + 1
		}
	}
	return from, to, from >= 0
}

func (h *pdfHandle) Resolve(seg pii.Segment, start, end int) (pii.Target, bool) {
	s, ok := h.byID[seg.ID]
	if !ok {
		return nil, false
	}
	from, to, ok := glyphRange(s, start, end)
	if !ok {
		return nil, false
	}
	b := s.glyphs[from].box
	for _, g := range s.glyphs[from+1 : to] {
		b = b.union(g.box)
	}
	return pii.PageBox{Page: s.page, X: b.x0, Y: b.y0, W: b.x1 - b.x0, H: b.y1 - b.y0}, true
}

func (h *pdfHandle) Edits() int { return h.count }

func (h *pdfHandle) plan(r pii.Region, text string) (*showOp, error) {
	s, ok := h.byID[r.SegmentID]
	if !ok {
		return nil, fmt.Errorf("unknown segment %q", r.SegmentID)
	}
	from, to, ok := glyphRange(s, r.Start, r.End)
	if !ok {
		return nil, fmt.Errorf("range [%d,%d) has no glyphs in %s", r.Start, r.End, r.SegmentID)
	}
	for _, e := range h.edits[s] {
		if from < e.to && e.from < to {
			return nil, fmt.Errorf("overlapping edits in %s", r.SegmentID)
		}
	}
	h.edits[s] = append(h.edits[s], pdfEdit{from: from, to: to, text: text})
	h.leaked = append(h.leaked, r.Text)
	h.count++
	return s, nil
}

// ReplaceText removes the region's glyphs and draws text in their place,
// scaled to the width they occupied.
func (h *pdfHandle) ReplaceText(r pii.Region, text string) error {
	_, err := h.plan(r, text)
	return err
}

// Fill removes the region's glyphs and paints an opaque box over them.
func (h *pdfHandle) Fill(r pii.Region, c color.RGBA) error {
	b, ok := r.Target.(pii.PageBox)
	if !ok {
		return fmt.Errorf("%w: PDF fill needs a page box, got %T", strategy.ErrUnsupportedMethod, r.Target)
	}
	s, err := h.plan(r, "")
	if err != nil {
		return err
	}
	h.boxes[s.page] = append(h.boxes[s.page], pdfBox{r: rect{b.X, b.Y, b.X + b.W, b.Y + b.H}, fill: c})
	return nil
}

func (h *pdfHandle) Reconstruct(ctx context.Context, outputPath string) (string, error) {
	if h.count == 0 {
		if err := copyFile(ctx, h.src, outputPath); err != nil {
			return "", err
		}
		return outputPath, nil
	}
	for _, pg := range h.pages {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := h.rewritePage(pg); err != nil {
			return "", fmt.Errorf("page %d: %w", pg.num, err)
		}
	}
	err := writeAtomic(ctx, outputPath, func(w io.Writer) error {
		return api.WriteContext(h.ctx, w)
	})
	if err != nil {
		return "", err
	}
	if h.verify {
		verifyRedacted(outputPath, h.leaked)
	}
	return outputPath, nil
}

// rewritePage splices rewritten show operators into the page content and
// replaces the page's content streams with a single new one.
func (h *pdfHandle) rewritePage(pg *pdfPage) error {
	type splice struct {
		start, end int
		repl       []byte
	}
	var ss []splice
	needFont := false
	for i := range pg.shows {
		s := &pg.shows[i]
		edits, ok := h.edits[s]
		if !ok {
			continue
		}
		op := pg.ops[s.op]
		repl, inserted := rewriteShow(s, op, edits)
		needFont = needFont || inserted
		ss = append(ss, splice{op.start, op.end, repl})
	}
	boxes := h.boxes[pg.num]
	if len(ss) == 0 && len(boxes) == 0 {
		return nil
	}
	sort.Slice(ss, func(i, j int) bool { return ss[i].start < ss[j].start })

	var b bytes.Buffer
	b.WriteString("q\n")
	pos := 0
	for _, s := range ss {
		b.Write(pg.content[pos:s.start])
		b.Write(s.repl)
		pos = s.end
	}
	b.Write(pg.content[pos:])
	b.WriteString("\nQ\n")
	for _, bx := range boxes {
		fmt.Fprintf(&b, "q %s %s %s rg %s %s %s %s re f Q\n",
			num(float64(bx.fill.R)/255), num(float64(bx.fill.G)/255), num(float64(bx.fill.B)/255),
			num(bx.r.x0), num(bx.r.y0), num(bx.r.x1-bx.r.x0), num(bx.r.y1-bx.r.y0))
	}

	if needFont {
		if err := h.addRedactFont(pg); err != nil {
			return err
		}
	}
	return h.replaceContent(pg, b.Bytes())
}

// replaceContent stores content in the page's first content stream object
// and empties the others, so no copy of the original page text is left in
// the written file.
func (h *pdfHandle) replaceContent(pg *pdfPage, content []byte) error {
	sd, err := h.ctx.NewStreamDictForBuf(content)
	if err != nil {
		return err
	}
	if err := sd.Encode(); err != nil {
		return err
	}
	if len(pg.refs) == 0 {
		ref, err := h.ctx.IndRefForNewObject(*sd)
		if err != nil {
			return err
		}
		pg.dict.Update("Contents", *ref)
		return nil
	}
	for i, ir := range pg.refs {
		entry, ok := h.ctx.FindTableEntryForIndRef(&ir)
		if !ok || entry == nil {
			return fmt.Errorf("content stream %s not in xref table", ir)
		}
		if i == 0 {
			entry.Object = *sd
			continue
		}
		empty, err := h.ctx.NewStreamDictForBuf(nil)
		if err != nil {
			return err
		}
		if err := empty.Encode(); err != nil {
			return err
		}
		entry.Object = *empty
	}
	pg.dict.Update("Contents", pg.refs[0])
	return nil
}

// addRedactFont gives the page its own resource dictionary with the
// replacement font added, leaving shared resources untouched.
func (h *pdfHandle) addRedactFont(pg *pdfPage) error {
	res := types.Dict{}
	for k, v := range pg.res {
		res[k] = v
	}
	fonts := types.Dict{}
	if o, ok := res.Find("Font"); ok {
		fd, err := h.ctx.DereferenceDict(o)
		if err != nil {
			return err
		}
		for k, v := range fd {
			fonts[k] = v
		}
	}
	ref, err := h.ctx.IndRefForNewObject(redactFontDict())
	if err != nil {
		return err
	}
	fonts[redactFontName] = *ref
	res["Font"] = fonts
	pg.res = res
	pg.dict.Update("Resources", res)
	return nil
}

// rewriteShow renders a show operator with edits applied. Removed glyphs
// become TJ displacements so later text keeps its position; replacement
// text is drawn with the added font, horizontally scaled to the removed
// width. It reports whether the added font is used.
func rewriteShow(s *showOp, op pdfOp, edits []pdfEdit) ([]byte, bool) {
	var b bytes.Buffer
	switch op.name {
	case "'":
		b.WriteString("T* ")
	case "\"":
		if len(op.args) == 3 {
			fmt.Fprintf(&b, "%s Tw %s Tc T* ", num(op.args[0].num), num(op.args[1].num))
		}
	}

	removed := make([]bool, len(s.glyphs))
	inserts := map[int]pdfEdit{}
	for _, e := range edits {
		for i := e.from; i < e.to; i++ {
			removed[i] = true
		}
		if e.text != "" {
			inserts[e.from] = e
		}
	}

	var arr bytes.Buffer // open TJ array in the original font
	var hex []byte       // pending glyph codes
	flushHex := func() {
		if len(hex) > 0 {
			fmt.Fprintf(&arr, "<%x>", hex)
			hex = hex[:0]
		}
	}
	flushTJ := func() {
		flushHex()
		if arr.Len() > 0 {
			fmt.Fprintf(&b, "[%s] TJ ", arr.Bytes())
			arr.Reset()
		}
	}
	displace := func(adv float64) {
		if s.size == 0 {
			return
		}
		flushHex()
		fmt.Fprintf(&arr, " %s ", num(-adv*1000/s.size))
	}

	inserted := false
	covered := -1 // glyphs before this index are covered by an insertion
	gi := 0
	for idx, it := range s.items {
		switch it.kind {
		case pdfNumber:
			if gi < covered {
				// Inside an insertion; counted in its width.
				continue
			}
			flushHex()
			fmt.Fprintf(&arr, " %s ", num(it.num))
		case pdfString:
			for gi < len(s.glyphs) && s.glyphs[gi].item == idx {
				g := s.glyphs[gi]
				if e, ok := inserts[gi]; ok {
					flushTJ()
					writeInsertion(&b, s, e)
					inserted = true
					covered = e.to
				}
				switch {
				case gi < covered:
				case removed[gi]:
					displace(g.adv)
				default:
					hex = append(hex, g.raw...)
				}
				gi++
			}
		}
	}
	flushTJ()
	return bytes.TrimRight(b.Bytes(), " "), inserted
}

// writeInsertion draws e.text over the advance of glyphs [e.from, e.to),
// then restores the original font and scaling.
func writeInsertion(b *bytes.Buffer, s *showOp, e pdfEdit) {
	width := 0.0 // text space, before horizontal scaling
	for i, g := range s.glyphs[e.from:e.to] {
		width += g.adv
		if i > 0 {
			width += g.kern
		}
	}
	codes := encodeWinAnsi(e.text)
	drawn := 0.0
	for _, c := range codes {
		drawn += redactFont.widths[int(c)]/1000*s.size + s.tc
		if c == ' ' {
			drawn += s.tw
		}
	}
	th := s.th
	if drawn > 0 && width > 0 {
		th = s.th * width / drawn
	}
	th = math.Min(math.Max(th, 0.01), 100)
	fmt.Fprintf(b, "/%s %s Tf %s Tz [<%x>", redactFontName, num(s.size), num(th*100), codes)
	// Residual movement when scaling was clamped.
	if rest := width*s.th - drawn*th; s.size != 0 && math.Abs(rest) > 1e-6 {
		fmt.Fprintf(b, " %s", num(-rest*1000/(s.size*th)))
	}
	fmt.Fprintf(b, "] TJ %s Tz ", num(s.th*100))
	if s.fontName != "" {
		fmt.Fprintf(b, "/%s %s Tf ", s.fontName, num(s.size))
	}
}

// num formats a content stream number with at most four decimals.
func num(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "0"
	}
	s := strconv.FormatFloat(math.Round(v*10000)/10000, 'f', -1, 64)
	if s == "-0" {
		return "0"
	}
	return s
}

func (h *pdfHandle) Close() error { return nil }
