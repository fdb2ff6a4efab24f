package format

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/brunobiangulo/goredact/pii"
)

// textNode is the character data of one text element inside an OOXML part,
// addressed by its raw byte span so it can be rewritten in place.
type textNode struct {
	part       string
	start, end int // raw bytes of the escaped character data
	text       string
	para, run  int
	shape      int
	slide      int
	brk        string // break elements seen since the previous node
}

// dialect describes how a WordprocessingML or DrawingML part lays out text.
// Element names are matched on their local part.
type dialect struct {
	text   map[string]bool   // elements whose character data is text
	para   string            // paragraph element
	run    string            // run element
	breaks map[string]string // empty elements rendered as separators
	shapes map[string]bool   // shape containers (DrawingML only)
	shapeID string           // element carrying the shape id attribute
}

var wordDialect = dialect{
	text:   map[string]bool{"t": true, "delText": true},
	para:   "p",
	run:    "r",
	breaks: map[string]string{"tab": "\t", "br": "\n", "cr": "\n"},
}

var drawingDialect = dialect{
	text:    map[string]bool{"t": true},
	para:    "p",
	run:     "r",
	breaks:  map[string]string{"br": "\n", "tab": "\t"},
	shapes:  map[string]bool{"sp": true, "graphicFrame": true, "cxnSp": true, "pic": true},
	shapeID: "cNvPr",
}

// scanPart walks an XML part and returns its text nodes in document order.
// Offsets are taken from the decoder so untouched bytes can be copied
// verbatim.
func scanPart(part string, data []byte, d dialect) ([]textNode, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false

	var (
		nodes   []textNode
		para    = -1
		run     = -1
		inText  = 0
		shapes  []int
		curText *textNode
		brk     string
	)
	for {
		before := dec.InputOffset()
		tok, err := dec.RawToken()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, part, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			name := t.Name.Local
			switch {
			case name == d.para:
				para++
				run = -1
				brk = ""
			case name == d.run:
				run++
			case d.text[name]:
				inText++
				curText = &textNode{part: part, para: para, run: max(run, 0), shape: top(shapes)}
			case d.breaks[name] != "" && run >= 0:
				// Tab stops in paragraph properties precede the first run.
				brk += d.breaks[name]
			case d.shapes[name]:
				shapes = append(shapes, 0)
			case name == d.shapeID && len(shapes) > 0:
				for _, a := range t.Attr {
					if a.Name.Local == "id" {
						shapes[len(shapes)-1], _ = strconv.Atoi(a.Value)
					}
				}
			}
		case xml.EndElement:
			name := t.Name.Local
			switch {
			case d.text[name]:
				if inText > 0 {
					inText--
				}
				curText = nil
			case d.shapes[name] && len(shapes) > 0:
				shapes = shapes[:len(shapes)-1]
			}
		case xml.CharData:
			if inText > 0 && curText != nil {
				n := *curText
				n.start = int(before)
				n.end = int(dec.InputOffset())
				n.text = string(t)
				n.brk = brk
				brk = ""
				nodes = append(nodes, n)
			}
		}
	}
	return nodes, nil
}

func top(s []int) int {
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1]
}

// ooxmlDoc is an open OOXML package with its text parts loaded.
type ooxmlDoc struct {
	src    string
	zr     *zip.ReadCloser
	parts  map[string][]byte
	nodes  map[string]textNode // by segment id
	edits  editLog
	target func(textNode) pii.Target
}

// flatten registers nodes as segments. Runs of one paragraph join without a
// separator, paragraphs, shapes and parts are separated by a newline and
// break elements contribute their own separator.
func (d *ooxmlDoc) flatten(nodes []textNode) pii.FlattenedText {
	var ft pii.FlattenedText
	for i, n := range nodes {
		if i > 0 {
			prev := nodes[i-1]
			switch {
			case prev.part != n.part || prev.para != n.para || prev.shape != n.shape:
				ft = append(ft, pii.Sep("\n"))
			case n.brk != "":
				ft = append(ft, pii.Sep(n.brk))
			}
		}
		id := fmt.Sprintf("%s#%d", n.part, len(d.nodes))
		d.nodes[id] = n
		ft = append(ft, pii.Segment{ID: id, Text: n.text})
	}
	return ft
}

// Resolve maps a segment range to the run it sits in.
func (d *ooxmlDoc) Resolve(seg pii.Segment, start, end int) (pii.Target, bool) {
	n, ok := d.nodes[seg.ID]
	if !ok || start >= end {
		return nil, false
	}
	return d.target(n), true
}

func openOOXML(path string, isText func(name string) bool) (*ooxmlDoc, []string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: opening %s: %v", ErrCorrupt, path, err)
	}
	doc := &ooxmlDoc{src: path, zr: zr, parts: map[string][]byte{}, nodes: map[string]textNode{}, edits: editLog{}}
	if len(zr.File) == 0 {
		zr.Close()
		return nil, nil, fmt.Errorf("%w: %s: empty package", ErrCorrupt, path)
	}

	var names []string
	for _, f := range zr.File {
		if !isText(f.Name) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			zr.Close()
			return nil, nil, fmt.Errorf("%w: opening %s: %v", ErrCorrupt, f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			zr.Close()
			return nil, nil, fmt.Errorf("%w: reading %s: %v", ErrCorrupt, f.Name, err)
		}
		doc.parts[f.Name] = data
		names = append(names, f.Name)
	}
	return doc, names, nil
}

func (d *ooxmlDoc) Edits() int { return d.edits.count() }

func (d *ooxmlDoc) ReplaceText(r pii.Region, text string) error {
	n, ok := d.nodes[r.SegmentID]
	if !ok {
		return fmt.Errorf("unknown segment %q", r.SegmentID)
	}
	if err := checkRange(pii.Segment{ID: r.SegmentID, Text: n.text}, r.Start, r.End); err != nil {
		return err
	}
	return d.edits.add(r.SegmentID, r.Start, r.End, text)
}

func (d *ooxmlDoc) Close() error { return d.zr.Close() }

// rewritten returns the new bytes of every part with edits.
func (d *ooxmlDoc) rewritten() (map[string][]byte, error) {
	type splice struct {
		start, end int
		repl       []byte
	}
	byPart := map[string][]splice{}
	for id := range d.edits {
		n := d.nodes[id]
		var buf bytes.Buffer
		if err := xml.EscapeText(&buf, []byte(d.edits.apply(id, n.text))); err != nil {
			return nil, err
		}
		byPart[n.part] = append(byPart[n.part], splice{n.start, n.end, buf.Bytes()})
	}

	out := make(map[string][]byte, len(byPart))
	for part, ss := range byPart {
		sort.Slice(ss, func(i, j int) bool { return ss[i].start < ss[j].start })
		src := d.parts[part]
		var b bytes.Buffer
		b.Grow(len(src))
		pos := 0
		for _, s := range ss {
			if s.start < pos {
				return nil, fmt.Errorf("overlapping text spans in %s", part)
			}
			b.Write(src[pos:s.start])
			b.Write(s.repl)
			pos = s.end
		}
		b.Write(src[pos:])
		out[part] = b.Bytes()
	}
	return out, nil
}

// Reconstruct writes a new package: edited parts are recompressed, every
// other entry is copied raw.
func (d *ooxmlDoc) Reconstruct(ctx context.Context, outputPath string) (string, error) {
	if d.Edits() == 0 {
		if err := copyFile(ctx, d.src, outputPath); err != nil {
			return "", err
		}
		return outputPath, nil
	}
	parts, err := d.rewritten()
	if err != nil {
		return "", err
	}
	err = writeAtomic(ctx, outputPath, func(w io.Writer) error {
		zw := zip.NewWriter(w)
		for _, f := range d.zr.File {
			if data, ok := parts[f.Name]; ok {
				hdr := &zip.FileHeader{Name: f.Name, Method: f.Method, Modified: f.Modified}
				fw, err := zw.CreateHeader(hdr)
				if err != nil {
					return err
				}
				if _, err := fw.Write(data); err != nil {
					return err
				}
				continue
			}
			if err := copyRaw(zw, f); err != nil {
				return fmt.Errorf("copying %s: %w", f.Name, err)
			}
		}
		return zw.Close()
	})
	if err != nil {
		return "", err
	}
	return outputPath, nil
}

func copyRaw(zw *zip.Writer, f *zip.File) error {
	rc, err := f.OpenRaw()
	if err != nil {
		return err
	}
	hdr := f.FileHeader
	fw, err := zw.CreateRaw(&hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(fw, rc)
	return err
}
