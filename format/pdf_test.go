package format

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/brunobiangulo/goredact/pii"
	"github.com/brunobiangulo/goredact/strategy"
)

// pdfFixture writes a one-page PDF drawing content with Helvetica as /F1.
func pdfFixture(t *testing.T, content string) string {
	t.Helper()
	objs := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 300 200] /Resources << /Font << /F1 4 0 R >> >> /Contents 5 0 R >>",
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
	}
	var b bytes.Buffer
	b.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs))
	for i, o := range objs {
		offsets[i] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", i+1, o)
	}
	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n0000000000 65535 f \n", len(objs)+1)
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)

	path := filepath.Join(t.TempDir(), "letter.pdf")
	if err := os.WriteFile(path, b.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const contactLine = "BT /F1 12 Tf 20 100 Td (Contact: Alice, 13812345678) Tj ET"

// "Contact: " is 9 runes: Alice is 9..14 and the phone 16..27.
var contactEntities = []struct {
	typ        string
	start, end int
}{
	{"PERSON", 9, 14},
	{"PHONE_NUMBER", 16, 27},
}

func redactContact(t *testing.T, m strategy.Method, opts strategy.Options) string {
	t.Helper()
	src := pdfFixture(t, contactLine)
	out := filepath.Join(t.TempDir(), "out.pdf")
	redact(t, &PDFHandler{}, src, out, m, opts,
		entity(contactEntities[0].typ, contactEntities[0].start, contactEntities[0].end),
		entity(contactEntities[1].typ, contactEntities[1].start, contactEntities[1].end),
	)
	return out
}

// ----- extraction -----

func TestPDFExtract(t *testing.T) {
	src := pdfFixture(t, "BT /F1 12 Tf 20 100 Td (Contact: Alice,) Tj ( 138) Tj 0 -20 Td [(next) -250 ( line)] TJ ET")
	if got, want := extractText(t, &PDFHandler{}, src), "Contact: Alice, 138\nnext line"; got != want {
		t.Errorf("text = %q, want %q", got, want)
	}
}

func TestPDFResolveBox(t *testing.T) {
	src := pdfFixture(t, contactLine)
	doc, ft, err := (&PDFHandler{}).Extract(context.Background(), src, ExtractOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer doc.Close()
	if len(ft) != 1 {
		t.Fatalf("segments = %d", len(ft))
	}
	target, ok := doc.Resolve(ft[0], 9, 14)
	if !ok {
		t.Fatal("not resolved")
	}
	box, ok := target.(pii.PageBox)
	if !ok {
		t.Fatalf("target = %T", target)
	}
	// The name starts after "Contact: " at x=20 on the baseline y=100.
	if box.Page != 1 || box.X <= 20 || box.W <= 0 || box.Y >= 100 || box.Y+box.H <= 100 {
		t.Errorf("box = %+v", box)
	}
	if _, ok := doc.Resolve(pii.Segment{ID: "p9/op0"}, 0, 1); ok {
		t.Error("unknown segment resolved")
	}
}

// ----- strategies -----

func TestPDFCharKeepsLayout(t *testing.T) {
	out := redactContact(t, strategy.Char, strategy.Options{})
	if got, want := extractText(t, &PDFHandler{}, out), "Contact: *****, ***********"; got != want {
		t.Errorf("text = %q, want %q", got, want)
	}
	if leaked := verifyRedacted(out, []string{"Alice", "13812345678"}); len(leaked) != 0 {
		t.Errorf("leaked %v", leaked)
	}
}

func TestPDFCharWidthMatches(t *testing.T) {
	src := pdfFixture(t, contactLine)
	before := lastGlyphEnd(t, src)
	out := redactContact(t, strategy.Char, strategy.Options{})
	after := lastGlyphEnd(t, out)
	if math.Abs(before-after) > 0.01 {
		t.Errorf("line end moved from %.3f to %.3f", before, after)
	}
}

func lastGlyphEnd(t *testing.T, path string) float64 {
	t.Helper()
	doc, _, err := (&PDFHandler{}).Extract(context.Background(), path, ExtractOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer doc.Close()
	pg := doc.(*pdfHandle).pages[0]
	s := pg.shows[len(pg.shows)-1]
	return s.glyphs[len(s.glyphs)-1].ex
}

func TestPDFColorPaintsBox(t *testing.T) {
	out := redactContact(t, strategy.Color, strategy.Options{Color: "red"})
	doc, ft, err := (&PDFHandler{}).Extract(context.Background(), out, ExtractOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer doc.Close()
	text := ft.String()
	if strings.Contains(text, "Alice") || strings.Contains(text, "13812345678") {
		t.Errorf("text still readable: %q", text)
	}
	if !strings.HasPrefix(text, "Contact:") {
		t.Errorf("surrounding text lost: %q", text)
	}
	content := string(doc.(*pdfHandle).pages[0].content)
	if !strings.Contains(content, "1 0 0 rg") || strings.Count(content, " re f") != 2 {
		t.Errorf("content lacks fills:\n%s", content)
	}
}

func TestPDFUntouchedIsExactCopy(t *testing.T) {
	src := pdfFixture(t, contactLine)
	out := filepath.Join(t.TempDir(), "same.pdf")
	redact(t, &PDFHandler{}, src, out, strategy.Mask, strategy.Options{})
	a, _ := os.ReadFile(src)
	b, _ := os.ReadFile(out)
	if !bytes.Equal(a, b) {
		t.Error("output differs from source without edits")
	}
}

func TestPDFCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pdf")
	os.WriteFile(path, []byte("%PDF-1.4\nnot really"), 0o644)
	if _, _, err := (&PDFHandler{}).Extract(context.Background(), path, ExtractOptions{}); err == nil {
		t.Error("expected error")
	}
}

// ----- content lexer -----

func TestLexContent(t *testing.T) {
	data := []byte("q BI /W 2 /H 1 /BPC 8 /CS /G ID \x00EI\xff EI Q\n" +
		"BT [(a\\)b) -120 <4142>] TJ (x\\101\\ny) Tj % comment\nET")
	ops, err := lexContent(data)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, op := range ops {
		names = append(names, op.name)
	}
	if got := strings.Join(names, " "); got != "q BI Q BT TJ Tj ET" {
		t.Fatalf("ops = %s", got)
	}

	tj := ops[4].args[0]
	if tj.kind != pdfArray || len(tj.arr) != 3 {
		t.Fatalf("TJ operand = %+v", tj)
	}
	if string(tj.arr[0].str) != "a)b" || tj.arr[1].num != -120 || string(tj.arr[2].str) != "AB" {
		t.Errorf("TJ items = %q %v %q", tj.arr[0].str, tj.arr[1].num, tj.arr[2].str)
	}
	if got := string(ops[5].args[0].str); got != "xA\ny" {
		t.Errorf("Tj string = %q", got)
	}
	if got := string(data[ops[4].start:ops[4].end]); !strings.HasPrefix(got, "[(a") || !strings.HasSuffix(got, "TJ") {
		t.Errorf("TJ span = %q", got)
	}
}

func TestLexContentUnterminated(t *testing.T) {
	for _, in := range []string{"(abc", "<41", "[1 2", "BI /W 1 ID xx"} {
		if _, err := lexContent([]byte(in)); err == nil {
			t.Errorf("lexContent(%q) accepted", in)
		}
	}
}

// ----- fonts -----

func TestParseToUnicode(t *testing.T) {
	cmap := []byte(`/CIDInit /ProcSet findresource begin
begincmap
1 begincodespacerange <0000> <FFFF> endcodespacerange
2 beginbfchar <0003> <0020> <0010> <5F20> endbfchar
1 beginbfrange <0020> <0022> <0041> endbfrange
1 beginbfrange <0030> <0031> [<4E09> <674E>] endbfrange
endcmap`)
	m, codeLen := parseToUnicode(cmap)
	if codeLen != 2 {
		t.Errorf("codeLen = %d", codeLen)
	}
	want := map[int]string{3: " ", 0x10: "张", 0x20: "A", 0x21: "B", 0x22: "C", 0x30: "三", 0x31: "李"}
	for code, s := range want {
		if m[code] != s {
			t.Errorf("code %#x = %q, want %q", code, m[code], s)
		}
	}
}

func TestEncodeWinAnsi(t *testing.T) {
	if got := encodeWinAnsi("a*€~"); !bytes.Equal(got, []byte{'a', '*', '*', '~'}) {
		t.Errorf("encodeWinAnsi = %x", got)
	}
	if got := encodeWinAnsi("张"); !bytes.Equal(got, []byte{'*'}) {
		t.Errorf("unencodable rune gave %x", got)
	}
}

// ----- geometry -----

func TestSeparator(t *testing.T) {
	at := func(ox, oy, ex float64) *showOp {
		return &showOp{height: 10, glyphs: []pdfGlyph{{ox: ox, oy: oy, ex: ex, ey: oy}}}
	}
	tests := []struct {
		name       string
		prev, next *showOp
		want       string
	}{
		{"adjacent", at(0, 100, 10), at(10, 100, 20), ""},
		{"word gap", at(0, 100, 10), at(14, 100, 20), " "},
		{"new line", at(0, 100, 10), at(0, 88, 10), "\n"},
		{"jump back", at(50, 100, 60), at(0, 100, 10), " "},
		{"empty", &showOp{}, at(0, 100, 10), ""},
	}
	for _, tt := range tests {
		if got := separator(tt.prev, tt.next); got != tt.want {
			t.Errorf("%s: separator = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestNum(t *testing.T) {
	for in, want := range map[float64]string{1: "1", -0.00001: "0", 2.123456: "2.1235", math.NaN(): "0"} {
		if got := num(in); got != want {
			t.Errorf("num(%v) = %q, want %q", in, got, want)
		}
	}
}
