package format

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/brunobiangulo/goredact/pii"
	"github.com/brunobiangulo/goredact/strategy"
)

func imageFixture(t *testing.T, name string) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 120, 40))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{200, 200, 200, 255}), image.Point{}, draw.Src)
	var buf bytes.Buffer
	var err error
	switch filepath.Ext(name) {
	case ".jpg":
		err = jpeg.Encode(&buf, img, nil)
	default:
		err = png.Encode(&buf, img)
	}
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func decodeFile(t *testing.T, path string) (image.Image, string) {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	img, format, err := image.Decode(f)
	if err != nil {
		t.Fatal(err)
	}
	return img, format
}

func boxRegion(id int, text string, b pii.ImageBox) pii.Region {
	return pii.Region{EntityID: id, Entity: pii.Entity{Type: "PHONE_NUMBER", Text: text}, Text: text, Target: b}
}

func applyImage(t *testing.T, src, out string, m strategy.Method, opts strategy.Options, regions ...pii.Region) {
	t.Helper()
	h, ft, err := (&ImageHandler{}).Extract(context.Background(), src, ExtractOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()
	if len(ft) != 0 {
		t.Errorf("image extraction returned text: %v", ft)
	}
	if r, ok := h.(Raster); !ok || len(r.Encoded()) == 0 {
		t.Fatal("image handle should expose its encoded bytes")
	}
	s, err := strategy.New(m, opts)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range regions {
		if err := s.Apply(h, r); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := h.Reconstruct(context.Background(), out); err != nil {
		t.Fatal(err)
	}
}

func TestImageColorFill(t *testing.T) {
	src := imageFixture(t, "scan.png")
	out := filepath.Join(t.TempDir(), "scan_out.png")
	applyImage(t, src, out, strategy.Color, strategy.Options{Color: "red"},
		boxRegion(0, "138", pii.ImageBox{X: 10, Y: 10, W: 30, H: 12}))

	img, format := decodeFile(t, out)
	if format != "png" {
		t.Errorf("format = %s", format)
	}
	if got := color.RGBAModel.Convert(img.At(20, 15)).(color.RGBA); got != (color.RGBA{255, 0, 0, 255}) {
		t.Errorf("inside box = %v", got)
	}
	if got := color.RGBAModel.Convert(img.At(100, 30)).(color.RGBA); got != (color.RGBA{200, 200, 200, 255}) {
		t.Errorf("outside box = %v", got)
	}
}

func TestImageCharPaintsGlyphs(t *testing.T) {
	src := imageFixture(t, "scan.png")
	out := filepath.Join(t.TempDir(), "chars.png")
	box := pii.ImageBox{X: 5, Y: 5, W: 80, H: 20}
	applyImage(t, src, out, strategy.Char, strategy.Options{Char: "#"}, boxRegion(0, "13812345678", box))

	img, _ := decodeFile(t, out)
	white, dark := 0, 0
	for y := box.Y; y < box.Y+box.H; y++ {
		for x := box.X; x < box.X+box.W; x++ {
			c := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			switch {
			case c.Y == 255:
				white++
			case c.Y < 64:
				dark++
			}
		}
	}
	if white == 0 || dark == 0 {
		t.Errorf("expected white background and dark glyphs, got %d white %d dark", white, dark)
	}
}

func TestImageKeepsJPEG(t *testing.T) {
	src := imageFixture(t, "photo.jpg")
	out := filepath.Join(t.TempDir(), "photo_out.jpg")
	applyImage(t, src, out, strategy.Mask, strategy.Options{}, boxRegion(0, "x", pii.ImageBox{X: 0, Y: 0, W: 10, H: 10}))
	if _, format := decodeFile(t, out); format != "jpeg" {
		t.Errorf("format = %s", format)
	}
}

func TestImageRejectsBoxOutside(t *testing.T) {
	h, _, err := (&ImageHandler{}).Extract(context.Background(), imageFixture(t, "a.png"), ExtractOptions{})
	if err != nil {
		t.Fatal(err)
	}
	p := h.(strategy.Painter)
	if err := p.Fill(boxRegion(0, "x", pii.ImageBox{X: 500, Y: 500, W: 5, H: 5}), strategy.White); err == nil {
		t.Error("box outside the image accepted")
	}
	if h.Edits() != 0 {
		t.Errorf("edits = %d", h.Edits())
	}
}
