package format

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/image/bmp"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/tiff"

	"github.com/brunobiangulo/goredact/pii"
	"github.com/brunobiangulo/goredact/strategy"
)

// ImageHandler redacts raster images by painting over OCR word boxes.
type ImageHandler struct {
	// JPEGQuality is used when re-encoding JPEG output. Zero means 95.
	JPEGQuality int
}

func (h *ImageHandler) Kind() Kind { return Image }
func (h *ImageHandler) Extensions() []string {
	return []string{".jpg", ".jpeg", ".png", ".bmp", ".tiff", ".tif", ".gif"}
}
func (h *ImageHandler) Methods() []strategy.Method {
	return []strategy.Method{strategy.Mask, strategy.Color, strategy.Char}
}

type paintOp struct {
	box  image.Rectangle
	fill color.RGBA
	ch   rune
	n    int // characters to draw, 0 for a plain fill
}

type imageHandle struct {
	src     string
	raw     []byte
	img     image.Image
	format  string
	quality int
	ops     []paintOp
}

// Extract decodes the image. There is no text layer: detection runs on the
// encoded bytes through an image detector.
func (h *ImageHandler) Extract(ctx context.Context, src string, _ ExtractOptions) (Handle, pii.FlattenedText, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	raw, err := os.ReadFile(src)
	if err != nil {
		return nil, nil, fmt.Errorf("reading image: %w", err)
	}
	img, name, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decoding %s: %v", ErrCorrupt, filepath.Base(src), err)
	}
	q := h.JPEGQuality
	if q <= 0 {
		q = 95
	}
	slog.Debug("image: decoded", "file", filepath.Base(src), "format", name, "bounds", img.Bounds().String())
	return &imageHandle{src: src, raw: raw, img: img, format: name, quality: q}, nil, nil
}

func (h *imageHandle) Encoded() []byte { return h.raw }

func (h *imageHandle) Resolve(pii.Segment, int, int) (pii.Target, bool) { return nil, false }

func (h *imageHandle) Edits() int { return len(h.ops) }

func (h *imageHandle) rect(r pii.Region) (image.Rectangle, error) {
	b, ok := r.Target.(pii.ImageBox)
	if !ok {
		return image.Rectangle{}, fmt.Errorf("%w: image regions need a pixel box, got %T", strategy.ErrUnsupportedMethod, r.Target)
	}
	rect := image.Rect(b.X, b.Y, b.X+b.W, b.Y+b.H).Intersect(h.img.Bounds())
	if rect.Empty() {
		return image.Rectangle{}, fmt.Errorf("box %s outside image %s", b, h.img.Bounds())
	}
	return rect, nil
}

func (h *imageHandle) Fill(r pii.Region, c color.RGBA) error {
	rect, err := h.rect(r)
	if err != nil {
		return err
	}
	h.ops = append(h.ops, paintOp{box: rect, fill: c})
	return nil
}

func (h *imageHandle) PaintChars(r pii.Region, ch rune, bg color.RGBA) error {
	rect, err := h.rect(r)
	if err != nil {
		return err
	}
	n := utf8.RuneCountInString(strings.TrimSpace(r.Text))
	if n == 0 {
		n = 1
	}
	h.ops = append(h.ops, paintOp{box: rect, fill: bg, ch: ch, n: n})
	return nil
}

// render paints every planned op onto an RGBA copy of the source.
func (h *imageHandle) render() *image.RGBA {
	b := h.img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, h.img, b.Min, draw.Src)

	face := basicfont.Face7x13
	for _, op := range h.ops {
		draw.Draw(dst, op.box, image.NewUniform(op.fill), image.Point{}, draw.Src)
		if op.n == 0 {
			continue
		}
		ch := op.ch
		if ch >= utf8.RuneSelf {
			// The bitmap face only covers ASCII.
			ch = '*'
		}
		fit := op.box.Dx() / face.Advance
		n := min(op.n, max(fit, 1))
		d := &font.Drawer{
			Dst:  dst,
			Src:  image.NewUniform(color.Black),
			Face: face,
		}
		text := strings.Repeat(string(ch), n)
		w := d.MeasureString(text).Ceil()
		x := op.box.Min.X + max((op.box.Dx()-w)/2, 0)
		y := op.box.Min.Y + (op.box.Dy()+face.Ascent-face.Descent)/2
		d.Dot = fixed.P(x, y)
		d.DrawString(text)
	}
	return dst
}

func (h *imageHandle) Reconstruct(ctx context.Context, outputPath string) (string, error) {
	if len(h.ops) == 0 {
		if err := copyFile(ctx, h.src, outputPath); err != nil {
			return "", err
		}
		return outputPath, nil
	}
	img := h.render()
	err := writeAtomic(ctx, outputPath, func(w io.Writer) error {
		return h.encode(w, img)
	})
	if err != nil {
		return "", err
	}
	return outputPath, nil
}

// encode writes img in the source format.
func (h *imageHandle) encode(w io.Writer, img image.Image) error {
	switch h.format {
	case "png":
		return png.Encode(w, img)
	case "jpeg":
		return jpeg.Encode(w, img, &jpeg.Options{Quality: h.quality})
	case "gif":
		return gif.Encode(w, img, nil)
	case "bmp":
		return bmp.Encode(w, img)
	case "tiff":
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	}
	return fmt.Errorf("%w: cannot encode %s", ErrUnsupportedFormat, h.format)
}

func (h *imageHandle) Close() error { return nil }
