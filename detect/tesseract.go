package detect

import (
	"context"
	"fmt"

	"github.com/otiai10/gosseract/v2"

	"github.com/brunobiangulo/goredact/pii"
)

// Tesseract implements OCR using a gosseract client per call.
type Tesseract struct {
	clientFactory func() *gosseract.Client
}

// NewTesseract constructs a Tesseract-backed OCR engine.
func NewTesseract() *Tesseract {
	return &Tesseract{clientFactory: gosseract.NewClient}
}

func (t *Tesseract) Words(ctx context.Context, img []byte, languages []string) ([]Word, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := t.clientFactory()
	defer c.Close()

	if len(languages) > 0 {
		if err := c.SetLanguage(languages...); err != nil {
			return nil, fmt.Errorf("set languages: %w", err)
		}
	}
	if err := c.SetImageFromBytes(img); err != nil {
		return nil, fmt.Errorf("set image: %w", err)
	}

	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("bounding boxes: %w", err)
	}
	words := make([]Word, 0, len(boxes))
	for _, b := range boxes {
		words = append(words, Word{
			Text: b.Word,
			Box: pii.ImageBox{
				X: b.Box.Min.X,
				Y: b.Box.Min.Y,
				W: b.Box.Dx(),
				H: b.Box.Dy(),
			},
			Confidence: b.Confidence,
			Line:       b.BlockNum*1_000_000 + b.ParNum*1_000 + b.LineNum,
		})
	}
	return words, nil
}
