package detect

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/brunobiangulo/goredact/pii"
)

// MinWordConfidence is the OCR confidence (0..100) a word must exceed to be
// considered.
const MinWordConfidence = 25

// Word is one OCR-recognized word with its pixel box.
type Word struct {
	Text       string
	Box        pii.ImageBox
	Confidence float64 // 0..100
	Line       int     // words with the same line number are joined by spaces
}

// OCR recognizes words in an encoded image.
type OCR interface {
	Words(ctx context.Context, img []byte, languages []string) ([]Word, error)
}

// OCRLanguages maps a document language to tesseract language packs.
func OCRLanguages(language string) []string {
	if strings.HasPrefix(strings.ToLower(language), "zh") {
		return []string{"chi_sim", "eng"}
	}
	return []string{"eng"}
}

// OCRDetector recognizes text with an OCR engine and runs a text detector
// over it. Entities come back with the word boxes that cover them.
type OCRDetector struct {
	OCR           OCR
	Text          Detector
	MinConfidence float64
}

// NewOCRDetector composes ocr and text with the default confidence floor.
func NewOCRDetector(ocr OCR, text Detector) *OCRDetector {
	return &OCRDetector{OCR: ocr, Text: text, MinConfidence: MinWordConfidence}
}

type placedWord struct {
	Word
	start, end int // rune range in the joined text
}

func (d *OCRDetector) DetectImage(ctx context.Context, img []byte, language string) ([]pii.ImageEntity, error) {
	words, err := d.OCR.Words(ctx, img, OCRLanguages(language))
	if err != nil {
		return nil, fmt.Errorf("%w: ocr: %v", ErrUnavailable, err)
	}

	text, placed := joinWords(words, d.MinConfidence)
	if len(placed) == 0 {
		return nil, nil
	}

	ents, err := d.Text.Detect(ctx, text, language)
	if err != nil {
		return nil, err
	}

	out := make([]pii.ImageEntity, 0, len(ents))
	for _, e := range ents {
		if e.Text == "" {
			e.Text = pii.RuneSlice(text, e.Start, e.End)
		}
		ie := pii.ImageEntity{Entity: e}
		for _, w := range placed {
			if w.start < e.End && e.Start < w.end {
				ie.Boxes = append(ie.Boxes, w.Box)
				ie.BoxText = append(ie.BoxText, pii.RuneSlice(text, max(e.Start, w.start), min(e.End, w.end)))
			}
		}
		if len(ie.Boxes) > 0 {
			out = append(out, ie)
		}
	}
	return out, nil
}

// joinWords lays out confident words line by line, spaces between words
// and newlines between lines, recording each word's rune range.
func joinWords(words []Word, minConf float64) (string, []placedWord) {
	kept := make([]Word, 0, len(words))
	for _, w := range words {
		if w.Confidence > minConf && strings.TrimSpace(w.Text) != "" {
			kept = append(kept, w)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Line < kept[j].Line })

	var b strings.Builder
	placed := make([]placedWord, 0, len(kept))
	pos := 0
	for i, w := range kept {
		if i > 0 {
			sep := " "
			if w.Line != kept[i-1].Line {
				sep = "\n"
			}
			b.WriteString(sep)
			pos++
		}
		n := utf8.RuneCountInString(w.Text)
		placed = append(placed, placedWord{Word: w, start: pos, end: pos + n})
		b.WriteString(w.Text)
		pos += n
	}
	return b.String(), placed
}
