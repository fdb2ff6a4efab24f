// Package detect adapts PII recognizers to a single contract: text in,
// entity spans out, sorted by start with longer spans first on ties.
package detect

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/brunobiangulo/goredact/pii"
)

// ErrUnavailable is returned when a recognizer cannot be reached or loaded.
// Callers treat it as fatal; partial detection is never returned.
var ErrUnavailable = errors.New("detect: recognizer unavailable")

// DefaultScoreThreshold drops low-confidence results.
const DefaultScoreThreshold = 0.4

// Detector finds PII in flattened text. Offsets are rune offsets.
type Detector interface {
	Detect(ctx context.Context, text, language string) ([]pii.Entity, error)
}

// ImageDetector finds PII directly in raster images.
type ImageDetector interface {
	DetectImage(ctx context.Context, img []byte, language string) ([]pii.ImageEntity, error)
}

// Sort orders entities by start ascending; ties put the longer span first,
// then the higher score.
func Sort(ents []pii.Entity) {
	sort.SliceStable(ents, func(i, j int) bool {
		a, b := ents[i], ents[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if a.Len() != b.Len() {
			return a.Len() > b.Len()
		}
		return a.Score > b.Score
	})
}

// filter drops invalid spans and spans under threshold, filling in Text
// from the source when the recognizer did not.
func filter(ents []pii.Entity, text string, threshold float64) []pii.Entity {
	runes := []rune(text)
	out := ents[:0]
	for _, e := range ents {
		if e.Start < 0 || e.End > len(runes) || e.Start >= e.End {
			continue
		}
		if e.Score < threshold {
			continue
		}
		if e.Text == "" {
			e.Text = string(runes[e.Start:e.End])
		}
		out = append(out, e)
	}
	return out
}

// Chain runs every detector over the same text and merges the results.
// Any member failing fails the chain.
type Chain []Detector

func (c Chain) Detect(ctx context.Context, text, language string) ([]pii.Entity, error) {
	var all []pii.Entity
	for i, d := range c {
		ents, err := d.Detect(ctx, text, language)
		if err != nil {
			return nil, fmt.Errorf("detector %d: %w", i, err)
		}
		all = append(all, ents...)
	}
	all = dedupe(all)
	Sort(all)
	return all, nil
}

// dedupe collapses identical spans of the same type, keeping the best score.
func dedupe(ents []pii.Entity) []pii.Entity {
	type key struct {
		start, end int
		typ        string
	}
	best := make(map[key]int, len(ents))
	out := make([]pii.Entity, 0, len(ents))
	for _, e := range ents {
		k := key{e.Start, e.End, e.Type}
		if i, ok := best[k]; ok {
			if e.Score > out[i].Score {
				out[i] = e
			}
			continue
		}
		best[k] = len(out)
		out = append(out, e)
	}
	return out
}
