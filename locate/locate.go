// Package locate maps detected entity spans onto format-native regions.
package locate

import (
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/brunobiangulo/goredact/pii"
)

// TieBreak decides between two overlapping entities of equal width.
type TieBreak string

const (
	// TieScore keeps the higher-confidence entity, then the earlier one.
	TieScore TieBreak = "score"
	// TieFirst keeps the entity that starts first.
	TieFirst TieBreak = "first"
)

// Policy configures overlap resolution.
type Policy struct {
	TieBreak TieBreak `json:"tie_break" yaml:"tie_break"`
}

// DefaultPolicy resolves equal-width ties by score.
func DefaultPolicy() Policy { return Policy{TieBreak: TieScore} }

// Resolver turns a clipped segment range into a format-native target.
// It returns false when the range has no rendered extent.
type Resolver interface {
	Resolve(seg pii.Segment, start, end int) (pii.Target, bool)
}

// Locate resolves entities over index into regions, one per entity per
// segment touched. Overlapping entities are reduced first: the wider span
// wins and the narrower one is discarded.
func Locate(entities []pii.Entity, index *pii.OffsetIndex, r Resolver, p Policy) []pii.Region {
	kept := Resolve(entities, p)

	var regions []pii.Region
	for id, e := range kept {
		// Detectors may report offsets only.
		if e.Text == "" {
			e.Text = index.Text(e.Start, e.End)
		}
		for _, sp := range index.Spans(e.Start, e.End) {
			if sp.Segment.Synthetic || sp.Start >= sp.End {
				continue
			}
			text := sp.Text()
			if strings.TrimSpace(text) == "" {
				continue
			}
			t, ok := r.Resolve(sp.Segment, sp.Start, sp.End)
			if !ok {
				slog.Debug("locate: dropping region without extent",
					"segment", sp.Segment.ID, "start", sp.Start, "end", sp.End)
				continue
			}
			regions = append(regions, pii.Region{
				EntityID:  id,
				Entity:    e,
				SegmentID: sp.Segment.ID,
				Start:     sp.Start,
				End:       sp.End,
				Offset:    sp.Global - e.Start,
				Text:      text,
				Target:    t,
			})
		}
	}
	return regions
}

// Resolve applies the overlap policy and returns the surviving entities
// ordered by start.
func Resolve(entities []pii.Entity, p Policy) []pii.Entity {
	cand := make([]pii.Entity, 0, len(entities))
	for _, e := range entities {
		if e.Start < e.End {
			cand = append(cand, e)
		}
	}
	sort.SliceStable(cand, func(i, j int) bool {
		a, b := cand[i], cand[j]
		if a.Len() != b.Len() {
			return a.Len() > b.Len()
		}
		if p.TieBreak != TieFirst && a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.Start < b.Start
	})

	var kept []pii.Entity
	for _, e := range cand {
		clash := false
		for _, k := range kept {
			if e.Overlaps(k) {
				clash = true
				break
			}
		}
		if !clash {
			kept = append(kept, e)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}

// Boxes turns OCR-detected image entities into regions directly, one per
// box. Intersecting boxes of different entities are reduced like text
// spans, comparing area.
func Boxes(entities []pii.ImageEntity, p Policy) []pii.Region {
	type cand struct {
		ent    pii.Entity
		box    pii.ImageBox
		area   int
		text   string
		offset int
	}
	var cs []cand
	for _, e := range entities {
		texts := boxTexts(e)
		off := 0
		for i, b := range e.Boxes {
			n := utf8.RuneCountInString(texts[i])
			if b.W > 0 && b.H > 0 {
				cs = append(cs, cand{ent: e.Entity, box: b, area: b.Area(), text: texts[i], offset: off})
			}
			off += n
		}
	}
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].area != cs[j].area {
			return cs[i].area > cs[j].area
		}
		if p.TieBreak != TieFirst && cs[i].ent.Score != cs[j].ent.Score {
			return cs[i].ent.Score > cs[j].ent.Score
		}
		return cs[i].ent.Start < cs[j].ent.Start
	})

	var kept []cand
	for _, c := range cs {
		clash := false
		for _, k := range kept {
			if c.box == k.box {
				clash = true
				break
			}
			if c.box.Intersects(k.box) && c.ent != k.ent {
				clash = true
				break
			}
		}
		if !clash {
			kept = append(kept, c)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].box.Y != kept[j].box.Y {
			return kept[i].box.Y < kept[j].box.Y
		}
		return kept[i].box.X < kept[j].box.X
	})

	ids := map[pii.Entity]int{}
	regions := make([]pii.Region, 0, len(kept))
	for _, k := range kept {
		id, ok := ids[k.ent]
		if !ok {
			id = len(ids)
			ids[k.ent] = id
		}
		regions = append(regions, pii.Region{
			EntityID: id,
			Entity:   k.ent,
			Text:     k.text,
			End:      utf8.RuneCountInString(k.text),
			Offset:   k.offset,
			Target:   k.box,
		})
	}
	return regions
}

// boxTexts returns the text each box of e covers. Without per-box text
// from the detector, the entity text is split across boxes in proportion
// to their widths.
func boxTexts(e pii.ImageEntity) []string {
	if len(e.BoxText) == len(e.Boxes) {
		return e.BoxText
	}
	out := make([]string, len(e.Boxes))
	if len(e.Boxes) == 1 {
		out[0] = e.Text
		return out
	}
	runes := []rune(e.Text)
	total := 0
	for _, b := range e.Boxes {
		total += max(b.W, 0)
	}
	if total == 0 {
		return out
	}
	cum, prev := 0, 0
	for i, b := range e.Boxes {
		cum += max(b.W, 0)
		end := (len(runes)*cum + total/2) / total
		if i == len(e.Boxes)-1 {
			end = len(runes)
		}
		out[i] = string(runes[prev:end])
		prev = end
	}
	return out
}
