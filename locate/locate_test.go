package locate

import (
	"testing"

	"github.com/brunobiangulo/goredact/pii"
)

// runResolver maps every segment range to a TextRun and rejects segments
// whose ID starts with "blank".
type runResolver struct{}

func (runResolver) Resolve(seg pii.Segment, start, end int) (pii.Target, bool) {
	if len(seg.ID) >= 5 && seg.ID[:5] == "blank" {
		return nil, false
	}
	return pii.TextRun{Part: seg.ID, Run: start}, true
}

func text() pii.FlattenedText {
	return pii.FlattenedText{
		{ID: "r0", Text: "Contact: 张"},
		{ID: "r1", Text: "三"},
		pii.Sep("\n"),
		{ID: "r2", Text: "13812345678   "},
		{ID: "blank0", Text: "xx"},
	}
}

// ----- overlap -----

func TestResolveWiderWins(t *testing.T) {
	ents := []pii.Entity{
		{Start: 2, End: 5, Type: "B", Score: 0.99},
		{Start: 0, End: 10, Type: "A", Score: 0.5},
	}
	kept := Resolve(ents, DefaultPolicy())
	if len(kept) != 1 || kept[0].Start != 0 || kept[0].End != 10 {
		t.Fatalf("kept = %+v, want only [0,10)", kept)
	}
}

func TestResolveTieBreak(t *testing.T) {
	ents := []pii.Entity{
		{Start: 0, End: 4, Type: "A", Score: 0.5},
		{Start: 2, End: 6, Type: "B", Score: 0.9},
		{Start: 10, End: 12, Type: "C", Score: 0.1},
	}
	tests := []struct {
		policy TieBreak
		want   string
	}{
		{TieScore, "BC"},
		{TieFirst, "AC"},
	}
	for _, tt := range tests {
		kept := Resolve(ents, Policy{TieBreak: tt.policy})
		got := ""
		for _, e := range kept {
			got += e.Type
		}
		if got != tt.want {
			t.Errorf("%s: kept %s, want %s", tt.policy, got, tt.want)
		}
	}
}

// ----- Locate -----

func TestLocateSplitsAcrossSegments(t *testing.T) {
	idx := pii.NewOffsetIndex(text())
	// "张三" spans r0 and r1.
	regions := Locate([]pii.Entity{{Start: 9, End: 11, Type: "PERSON", Score: 0.9}}, idx, runResolver{}, DefaultPolicy())
	if len(regions) != 2 {
		t.Fatalf("got %d regions, want 2", len(regions))
	}
	if regions[0].EntityID != regions[1].EntityID {
		t.Error("regions of one entity should share an id")
	}
	if regions[0].Text != "张" || regions[1].Text != "三" {
		t.Errorf("texts = %q, %q", regions[0].Text, regions[1].Text)
	}
}

func TestLocateDropsSyntheticWhitespaceAndUnresolved(t *testing.T) {
	idx := pii.NewOffsetIndex(text())
	// [11,12) is the synthetic newline, [23,26) is trailing spaces of r2,
	// [26,28) is rejected by the resolver.
	ents := []pii.Entity{
		{Start: 11, End: 12, Type: "NOISE"},
		{Start: 23, End: 26, Type: "NOISE"},
		{Start: 26, End: 28, Type: "NOISE"},
	}
	if regions := Locate(ents, idx, runResolver{}, DefaultPolicy()); len(regions) != 0 {
		t.Errorf("expected all regions dropped, got %+v", regions)
	}
}

func TestLocateRegionsWithinBounds(t *testing.T) {
	ft := text()
	idx := pii.NewOffsetIndex(ft)
	ents := []pii.Entity{
		{Start: 0, End: 7, Type: "A"},
		{Start: 9, End: 23, Type: "B"},
		{Start: 20, End: 100, Type: "C"},
	}
	for _, r := range Locate(ents, idx, runResolver{}, DefaultPolicy()) {
		start, end, ok := idx.Bounds(r.SegmentID)
		if !ok {
			t.Fatalf("region segment %q not indexed", r.SegmentID)
		}
		if r.Start < 0 || start+r.End > end || r.Start >= r.End {
			t.Errorf("region %v outside segment bounds [%d,%d)", r, start, end)
		}
	}
}

func TestLocateFillsEntityText(t *testing.T) {
	idx := pii.NewOffsetIndex(text())
	ents := []pii.Entity{
		{Start: 9, End: 11, Type: "PERSON", Score: 0.9},
		{Start: 12, End: 23, Type: "PHONE_NUMBER", Score: 0.8, Text: "kept as given"},
	}
	regions := Locate(ents, idx, runResolver{}, DefaultPolicy())
	if len(regions) != 3 {
		t.Fatalf("got %d regions, want 3", len(regions))
	}
	for _, r := range regions[:2] {
		if r.Entity.Text != "张三" {
			t.Errorf("entity text = %q, want 张三", r.Entity.Text)
		}
	}
	if regions[2].Entity.Text != "kept as given" {
		t.Errorf("detector text overwritten: %q", regions[2].Entity.Text)
	}
}

// ----- Boxes -----

func TestBoxesPassThrough(t *testing.T) {
	a := pii.Entity{Start: 0, End: 11, Type: "PHONE_NUMBER", Score: 0.8, Text: "13812345678"}
	b := pii.Entity{Start: 3, End: 5, Type: "PERSON", Score: 0.9, Text: "张三"}
	regions := Boxes([]pii.ImageEntity{
		{Entity: a, Boxes: []pii.ImageBox{{X: 10, Y: 10, W: 100, H: 20}}},
		{Entity: b, Boxes: []pii.ImageBox{{X: 20, Y: 12, W: 10, H: 10}, {X: 0, Y: 50, W: 10, H: 10}}},
	}, DefaultPolicy())

	if len(regions) != 2 {
		t.Fatalf("got %d regions, want 2", len(regions))
	}
	for _, r := range regions {
		box, ok := r.Target.(pii.ImageBox)
		if !ok {
			t.Fatalf("target %T, want ImageBox", r.Target)
		}
		if box.X == 20 {
			t.Error("nested smaller box should be discarded")
		}
	}
}

func TestBoxesSplitTextPerBox(t *testing.T) {
	e := pii.Entity{Start: 0, End: 9, Type: "PERSON", Score: 0.9, Text: "John Smit"}
	a := pii.ImageBox{X: 0, Y: 0, W: 40, H: 10}
	b := pii.ImageBox{X: 50, Y: 0, W: 50, H: 10}

	tests := []struct {
		name string
		ent  pii.ImageEntity
		want []string
	}{
		{"detector text", pii.ImageEntity{Entity: e, Boxes: []pii.ImageBox{a, b}, BoxText: []string{"John", "Smit"}}, []string{"John", "Smit"}},
		{"split by width", pii.ImageEntity{Entity: e, Boxes: []pii.ImageBox{a, b}}, []string{"John", " Smit"}},
		{"single box", pii.ImageEntity{Entity: e, Boxes: []pii.ImageBox{a}}, []string{"John Smit"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			regions := Boxes([]pii.ImageEntity{tt.ent}, DefaultPolicy())
			if len(regions) != len(tt.want) {
				t.Fatalf("got %d regions, want %d", len(regions), len(tt.want))
			}
			for i, r := range regions {
				if r.Text != tt.want[i] {
					t.Errorf("region %d text = %q, want %q", i, r.Text, tt.want[i])
				}
				if r.Entity.Text != e.Text {
					t.Errorf("region %d entity text = %q", i, r.Entity.Text)
				}
			}
		})
	}
}
