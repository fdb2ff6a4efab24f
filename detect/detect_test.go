package detect

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/brunobiangulo/goredact/pii"
)

// ----- Regex -----

func TestRegexChinesePhoneAndID(t *testing.T) {
	r := NewRegex()
	text := "联系人张三，电话13812345678，身份证110101199003071234。"
	ents, err := r.Detect(context.Background(), text, "zh")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}

	found := map[string]string{}
	for _, e := range ents {
		found[e.Type] = e.Text
		if got := string([]rune(text)[e.Start:e.End]); got != e.Text {
			t.Errorf("%s: rune offsets select %q, Text is %q", e.Type, got, e.Text)
		}
	}
	if found["PHONE_NUMBER"] != "13812345678" {
		t.Errorf("phone = %q", found["PHONE_NUMBER"])
	}
	if found["CN_ID_CARD"] != "110101199003071234" {
		t.Errorf("id card = %q", found["CN_ID_CARD"])
	}
}

func TestRegexCustomPatternAndNames(t *testing.T) {
	r := NewRegex()
	if err := r.AddPattern("EMPLOYEE_ID", `EMP-\d{4}`, 0.7); err != nil {
		t.Fatalf("AddPattern: %v", err)
	}
	if err := r.AddPattern("BAD", `(`, 0.7); err == nil {
		t.Error("expected compile error")
	}
	r.AddNames("张三")

	ents, err := r.Detect(context.Background(), "EMP-1234 张三 and 张三", "zh")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	var ids, names int
	for _, e := range ents {
		switch e.Type {
		case "EMPLOYEE_ID":
			ids++
		case "PERSON":
			names++
		}
	}
	if ids != 1 || names != 2 {
		t.Errorf("got %d ids, %d names; want 1, 2", ids, names)
	}
}

func TestRegexThresholdAndLanguage(t *testing.T) {
	r := NewRegex()
	r.SetThreshold(0.7)
	// US phone pattern scores 0.6 and only applies to en.
	ents, _ := r.Detect(context.Background(), "call 415-555-0100", "en")
	if len(ents) != 0 {
		t.Errorf("expected US phone to be filtered by threshold, got %+v", ents)
	}
	r.SetThreshold(0.4)
	ents, _ = r.Detect(context.Background(), "call 415-555-0100", "zh")
	if len(ents) != 0 {
		t.Errorf("expected en-only pattern to skip zh, got %+v", ents)
	}
	ents, _ = r.Detect(context.Background(), "call 415-555-0100", "en")
	if len(ents) != 1 {
		t.Errorf("expected one en phone, got %+v", ents)
	}
}

func TestLuhn(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"4111 1111 1111 1111", true},
		{"4111-1111-1111-1112", false},
		{"1234", false},
	}
	for _, tt := range tests {
		if got := luhn(tt.in); got != tt.want {
			t.Errorf("luhn(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// ----- ordering -----

func TestSortStartThenLonger(t *testing.T) {
	ents := []pii.Entity{
		{Start: 5, End: 6, Type: "A"},
		{Start: 0, End: 3, Type: "B"},
		{Start: 0, End: 10, Type: "C"},
		{Start: 0, End: 10, Type: "D", Score: 0.9},
	}
	Sort(ents)
	order := ""
	for _, e := range ents {
		order += e.Type
	}
	if order != "DCBA" {
		t.Errorf("order = %s, want DCBA", order)
	}
}

// ----- Presidio -----

func TestPresidioDetect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/analyze" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req analyzeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Language != "en" {
			http.Error(w, "bad language", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode([]analyzeResult{
			{EntityType: "PHONE_NUMBER", Start: 13, End: 24, Score: 0.95},
			{EntityType: "PERSON", Start: 9, End: 11, Score: 0.85},
			{EntityType: "NOISE", Start: 0, End: 3, Score: 0.1},
		})
	}))
	defer srv.Close()

	p := NewPresidio(srv.URL + "/")
	ents, err := p.Detect(context.Background(), "Contact: 张三, 13812345678", "en")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(ents) != 2 {
		t.Fatalf("got %d entities, want 2 (low score dropped)", len(ents))
	}
	if ents[0].Type != "PERSON" || ents[0].Text != "张三" {
		t.Errorf("first entity = %+v", ents[0])
	}
	if ents[1].Text != "13812345678" {
		t.Errorf("second entity text = %q", ents[1].Text)
	}
}

func TestPresidioUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewPresidio(srv.URL).Detect(context.Background(), "text", "en")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}

	// Closed server: transport error.
	url := srv.URL
	srv.Close()
	_, err = NewPresidio(url, WithTimeout(time.Second)).Detect(context.Background(), "text", "en")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("closed server err = %v, want ErrUnavailable", err)
	}
}

// ----- Chain -----

type stubDetector struct {
	ents []pii.Entity
	err  error
}

func (s stubDetector) Detect(context.Context, string, string) ([]pii.Entity, error) {
	return s.ents, s.err
}

func TestChainMergesAndFails(t *testing.T) {
	a := stubDetector{ents: []pii.Entity{{Start: 4, End: 8, Type: "X", Score: 0.5}}}
	b := stubDetector{ents: []pii.Entity{{Start: 4, End: 8, Type: "X", Score: 0.9}, {Start: 0, End: 2, Type: "Y"}}}

	ents, err := Chain{a, b}.Detect(context.Background(), "", "en")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(ents) != 2 || ents[0].Type != "Y" || ents[1].Score != 0.9 {
		t.Errorf("merged = %+v", ents)
	}

	_, err = Chain{a, stubDetector{err: ErrUnavailable}}.Detect(context.Background(), "", "en")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

// ----- OCR -----

type stubOCR struct{ words []Word }

func (s stubOCR) Words(context.Context, []byte, []string) ([]Word, error) { return s.words, nil }

func TestOCRDetectorMapsBoxes(t *testing.T) {
	ocr := stubOCR{words: []Word{
		{Text: "电话", Box: pii.ImageBox{X: 0, Y: 0, W: 30, H: 10}, Confidence: 90, Line: 1},
		{Text: "13812345678", Box: pii.ImageBox{X: 40, Y: 0, W: 100, H: 10}, Confidence: 88, Line: 1},
		{Text: "13900000000", Box: pii.ImageBox{X: 0, Y: 20, W: 100, H: 10}, Confidence: 10, Line: 2},
	}}
	d := NewOCRDetector(ocr, NewRegex())
	ents, err := d.DetectImage(context.Background(), nil, "zh")
	if err != nil {
		t.Fatalf("DetectImage: %v", err)
	}
	if len(ents) != 1 {
		t.Fatalf("got %d entities, want 1 (low-confidence word ignored)", len(ents))
	}
	if len(ents[0].Boxes) != 1 || ents[0].Boxes[0].X != 40 {
		t.Errorf("boxes = %+v", ents[0].Boxes)
	}
}

func TestOCRLanguages(t *testing.T) {
	if got := OCRLanguages("zh"); len(got) != 2 || got[0] != "chi_sim" {
		t.Errorf("zh = %v", got)
	}
	if got := OCRLanguages("en"); len(got) != 1 || got[0] != "eng" {
		t.Errorf("en = %v", got)
	}
}
