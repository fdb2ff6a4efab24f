package goredact

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/brunobiangulo/goredact/strategy"
)

func TestOutputName(t *testing.T) {
	tests := []struct {
		input  string
		method strategy.Method
		opts   strategy.Options
		want   string
	}{
		{"report.pdf", strategy.Mask, strategy.Options{}, "report_anonymous_mask.pdf"},
		{"/in/report.pdf", strategy.Color, strategy.Options{Color: "Red"}, "report_anonymous_color_red.pdf"},
		{"report.pdf", strategy.Color, strategy.Options{}, "report_anonymous_color_white.pdf"},
		{"report.pdf", strategy.Char, strategy.Options{Char: "*"}, "report_anonymous_char.pdf"},
		{"report.pdf", strategy.Char, strategy.Options{}, "report_anonymous_char.pdf"},
		{"scan.png", strategy.Char, strategy.Options{Char: "x"}, "scan_anonymous_char_x.png"},
		{"scan.png", strategy.Char, strategy.Options{Char: "#"}, "scan_anonymous_char_#.png"},
		{"scan.png", strategy.Char, strategy.Options{Char: "/"}, "scan_anonymous_char_u002f.png"},
		{"scan.png", strategy.Char, strategy.Options{Char: "█"}, "scan_anonymous_char_u2588.png"},
		{"people.xlsx", strategy.Encrypt, strategy.Options{PIN: "123456"}, "people_anonymous_encrypted.xlsx"},
		{"合同.docx", strategy.Fake, strategy.Options{}, "合同_anonymous_fake.docx"},
		{"0b8a4c7e-3f9d-4e1a-9c2b-5d6e7f8a9b0c_people.xlsx", strategy.Mask, strategy.Options{}, "people_anonymous_mask.xlsx"},
		{"not-a-uuid_people.xlsx", strategy.Mask, strategy.Options{}, "not-a-uuid_people_anonymous_mask.xlsx"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := OutputName(tt.input, tt.method, tt.opts); got != tt.want {
				t.Errorf("OutputName(%q, %s) = %q, want %q", tt.input, tt.method, got, tt.want)
			}
		})
	}
}

func TestReserveSkipsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a_anonymous_mask.pdf"), nil, 0644)
	os.WriteFile(filepath.Join(dir, "a_anonymous_mask (1).pdf"), nil, 0644)

	names := newOutputNames()
	got, err := names.reserve(dir, "a_anonymous_mask.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, "a_anonymous_mask (2).pdf"); got != want {
		t.Errorf("reserve = %q, want %q", got, want)
	}
}

func TestReserveCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "deep", "out")
	names := newOutputNames()
	if _, err := names.reserve(dir, "x.pdf"); err != nil {
		t.Fatal(err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("output dir not created: %v", err)
	}
}

func TestReserveConcurrentUnique(t *testing.T) {
	dir := t.TempDir()
	names := newOutputNames()

	const n = 16
	got := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := names.reserve(dir, "report_anonymous_mask.pdf")
			if err != nil {
				t.Error(err)
			}
			got[i] = p
		}()
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, p := range got {
		if seen[p] {
			t.Fatalf("path handed out twice: %s", p)
		}
		seen[p] = true
	}

	names.release(filepath.Join(dir, "report_anonymous_mask.pdf"))
	p, _ := names.reserve(dir, "report_anonymous_mask.pdf")
	if p != filepath.Join(dir, "report_anonymous_mask.pdf") {
		t.Errorf("released name not reused: %s", p)
	}
}
