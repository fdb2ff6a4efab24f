package format

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/brunobiangulo/goredact/strategy"
)

func xlsxFixture(t *testing.T) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	rows := [][]string{
		{"Name", "Phone", "Length"},
		{"张三", "13812345678"},
	}
	for r, row := range rows {
		for c, v := range row {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+1)
			f.SetCellStr("Sheet1", cell, v)
		}
	}
	f.SetCellFormula("Sheet1", "C2", "LEN(B2)")
	f.SetCellBool("Sheet1", "D2", true)
	if _, err := f.NewSheet("Contacts"); err != nil {
		t.Fatal(err)
	}
	f.SetCellStr("Contacts", "A1", "alice@example.com")

	path := filepath.Join(t.TempDir(), "people.xlsx")
	if err := f.SaveAs(path); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestXLSXExtract(t *testing.T) {
	src := xlsxFixture(t)
	if got, want := extractText(t, &XLSXHandler{}, src), "Name\tPhone\tLength\n张三\t13812345678\nalice@example.com"; got != want {
		t.Errorf("text = %q, want %q", got, want)
	}

	sheets, err := Sheets(src)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(sheets, []string{"Sheet1", "Contacts"}) {
		t.Errorf("Sheets = %v", sheets)
	}
}

func TestXLSXFilters(t *testing.T) {
	src := xlsxFixture(t)
	tests := []struct {
		name string
		opts ExtractOptions
		want string
	}{
		{"columns", ExtractOptions{Columns: []string{"phone"}}, "13812345678"},
		{"sheets", ExtractOptions{Sheets: []string{"Contacts"}}, "alice@example.com"},
		{"no match", ExtractOptions{Columns: []string{"Address"}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, ft, err := (&XLSXHandler{}).Extract(context.Background(), src, tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			defer doc.Close()
			if got := ft.String(); got != tt.want {
				t.Errorf("text = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestXLSXFakeKeepsFormulas(t *testing.T) {
	src := xlsxFixture(t)
	out := filepath.Join(t.TempDir(), "out.xlsx")
	// "Name\tPhone\tLength\n" is 18 runes; the name cell is 18..20, the
	// phone 21..32.
	redact(t, &XLSXHandler{}, src, out, strategy.Fake, strategy.Options{Seed: 9, Language: "zh"},
		entity("PERSON", 18, 20),
		entity("PHONE_NUMBER", 21, 32),
	)

	f, err := excelize.OpenFile(out)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	name, _ := f.GetCellValue("Sheet1", "A2")
	phone, _ := f.GetCellValue("Sheet1", "B2")
	if name == "张三" || name == "" {
		t.Errorf("name not replaced: %q", name)
	}
	if phone == "13812345678" || phone == "" {
		t.Errorf("phone not replaced: %q", phone)
	}
	if formula, _ := f.GetCellFormula("Sheet1", "C2"); formula != "LEN(B2)" {
		t.Errorf("formula = %q", formula)
	}
	if email, _ := f.GetCellValue("Contacts", "A1"); email != "alice@example.com" {
		t.Errorf("untouched cell changed: %q", email)
	}
}
