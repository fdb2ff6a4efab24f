package format

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/brunobiangulo/goredact/pii"
	"github.com/brunobiangulo/goredact/strategy"
)

// XLSXHandler redacts spreadsheet cell values. Formula cells are left alone
// so formulas survive.
type XLSXHandler struct{}

func (h *XLSXHandler) Kind() Kind           { return Excel }
func (h *XLSXHandler) Extensions() []string { return []string{".xlsx"} }
func (h *XLSXHandler) Methods() []strategy.Method {
	return []strategy.Method{strategy.Fake, strategy.Mask, strategy.Encrypt}
}

// Sheets lists the sheet names of a workbook in tab order.
func Sheets(path string) ([]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening XLSX: %v", ErrCorrupt, err)
	}
	defer f.Close()
	return f.GetSheetList(), nil
}

type xlsxCell struct {
	sheet string
	row   int
	col   int
	text  string
}

type xlsxHandle struct {
	src    string
	f      *excelize.File
	sheets []string
	cells  map[string]xlsxCell
	edits  editLog
}

func (h *XLSXHandler) Extract(ctx context.Context, src string, opts ExtractOptions) (Handle, pii.FlattenedText, error) {
	f, err := excelize.OpenFile(src)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: opening XLSX: %v", ErrCorrupt, err)
	}
	xh := &xlsxHandle{src: src, f: f, cells: map[string]xlsxCell{}, edits: editLog{}}

	var ft pii.FlattenedText
	for _, sheet := range f.GetSheetList() {
		if !selected(opts.Sheets, sheet) {
			continue
		}
		if err := ctx.Err(); err != nil {
			f.Close()
			return nil, nil, err
		}
		rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("%w: reading sheet %s: %v", ErrCorrupt, sheet, err)
		}
		if len(rows) == 0 {
			continue
		}
		xh.sheets = append(xh.sheets, sheet)

		cols := columnFilter(rows[0], opts.Columns)
		for r, row := range rows {
			if cols != nil && r == 0 {
				continue
			}
			wroteRow := false
			for c, val := range row {
				if val == "" || (cols != nil && !cols[c]) {
					continue
				}
				cell, _ := excelize.CoordinatesToCellName(c+1, r+1)
				if !xh.editable(sheet, cell) {
					continue
				}
				if len(ft) > 0 {
					if wroteRow {
						ft = append(ft, pii.Sep("\t"))
					} else {
						ft = append(ft, pii.Sep("\n"))
					}
				}
				id := sheet + "!" + cell
				xh.cells[id] = xlsxCell{sheet: sheet, row: r + 1, col: c + 1, text: val}
				ft = append(ft, pii.Segment{ID: id, Text: val})
				wroteRow = true
			}
		}
	}
	if opts.Columns != nil && len(xh.cells) == 0 {
		slog.Warn("xlsx: no matching columns, nothing to redact", "file", filepath.Base(src), "columns", opts.Columns)
	}
	slog.Debug("xlsx: extracted", "file", filepath.Base(src), "sheets", len(xh.sheets), "cells", len(xh.cells))
	return xh, ft, nil
}

// editable reports whether a cell holds a value that can be rewritten as a
// string: formulas, booleans and error values are skipped.
func (h *xlsxHandle) editable(sheet, cell string) bool {
	if formula, err := h.f.GetCellFormula(sheet, cell); err != nil || formula != "" {
		return false
	}
	typ, err := h.f.GetCellType(sheet, cell)
	if err != nil {
		return false
	}
	switch typ {
	case excelize.CellTypeBool, excelize.CellTypeError, excelize.CellTypeFormula:
		return false
	}
	return true
}

func selected(names []string, name string) bool {
	if len(names) == 0 {
		return true
	}
	for _, n := range names {
		if strings.EqualFold(strings.TrimSpace(n), name) {
			return true
		}
	}
	return false
}

// columnFilter maps column indexes whose header matches one of names. It
// returns nil when no filter was requested.
func columnFilter(header []string, names []string) map[int]bool {
	if len(names) == 0 {
		return nil
	}
	cols := map[int]bool{}
	for i, h := range header {
		if selected(names, strings.TrimSpace(h)) {
			cols[i] = true
		}
	}
	return cols
}

func (h *xlsxHandle) Resolve(seg pii.Segment, start, end int) (pii.Target, bool) {
	c, ok := h.cells[seg.ID]
	if !ok || start >= end {
		return nil, false
	}
	return pii.CellRange{Sheet: c.sheet, Row: c.row, Col: c.col}, true
}

func (h *xlsxHandle) Edits() int { return h.edits.count() }

func (h *xlsxHandle) ReplaceText(r pii.Region, text string) error {
	c, ok := h.cells[r.SegmentID]
	if !ok {
		return fmt.Errorf("unknown cell %q", r.SegmentID)
	}
	if err := checkRange(pii.Segment{ID: r.SegmentID, Text: c.text}, r.Start, r.End); err != nil {
		return err
	}
	return h.edits.add(r.SegmentID, r.Start, r.End, text)
}

// Reconstruct applies edits sheet by sheet. When a sheet fails after others
// were applied, the workbook is still written and a *PartialError is
// returned alongside the path.
func (h *xlsxHandle) Reconstruct(ctx context.Context, outputPath string) (string, error) {
	if h.Edits() == 0 {
		if err := copyFile(ctx, h.src, outputPath); err != nil {
			return "", err
		}
		return outputPath, nil
	}

	bySheet := map[string][]string{}
	for id := range h.edits {
		c := h.cells[id]
		bySheet[c.sheet] = append(bySheet[c.sheet], id)
	}

	var partial *PartialError
	var done []string
	for _, sheet := range h.sheets {
		ids, ok := bySheet[sheet]
		if !ok {
			continue
		}
		if err := h.applySheet(ids); err != nil {
			if len(done) == 0 {
				return "", fmt.Errorf("sheet %s: %w", sheet, err)
			}
			if partial == nil {
				partial = &PartialError{Err: err}
			}
			partial.Failed = append(partial.Failed, sheet)
			slog.Warn("xlsx: sheet failed", "sheet", sheet, "error", err)
			continue
		}
		done = append(done, sheet)
	}

	err := writeAtomic(ctx, outputPath, func(w io.Writer) error {
		_, err := h.f.WriteTo(w)
		return err
	})
	if err != nil {
		return "", err
	}
	if partial != nil {
		partial.Done = done
		return outputPath, partial
	}
	return outputPath, nil
}

func (h *xlsxHandle) applySheet(ids []string) error {
	for _, id := range ids {
		c := h.cells[id]
		cell, err := excelize.CoordinatesToCellName(c.col, c.row)
		if err != nil {
			return err
		}
		if err := h.f.SetCellStr(c.sheet, cell, h.edits.apply(id, c.text)); err != nil {
			return fmt.Errorf("%s: %w", cell, err)
		}
	}
	return nil
}

func (h *xlsxHandle) Close() error { return h.f.Close() }
