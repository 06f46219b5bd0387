// Package excel wraps the xlsx handling: the blank template sent to
// recipients, parsing of returned attachments, and the merged artifact.
package excel

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

const defaultSheet = "Sheet1"

// Blank rows appended under the header in generated templates.
const templateBlankRows = 5

// IsSpreadsheet reports whether the file name carries a recognized
// spreadsheet extension.
func IsSpreadsheet(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".xls":
		return true
	}
	return false
}

// IsLegacyFormat reports the old binary .xls format, which cannot be parsed
// here (OOXML only) and is skipped with a warning.
func IsLegacyFormat(name string) bool {
	return strings.ToLower(filepath.Ext(name)) == ".xls"
}

// WriteTemplate writes the blank collection spreadsheet: one header row in
// template field order plus a few empty rows.
func WriteTemplate(path string, headers []string) error {
	f := excelize.NewFile()
	defer f.Close()
	for i, h := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(defaultSheet, cell, h); err != nil {
			return err
		}
	}
	for r := 0; r < templateBlankRows; r++ {
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(defaultSheet, cell, ""); err != nil {
			return err
		}
	}
	return saveAs(f, path)
}

// saveAs writes the workbook, creating the parent directory first. SaveAs
// itself fails on a missing directory.
func saveAs(f *excelize.File, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return f.SaveAs(path)
}

// Table is a parsed single-sheet spreadsheet. Headers are trimmed; cells are
// nil where the source cell was empty.
type Table struct {
	Headers []string
	Rows    [][]*string
}

// ReadTable parses the first sheet of an xlsx file. The first row is the
// header row; remaining rows are data.
func ReadTable(path string) (*Table, error) {
	if IsLegacyFormat(path) {
		return nil, fmt.Errorf("legacy .xls format is not supported: %s", filepath.Base(path))
	}
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open spreadsheet: %w", err)
	}
	defer f.Close()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("spreadsheet has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("spreadsheet has no header row")
	}
	t := &Table{}
	for _, h := range rows[0] {
		t.Headers = append(t.Headers, strings.TrimSpace(h))
	}
	for _, raw := range rows[1:] {
		if emptyRow(raw) {
			continue
		}
		row := make([]*string, len(t.Headers))
		for i := range t.Headers {
			if i < len(raw) {
				if v := strings.TrimSpace(raw[i]); v != "" {
					row[i] = &v
				}
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// HeaderIndex maps trimmed header names to their column position. Matching
// against template field names is case-sensitive and exact.
func (t *Table) HeaderIndex() map[string]int {
	idx := make(map[string]int, len(t.Headers))
	for i, h := range t.Headers {
		if _, seen := idx[h]; !seen {
			idx[h] = i
		}
	}
	return idx
}

// WriteRows writes the merged artifact: the header row followed by one row
// per processed reply. Nil cells stay empty.
func WriteRows(path string, headers []string, rows [][]*string) error {
	f := excelize.NewFile()
	defer f.Close()
	write := func(rowNum int, values []*string) error {
		for i, v := range values {
			if v == nil {
				continue
			}
			cell, err := excelize.CoordinatesToCellName(i+1, rowNum)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(defaultSheet, cell, *v); err != nil {
				return err
			}
		}
		return nil
	}
	hdr := make([]*string, len(headers))
	for i := range headers {
		hdr[i] = &headers[i]
	}
	if err := write(1, hdr); err != nil {
		return err
	}
	for i, row := range rows {
		if err := write(i+2, row); err != nil {
			return err
		}
	}
	return saveAs(f, path)
}

func emptyRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
