package excel

import (
	"path/filepath"
	"testing"
)

func TestWriteTemplateReadTableRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "template.xlsx")
	headers := []string{"Name", "Email", "Score"}
	if err := WriteTemplate(path, headers); err != nil {
		t.Fatal(err)
	}
	tbl, err := ReadTable(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(tbl.Headers) != 3 || tbl.Headers[0] != "Name" || tbl.Headers[2] != "Score" {
		t.Fatalf("unexpected headers %v", tbl.Headers)
	}
	// Blank filler rows must not surface as data rows.
	if len(tbl.Rows) != 0 {
		t.Fatalf("template should have no data rows, got %d", len(tbl.Rows))
	}
}

func TestWriteRowsReadTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "merged.xlsx")
	name, email := "Li", "li@example.com"
	rows := [][]*string{
		{&name, &email, nil},
	}
	if err := WriteRows(path, []string{"Name", "Email", "Score"}, rows); err != nil {
		t.Fatal(err)
	}
	tbl, err := ReadTable(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(tbl.Rows) != 1 {
		t.Fatalf("want 1 data row, got %d", len(tbl.Rows))
	}
	row := tbl.Rows[0]
	if row[0] == nil || *row[0] != "Li" {
		t.Fatalf("unexpected first cell %v", row[0])
	}
	if row[2] != nil {
		t.Fatalf("nil cell should stay empty, got %v", *row[2])
	}
}

// Callers pass per-task and per-aggregation subdirectories that do not
// exist yet; both writers must create them.
func TestWritersCreateParentDirectories(t *testing.T) {
	dir := t.TempDir()
	tmplPath := filepath.Join(dir, "outbound", "task-1", "survey.xlsx")
	if err := WriteTemplate(tmplPath, []string{"Name"}); err != nil {
		t.Fatalf("write template into missing dir: %v", err)
	}
	name := "Li"
	mergedPath := filepath.Join(dir, "aggregation", "agg-1", "survey_merged.xlsx")
	if err := WriteRows(mergedPath, []string{"Name"}, [][]*string{{&name}}); err != nil {
		t.Fatalf("write rows into missing dir: %v", err)
	}
	tbl, err := ReadTable(mergedPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(tbl.Rows) != 1 {
		t.Fatalf("want 1 data row, got %d", len(tbl.Rows))
	}
}

func TestHeaderIndexTrimsAndKeepsFirst(t *testing.T) {
	tbl := &Table{Headers: []string{"Name", "Email", "Name"}}
	idx := tbl.HeaderIndex()
	if idx["Name"] != 0 {
		t.Fatalf("duplicate header should keep first position, got %d", idx["Name"])
	}
	if idx["Email"] != 1 {
		t.Fatalf("unexpected index %v", idx)
	}
}

func TestSpreadsheetExtensions(t *testing.T) {
	if !IsSpreadsheet("reply.XLSX") || !IsSpreadsheet("reply.xls") {
		t.Fatalf("xlsx/xls should be recognized")
	}
	if IsSpreadsheet("reply.csv") || IsSpreadsheet("reply") {
		t.Fatalf("other extensions should not be recognized")
	}
	if !IsLegacyFormat("reply.xls") || IsLegacyFormat("reply.xlsx") {
		t.Fatalf("legacy detection wrong")
	}
	if _, err := ReadTable("reply.xls"); err == nil {
		t.Fatalf("legacy format should be refused")
	}
}
