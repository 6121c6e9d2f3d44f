package artifact

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ErrColumnMismatch is returned when appending rows with different columns.
var ErrColumnMismatch = errors.New("artifact: table columns do not match")

// Table is a rectangular block of string cells with named columns.
type Table struct {
	Columns []string
	Rows    [][]string
}

// Len returns the number of rows.
func (t Table) Len() int { return len(t.Rows) }

// Concat returns t followed by the rows of other.
func (t Table) Concat(other Table) (Table, error) {
	if !slices.Equal(t.Columns, other.Columns) {
		return Table{}, fmt.Errorf("%w: %v vs %v", ErrColumnMismatch, t.Columns, other.Columns)
	}
	rows := make([][]string, 0, len(t.Rows)+len(other.Rows))
	rows = append(rows, t.Rows...)
	rows = append(rows, other.Rows...)
	return Table{Columns: t.Columns, Rows: rows}, nil
}

func asTable(data any) (Table, error) {
	switch t := data.(type) {
	case Table:
		return t, nil
	case *Table:
		if t == nil {
			return Table{}, fmt.Errorf("%w: nil table", ErrUnsupportedData)
		}
		return *t, nil
	default:
		return Table{}, fmt.Errorf("%w: table adapter got %T", ErrUnsupportedData, data)
	}
}

func describeTable(t Table, meta map[string]any) {
	cols := make([]any, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = c
	}
	meta["columns"] = cols
	meta["rows"] = len(t.Rows)
}

// Keys the table adapters compute themselves and never embed in payloads.
var tableKeys = map[string]bool{"columns": true, "rows": true}

// embeddable returns the scalar entries of meta in key order.
func embeddable(meta map[string]any) [][2]string {
	var out [][2]string
	for k, v := range meta {
		if tableKeys[k] || strings.ContainsAny(k, " \r\n") {
			continue
		}
		switch v.(type) {
		case string, bool, int, int64, float64, uint64:
			value := strings.NewReplacer("\r", " ", "\n", " ").Replace(fmt.Sprint(v))
			out = append(out, [2]string{k, value})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// CSVTable stores a Table as CSV. Scalar metadata is kept inside the file
// as leading "# key value" lines so the payload stays self-describing.
type CSVTable struct{}

func (CSVTable) ClassID() string { return "csv_table" }

func (CSVTable) PreferredFilename(basename string) string { return withExt(basename, ".csv") }

func (CSVTable) Serialize(data any, meta map[string]any) ([]byte, error) {
	t, err := asTable(data)
	if err != nil {
		return nil, err
	}
	meta = ensureMeta(meta)
	var buf bytes.Buffer
	for _, kv := range embeddable(meta) {
		fmt.Fprintf(&buf, "# %s %s\n", kv[0], kv[1])
	}
	w := csv.NewWriter(&buf)
	if err := w.Write(t.Columns); err != nil {
		return nil, err
	}
	if err := w.WriteAll(t.Rows); err != nil {
		return nil, err
	}
	describeTable(t, meta)
	return buf.Bytes(), nil
}

func (CSVTable) Deserialize(payload []byte, meta map[string]any) (any, error) {
	t, header, err := readCSV(payload)
	if err != nil {
		return nil, err
	}
	if meta != nil {
		for k, v := range header {
			if _, ok := meta[k]; !ok {
				meta[k] = v
			}
		}
	}
	return t, nil
}

func (c CSVTable) Append(existing []byte, data any, meta map[string]any) ([]byte, error) {
	more, err := asTable(data)
	if err != nil {
		return nil, err
	}
	current, header, err := readCSV(existing)
	if err != nil {
		return nil, err
	}
	merged, err := current.Concat(more)
	if err != nil {
		return nil, err
	}
	meta = ensureMeta(meta)
	for k, v := range header {
		if _, ok := meta[k]; !ok {
			meta[k] = v
		}
	}
	return c.Serialize(merged, meta)
}

func readCSV(payload []byte) (Table, map[string]any, error) {
	header := map[string]any{}
	sc := bufio.NewScanner(bytes.NewReader(payload))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "#") {
			break
		}
		key, value, _ := strings.Cut(strings.TrimSpace(strings.TrimPrefix(line, "#")), " ")
		if key != "" {
			header[key] = value
		}
	}

	r := csv.NewReader(bytes.NewReader(payload))
	r.Comment = '#'
	records, err := r.ReadAll()
	if err != nil {
		return Table{}, nil, fmt.Errorf("csv payload: %w", err)
	}
	if len(records) == 0 {
		return Table{}, header, nil
	}
	return Table{Columns: records[0], Rows: records[1:]}, header, nil
}

const (
	xlsxDataSheet = "data"
	xlsxMetaSheet = "metadata"
)

// XLSXTable stores a Table as an Excel workbook. Scalar metadata goes to a
// second sheet of key/value rows.
type XLSXTable struct{}

func (XLSXTable) ClassID() string { return "xlsx_table" }

func (XLSXTable) PreferredFilename(basename string) string { return withExt(basename, ".xlsx") }

func (XLSXTable) Serialize(data any, meta map[string]any) ([]byte, error) {
	t, err := asTable(data)
	if err != nil {
		return nil, err
	}
	meta = ensureMeta(meta)

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName(f.GetSheetName(0), xlsxDataSheet); err != nil {
		return nil, err
	}
	if err := writeSheetRow(f, xlsxDataSheet, 1, t.Columns); err != nil {
		return nil, err
	}
	for i, row := range t.Rows {
		if err := writeSheetRow(f, xlsxDataSheet, i+2, row); err != nil {
			return nil, err
		}
	}
	if entries := embeddable(meta); len(entries) > 0 {
		if _, err := f.NewSheet(xlsxMetaSheet); err != nil {
			return nil, err
		}
		for i, kv := range entries {
			if err := writeSheetRow(f, xlsxMetaSheet, i+1, kv[:]); err != nil {
				return nil, err
			}
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx encode: %w", err)
	}
	describeTable(t, meta)
	return buf.Bytes(), nil
}

func writeSheetRow(f *excelize.File, sheet string, row int, cells []string) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	values := make([]any, len(cells))
	for i, c := range cells {
		values[i] = c
	}
	return f.SetSheetRow(sheet, cell, &values)
}

func (XLSXTable) Deserialize(payload []byte, meta map[string]any) (any, error) {
	t, header, err := readXLSX(payload)
	if err != nil {
		return nil, err
	}
	if meta != nil {
		for k, v := range header {
			if _, ok := meta[k]; !ok {
				meta[k] = v
			}
		}
	}
	return t, nil
}

func (x XLSXTable) Append(existing []byte, data any, meta map[string]any) ([]byte, error) {
	more, err := asTable(data)
	if err != nil {
		return nil, err
	}
	current, header, err := readXLSX(existing)
	if err != nil {
		return nil, err
	}
	merged, err := current.Concat(more)
	if err != nil {
		return nil, err
	}
	meta = ensureMeta(meta)
	for k, v := range header {
		if _, ok := meta[k]; !ok {
			meta[k] = v
		}
	}
	return x.Serialize(merged, meta)
}

func readXLSX(payload []byte) (Table, map[string]any, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return Table{}, nil, fmt.Errorf("xlsx payload: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return Table{}, nil, fmt.Errorf("xlsx payload: workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return Table{}, nil, fmt.Errorf("xlsx payload: %w", err)
	}
	var t Table
	if len(rows) > 0 {
		t.Columns = rows[0]
		for _, row := range rows[1:] {
			// GetRows drops trailing empty cells.
			for len(row) < len(t.Columns) {
				row = append(row, "")
			}
			t.Rows = append(t.Rows, row)
		}
	}

	header := map[string]any{}
	if slices.Contains(sheets, xlsxMetaSheet) {
		metaRows, err := f.GetRows(xlsxMetaSheet)
		if err != nil {
			return Table{}, nil, fmt.Errorf("xlsx metadata: %w", err)
		}
		for _, kv := range metaRows {
			if len(kv) == 2 {
				header[kv[0]] = kv[1]
			} else if len(kv) == 1 {
				header[kv[0]] = ""
			}
		}
	}
	return t, header, nil
}
