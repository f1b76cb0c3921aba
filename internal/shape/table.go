package shape

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"path/filepath"
	"strings"
)

// Table handling covers CSV and TSV. The first row is the header;
// selectors are [row, column] with the column by index or name.

func tableDelim(path string) rune {
	if strings.ToLower(filepath.Ext(path)) == ".tsv" {
		return '\t'
	}
	return ','
}

func readTable(path string, content []byte) (header []string, rows [][]string, err error) {
	r := csv.NewReader(bytes.NewReader(content))
	r.Comma = tableDelim(path)
	r.FieldsPerRecord = -1
	all, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("read table %s: %w", path, err)
	}
	if len(all) == 0 {
		return nil, nil, nil
	}
	return all[0], all[1:], nil
}

func writeTable(path string, header []string, rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = tableDelim(path)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func outlineTable(path string, content []byte) (map[string]any, error) {
	header, rows, err := readTable(path, content)
	if err != nil {
		return nil, err
	}
	head := rows
	if len(head) > 5 {
		head = head[:5]
	}
	return map[string]any{
		"summary":   "table",
		"row_count": len(rows),
		"columns":   header,
		"head":      head,
	}, nil
}

// tableCell resolves a [row, column] selector to concrete indexes.
func tableCell(header []string, rows [][]string, selector any) (row, col int, err error) {
	sel, ok := selectorPath(selector)
	if !ok || len(sel) != 2 {
		return 0, 0, fmt.Errorf("%w: table selector must be [row, column]", ErrBadSelector)
	}
	row, ok = asIndex(sel[0])
	if !ok {
		return 0, 0, fmt.Errorf("%w: row must be numeric, got %v", ErrBadSelector, sel[0])
	}
	switch c := sel[1].(type) {
	case string:
		col = -1
		for i, name := range header {
			if name == c {
				col = i
				break
			}
		}
		if col < 0 {
			return 0, 0, fmt.Errorf("%w: column %q", ErrSectionNotFound, c)
		}
	default:
		col, ok = asIndex(c)
		if !ok {
			return 0, 0, fmt.Errorf("%w: column must be an index or name, got %v", ErrBadSelector, c)
		}
	}
	if row < 0 || row >= len(rows) {
		return 0, 0, fmt.Errorf("%w: row %d out of range", ErrSectionNotFound, row)
	}
	if col >= len(rows[row]) {
		return 0, 0, fmt.Errorf("%w: column %d out of range", ErrSectionNotFound, col)
	}
	return row, col, nil
}

func selectTable(path string, content []byte, selector any) (any, error) {
	header, rows, err := readTable(path, content)
	if err != nil {
		return nil, err
	}
	row, col, err := tableCell(header, rows, selector)
	if err != nil {
		return nil, err
	}
	return rows[row][col], nil
}

func replaceTable(path string, content []byte, selector any, value any) ([]byte, error) {
	header, rows, err := readTable(path, content)
	if err != nil {
		return nil, err
	}
	row, col, err := tableCell(header, rows, selector)
	if err != nil {
		return nil, err
	}
	rows[row][col] = fmt.Sprint(value)
	return writeTable(path, header, rows)
}
