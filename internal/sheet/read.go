// Package sheet reads and edits the spreadsheets (xlsx or csv) that hold the
// shop's stock lists.
package sheet

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

type Format int

const (
	FormatUnknown Format = iota
	FormatXLSX
	FormatCSV
	FormatXLS
)

// FormatOf picks the reader by file extension.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm", ".xltx", ".xltm":
		return FormatXLSX
	case ".csv":
		return FormatCSV
	case ".xls":
		return FormatXLS
	default:
		return FormatUnknown
	}
}

// Table is one sheet's content: the header row and the data rows, each padded
// to the header width.
type Table struct {
	Sheet  string
	Header []string
	Rows   [][]string
}

// Column returns the index of a header, matched after trimming and ignoring
// case, or -1.
func (t *Table) Column(name string) int {
	return headerIndex(t.Header, name)
}

// Value returns a cell by header name, or "" when the column is absent.
func (t *Table) Value(row int, column string) string {
	idx := t.Column(column)
	if idx < 0 || row < 0 || row >= len(t.Rows) {
		return ""
	}
	return t.Rows[row][idx]
}

// Read loads one sheet of the file. selector picks the sheet by name or
// zero-based index; empty selects the active sheet. CSV files ignore it.
func Read(path, selector string) (*Table, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSourceMissing, path)
		}
		return nil, &ParseError{Path: path, Err: err}
	}
	if info.IsDir() {
		return nil, &ParseError{Path: path, Err: fmt.Errorf("%s is a directory", path)}
	}
	switch FormatOf(path) {
	case FormatCSV:
		return readCSV(path)
	case FormatXLSX:
		return readXLSX(path, selector)
	case FormatXLS:
		return nil, &ParseError{Path: path, Err: errors.New("legacy .xls workbooks are not supported, save as .xlsx")}
	default:
		return nil, &ParseError{Path: path, Err: fmt.Errorf("unsupported file type %q", filepath.Ext(path))}
	}
}

func readXLSX(path, selector string) (*Table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	defer f.Close()
	name, err := selectSheet(f, selector)
	if err != nil {
		return nil, err
	}
	rows, err := f.GetRows(name, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return newTable(name, rows), nil
}

func readCSV(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	records, err := parseCSV(data)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return newTable("", records), nil
}

func parseCSV(data []byte) ([][]string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	var records [][]string
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// selectSheet resolves a selector to a sheet name: an exact name first, then a
// zero-based index, then the active sheet when the selector is empty.
func selectSheet(f *excelize.File, selector string) (string, error) {
	names := f.GetSheetList()
	selector = strings.TrimSpace(selector)
	if selector == "" {
		name := f.GetSheetName(f.GetActiveSheetIndex())
		if name == "" && len(names) > 0 {
			name = names[0]
		}
		if name == "" {
			return "", &SheetNotFoundError{Name: "<active>"}
		}
		return name, nil
	}
	for _, name := range names {
		if name == selector {
			return name, nil
		}
	}
	if idx, err := strconv.Atoi(selector); err == nil && idx >= 0 && idx < len(names) {
		return names[idx], nil
	}
	return "", &SheetNotFoundError{Name: selector}
}

func newTable(name string, rows [][]string) *Table {
	t := &Table{Sheet: name}
	if len(rows) == 0 {
		return t
	}
	t.Header = make([]string, len(rows[0]))
	for i, h := range rows[0] {
		t.Header[i] = strings.TrimSpace(h)
	}
	width := len(t.Header)
	for _, row := range rows[1:] {
		if isBlank(row) {
			continue
		}
		padded := make([]string, width)
		copy(padded, row)
		t.Rows = append(t.Rows, padded)
	}
	return t
}

func isBlank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func headerIndex(header []string, name string) int {
	name = strings.TrimSpace(name)
	if name == "" {
		return -1
	}
	for i, h := range header {
		if strings.TrimSpace(h) == name {
			return i
		}
	}
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(h), name) {
			return i
		}
	}
	return -1
}
