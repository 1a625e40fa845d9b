package sheet

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"github.com/agentworkforce/stockroom/internal/imei"
	"github.com/agentworkforce/stockroom/internal/safewrite"
)

const (
	DefaultOpenAttempts = 3
	DefaultRetryDelay   = 1500 * time.Millisecond
)

var defaultHeaders = map[string]string{
	"buyer":          "Buyer Name",
	"buyer_contact":  "Buyer Contact",
	"notes":          "Notes",
	"status":         "Status",
	"color":          "Color",
	"price":          "Selling Price",
	"price_original": "Selling Price",
	"grade":          "Grade",
	"condition":      "Condition",
}

// DefaultHeader is the column title used when a canonical field has to be
// added to a sheet that does not map it yet.
func DefaultHeader(field string) (string, bool) {
	header, ok := defaultHeaders[field]
	return header, ok
}

// Locator identifies the spreadsheet row to edit.
type Locator struct {
	IMEIColumn  string
	ModelColumn string
	IMEI        string
	Model       string
}

// Cell is one value to write, addressed by header title. Titles missing from
// the header row are appended as new rightmost columns.
type Cell struct {
	Column string
	Value  any
}

type WriterOptions struct {
	OpenAttempts   int
	RetryDelay     time.Duration
	StrictRowMatch bool
	Logger         zerolog.Logger
}

// Writer applies row edits to spreadsheets. It is not safe for concurrent use
// on the same file; callers run it from a single worker.
type Writer struct {
	attempts int
	delay    time.Duration
	strict   bool
	logger   zerolog.Logger
	busy     func(path string) bool
}

func NewWriter(opts WriterOptions) *Writer {
	attempts := opts.OpenAttempts
	if attempts <= 0 {
		attempts = DefaultOpenAttempts
	}
	delay := opts.RetryDelay
	if delay < 0 {
		delay = 0
	} else if delay == 0 {
		delay = DefaultRetryDelay
	}
	return &Writer{
		attempts: attempts,
		delay:    delay,
		strict:   opts.StrictRowMatch,
		logger:   opts.Logger,
		busy:     Busy,
	}
}

// Apply writes cells into the row found by loc and saves the file. It returns
// the 1-based row number that was edited.
func (w *Writer) Apply(ctx context.Context, path, selector string, loc Locator, cells []Cell) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrSourceMissing, path)
		}
		return 0, err
	}
	switch FormatOf(path) {
	case FormatXLSX:
		return w.applyXLSX(ctx, path, info.Mode().Perm(), selector, loc, cells)
	case FormatCSV:
		return w.applyCSV(ctx, path, info.Mode().Perm(), loc, cells)
	case FormatXLS:
		return 0, &ParseError{Path: path, Err: errors.New("legacy .xls workbooks are not supported, save as .xlsx")}
	default:
		return 0, &ParseError{Path: path, Err: fmt.Errorf("unsupported file type %s", path)}
	}
}

// waitUnlocked polls until no other program holds path, sleeping the retry
// delay between attempts.
func (w *Writer) waitUnlocked(ctx context.Context, path string) error {
	for attempt := 1; ; attempt++ {
		if !w.busy(path) {
			return nil
		}
		if attempt >= w.attempts {
			return fmt.Errorf("%w: %s", ErrFileBusy, path)
		}
		w.logger.Warn().Str("path", path).Int("attempt", attempt).Dur("retryIn", w.delay).Msg("file locked, retrying")
		timer := time.NewTimer(w.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (w *Writer) applyXLSX(ctx context.Context, path string, perm os.FileMode, selector string, loc Locator, cells []Cell) (int, error) {
	if err := w.waitUnlocked(ctx, path); err != nil {
		return 0, err
	}
	f, err := excelize.OpenFile(path)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return 0, fmt.Errorf("%w: %s", ErrFileBusy, path)
		}
		return 0, &ParseError{Path: path, Err: err}
	}
	defer f.Close()

	name, err := selectSheet(f, selector)
	if err != nil {
		return 0, err
	}
	rows, err := f.GetRows(name, excelize.Options{RawCellValue: true})
	if err != nil {
		return 0, &ParseError{Path: path, Err: err}
	}
	var header []string
	if len(rows) > 0 {
		header = append(header, rows[0]...)
	}
	style, err := f.NewStyle(writebackStyle())
	if err != nil {
		return 0, err
	}

	columns := make([]int, len(cells))
	for i, c := range cells {
		idx := headerIndex(header, c.Column)
		if idx < 0 {
			idx = len(header)
			header = append(header, c.Column)
			if err := setStyledCell(f, name, idx+1, 1, c.Column, style); err != nil {
				return 0, err
			}
			w.logger.Info().Str("path", path).Str("sheet", name).Str("column", c.Column).Msg("appended column")
		}
		columns[i] = idx
	}

	row, err := w.locate(rows, header, loc)
	if err != nil {
		return 0, err
	}
	for i, c := range cells {
		if err := setStyledCell(f, name, columns[i]+1, row, cellValue(c.Value), style); err != nil {
			return 0, err
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		return 0, err
	}
	if err := safewrite.WriteFile(path, buf.Bytes(), perm); err != nil {
		return 0, err
	}
	return row, nil
}

func (w *Writer) applyCSV(ctx context.Context, path string, perm os.FileMode, loc Locator, cells []Cell) (int, error) {
	if err := w.waitUnlocked(ctx, path); err != nil {
		return 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	records, err := parseCSV(data)
	if err != nil {
		return 0, &ParseError{Path: path, Err: err}
	}
	if len(records) == 0 {
		records = [][]string{{}}
	}
	header := records[0]
	columns := make([]int, len(cells))
	for i, c := range cells {
		idx := headerIndex(header, c.Column)
		if idx < 0 {
			idx = len(header)
			header = append(header, c.Column)
		}
		columns[i] = idx
	}
	records[0] = header

	row, err := w.locate(records, header, loc)
	if err != nil {
		return 0, err
	}
	target := records[row-1]
	for len(target) < len(header) {
		target = append(target, "")
	}
	for i, c := range cells {
		target[columns[i]] = csvValue(cellValue(c.Value))
	}
	records[row-1] = target

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.WriteAll(records); err != nil {
		return 0, err
	}
	if err := safewrite.WriteFile(path, buf.Bytes(), perm); err != nil {
		return 0, err
	}
	return row, nil
}

// locate finds the 1-based row number matching loc. Every row is tried by
// IMEI first; the model column is only consulted when no IMEI matched and
// strict matching is off.
func (w *Writer) locate(rows [][]string, header []string, loc Locator) (int, error) {
	if idx := headerIndex(header, loc.IMEIColumn); idx >= 0 && imei.Clean(loc.IMEI) != "" {
		for r := 1; r < len(rows); r++ {
			if imei.Match(cellAt(rows[r], idx), loc.IMEI) {
				return r + 1, nil
			}
		}
	}
	if !w.strict {
		model := strings.TrimSpace(loc.Model)
		if idx := headerIndex(header, loc.ModelColumn); idx >= 0 && model != "" {
			for r := 1; r < len(rows); r++ {
				if strings.TrimSpace(cellAt(rows[r], idx)) == model {
					w.logger.Warn().Str("model", model).Int("row", r+1).Msg("row matched by model fallback")
					return r + 1, nil
				}
			}
		}
	}
	return 0, &RowNotFoundError{IMEI: loc.IMEI, Model: loc.Model}
}

func cellAt(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}

func cellValue(v any) any {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.ToUpper(t)
	default:
		return t
	}
}

func csvValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	default:
		return fmt.Sprint(t)
	}
}

func writebackStyle() *excelize.Style {
	border := func(side string) excelize.Border {
		return excelize.Border{Type: side, Color: "000000", Style: 1}
	}
	return &excelize.Style{
		Border:    []excelize.Border{border("left"), border("top"), border("right"), border("bottom")},
		Font:      &excelize.Font{Family: "Times New Roman", Size: 11, Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	}
}

func setStyledCell(f *excelize.File, sheet string, col, row int, value any, style int) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	if err := f.SetCellValue(sheet, cell, value); err != nil {
		return err
	}
	return f.SetCellStyle(sheet, cell, cell, style)
}
