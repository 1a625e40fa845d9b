package sheet

import (
	"errors"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/agentworkforce/stockroom/internal/safewrite"
)

// Sheet is one worksheet of an exported workbook.
type Sheet struct {
	Name   string
	Header []string
	Rows   [][]any
}

// WriteWorkbook saves sheets, in order, as a new xlsx file at path.
func WriteWorkbook(path string, sheets ...Sheet) error {
	if strings.TrimSpace(path) == "" || len(sheets) == 0 {
		return errors.New("export needs a path and at least one sheet")
	}
	f := excelize.NewFile()
	defer f.Close()

	headerStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	for i, s := range sheets {
		if i == 0 {
			if err := f.SetSheetName(f.GetSheetName(0), s.Name); err != nil {
				return err
			}
		} else if _, err := f.NewSheet(s.Name); err != nil {
			return err
		}
		header := make([]any, len(s.Header))
		for j, h := range s.Header {
			header[j] = h
		}
		if err := f.SetSheetRow(s.Name, "A1", &header); err != nil {
			return err
		}
		if len(s.Header) > 0 {
			last, err := excelize.CoordinatesToCellName(len(s.Header), 1)
			if err != nil {
				return err
			}
			if err := f.SetCellStyle(s.Name, "A1", last, headerStyle); err != nil {
				return err
			}
		}
		for r, row := range s.Rows {
			cell, err := excelize.CoordinatesToCellName(1, r+2)
			if err != nil {
				return err
			}
			values := row
			if err := f.SetSheetRow(s.Name, cell, &values); err != nil {
				return err
			}
		}
	}
	f.SetActiveSheet(0)
	buf, err := f.WriteToBuffer()
	if err != nil {
		return err
	}
	return safewrite.WriteFile(path, buf.Bytes(), 0o644)
}
