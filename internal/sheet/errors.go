package sheet

import (
	"errors"
	"fmt"
)

var (
	ErrSourceMissing = errors.New("source missing")
	ErrSheetNotFound = errors.New("sheet not found")
	ErrParse         = errors.New("parse error")
	ErrFileBusy      = errors.New("file open in external editor")
	ErrRowNotFound   = errors.New("row not found")
)

type SheetNotFoundError struct {
	Name string
}

func (e *SheetNotFoundError) Error() string {
	return "SHEET_NOT_FOUND:" + e.Name
}

func (e *SheetNotFoundError) Is(target error) bool {
	return target == ErrSheetNotFound
}

type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return "parse " + e.Path
	}
	return e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}

type RowNotFoundError struct {
	IMEI  string
	Model string
}

func (e *RowNotFoundError) Error() string {
	return fmt.Sprintf("row not found: imei=%q model=%q", e.IMEI, e.Model)
}

func (e *RowNotFoundError) Is(target error) bool {
	return target == ErrRowNotFound
}
