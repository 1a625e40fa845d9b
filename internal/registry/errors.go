package registry

import "errors"

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("id not found")
	ErrCorrupt      = errors.New("registry corrupt")
	ErrInvalidMerge = errors.New("invalid merge")
)
