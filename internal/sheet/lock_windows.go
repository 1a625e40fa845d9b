//go:build windows

package sheet

import (
	"errors"
	"os"

	"golang.org/x/sys/windows"
)

// Windows refuses a read-write open while Excel holds the workbook.
func lockedByOther(path string) bool {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return sharingViolation(err)
	}
	_ = f.Close()
	return false
}

// sharingViolation is true only for the errors another process's open
// handle produces. Access denied or a missing file are left to the write
// itself to report.
func sharingViolation(err error) bool {
	return errors.Is(err, windows.ERROR_SHARING_VIOLATION) || errors.Is(err, windows.ERROR_LOCK_VIOLATION)
}
