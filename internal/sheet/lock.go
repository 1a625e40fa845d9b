package sheet

import (
	"os"
	"path/filepath"
)

// Busy reports whether another program holds path open for editing. Office
// and LibreOffice leave owner files next to the workbook; on unix an
// advisory lock held by another process is checked as well.
func Busy(path string) bool {
	dir, base := filepath.Split(path)
	for _, owner := range []string{"~$" + base, ".~lock." + base + "#"} {
		if _, err := os.Stat(filepath.Join(dir, owner)); err == nil {
			return true
		}
	}
	return lockedByOther(path)
}
