//go:build !unix && !windows

package sheet

// No OS lock is checked here; owner files are the only signal.
func lockedByOther(string) bool {
	return false
}
