package mapping

import (
	"path/filepath"
	"sort"
)

// DisplayNames gives every source key a short label: the file's base name,
// with the parent directory appended in parentheses when two files share a
// base name. Sheet-qualified keys keep their ::sheet suffix.
func DisplayNames(keys []string) map[string]string {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	labels := make(map[string]string, len(sorted))
	counts := map[string]int{}
	for _, key := range sorted {
		label := shortLabel(key, false)
		labels[key] = label
		counts[label]++
	}
	for _, key := range sorted {
		if counts[labels[key]] > 1 {
			labels[key] = shortLabel(key, true)
		}
	}
	return labels
}

func shortLabel(key string, withParent bool) string {
	path, sheet := SplitKey(key)
	label := filepath.Base(path)
	if withParent {
		label += " (" + filepath.Base(filepath.Dir(path)) + ")"
	}
	if sheet != "" {
		label += keySeparator + sheet
	}
	return label
}
