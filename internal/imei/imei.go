// Package imei cleans free-form serial cells into the canonical IMEI form:
// one 14-16 digit number, or several joined by " / " in ascending order.
package imei

import (
	"sort"
	"strings"
)

const (
	Separator = " / "
	minDigits = 14
	maxDigits = 16
)

// Clean extracts every maximal digit run of 14 to 16 digits, drops
// duplicates and sorts them. Cells without such a run clean to "".
func Clean(raw string) string {
	return strings.Join(runs(raw), Separator)
}

// Members splits a cleaned value back into its individual numbers.
func Members(cleaned string) []string {
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return nil
	}
	parts := strings.Split(cleaned, Separator)
	out := parts[:0]
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Match reports whether a sheet cell refers to the same device as want. Both
// sides are cleaned; they match when equal or when one contains the other,
// which covers a dual-IMEI cell holding a single known number.
func Match(cell, want string) bool {
	a := Clean(cell)
	b := Clean(want)
	if a == "" || b == "" {
		return false
	}
	return a == b || strings.Contains(a, b) || strings.Contains(b, a)
}

func runs(raw string) []string {
	seen := map[string]bool{}
	var out []string
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		n := end - start
		if n >= minDigits && n <= maxDigits {
			run := raw[start:end]
			if !seen[run] {
				seen[run] = true
				out = append(out, run)
			}
		}
		start = -1
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] >= '0' && raw[i] <= '9' {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
	}
	flush(len(raw))
	sort.Strings(out)
	return out
}
