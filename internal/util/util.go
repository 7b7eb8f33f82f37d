// Package util holds small text helpers shared by logging and events.
package util

import "unicode"

const ellipsis = "..."

// TruncateString shortens s to at most maxLen runes, ending in "..." when cut.
// With preserveWords the cut moves back to the last whitespace if one exists.
func TruncateString(s string, maxLen int, preserveWords bool) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= len(ellipsis) {
		return ellipsis[:maxLen]
	}
	cut := maxLen - len(ellipsis)
	if preserveWords {
		for i := cut - 1; i > 0; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i
				break
			}
		}
	}
	return string(runes[:cut]) + ellipsis
}
