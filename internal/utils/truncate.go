package utils

import "strings"

// TruncateForLog shortens s to limit runes, appending an ellipsis when something was cut.
// Surrounding whitespace is dropped first so previews of model output stay compact.
func TruncateForLog(s string, limit int) string {
	s = strings.TrimSpace(s)
	if limit <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
