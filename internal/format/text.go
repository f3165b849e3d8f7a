package format

import (
	"strings"
	"unicode/utf8"
)

const ellipsis = "…"

// runeLen is the length used for every message-size decision.
func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

// truncate shortens s to at most n runes, ending in an ellipsis when cut.
func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if runeLen(s) <= n {
		return s
	}
	if n == 1 {
		return ellipsis
	}
	i := 0
	for pos := range s {
		if i == n-1 {
			return s[:pos] + ellipsis
		}
		i++
	}
	return s
}

// oneLine collapses whitespace runs, including newlines, to single spaces.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// preview is oneLine plus truncate.
func preview(s string, n int) string {
	return truncate(oneLine(s), n)
}

// inlineCode wraps s in backticks, dropping backticks inside it.
func inlineCode(s string) string {
	s = strings.ReplaceAll(s, "`", "'")
	if s == "" {
		return ""
	}
	return "`" + s + "`"
}
