package sessionparser

import (
	"strings"
	"unicode/utf8"
)

// DiffStats counts added and removed lines in a unified-diff-like text.
type DiffStats struct {
	Added        int
	Removed      int
	AddedChars   int
	RemovedChars int
}

// Empty reports whether no change was counted.
func (d DiffStats) Empty() bool {
	return d.Added == 0 && d.Removed == 0
}

// ParseDiff scans lines prefixed with '+' or '-', skipping the "+++" and
// "---" file headers. Character counts exclude the prefix.
func ParseDiff(diff string) DiffStats {
	var st DiffStats
	for _, line := range splitLines(diff) {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			st.Added++
			st.AddedChars += utf8.RuneCountInString(line[1:])
		case strings.HasPrefix(line, "-"):
			st.Removed++
			st.RemovedChars += utf8.RuneCountInString(line[1:])
		}
	}
	return st
}

// splitLines splits on newlines, dropping a trailing empty element and
// any carriage returns.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

// EditStats derives diff statistics from edit/write tool arguments when
// the result carries no diff: old/new strings for edits, content for
// writes.
func EditStats(args map[string]any) DiffStats {
	str := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := args[k].(string); ok {
				return v
			}
		}
		return ""
	}
	var st DiffStats
	if content := str("content"); content != "" {
		lines := splitLines(content)
		st.Added = len(lines)
		st.AddedChars = utf8.RuneCountInString(strings.Join(lines, ""))
		return st
	}
	oldLines := splitLines(str("oldText", "old_string", "old_str"))
	newLines := splitLines(str("newText", "new_string", "new_str"))
	st.Removed = len(oldLines)
	st.Added = len(newLines)
	st.RemovedChars = utf8.RuneCountInString(strings.Join(oldLines, ""))
	st.AddedChars = utf8.RuneCountInString(strings.Join(newLines, ""))
	return st
}
