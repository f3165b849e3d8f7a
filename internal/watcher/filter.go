package watcher

import (
	"path/filepath"
	"strings"

	"github.com/highbeam/session-relay/internal/sessionparser"
)

// defaultIgnorePatterns cover editor droppings and in-flight writes that
// can sit next to session logs.
var defaultIgnorePatterns = []string{
	".git",
	".DS_Store",
	"*.swp",
	"*~",
	"*.tmp",
	"*.tmp.*",
	"*.lock",
	"*.bak",
}

// Filter decides which paths under the sessions tree are watched and which
// changes are tailed. Patterns are globs matched against every path
// component.
type Filter struct {
	patterns []string
}

// NewFilter merges extra patterns into the defaults, dropping duplicates.
func NewFilter(extra []string) *Filter {
	seen := make(map[string]bool)
	f := &Filter{}
	for _, p := range append(append([]string{}, defaultIgnorePatterns...), extra...) {
		if !seen[p] {
			seen[p] = true
			f.patterns = append(f.patterns, p)
		}
	}
	return f
}

// ShouldIgnore reports whether any component of path matches a pattern.
func (f *Filter) ShouldIgnore(path string) bool {
	for _, component := range strings.Split(filepath.Clean(path), string(filepath.Separator)) {
		for _, pattern := range f.patterns {
			if matched, _ := filepath.Match(pattern, component); matched {
				return true
			}
		}
	}
	return false
}

// Accept reports whether a change to path should be tailed: it must be a
// session log and not ignored.
func (f *Filter) Accept(path string) bool {
	return sessionparser.IsSessionFile(path) && !f.ShouldIgnore(path)
}
