package event

import "strings"

// ToolClass groups tool names that render and merge the same way.
type ToolClass int

const (
	ToolOther ToolClass = iota
	ToolExec
	ToolEdit
	ToolWrite
	ToolRead
	ToolSearch
	ToolFetch
	ToolWebSearch
)

var toolClasses = map[string]ToolClass{
	"bash":        ToolExec,
	"exec":        ToolExec,
	"shell":       ToolExec,
	"process":     ToolExec,
	"run":         ToolExec,
	"edit":        ToolEdit,
	"multiedit":   ToolEdit,
	"apply_patch": ToolEdit,
	"write":       ToolWrite,
	"read":        ToolRead,
	"grep":        ToolSearch,
	"glob":        ToolSearch,
	"find":        ToolSearch,
	"ls":          ToolSearch,
	"web_fetch":   ToolFetch,
	"webfetch":    ToolFetch,
	"fetch":       ToolFetch,
	"browser":     ToolFetch,
	"web_search":  ToolWebSearch,
	"websearch":   ToolWebSearch,
}

// ClassifyTool maps a tool name to its class. Matching is case-insensitive.
func ClassifyTool(name string) ToolClass {
	return toolClasses[strings.ToLower(name)]
}

// ChangesFiles reports whether results of this class carry diff statistics.
func (c ToolClass) ChangesFiles() bool {
	return c == ToolEdit || c == ToolWrite
}
