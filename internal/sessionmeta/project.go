package sessionmeta

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ProjectInfo is the display-ready view of a session used for headers.
type ProjectInfo struct {
	SessionID     string
	ShortID       string
	ProjectName   string
	CWD           string
	Model         string
	Provider      string
	ThinkingLevel string
	RoutingKey    string
	Agent         string
	Surface       string
	ChatType      string
	GroupID       string
	ShortGroupID  string
	Subagent      bool
	UsedTokens    int
	ContextTokens int
	// UsagePercent is UsedTokens as a share of ContextTokens, 0..100+.
	UsagePercent float64
	UpdatedAt    time.Time
}

// Directory names that say nothing about the project.
var genericDirs = map[string]bool{
	"workspace":  true,
	"workspaces": true,
	"home":       true,
	"src":        true,
	"code":       true,
	"~":          true,
}

// Project computes the display view for sessionID. contextDefault is used
// when no context window size is known.
func (x *Index) Project(sessionID string, contextDefault int) ProjectInfo {
	m, _ := x.Get(sessionID)

	p := ProjectInfo{
		SessionID:     sessionID,
		ShortID:       shorten(sessionID, 8),
		ProjectName:   ProjectName(m.CWD),
		CWD:           m.CWD,
		Model:         m.Model,
		Provider:      m.Provider,
		ThinkingLevel: m.ThinkingLevel,
		RoutingKey:    m.RoutingKey,
		Agent:         m.Agent,
		Surface:       m.Surface,
		ChatType:      m.ChatType,
		GroupID:       m.GroupID,
		ShortGroupID:  shorten(m.GroupID, 10),
		Subagent:      m.Subagent,
		UsedTokens:    m.UsedTokens,
		ContextTokens: m.ContextTokens,
		UpdatedAt:     m.UpdatedAt,
	}
	if p.ContextTokens <= 0 {
		p.ContextTokens = contextDefault
	}
	if p.ContextTokens > 0 && p.UsedTokens > 0 {
		p.UsagePercent = float64(p.UsedTokens) * 100 / float64(p.ContextTokens)
	}
	return p
}

// ProjectName derives a project name from a working directory: its last
// path segment, or the one before it when the last is a generic name such
// as "workspace" or the user's own name.
func ProjectName(cwd string) string {
	cwd = strings.TrimRight(filepath.ToSlash(cwd), "/")
	if cwd == "" {
		return ""
	}
	parts := strings.Split(cwd, "/")
	last := parts[len(parts)-1]
	if isGeneric(last) && len(parts) >= 2 && parts[len(parts)-2] != "" {
		return parts[len(parts)-2]
	}
	return last
}

func isGeneric(name string) bool {
	if genericDirs[strings.ToLower(name)] {
		return true
	}
	if u := os.Getenv("USER"); u != "" && name == u {
		return true
	}
	return false
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
