package sessionmeta

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/highbeam/session-relay/internal/sessionparser"
)

const sid = "3f2a1c9e-8b7d-4e6f-a5c4-b3d2e1f0a9b8"

func apply(t *testing.T, x *Index, line string) {
	t.Helper()
	rec, err := sessionparser.Parse([]byte(line), time.Now())
	require.NoError(t, err)
	x.ApplyRecord(sid, rec)
}

func TestApplyRecordPartialUpdates(t *testing.T) {
	x := NewIndex()
	apply(t, x, `{"type":"session","cwd":"/home/u/proj","timestamp":"2026-01-01T00:00:00Z"}`)
	apply(t, x, `{"type":"model_change","provider":"anthropic","modelId":"claude-opus-4-5"}`)
	apply(t, x, `{"type":"thinking_level_change","thinkingLevel":"high"}`)
	apply(t, x, `{"type":"message","message":{"role":"assistant","usage":{"totalTokens":5000},"stopReason":"stop"}}`)
	// Carries nothing relevant; must not reset anything.
	apply(t, x, `{"type":"message","message":{"role":"user","content":"hi"}}`)

	m, ok := x.Get(sid)
	require.True(t, ok)
	assert.Equal(t, "/home/u/proj", m.CWD)
	assert.Equal(t, "claude-opus-4-5", m.Model)
	assert.Equal(t, "anthropic", m.Provider)
	assert.Equal(t, "high", m.ThinkingLevel)
	assert.Equal(t, 5000, m.UsedTokens)
	assert.Equal(t, ChatUnknown, m.ChatType)
}

func TestModelSnapshotRecord(t *testing.T) {
	x := NewIndex()
	apply(t, x, `{"type":"custom","customType":"model-snapshot","data":{"provider":"openai","modelId":"gpt-5"}}`)
	m, _ := x.Get(sid)
	assert.Equal(t, "gpt-5", m.Model)
	assert.Equal(t, "openai", m.Provider)
}

func TestParseRoutingKey(t *testing.T) {
	tests := []struct {
		key  string
		want RoutingKey
	}{
		{"agent:main:discord:channel:123456", RoutingKey{"agent", "main", "discord", ChatChannel, "123456", false}},
		{"agent:main:telegram:direct:99", RoutingKey{"agent", "main", "telegram", ChatDirect, "99", false}},
		{"agent:main:telegram:group:-100:topic:5", RoutingKey{"agent", "main", "telegram", ChatChannel, "-100:topic:5", false}},
		{"agent:main:main", RoutingKey{"agent", "main", "main", ChatUnknown, "", false}},
		{"agent:main:subagent:abc", RoutingKey{"agent", "main", "subagent", ChatUnknown, "", true}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseRoutingKey(tt.key), tt.key)
	}
}

func TestApplyIndexSnapshotLastWriteWins(t *testing.T) {
	x := NewIndex()
	apply(t, x, `{"type":"model_change","modelId":"old-model"}`)

	n := x.ApplyIndexSnapshot(map[string]IndexEntry{
		"agent:main:discord:channel:42": {
			SessionID:     sid,
			Model:         "new-model",
			ModelProvider: "anthropic",
			ContextTokens: 200000,
			TotalTokens:   50000,
			UpdatedAt:     1767225600000,
		},
		"agent:main:orphan": {},
	})
	assert.Equal(t, 1, n)

	m, _ := x.Get(sid)
	assert.Equal(t, "new-model", m.Model)
	assert.Equal(t, "discord", m.Surface)
	assert.Equal(t, ChatChannel, m.ChatType)
	assert.Equal(t, "42", m.GroupID)
	assert.Equal(t, 200000, m.ContextTokens)

	// A later log line wins again.
	apply(t, x, `{"type":"model_change","modelId":"newest-model"}`)
	m, _ = x.Get(sid)
	assert.Equal(t, "newest-model", m.Model)
	// Routing fields survive per-line updates.
	assert.Equal(t, "discord", m.Surface)
}

func TestProject(t *testing.T) {
	x := NewIndex()
	apply(t, x, `{"type":"session","cwd":"/home/u/proj"}`)
	apply(t, x, `{"type":"message","message":{"role":"assistant","usage":{"totalTokens":50000}}}`)

	p := x.Project(sid, 200000)
	assert.Equal(t, "proj", p.ProjectName)
	assert.Equal(t, "3f2a1c9e", p.ShortID)
	assert.Equal(t, 200000, p.ContextTokens)
	assert.InDelta(t, 25.0, p.UsagePercent, 0.001)

	x.ApplyIndexSnapshot(map[string]IndexEntry{
		"agent:main:subagent:" + sid: {SessionID: sid},
	})
	assert.True(t, x.Project(sid, 0).Subagent)
}

func TestProjectUnknownSession(t *testing.T) {
	p := NewIndex().Project("nope", 1000)
	assert.Equal(t, "", p.ProjectName)
	assert.Zero(t, p.UsagePercent)
}

func TestProjectName(t *testing.T) {
	t.Setenv("USER", "alice")
	tests := map[string]string{
		"/home/u/proj":              "proj",
		"/home/u/proj/":             "proj",
		"/home/alice/api/workspace": "api",
		"/srv/app/src":              "app",
		"/home/alice":               "home",
		"proj":                      "proj",
		"":                          "",
	}
	for in, want := range tests {
		assert.Equal(t, want, ProjectName(in), in)
	}
}

func TestLoadIndexFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")

	entries, err := LoadIndexFile(path)
	require.NoError(t, err)
	assert.Empty(t, entries)

	data := `{
  "agent:main:discord:channel:1": {"sessionId": "` + sid + `", "model": "m", "provider": "p", "updatedAt": 1767225600000},
  "agent:main:broken": "not an object"
}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))
	entries, err = LoadIndexFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries["agent:main:discord:channel:1"]
	assert.Equal(t, sid, e.SessionID)
	assert.Equal(t, "p", e.Provider())

	require.NoError(t, os.WriteFile(path, []byte("[1,2"), 0644))
	_, err = LoadIndexFile(path)
	assert.Error(t, err)
}
