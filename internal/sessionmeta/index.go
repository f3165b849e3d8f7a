// Package sessionmeta keeps descriptive metadata per session: where it runs,
// which model it uses, how full its context is, and how it is routed.
package sessionmeta

import (
	"strings"
	"sync"
	"time"

	"github.com/highbeam/session-relay/internal/sessionparser"
)

// Chat surface types.
const (
	ChatDirect  = "direct"
	ChatChannel = "channel"
	ChatUnknown = "unknown"
)

// Metadata describes one session. Keys are always the base session id.
type Metadata struct {
	SessionID     string
	CWD           string
	Model         string
	Provider      string
	ThinkingLevel string
	UsedTokens    int
	ContextTokens int

	// Routing fields, authoritative from the session index.
	RoutingKey string
	Agent      string
	Surface    string
	ChatType   string
	GroupID    string
	Subagent   bool

	UpdatedAt time.Time
}

// Index is the in-memory session metadata map. Safe for concurrent use.
type Index struct {
	mu       sync.RWMutex
	sessions map[string]*Metadata
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{sessions: make(map[string]*Metadata)}
}

func (x *Index) entryLocked(sessionID string) *Metadata {
	m, ok := x.sessions[sessionID]
	if !ok {
		m = &Metadata{SessionID: sessionID, ChatType: ChatUnknown}
		x.sessions[sessionID] = m
	}
	return m
}

// ApplyRecord updates the fields a record carries. Fields absent from the
// record are left untouched.
func (x *Index) ApplyRecord(sessionID string, rec *sessionparser.Record) {
	if rec == nil {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	m := x.entryLocked(sessionID)

	switch rec.Kind {
	case sessionparser.KindSession:
		if rec.Raw.CWD != "" {
			m.CWD = rec.Raw.CWD
		}
	case sessionparser.KindModelChange:
		setIf(&m.Model, rec.Raw.ModelID)
		setIf(&m.Provider, rec.Raw.Provider)
	case sessionparser.KindThinkingLevel:
		setIf(&m.ThinkingLevel, rec.Raw.ThinkingLevel)
	case sessionparser.KindCustom:
		if s, ok := rec.Snapshot(); ok {
			setIf(&m.Model, s.ModelID)
			setIf(&m.Provider, s.Provider)
		}
	case sessionparser.KindAssistantMessage:
		msg := rec.Raw.Message
		setIf(&m.Model, msg.Model)
		setIf(&m.Provider, msg.Provider)
		if n := msg.Usage.ContextTokens(); n > 0 {
			m.UsedTokens = n
		}
	}
	if rec.HasTimestamp && rec.Timestamp.After(m.UpdatedAt) {
		m.UpdatedAt = rec.Timestamp
	}
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Get returns a copy of the metadata for sessionID.
func (x *Index) Get(sessionID string) (Metadata, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	m, ok := x.sessions[sessionID]
	if !ok {
		return Metadata{SessionID: sessionID, ChatType: ChatUnknown}, false
	}
	return *m, true
}

// Len returns the number of known sessions.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.sessions)
}

// ApplyIndexSnapshot loads routing metadata from the session index. Each
// entry overwrites the overlapping fields it carries.
func (x *Index) ApplyIndexSnapshot(entries map[string]IndexEntry) int {
	x.mu.Lock()
	defer x.mu.Unlock()

	applied := 0
	for key, e := range entries {
		if e.SessionID == "" {
			continue
		}
		m := x.entryLocked(e.SessionID)
		rk := ParseRoutingKey(key)
		m.RoutingKey = key
		m.Agent = rk.Agent
		m.Surface = rk.Surface
		m.ChatType = rk.ChatType
		m.GroupID = rk.GroupID
		m.Subagent = rk.Subagent
		setIf(&m.Model, e.Model)
		setIf(&m.Provider, e.Provider())
		if e.ContextTokens > 0 {
			m.ContextTokens = e.ContextTokens
		}
		if e.TotalTokens > 0 {
			m.UsedTokens = e.TotalTokens
		}
		if e.UpdatedAt > 0 {
			if ts := time.UnixMilli(e.UpdatedAt); ts.After(m.UpdatedAt) {
				m.UpdatedAt = ts
			}
		}
		applied++
	}
	return applied
}

// RoutingKey is a parsed session-index key of the form
// namespace:agent:surface:chatType[:groupId...].
type RoutingKey struct {
	Namespace string
	Agent     string
	Surface   string
	ChatType  string
	GroupID   string
	Subagent  bool
}

// ParseRoutingKey splits a routing key by position. Missing positions are
// left empty; the chat type is normalized to direct, channel or unknown.
func ParseRoutingKey(key string) RoutingKey {
	parts := strings.Split(key, ":")
	at := func(i int) string {
		if i < len(parts) {
			return parts[i]
		}
		return ""
	}
	rk := RoutingKey{
		Namespace: at(0),
		Agent:     at(1),
		Surface:   at(2),
		ChatType:  normalizeChatType(at(3)),
		Subagent:  strings.Contains(key, ":subagent:"),
	}
	if len(parts) > 4 {
		rk.GroupID = strings.Join(parts[4:], ":")
	}
	return rk
}

func normalizeChatType(s string) string {
	switch strings.ToLower(s) {
	case "direct", "dm", "private":
		return ChatDirect
	case "channel", "group", "supergroup", "thread":
		return ChatChannel
	}
	return ChatUnknown
}
