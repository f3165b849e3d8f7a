// Package event defines the user-visible occurrences extracted from session
// logs and the batch group keys they are routed under.
package event

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Type tags a PendingEvent.
type Type string

const (
	ToolCall          Type = "tool_call"
	ToolResult        Type = "tool_result"
	UserMessage       Type = "user_message"
	AssistantComplete Type = "assistant_complete"
	Thinking          Type = "thinking"
	Error             Type = "error"
	ModelChange       Type = "model_change"
	Compaction        Type = "compaction"
	Image             Type = "image"
	ThinkingLevel     Type = "thinking_level"
)

// Attribute keys used in PendingEvent.Attrs.
const (
	AttrTool         = "tool"
	AttrCommand      = "command"
	AttrPath         = "path"
	AttrPattern      = "pattern"
	AttrURL          = "url"
	AttrQuery        = "query"
	AttrArgs         = "args"
	AttrText         = "text"
	AttrSender       = "sender"
	AttrSource       = "source"
	AttrTokens       = "tokens"
	AttrModel        = "model"
	AttrFromModel    = "from_model"
	AttrProvider     = "provider"
	AttrLevel        = "level"
	AttrMimeType     = "mime_type"
	AttrSummary      = "summary"
	AttrTokensBefore = "tokens_before"
	AttrMessage      = "message"

	// Merged from the matching tool result.
	AttrIsError      = "is_error"
	AttrDurationMs   = "duration_ms"
	AttrAdded        = "added"
	AttrRemoved      = "removed"
	AttrAddedChars   = "added_chars"
	AttrRemovedChars = "removed_chars"
	AttrMerged       = "merged"
)

// PendingEvent is one occurrence waiting in a batch.
type PendingEvent struct {
	ID         string
	Type       Type
	Timestamp  time.Time
	SessionKey string // base session id
	Thread     int    // 0 when the file has no thread suffix
	Attrs      map[string]any
}

// New returns an event with an initialized attribute map.
func New(id string, typ Type, ts time.Time, sessionKey string, thread int) *PendingEvent {
	return &PendingEvent{
		ID:         id,
		Type:       typ,
		Timestamp:  ts,
		SessionKey: sessionKey,
		Thread:     thread,
		Attrs:      make(map[string]any),
	}
}

// GroupKey returns the batch key for this event.
func (e *PendingEvent) GroupKey() string {
	return GroupKey(e.SessionKey, e.Thread)
}

// Set stores an attribute and returns the event for chaining.
func (e *PendingEvent) Set(key string, v any) *PendingEvent {
	e.Attrs[key] = v
	return e
}

// String returns the attribute as a string, or "" if absent.
func (e *PendingEvent) String(key string) string {
	switch v := e.Attrs[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Int returns the attribute as an int and whether it was present.
func (e *PendingEvent) Int(key string) (int, bool) {
	switch v := e.Attrs[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// Bool returns the attribute as a bool.
func (e *PendingEvent) Bool(key string) bool {
	b, _ := e.Attrs[key].(bool)
	return b
}

const topicSep = "-topic-"

// GroupKey builds the batch key: the session id alone, or with a
// "-topic-N" suffix for threaded sessions.
func GroupKey(sessionKey string, thread int) string {
	if thread <= 0 {
		return sessionKey
	}
	return sessionKey + topicSep + strconv.Itoa(thread)
}

// ParseGroupKey splits a group key back into session id and thread number.
func ParseGroupKey(key string) (sessionKey string, thread int) {
	i := strings.LastIndex(key, topicSep)
	if i < 0 {
		return key, 0
	}
	n, err := strconv.Atoi(key[i+len(topicSep):])
	if err != nil || n <= 0 {
		return key, 0
	}
	return key[:i], n
}
