package sessionparser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is the classified variant of a session log record.
type Kind int

const (
	KindUnknown Kind = iota
	KindSession
	KindModelChange
	KindThinkingLevel
	KindError
	KindCustom
	KindCompaction
	KindUserMessage
	KindAssistantMessage
	KindToolResult
)

var kindNames = [...]string{
	KindUnknown:          "unknown",
	KindSession:          "session",
	KindModelChange:      "model_change",
	KindThinkingLevel:    "thinking_level_change",
	KindError:            "error",
	KindCustom:           "custom",
	KindCompaction:       "compaction",
	KindUserMessage:      "user",
	KindAssistantMessage: "assistant",
	KindToolResult:       "toolResult",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// RawLine is any JSON line from a session file. Fields are a superset;
// only the ones relevant to the line type are populated.
//
// Session log format (observed, no stability contract):
//
//	{"type":"session","id":"...","timestamp":"...","cwd":"/home/u/proj","version":3}
//	{"type":"message","id":"...","message":{"role":"assistant","content":[{"type":"toolCall","id":"t1","name":"bash","arguments":{"command":"ls"}}]}}
type RawLine struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	ParentID  *string         `json:"parentId"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`

	// MessageRaw is an object for type="message" lines and may be a plain
	// string on type="error" lines. Parse decodes it into Message or
	// ErrorMsg.
	MessageRaw json.RawMessage `json:"message,omitempty"`
	Message    *Message        `json:"-"`
	ErrorMsg   string          `json:"-"`

	// type="session"
	Version int    `json:"version,omitempty"`
	CWD     string `json:"cwd,omitempty"`

	// type="model_change"
	Provider string `json:"provider,omitempty"`
	ModelID  string `json:"modelId,omitempty"`

	// type="thinking_level_change"
	ThinkingLevel string `json:"thinkingLevel,omitempty"`

	// type="custom"
	CustomType string          `json:"customType,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`

	// type="compaction"
	Summary      string `json:"summary,omitempty"`
	TokensBefore int    `json:"tokensBefore,omitempty"`

	// type="error"
	Error json.RawMessage `json:"error,omitempty"`
}

// Message is the payload of type="message" lines.
type Message struct {
	Role         string          `json:"role"`
	Content      json.RawMessage `json:"content"`
	Model        string          `json:"model,omitempty"`
	Provider     string          `json:"provider,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`
	StopReason   string          `json:"stopReason,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	ToolCallID   string          `json:"toolCallId,omitempty"`
	ToolName     string          `json:"toolName,omitempty"`
	IsError      bool            `json:"isError,omitempty"`
	DurationMs   *float64        `json:"durationMs,omitempty"`
	Details      *Details        `json:"details,omitempty"`
}

// Usage holds token counts of an assistant message.
type Usage struct {
	Input       int `json:"input"`
	Output      int `json:"output"`
	CacheRead   int `json:"cacheRead"`
	CacheWrite  int `json:"cacheWrite"`
	TotalTokens int `json:"totalTokens"`
}

// ContextTokens is the prompt size implied by this usage: the reported
// total, or the sum of its parts when no total is given.
func (u *Usage) ContextTokens() int {
	if u == nil {
		return 0
	}
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.Input + u.Output + u.CacheRead + u.CacheWrite
}

// CompletionTokens is the token count reported for an assistant reply.
func (u *Usage) CompletionTokens() int {
	if u == nil {
		return 0
	}
	if u.Output > 0 {
		return u.Output
	}
	return u.TotalTokens
}

// Details is extra information attached to toolResult messages.
type Details struct {
	Diff       string   `json:"diff,omitempty"`
	DurationMs *float64 `json:"durationMs,omitempty"`
}

// ContentBlock is one block of a message's content array.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	MimeType  string          `json:"mimeType,omitempty"`
}

// Record is a parsed and classified line.
type Record struct {
	Kind      Kind
	Raw       RawLine
	Timestamp time.Time
	// HasTimestamp is false when the line carried no usable timestamp and
	// Timestamp was filled with the current time.
	HasTimestamp bool
	Blocks       []ContentBlock
}

// Parse decodes and classifies one line. Blank input returns nil, nil.
// Malformed JSON returns an error; callers skip the line.
func Parse(line []byte, now time.Time) (*Record, error) {
	line = trimLine(line)
	if len(line) == 0 {
		return nil, nil
	}

	var raw RawLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}

	decodeMessage(&raw)

	rec := &Record{Raw: raw, Timestamp: now}
	if ts, ok := parseTimestamp(raw.Timestamp); ok {
		rec.Timestamp = ts
		rec.HasTimestamp = true
	}
	rec.Kind = classify(&raw)
	if raw.Message != nil {
		rec.Blocks = decodeContent(raw.Message.Content)
	}
	return rec, nil
}

func decodeMessage(raw *RawLine) {
	data := bytes.TrimSpace(raw.MessageRaw)
	if len(data) == 0 {
		return
	}
	switch data[0] {
	case '{':
		var m Message
		if err := json.Unmarshal(data, &m); err == nil {
			raw.Message = &m
		}
	case '"':
		_ = json.Unmarshal(data, &raw.ErrorMsg)
	}
}

func classify(raw *RawLine) Kind {
	switch raw.Type {
	case "session":
		return KindSession
	case "model_change":
		return KindModelChange
	case "thinking_level_change":
		return KindThinkingLevel
	case "error":
		return KindError
	case "custom":
		return KindCustom
	case "compaction":
		return KindCompaction
	}
	if raw.Message == nil {
		return KindUnknown
	}
	switch raw.Message.Role {
	case "user":
		return KindUserMessage
	case "assistant":
		return KindAssistantMessage
	case "toolResult":
		return KindToolResult
	}
	return KindUnknown
}

// decodeContent accepts either a bare string or an array of blocks.
func decodeContent(data json.RawMessage) []ContentBlock {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		return []ContentBlock{{Type: "text", Text: s}}
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return nil
	}
	return blocks
}

// parseTimestamp accepts RFC 3339 strings and epoch milliseconds.
func parseTimestamp(data json.RawMessage) (time.Time, bool) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return time.Time{}, false
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil || s == "" {
			return time.Time{}, false
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, false
		}
		return ts, true
	}
	ms, err := strconv.ParseFloat(string(data), 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(ms)), true
}

// Text joins the text blocks of a message.
func (r *Record) Text() string {
	var parts []string
	for _, b := range r.Blocks {
		if b.Type == "text" && strings.TrimSpace(b.Text) != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ErrorText returns the error description of an error record or of an
// assistant message that ended in error.
func (r *Record) ErrorText() string {
	if m := r.Raw.Message; m != nil {
		if m.ErrorMessage != "" {
			return m.ErrorMessage
		}
		if m.StopReason == "error" {
			if t := r.Text(); t != "" {
				return t
			}
			return "stopped with error"
		}
	}
	data := bytes.TrimSpace(r.Raw.Error)
	if len(data) > 0 {
		var s string
		if data[0] == '"' && json.Unmarshal(data, &s) == nil {
			return s
		}
		var obj struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &obj) == nil && obj.Message != "" {
			return obj.Message
		}
		return string(data)
	}
	return r.Raw.ErrorMsg
}

// IsTerminal reports whether an assistant message ended its turn. Only a
// tool-use stop reason continues the turn.
func (r *Record) IsTerminal() bool {
	m := r.Raw.Message
	if m == nil || m.StopReason == "" {
		return false
	}
	return m.StopReason != "toolUse" && m.StopReason != "tool_use"
}

// ResultDuration returns the explicit duration carried by a tool result.
func (r *Record) ResultDuration() (time.Duration, bool) {
	m := r.Raw.Message
	if m == nil {
		return 0, false
	}
	if m.Details != nil && m.Details.DurationMs != nil {
		return time.Duration(*m.Details.DurationMs * float64(time.Millisecond)), true
	}
	if m.DurationMs != nil {
		return time.Duration(*m.DurationMs * float64(time.Millisecond)), true
	}
	return 0, false
}

// ModelSnapshot is the payload of a custom "model-snapshot" record.
type ModelSnapshot struct {
	Provider string `json:"provider"`
	ModelID  string `json:"modelId"`
}

// Snapshot decodes the data of a model-snapshot custom record.
func (r *Record) Snapshot() (ModelSnapshot, bool) {
	if r.Kind != KindCustom || r.Raw.CustomType != "model-snapshot" {
		return ModelSnapshot{}, false
	}
	var s ModelSnapshot
	if err := json.Unmarshal(r.Raw.Data, &s); err != nil {
		return ModelSnapshot{}, false
	}
	return s, s.ModelID != "" || s.Provider != ""
}
