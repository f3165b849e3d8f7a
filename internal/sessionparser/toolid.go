package sessionparser

import (
	"encoding/json"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

const argsHashPrefix = 200

// ToolCallID returns the stable identifier of a tool call block: the
// block's own id when present, otherwise a hash of the tool name and the
// leading bytes of its arguments. The result pairs the call with its
// toolResult line, which carries the same id in toolCallId.
func ToolCallID(b ContentBlock) string {
	if b.ID != "" {
		return "tool:" + b.ID
	}
	args := []byte(b.Arguments)
	if len(args) > argsHashPrefix {
		args = args[:argsHashPrefix]
	}
	h := xxhash.New()
	_, _ = h.WriteString(b.Name)
	_, _ = h.Write(args)
	return "tool:" + b.Name + ":" + strconv.FormatUint(h.Sum64(), 16)
}

// ResultToolID returns the identifier a toolResult record points at, in
// the same form ToolCallID produces.
func ResultToolID(rec *Record) string {
	if rec.Raw.Message == nil || rec.Raw.Message.ToolCallID == "" {
		return ""
	}
	return "tool:" + rec.Raw.Message.ToolCallID
}

// LineID hashes a raw line into a fallback record identifier.
func LineID(sessionKey string, line []byte) string {
	h := xxhash.New()
	_, _ = h.WriteString(sessionKey)
	_, _ = h.Write(line)
	return strconv.FormatUint(h.Sum64(), 16)
}

// ToolArgs decodes tool arguments into a generic map. Arguments that are
// not a JSON object yield nil.
func ToolArgs(b ContentBlock) map[string]any {
	if len(b.Arguments) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b.Arguments, &m); err != nil {
		// Some producers double-encode arguments as a JSON string.
		var s string
		if json.Unmarshal(b.Arguments, &s) == nil {
			if json.Unmarshal([]byte(s), &m) == nil {
				return m
			}
		}
		return nil
	}
	return m
}
