package tailer

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/highbeam/session-relay/internal/event"
	"github.com/highbeam/session-relay/internal/sessionparser"
)

// extractor handles the lines of one tail pass over one file.
type extractor struct {
	t        *Tailer
	sf       sessionparser.SessionFile
	groupKey string
	now      time.Time
	emitted  int
}

func newExtractor(t *Tailer, sf sessionparser.SessionFile) *extractor {
	return &extractor{
		t:        t,
		sf:       sf,
		groupKey: event.GroupKey(sf.SessionID, sf.Thread),
		now:      t.now(),
	}
}

func (x *extractor) handleLine(l sessionparser.Line) {
	rec, err := sessionparser.Parse(l.Data, x.now)
	if err != nil {
		x.t.metrics.LineSkipped("parse")
		x.t.log.Debug().Err(err).Str("file", x.sf.Key).Int64("end", l.End).Msg("skipping malformed line")
		return
	}
	if rec == nil {
		return
	}

	recordID := rec.Raw.ID
	if recordID == "" {
		recordID = sessionparser.LineID(x.sf.Key, l.Data)
	}

	var prevModel string
	if rec.Kind == sessionparser.KindModelChange {
		m, _ := x.t.meta.Get(x.sf.SessionID)
		prevModel = m.Model
	}
	x.t.meta.ApplyRecord(x.sf.SessionID, rec)

	switch rec.Kind {
	case sessionparser.KindThinkingLevel:
		if rec.Raw.ThinkingLevel != "" {
			x.emit(x.newEvent(recordID+":level", event.ThinkingLevel, rec).
				Set(event.AttrLevel, rec.Raw.ThinkingLevel))
		}

	case sessionparser.KindModelChange:
		if rec.Raw.ModelID != "" {
			// A rescan may already have applied this change.
			if prevModel == rec.Raw.ModelID {
				prevModel = ""
			}
			x.emit(x.newEvent(recordID+":model", event.ModelChange, rec).
				Set(event.AttrModel, rec.Raw.ModelID).
				Set(event.AttrFromModel, prevModel).
				Set(event.AttrProvider, rec.Raw.Provider))
		}

	case sessionparser.KindError:
		x.emit(x.newEvent(recordID+":error", event.Error, rec).
			Set(event.AttrMessage, rec.ErrorText()))

	case sessionparser.KindCompaction:
		ev := x.newEvent(recordID+":compaction", event.Compaction, rec).
			Set(event.AttrSummary, rec.Raw.Summary)
		if rec.Raw.TokensBefore > 0 {
			ev.Set(event.AttrTokensBefore, rec.Raw.TokensBefore)
		}
		x.emit(ev)

	case sessionparser.KindUserMessage:
		x.userMessage(recordID, rec)

	case sessionparser.KindAssistantMessage:
		x.assistantMessage(recordID, rec)

	case sessionparser.KindToolResult:
		x.toolResult(rec)
	}
}

func (x *extractor) newEvent(id string, typ event.Type, rec *sessionparser.Record) *event.PendingEvent {
	return event.New(id, typ, rec.Timestamp, x.sf.SessionID, x.sf.Thread)
}

// emit hands ev to the sink unless its id was already emitted. Seen ids
// are scoped by group so short record ids from different sessions never
// collide.
func (x *extractor) emit(ev *event.PendingEvent) bool {
	if x.t.offsets.HasSeen(x.groupKey + "/" + ev.ID) {
		return false
	}
	x.t.sink.AddEvent(ev)
	x.t.metrics.EventExtracted(string(ev.Type))
	x.emitted++
	return true
}

func (x *extractor) userMessage(recordID string, rec *sessionparser.Record) {
	if msg, ok := sessionparser.CleanUserMessage(rec.Text()); ok {
		ev := x.newEvent(recordID+":user", event.UserMessage, rec).
			Set(event.AttrText, msg.Text)
		if msg.Sender != "" {
			ev.Set(event.AttrSender, msg.Sender)
		}
		if msg.Source != "direct" {
			ev.Set(event.AttrSource, msg.Source)
		}
		x.emit(ev)
	}
	x.images(recordID, rec)
}

func (x *extractor) images(recordID string, rec *sessionparser.Record) {
	n := 0
	for _, b := range rec.Blocks {
		if b.Type != "image" {
			continue
		}
		mime := b.MimeType
		if mime == "" {
			mime = "image"
		}
		x.emit(x.newEvent(recordID+":image:"+strconv.Itoa(n), event.Image, rec).
			Set(event.AttrMimeType, mime))
		n++
	}
}

func (x *extractor) assistantMessage(recordID string, rec *sessionparser.Record) {
	msg := rec.Raw.Message
	thinking := 0
	for _, b := range rec.Blocks {
		switch b.Type {
		case "thinking":
			text := strings.TrimSpace(b.Thinking)
			if text == "" {
				text = strings.TrimSpace(b.Text)
			}
			if text == "" {
				continue
			}
			x.emit(x.newEvent(recordID+":thinking:"+strconv.Itoa(thinking), event.Thinking, rec).
				Set(event.AttrText, text))
			thinking++
		case "toolCall", "tool_use":
			x.toolCall(b, rec)
		}
	}
	x.images(recordID, rec)

	if errText := rec.ErrorText(); errText != "" {
		x.emit(x.newEvent(recordID+":error", event.Error, rec).
			Set(event.AttrMessage, errText))
		return
	}
	if rec.IsTerminal() {
		ev := x.newEvent(recordID+":complete", event.AssistantComplete, rec).
			Set(event.AttrTokens, msg.Usage.CompletionTokens()).
			Set(event.AttrText, rec.Text())
		if msg.Model != "" {
			ev.Set(event.AttrModel, msg.Model)
		}
		x.emit(ev)
	}
}

func (x *extractor) toolCall(b sessionparser.ContentBlock, rec *sessionparser.Record) {
	id := sessionparser.ToolCallID(b)
	args := sessionparser.ToolArgs(b)
	class := event.ClassifyTool(b.Name)

	ev := x.newEvent(id, event.ToolCall, rec).Set(event.AttrTool, b.Name)
	describeTool(ev, class, args, b.Arguments)

	if !x.emit(ev) {
		return
	}
	call := trackedCall{at: rec.Timestamp, name: b.Name}
	if class.ChangesFiles() {
		call.args = args
	}
	x.t.calls.put(x.groupKey+"/"+id, call)
}

// describeTool copies the argument that best describes the call.
func describeTool(ev *event.PendingEvent, class event.ToolClass, args map[string]any, raw json.RawMessage) {
	str := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := args[k].(string); ok && v != "" {
				return v
			}
		}
		return ""
	}
	switch class {
	case event.ToolExec:
		ev.Set(event.AttrCommand, str("command", "cmd", "script"))
	case event.ToolEdit, event.ToolWrite, event.ToolRead:
		ev.Set(event.AttrPath, str("path", "file_path", "filePath", "file"))
	case event.ToolSearch:
		ev.Set(event.AttrPattern, str("pattern", "glob", "query", "path"))
	case event.ToolFetch:
		ev.Set(event.AttrURL, str("url", "targetUrl", "uri"))
	case event.ToolWebSearch:
		ev.Set(event.AttrQuery, str("query", "q"))
	default:
		if len(raw) > 0 {
			ev.Set(event.AttrArgs, string(raw))
		}
	}
}

// toolResult merges a result into its pending call. A result whose call
// was already flushed (or never seen) is ignored.
func (x *extractor) toolResult(rec *sessionparser.Record) {
	id := sessionparser.ResultToolID(rec)
	if id == "" {
		return
	}
	msg := rec.Raw.Message
	call, _ := x.t.calls.take(x.groupKey + "/" + id)

	x.t.sink.Update(x.groupKey, id, func(ev *event.PendingEvent) {
		if ev.Bool(event.AttrMerged) {
			return
		}
		ev.Set(event.AttrMerged, true)
		ev.Set(event.AttrIsError, msg.IsError)

		if d, ok := rec.ResultDuration(); ok {
			ev.Set(event.AttrDurationMs, d.Milliseconds())
		} else if !call.at.IsZero() && rec.HasTimestamp {
			if d := rec.Timestamp.Sub(call.at); d >= 0 {
				ev.Set(event.AttrDurationMs, d.Milliseconds())
			}
		}

		name := ev.String(event.AttrTool)
		if name == "" {
			name = call.name
		}
		if name == "" {
			name = msg.ToolName
		}
		if !event.ClassifyTool(name).ChangesFiles() {
			return
		}
		var st sessionparser.DiffStats
		if msg.Details != nil && msg.Details.Diff != "" {
			st = sessionparser.ParseDiff(msg.Details.Diff)
		} else if call.args != nil {
			st = sessionparser.EditStats(call.args)
		}
		if !st.Empty() {
			ev.Set(event.AttrAdded, st.Added)
			ev.Set(event.AttrRemoved, st.Removed)
			ev.Set(event.AttrAddedChars, st.AddedChars)
			ev.Set(event.AttrRemovedChars, st.RemovedChars)
		}
	})
}
