package format

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/highbeam/session-relay/internal/event"
)

// Placeholder previews that are not worth a line.
var emptyPreviews = map[string]bool{
	"":             true,
	"(no content)": true,
	"(empty)":      true,
	ellipsis:       true,
}

// renderEvent returns the one-line rendering of ev, or "" when the event
// has nothing to show.
func (f *Formatter) renderEvent(ev *event.PendingEvent) string {
	n := f.opts.PreviewLength
	switch ev.Type {
	case event.ToolCall:
		return f.renderTool(ev)

	case event.UserMessage:
		p := preview(ev.String(event.AttrText), n)
		if emptyPreviews[p] {
			return ""
		}
		sender := ev.String(event.AttrSender)
		if sender == "" {
			// Unnamed cron and system messages are labelled by origin.
			sender = ev.String(event.AttrSource)
		}
		if sender != "" {
			return fmt.Sprintf("💬 **%s**: \"%s\"", oneLine(sender), p)
		}
		return fmt.Sprintf("💬 \"%s\"", p)

	case event.AssistantComplete:
		line := "✅ done"
		if tokens, ok := ev.Int(event.AttrTokens); ok && tokens > 0 {
			line = fmt.Sprintf("✅ %s tokens", humanize.Comma(int64(tokens)))
		}
		if p := preview(ev.String(event.AttrText), n); !emptyPreviews[p] {
			line += " · " + p
		}
		return line

	case event.Thinking:
		p := preview(ev.String(event.AttrText), n)
		if emptyPreviews[p] {
			return ""
		}
		return "💭 _" + p + "_"

	case event.ThinkingLevel:
		return "🧠 thinking: " + ev.String(event.AttrLevel)

	case event.ModelChange:
		from, to := ev.String(event.AttrFromModel), ev.String(event.AttrModel)
		if from == "" {
			return "🔄 model → " + to
		}
		return "🔄 " + from + " → " + to

	case event.Error:
		msg := preview(ev.String(event.AttrMessage), n)
		if msg == "" {
			msg = "error"
		}
		return "⚠️ " + msg

	case event.Compaction:
		line := "🗜️ compacted"
		if before, ok := ev.Int(event.AttrTokensBefore); ok && before > 0 {
			line += fmt.Sprintf(" (%s tokens)", humanize.Comma(int64(before)))
		}
		if s := preview(ev.String(event.AttrSummary), n); s != "" {
			line += ": " + s
		}
		return line

	case event.Image:
		return "🖼️ " + ev.String(event.AttrMimeType)
	}
	return ""
}

func (f *Formatter) renderTool(ev *event.PendingEvent) string {
	n := f.opts.PreviewLength
	name := ev.String(event.AttrTool)
	var line string

	switch event.ClassifyTool(name) {
	case event.ToolExec:
		line = "⚡ " + inlineCode(preview(ev.String(event.AttrCommand), n))
	case event.ToolEdit:
		line = "✏️ " + ev.String(event.AttrPath) + diffSuffix(ev)
	case event.ToolWrite:
		line = "📝 " + ev.String(event.AttrPath) + diffSuffix(ev)
	case event.ToolRead:
		line = "📖 " + ev.String(event.AttrPath)
	case event.ToolSearch:
		line = "🔍 " + name + " " + inlineCode(preview(ev.String(event.AttrPattern), n))
	case event.ToolFetch:
		line = "🌐 " + ev.String(event.AttrURL)
	case event.ToolWebSearch:
		line = "🔎 " + inlineCode(preview(ev.String(event.AttrQuery), n))
	default:
		line = "🔧 " + name
		if args := preview(ev.String(event.AttrArgs), n/2); args != "" && args != "{}" {
			line += " " + inlineCode(args)
		}
	}
	line = strings.TrimRight(line, " ")

	if ms, ok := ev.Int(event.AttrDurationMs); ok {
		line += " · " + formatDuration(time.Duration(ms)*time.Millisecond)
	}
	if ev.Bool(event.AttrIsError) {
		line += " ❌"
	}
	return line
}

func diffSuffix(ev *event.PendingEvent) string {
	added, okA := ev.Int(event.AttrAdded)
	removed, okR := ev.Int(event.AttrRemoved)
	if !okA && !okR {
		return ""
	}
	s := fmt.Sprintf(" (+%d -%d", added, removed)
	ac, _ := ev.Int(event.AttrAddedChars)
	rc, _ := ev.Int(event.AttrRemovedChars)
	if ac > 0 || rc > 0 {
		s += fmt.Sprintf(", +%s/-%s chars", humanize.Comma(int64(ac)), humanize.Comma(int64(rc)))
	}
	return s + ")"
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return d.Round(time.Second).String()
	}
}
