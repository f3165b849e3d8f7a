// Package format renders a batch of pending events as one chat message.
package format

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/highbeam/session-relay/internal/event"
	"github.com/highbeam/session-relay/internal/sessionmeta"
)

const defaultMarker = "🤖"

// Options controls rendering.
type Options struct {
	// MaxLength is the hard upper bound on a rendered message, in runes.
	MaxLength int
	// PreviewLength bounds every event line, in runes.
	PreviewLength int
	// HeaderInterval throttles the header per group. Zero shows it on
	// every message.
	HeaderInterval time.Duration
	// ProjectEmojis replaces the agent marker for the named projects.
	ProjectEmojis map[string]string
	// ContextWindowDefault is used when a session has no known window.
	ContextWindowDefault int
}

// Formatter renders batches. Safe for concurrent use.
type Formatter struct {
	opts Options
	meta *sessionmeta.Index
	now  func() time.Time

	mu         sync.Mutex
	lastHeader map[string]time.Time
}

// New creates a Formatter reading display metadata from meta.
func New(opts Options, meta *sessionmeta.Index) *Formatter {
	if opts.MaxLength < 100 {
		opts.MaxLength = 100
	}
	if opts.PreviewLength <= 0 || opts.PreviewLength > opts.MaxLength/2 {
		opts.PreviewLength = opts.MaxLength / 2
	}
	return &Formatter{
		opts:       opts,
		meta:       meta,
		now:        time.Now,
		lastHeader: make(map[string]time.Time),
	}
}

// SetClock replaces the time source used for header throttling and
// relative update times.
func (f *Formatter) SetClock(now func() time.Time) {
	f.now = now
}

// Render implements batcher.Renderer. It returns "" when no event in the
// batch has anything to show.
func (f *Formatter) Render(groupKey string, events []*event.PendingEvent) string {
	lines := make([]string, 0, len(events))
	for _, ev := range events {
		if line := f.renderEvent(ev); line != "" {
			lines = append(lines, truncate(line, f.opts.PreviewLength))
		}
	}
	if len(lines) == 0 {
		return ""
	}

	sessionID, thread := event.ParseGroupKey(groupKey)
	var header string
	if f.headerDue(groupKey) {
		header = f.header(f.meta.Project(sessionID, f.opts.ContextWindowDefault), thread)
	}
	return assemble(header, lines, f.opts.MaxLength)
}

// headerDue reports whether the header should be shown for groupKey now,
// and records the showing.
func (f *Formatter) headerDue(groupKey string) bool {
	now := f.now()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.opts.HeaderInterval > 0 {
		if last, ok := f.lastHeader[groupKey]; ok && now.Sub(last) < f.opts.HeaderInterval {
			return false
		}
	}
	f.lastHeader[groupKey] = now
	return true
}

func (f *Formatter) header(p sessionmeta.ProjectInfo, thread int) string {
	marker := defaultMarker
	if e, ok := f.opts.ProjectEmojis[p.ProjectName]; ok && e != "" {
		marker = e
	}

	name := p.ProjectName
	if name == "" {
		name = p.ShortID
	}
	title := []string{marker + " **" + name + "**"}
	if p.Model != "" {
		title = append(title, p.Model)
	}
	if p.Subagent {
		title = append(title, "🧬 subagent")
	}
	if thread > 0 {
		title = append(title, fmt.Sprintf("🧵 #%d", thread))
	}

	var details []string
	if p.RoutingKey != "" {
		details = append(details, inlineCode(p.RoutingKey))
	} else {
		details = append(details, inlineCode(p.ShortID))
	}
	if p.CWD != "" {
		details = append(details, p.CWD)
	}
	if p.UsedTokens > 0 && p.ContextTokens > 0 {
		details = append(details, fmt.Sprintf("%.0f%% ctx (%s/%s)", p.UsagePercent,
			humanize.Comma(int64(p.UsedTokens)), humanize.Comma(int64(p.ContextTokens))))
	}
	if p.ThinkingLevel != "" {
		details = append(details, "🧠 "+p.ThinkingLevel)
	}
	if p.Surface != "" {
		details = append(details, p.Surface)
	}
	if p.Provider != "" {
		details = append(details, p.Provider)
	}
	if !p.UpdatedAt.IsZero() {
		details = append(details, "updated "+humanize.RelTime(p.UpdatedAt, f.now(), "ago", "from now"))
	}
	if p.ShortGroupID != "" {
		details = append(details, "grp "+p.ShortGroupID)
	}

	budget := f.opts.MaxLength / 4
	return truncate(strings.Join(title, " · "), budget) + "\n" +
		truncate(strings.Join(details, " · "), budget)
}

// assemble joins header and lines, stopping before max and noting what
// did not fit. The header may use at most half of max.
func assemble(header string, lines []string, max int) string {
	var b strings.Builder
	used := 0
	write := func(s string) {
		if used > 0 {
			b.WriteString("\n")
			used++
		}
		b.WriteString(s)
		used += runeLen(s)
	}

	if header != "" {
		write(truncate(header, max/2))
	}

	for i, line := range lines {
		remaining := len(lines) - i
		need := runeLen(line)
		if used > 0 {
			need++
		}
		if remaining > 1 {
			// Room for a marker covering the lines after this one.
			need += 1 + runeLen(moreMarker(remaining-1))
		}
		if used+need > max {
			write(moreMarker(remaining))
			break
		}
		write(line)
	}

	out := b.String()
	if runeLen(out) > max {
		out = truncate(out, max)
	}
	return out
}

func moreMarker(n int) string {
	return fmt.Sprintf("… +%d more", n)
}
