// Package report renders daemon state for the terminal.
package report

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/highbeam/session-relay/internal/ipc"
	"github.com/highbeam/session-relay/internal/store"
)

// outcomeOrder fixes the display order of journal outcomes.
var outcomeOrder = []string{
	store.OutcomeSent,
	store.OutcomeFallback,
	store.OutcomeFailed,
	store.OutcomeDroppedCooldown,
}

func newTable(title string) table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.SetTitle(title)
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft},
		{Number: 2, Align: text.AlignRight},
	})
	return tw
}

// FormatStatus formats daemon StatusData as a two-column table.
func FormatStatus(status *ipc.StatusData) string {
	tw := newTable("sessionrelay status")

	cooldown := "none"
	if status.CooldownMs > 0 {
		cooldown = (time.Duration(status.CooldownMs) * time.Millisecond).Round(100 * time.Millisecond).String()
	}

	tw.AppendRows([]table.Row{
		{"PID", status.PID},
		{"Uptime", status.Uptime},
		{"Sessions dir", status.SessionsDir},
		{"Delivery mode", status.DeliveryMode},
		{"Tracked files", humanize.Comma(int64(status.TrackedFiles))},
		{"Known sessions", humanize.Comma(int64(status.KnownSessions))},
		{"Seen ids", humanize.Comma(int64(status.SeenIDs))},
		{"Pending groups", status.PendingGroups},
		{"Pending events", status.PendingEvents},
		{"Cooldown", cooldown},
		{"DB size", humanize.IBytes(uint64(max(status.DBSizeBytes, 0)))},
	})
	if status.MetricsAddr != "" {
		tw.AppendRow(table.Row{"Metrics", "http://" + status.MetricsAddr + "/metrics"})
	}

	if len(status.Deliveries) > 0 {
		tw.AppendSeparator()
		for _, outcome := range sortedOutcomes(status.Deliveries) {
			tw.AppendRow(table.Row{"Deliveries " + strings.ReplaceAll(outcome, "_", " "),
				humanize.Comma(status.Deliveries[outcome])})
		}
	}
	return tw.Render() + "\n"
}

// sortedOutcomes lists known outcomes first, then any others by name.
func sortedOutcomes(counts map[string]int64) []string {
	var out []string
	known := make(map[string]bool)
	for _, o := range outcomeOrder {
		known[o] = true
		if _, ok := counts[o]; ok {
			out = append(out, o)
		}
	}
	var rest []string
	for o := range counts {
		if !known[o] {
			rest = append(rest, o)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// FormatFlush summarizes a flush request.
func FormatFlush(d *ipc.FlushData) string {
	if d.Groups == 0 {
		return "Nothing pending.\n"
	}
	s := fmt.Sprintf("Flushed %d %s (%d %s).\n",
		d.Groups, plural(d.Groups, "group", "groups"), d.Events, plural(d.Events, "event", "events"))
	if d.Error != "" {
		s += "Errors: " + d.Error + "\n"
	}
	return s
}

// FormatDeliveries lists journal rows, newest first.
func FormatDeliveries(rows []store.Delivery, now time.Time) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"When", "Group", "Sink", "Outcome", "Events", "Chars", "Error"})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
		{Number: 7, WidthMax: 60},
	})
	for _, d := range rows {
		group := d.GroupKey
		if group == "" {
			group = "-"
		}
		tw.AppendRow(table.Row{
			humanize.RelTime(d.CreatedAt, now, "ago", "from now"),
			group, d.Sink, d.Outcome, d.Events, d.Chars, d.Error,
		})
	}
	if len(rows) == 0 {
		tw.AppendRow(table.Row{"-", "(no deliveries)", "-", "-", 0, 0, ""})
	}
	return tw.Render() + "\n"
}

// FormatJSON marshals any value as indented JSON.
func FormatJSON(v interface{}) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error": %q}`, err.Error())
	}
	return string(data)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
