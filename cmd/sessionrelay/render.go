package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"

	"github.com/highbeam/session-relay/internal/config"
	"github.com/highbeam/session-relay/internal/event"
	"github.com/highbeam/session-relay/internal/format"
	"github.com/highbeam/session-relay/internal/logger"
	"github.com/highbeam/session-relay/internal/offsets"
	"github.com/highbeam/session-relay/internal/sessionmeta"
	"github.com/highbeam/session-relay/internal/sessionparser"
	"github.com/highbeam/session-relay/internal/tailer"
)

func renderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "render <file>",
		Short: "Print the messages a session log would produce",
		Long: `Run the tailer and formatter over a session log from the beginning and
print every message to stdout. Nothing is delivered and no state is written.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			_, err = renderFile(cmd.OutOrStdout(), cfg, args[0])
			return err
		},
	}
}

// collector is an in-order tailer sink that cuts batches at the size
// limit, without timers.
type collector struct {
	mu      sync.Mutex
	maxSize int
	order   []string
	groups  map[string][][]*event.PendingEvent
}

func newCollector(maxSize int) *collector {
	if maxSize < 1 {
		maxSize = 1
	}
	return &collector{maxSize: maxSize, groups: make(map[string][][]*event.PendingEvent)}
}

func (c *collector) AddEvent(ev *event.PendingEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := ev.GroupKey()
	batches, ok := c.groups[key]
	if !ok {
		c.order = append(c.order, key)
	}
	if n := len(batches); n == 0 || len(batches[n-1]) >= c.maxSize {
		batches = append(batches, nil)
	}
	batches[len(batches)-1] = append(batches[len(batches)-1], ev)
	c.groups[key] = batches
}

func (c *collector) Update(groupKey, eventID string, fn func(*event.PendingEvent)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, batch := range c.groups[groupKey] {
		for _, ev := range batch {
			if ev.ID == eventID {
				fn(ev)
				return true
			}
		}
	}
	return false
}

// renderFile prints the messages produced by the session log at path and
// returns how many there were.
func renderFile(out io.Writer, cfg *config.Config, path string) (int, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return 0, err
	}
	sf, err := sessionparser.NewSessionFile(filepath.Dir(abs), abs)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}

	meta := sessionmeta.NewIndex()
	if entries, err := sessionmeta.LoadIndexFile(cfg.IndexPath); err == nil {
		meta.ApplyIndexSnapshot(entries)
	}

	log := logger.Nop()
	sink := newCollector(cfg.MaxBatchSize)
	// The offsets store is never saved.
	st := offsets.New(os.DevNull, cfg.MaxSeenIDs, log)
	t := tailer.New(tailer.Options{ProcessAllHistory: true}, st, meta, sink, nil, log)
	if _, err := t.Tail(sf); err != nil {
		return 0, err
	}

	f := format.New(format.Options{
		MaxLength:            cfg.MaxMessageLength,
		PreviewLength:        cfg.PreviewLength,
		HeaderInterval:       cfg.HeaderInterval(),
		ProjectEmojis:        cfg.ProjectEmojis,
		ContextWindowDefault: cfg.ContextWindowDefault,
	}, meta)

	n := 0
	for _, key := range sink.order {
		for _, batch := range sink.groups[key] {
			text := f.Render(key, batch)
			if text == "" {
				continue
			}
			if n > 0 {
				fmt.Fprintln(out, "---")
			}
			fmt.Fprintln(out, text)
			n++
		}
	}
	return n, nil
}
