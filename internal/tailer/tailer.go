// Package tailer reads new lines from session logs, keeps session metadata
// current and turns records into pending events.
package tailer

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/highbeam/session-relay/internal/event"
	"github.com/highbeam/session-relay/internal/offsets"
	"github.com/highbeam/session-relay/internal/sessionmeta"
	"github.com/highbeam/session-relay/internal/sessionparser"
	"github.com/highbeam/session-relay/internal/telemetry"
)

// Sink receives extracted events. The batcher implements it.
type Sink interface {
	AddEvent(ev *event.PendingEvent)
	// Update applies fn to a still-pending event and reports whether it
	// was found.
	Update(groupKey, eventID string, fn func(*event.PendingEvent)) bool
}

// Options tune a Tailer.
type Options struct {
	MaxFileSize       int64
	ProcessAllHistory bool
	// MaxTrackedCalls bounds the tool-call bookkeeping kept for merging
	// results.
	MaxTrackedCalls int
	// SaveState persists offsets after every pass that advanced them.
	SaveState bool
}

// Tailer processes session files. Passes over the same file are
// serialized; different files may be tailed concurrently.
type Tailer struct {
	opts    Options
	offsets *offsets.Store
	meta    *sessionmeta.Index
	sink    Sink
	metrics *telemetry.Metrics
	log     zerolog.Logger
	now     func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	calls *callTracker
}

// New creates a Tailer.
func New(opts Options, st *offsets.Store, meta *sessionmeta.Index, sink Sink, metrics *telemetry.Metrics, log zerolog.Logger) *Tailer {
	if opts.MaxTrackedCalls <= 0 {
		opts.MaxTrackedCalls = 2000
	}
	return &Tailer{
		opts:    opts,
		offsets: st,
		meta:    meta,
		sink:    sink,
		metrics: metrics,
		log:     log,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
		calls:   newCallTracker(opts.MaxTrackedCalls),
	}
}

// SetClock replaces the time source. Tests only.
func (t *Tailer) SetClock(now func() time.Time) {
	t.now = now
}

func (t *Tailer) fileLock(key string) *sync.Mutex {
	t.locksMu.Lock()
	defer t.locksMu.Unlock()
	mu, ok := t.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		t.locks[key] = mu
	}
	return mu
}

// Tail processes the bytes appended to sf since its stored offset and
// returns the number of events emitted. Files over the size limit are
// skipped without error.
func (t *Tailer) Tail(sf sessionparser.SessionFile) (int, error) {
	mu := t.fileLock(sf.Key)
	mu.Lock()
	defer mu.Unlock()

	info, err := os.Stat(sf.Path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", sf.Path, err)
	}
	size := info.Size()
	if t.opts.MaxFileSize > 0 && size > t.opts.MaxFileSize {
		t.log.Debug().Str("file", sf.Key).Int64("size", size).Msg("file over size limit, not tailing")
		return 0, nil
	}

	offset, known := t.offsets.Offset(sf.Key)
	if !known {
		offset = size
		if t.opts.ProcessAllHistory {
			offset = 0
		} else {
			// Backlog is skipped, but the header still needs metadata.
			t.deriveLocked(sf, -1)
		}
		t.offsets.SetOffset(sf.Key, offset)
		t.log.Debug().Str("file", sf.Key).Int64("offset", offset).Msg("new session file")
	}

	if size < offset {
		t.log.Warn().Str("file", sf.Key).Int64("size", size).Int64("offset", offset).
			Msg("file shrank below stored offset, waiting for it to grow")
		return 0, nil
	}
	if size == offset {
		if !known {
			t.saveState()
		}
		return 0, nil
	}

	x := newExtractor(t, sf)
	reader := sessionparser.NewLineReader(sf.Path, offset)
	newOffset, readErr := reader.ReadAvailable(x.handleLine)

	if newOffset > offset {
		t.offsets.SetOffset(sf.Key, newOffset)
		t.saveState()
	}
	if readErr != nil {
		t.log.Warn().Err(readErr).Str("file", sf.Key).Int64("offset", newOffset).Msg("read interrupted")
		return x.emitted, readErr
	}
	return x.emitted, nil
}

func (t *Tailer) saveState() {
	if !t.opts.SaveState {
		return
	}
	err := t.offsets.Save()
	t.metrics.StateSaved(err)
	if err != nil {
		t.log.Error().Err(err).Msg("save state")
	}
}

// DeriveMetadata rebuilds session metadata for sf from the part of the
// file already tailed, or from the whole file when it has no offset yet.
// Lines past the offset are left for Tail, which needs the metadata as it
// was before them. Index routing fields are not touched.
func (t *Tailer) DeriveMetadata(sf sessionparser.SessionFile) {
	mu := t.fileLock(sf.Key)
	mu.Lock()
	defer mu.Unlock()
	limit := int64(-1)
	if off, ok := t.offsets.Offset(sf.Key); ok {
		limit = off
	}
	t.deriveLocked(sf, limit)
}

// deriveLocked applies the records in [0, limit) to the index. A negative
// limit means the whole file.
func (t *Tailer) deriveLocked(sf sessionparser.SessionFile, limit int64) {
	if limit == 0 {
		return
	}
	info, err := os.Stat(sf.Path)
	if err != nil {
		return
	}
	if t.opts.MaxFileSize > 0 && info.Size() > t.opts.MaxFileSize {
		return
	}
	now := t.now()
	reader := sessionparser.NewLineReader(sf.Path, 0).Until(limit)
	_, err = reader.ReadAvailable(func(l sessionparser.Line) {
		rec, err := sessionparser.Parse(l.Data, now)
		if err != nil || rec == nil {
			return
		}
		t.meta.ApplyRecord(sf.SessionID, rec)
	})
	if err != nil {
		t.log.Debug().Err(err).Str("file", sf.Key).Msg("derive metadata")
	}
}

// Rescan re-derives metadata for every known file and then tails it.
// Files seen for the first time are left to Tail's first-sight handling.
// Errors on individual files are logged and do not stop the pass.
func (t *Tailer) Rescan(ctx context.Context, files []sessionparser.SessionFile) int {
	total := 0
	for _, sf := range files {
		if ctx.Err() != nil {
			break
		}
		if _, known := t.offsets.Offset(sf.Key); known {
			t.DeriveMetadata(sf)
		}
		n, err := t.Tail(sf)
		if err != nil {
			t.log.Warn().Err(err).Str("file", sf.Key).Msg("tail during rescan")
		}
		total += n
	}
	return total
}
