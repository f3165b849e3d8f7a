// Package batcher groups pending events per session thread and flushes
// each group after a quiet window or when it grows to the size limit.
package batcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/highbeam/session-relay/internal/event"
	"github.com/highbeam/session-relay/internal/recovery"
	"github.com/highbeam/session-relay/internal/telemetry"
)

// Renderer turns a batch into message text.
type Renderer interface {
	Render(groupKey string, events []*event.PendingEvent) string
}

// Deliverer sends rendered text. It returns an error matching
// ErrDropped when the batch was intentionally discarded.
type Deliverer interface {
	Deliver(ctx context.Context, groupKey, text string, events int) error
}

// ErrDropped may be wrapped by a Deliverer to signal a policy drop (for
// example during a rate-limit cooldown). Such drops are not failures.
var ErrDropped = errors.New("batch dropped")

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("batcher closed")

// group is one batch key while it accumulates. Flushing detaches the
// events first, so a group never has two timers.
type group struct {
	events []*event.PendingEvent
	timer  *time.Timer
	gen    uint64 // identifies the armed timer
}

// lane delivers the detached batches of one key in detach order. At most
// one worker runs per lane.
type lane struct {
	queue []flushJob
}

type flushJob struct {
	ctx   context.Context
	batch []*event.PendingEvent
	done  chan error // nil for background flushes
}

// Batcher routes events into groups. Safe for concurrent use.
type Batcher struct {
	window  time.Duration
	maxSize int
	render  Renderer
	deliver Deliverer
	metrics *telemetry.Metrics
	log     zerolog.Logger

	mu     sync.Mutex
	groups map[string]*group
	lanes  map[string]*lane
	gen    uint64
	closed bool

	// inflight tracks lane workers.
	inflight sync.WaitGroup
}

// New creates a Batcher.
func New(window time.Duration, maxSize int, render Renderer, deliver Deliverer, metrics *telemetry.Metrics, log zerolog.Logger) *Batcher {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Batcher{
		window:  window,
		maxSize: maxSize,
		render:  render,
		deliver: deliver,
		metrics: metrics,
		log:     log,
		groups:  make(map[string]*group),
		lanes:   make(map[string]*lane),
	}
}

// AddEvent appends ev to its group. Reaching the size limit flushes the
// group at once; otherwise a flush timer is armed if none is pending.
// Events added after Close are rejected and logged.
func (b *Batcher) AddEvent(ev *event.PendingEvent) {
	key := ev.GroupKey()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.log.Warn().Str("group", key).Str("event", ev.ID).Msg("event after close, not batched")
		return
	}
	g, ok := b.groups[key]
	if !ok {
		g = &group{}
		b.groups[key] = g
	}
	g.events = append(g.events, ev)

	if len(g.events) >= b.maxSize {
		b.enqueueLocked(key, flushJob{ctx: context.Background(), batch: b.detachLocked(key)})
	} else if g.timer == nil {
		b.gen++
		gen := b.gen
		g.gen = gen
		g.timer = time.AfterFunc(b.window, func() { b.timerFired(key, gen) })
	}
	b.metrics.SetPendingGroups(len(b.groups))
}

// detachLocked removes the group for key, cancelling its timer, and
// returns its events.
func (b *Batcher) detachLocked(key string) []*event.PendingEvent {
	g, ok := b.groups[key]
	if !ok {
		return nil
	}
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	delete(b.groups, key)
	return g.events
}

// enqueueLocked appends job to the lane for key, starting its worker if
// the lane is idle.
func (b *Batcher) enqueueLocked(key string, job flushJob) {
	l, busy := b.lanes[key]
	if !busy {
		l = &lane{}
		b.lanes[key] = l
	}
	l.queue = append(l.queue, job)
	if busy {
		return
	}
	b.inflight.Add(1)
	recovery.SafeGoWithCleanup(b.log, "flush "+key, func() { b.runLane(key, l) }, b.inflight.Done)
}

// runLane delivers queued batches for key until the lane is empty.
func (b *Batcher) runLane(key string, l *lane) {
	for {
		b.mu.Lock()
		if len(l.queue) == 0 {
			delete(b.lanes, key)
			b.mu.Unlock()
			return
		}
		job := l.queue[0]
		l.queue = l.queue[1:]
		b.mu.Unlock()

		var err error
		ok := recovery.Run(b.log, "flush "+key, func() {
			err = b.flushBatch(job.ctx, key, job.batch)
		})
		if !ok {
			err = fmt.Errorf("flush %s panicked", key)
		}
		if job.done != nil {
			job.done <- err
		}
	}
}

func (b *Batcher) timerFired(key string, gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[key]
	if !ok || g.timer == nil || g.gen != gen {
		// Flushed or re-armed since this timer was scheduled.
		return
	}
	b.enqueueLocked(key, flushJob{ctx: context.Background(), batch: b.detachLocked(key)})
	b.metrics.SetPendingGroups(len(b.groups))
}

// Flush detaches and delivers the group for key, after any earlier batch
// of the same key. A missing group is not an error.
func (b *Batcher) Flush(ctx context.Context, key string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	batch := b.detachLocked(key)
	if len(batch) == 0 {
		b.mu.Unlock()
		return nil
	}
	done := make(chan error, 1)
	b.enqueueLocked(key, flushJob{ctx: ctx, batch: batch, done: done})
	b.metrics.SetPendingGroups(len(b.groups))
	b.mu.Unlock()
	return <-done
}

// FlushAll flushes every pending group and waits for flushes already in
// progress. Errors from individual groups are combined.
func (b *Batcher) FlushAll(ctx context.Context) error {
	return b.flushAll(ctx, false)
}

// Close flushes everything like FlushAll and rejects later events.
func (b *Batcher) Close(ctx context.Context) error {
	return b.flushAll(ctx, true)
}

func (b *Batcher) flushAll(ctx context.Context, closing bool) error {
	b.mu.Lock()
	if closing {
		b.closed = true
	}
	keys := make([]string, 0, len(b.groups))
	for key := range b.groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	waits := make(map[string]chan error, len(keys))
	for _, key := range keys {
		done := make(chan error, 1)
		b.enqueueLocked(key, flushJob{ctx: ctx, batch: b.detachLocked(key), done: done})
		waits[key] = done
	}
	b.metrics.SetPendingGroups(0)
	b.mu.Unlock()

	var result *multierror.Error
	for _, key := range keys {
		if err := <-waits[key]; err != nil {
			result = multierror.Append(result, fmt.Errorf("flush %s: %w", key, err))
		}
	}
	b.inflight.Wait()
	return result.ErrorOrNil()
}

func (b *Batcher) flushBatch(ctx context.Context, key string, batch []*event.PendingEvent) error {
	if len(batch) == 0 {
		return nil
	}
	b.metrics.BatchFlushed(len(batch))

	text := b.render.Render(key, batch)
	if text == "" {
		b.log.Debug().Str("group", key).Int("events", len(batch)).Msg("batch rendered empty, nothing to send")
		return nil
	}
	err := b.deliver.Deliver(ctx, key, text, len(batch))
	switch {
	case err == nil:
		b.log.Debug().Str("group", key).Int("events", len(batch)).Msg("batch delivered")
		return nil
	case errors.Is(err, ErrDropped):
		b.log.Debug().Err(err).Str("group", key).Int("events", len(batch)).Msg("batch dropped")
		return nil
	default:
		b.log.Warn().Err(err).Str("group", key).Int("events", len(batch)).Msg("batch delivery failed")
		return err
	}
}

// Update applies fn to the pending event with eventID in groupKey. It
// returns false when the event is not pending (never added or already
// flushed).
func (b *Batcher) Update(groupKey, eventID string, fn func(*event.PendingEvent)) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[groupKey]
	if !ok {
		return false
	}
	for i := len(g.events) - 1; i >= 0; i-- {
		if g.events[i].ID == eventID {
			fn(g.events[i])
			return true
		}
	}
	return false
}

// PendingGroups returns the number of groups waiting to flush.
func (b *Batcher) PendingGroups() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.groups)
}

// PendingEvents returns the number of events waiting to flush.
func (b *Batcher) PendingEvents() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, g := range b.groups {
		n += len(g.events)
	}
	return n
}

// armedTimers counts groups with a pending timer.
func (b *Batcher) armedTimers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, g := range b.groups {
		if g.timer != nil {
			n++
		}
	}
	return n
}
