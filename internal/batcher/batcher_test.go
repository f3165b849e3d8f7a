package batcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/highbeam/session-relay/internal/event"
)

const sid = "3f2a1c9e-8b7d-4e6f-a5c4-b3d2e1f0a9b8"

type idRenderer struct{}

func (idRenderer) Render(groupKey string, events []*event.PendingEvent) string {
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	return groupKey + "|" + strings.Join(ids, ",")
}

type delivery struct {
	key    string
	text   string
	events int
}

type recordingDeliverer struct {
	mu    sync.Mutex
	sent  []delivery
	errFn func(key string) error
}

func (d *recordingDeliverer) Deliver(ctx context.Context, key, text string, events int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, delivery{key, text, events})
	if d.errFn != nil {
		return d.errFn(key)
	}
	return nil
}

func (d *recordingDeliverer) all() []delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]delivery(nil), d.sent...)
}

func newEvent(id string, thread int) *event.PendingEvent {
	return event.New(id, event.UserMessage, time.Now(), sid, thread)
}

func TestTimerFlushAfterWindow(t *testing.T) {
	d := &recordingDeliverer{}
	b := New(30*time.Millisecond, 10, idRenderer{}, d, nil, zerolog.Nop())

	b.AddEvent(newEvent("e1", 0))
	b.AddEvent(newEvent("e2", 0))

	require.Eventually(t, func() bool { return len(d.all()) == 1 }, time.Second, 5*time.Millisecond)
	got := d.all()[0]
	assert.Equal(t, sid, got.key)
	assert.Equal(t, sid+"|e1,e2", got.text)
	assert.Equal(t, 2, got.events)
	assert.Zero(t, b.PendingGroups())

	// Nothing else fires later.
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, d.all(), 1)
}

func TestAtMostOneTimerPerGroup(t *testing.T) {
	d := &recordingDeliverer{}
	b := New(time.Hour, 100, idRenderer{}, d, nil, zerolog.Nop())

	for i := 0; i < 20; i++ {
		b.AddEvent(newEvent(fmt.Sprintf("e%d", i), 0))
		require.Equal(t, 1, b.armedTimers())
	}
	b.AddEvent(newEvent("t1", 1))
	assert.Equal(t, 2, b.armedTimers())
	assert.Equal(t, 21, b.PendingEvents())

	require.NoError(t, b.FlushAll(context.Background()))
	assert.Zero(t, b.armedTimers())
}

func TestSizeTriggerFlushesImmediately(t *testing.T) {
	d := &recordingDeliverer{}
	b := New(time.Hour, 3, idRenderer{}, d, nil, zerolog.Nop())

	b.AddEvent(newEvent("e1", 0))
	b.AddEvent(newEvent("e2", 0))
	assert.Equal(t, 1, b.armedTimers())
	b.AddEvent(newEvent("e3", 0))

	// The timer is cancelled and the group detached synchronously.
	assert.Zero(t, b.armedTimers())
	assert.Zero(t, b.PendingGroups())

	require.Eventually(t, func() bool { return len(d.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, d.all()[0].events)

	// The next event starts a fresh group.
	b.AddEvent(newEvent("e4", 0))
	assert.Equal(t, 1, b.armedTimers())
	require.NoError(t, b.FlushAll(context.Background()))
	assert.Len(t, d.all(), 2)
}

func TestThreadsBatchSeparately(t *testing.T) {
	d := &recordingDeliverer{}
	b := New(time.Hour, 10, idRenderer{}, d, nil, zerolog.Nop())
	b.AddEvent(newEvent("a", 0))
	b.AddEvent(newEvent("b", 2))
	require.NoError(t, b.FlushAll(context.Background()))

	sent := d.all()
	require.Len(t, sent, 2)
	assert.Equal(t, sid, sent[0].key)
	assert.Equal(t, sid+"-topic-2", sent[1].key)
}

func TestUpdatePendingOnly(t *testing.T) {
	d := &recordingDeliverer{}
	b := New(time.Hour, 10, idRenderer{}, d, nil, zerolog.Nop())
	ev := newEvent("tool:x", 0)
	b.AddEvent(ev)

	ok := b.Update(sid, "tool:x", func(e *event.PendingEvent) { e.Set(event.AttrIsError, true) })
	assert.True(t, ok)
	assert.True(t, ev.Bool(event.AttrIsError))

	assert.False(t, b.Update(sid, "tool:missing", func(*event.PendingEvent) { t.Error("called") }))

	require.NoError(t, b.Flush(context.Background(), sid))
	assert.False(t, b.Update(sid, "tool:x", func(*event.PendingEvent) { t.Error("called after flush") }))
}

func TestFlushMissingGroup(t *testing.T) {
	d := &recordingDeliverer{}
	b := New(time.Hour, 10, idRenderer{}, d, nil, zerolog.Nop())
	require.NoError(t, b.Flush(context.Background(), "nope"))
	assert.Empty(t, d.all())
}

func TestFlushAllCombinesErrors(t *testing.T) {
	boom := errors.New("boom")
	d := &recordingDeliverer{errFn: func(key string) error {
		if strings.HasSuffix(key, "-topic-1") {
			return boom
		}
		if strings.HasSuffix(key, "-topic-2") {
			return fmt.Errorf("cooling down: %w", ErrDropped)
		}
		return nil
	}}
	b := New(time.Hour, 10, idRenderer{}, d, nil, zerolog.Nop())
	b.AddEvent(newEvent("a", 0))
	b.AddEvent(newEvent("b", 1))
	b.AddEvent(newEvent("c", 2))

	err := b.FlushAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, d.all(), 3)
	assert.Zero(t, b.PendingGroups())
}

func TestFlushAllWaitsForInflight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	d := &blockingDeliverer{release: release, started: started}
	b := New(time.Hour, 1, idRenderer{}, d, nil, zerolog.Nop())

	b.AddEvent(newEvent("a", 0)) // size trigger, async
	<-started

	done := make(chan error)
	go func() { done <- b.FlushAll(context.Background()) }()

	select {
	case <-done:
		t.Fatal("FlushAll returned before in-flight flush finished")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-done)
}

type blockingDeliverer struct {
	release chan struct{}
	started chan struct{}
}

func (d *blockingDeliverer) Deliver(ctx context.Context, key, text string, events int) error {
	d.started <- struct{}{}
	<-d.release
	return nil
}

func TestConcurrentAddsDeliverEachEventOnce(t *testing.T) {
	d := &recordingDeliverer{}
	b := New(5*time.Millisecond, 4, idRenderer{}, d, nil, zerolog.Nop())

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				b.AddEvent(newEvent(fmt.Sprintf("w%d-%d", w, i), w%2))
				if i%7 == 0 {
					time.Sleep(time.Millisecond)
				}
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, b.FlushAll(context.Background()))

	seen := map[string]int{}
	total := 0
	for _, s := range d.all() {
		total += s.events
		ids := strings.SplitN(s.text, "|", 2)[1]
		for _, id := range strings.Split(ids, ",") {
			seen[id]++
		}
	}
	assert.Equal(t, 100, total)
	assert.Len(t, seen, 100)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestSizeFlushesOfOneGroupKeepOrder(t *testing.T) {
	d := &recordingDeliverer{errFn: func(string) error {
		time.Sleep(time.Millisecond)
		return nil
	}}
	b := New(time.Hour, 1, idRenderer{}, d, nil, zerolog.Nop())
	for i := 0; i < 50; i++ {
		b.AddEvent(newEvent(fmt.Sprintf("%d", i), 0))
	}
	require.NoError(t, b.FlushAll(context.Background()))

	sent := d.all()
	require.Len(t, sent, 50)
	for i, s := range sent {
		assert.Equal(t, fmt.Sprintf("%s|%d", sid, i), s.text)
	}
}

func TestFlushWaitsBehindEarlierBatch(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	d := &blockingDeliverer{release: release, started: started}
	b := New(time.Hour, 2, idRenderer{}, d, nil, zerolog.Nop())

	b.AddEvent(newEvent("a", 0))
	b.AddEvent(newEvent("b", 0)) // size trigger, async
	<-started
	b.AddEvent(newEvent("c", 0))

	done := make(chan error)
	go func() { done <- b.Flush(context.Background(), sid) }()
	select {
	case <-started:
		t.Fatal("second batch started before the first finished")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-done)
}

func TestCloseRejectsLateEvents(t *testing.T) {
	d := &recordingDeliverer{}
	b := New(time.Hour, 10, idRenderer{}, d, nil, zerolog.Nop())
	b.AddEvent(newEvent("a", 0))
	require.NoError(t, b.Close(context.Background()))
	require.Len(t, d.all(), 1)

	b.AddEvent(newEvent("late", 0))
	assert.Zero(t, b.PendingEvents())
	assert.Zero(t, b.armedTimers())
	assert.ErrorIs(t, b.Flush(context.Background(), sid), ErrClosed)
	assert.Len(t, d.all(), 1)
}
