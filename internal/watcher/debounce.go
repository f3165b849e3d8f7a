package watcher

import (
	"sync"
	"time"
)

// Event is a coalesced change to one session file.
type Event struct {
	Path      string
	Type      string // "create" or "modify"
	Timestamp time.Time
	// Count is the number of raw notifications folded into this event.
	Count int
}

// Debouncer coalesces notifications per path. The first notification arms
// a timer for the window; later ones within the window are folded into the
// same emission instead of pushing it back, so a file that is written
// continuously is still emitted once per window. Safe for concurrent use.
type Debouncer struct {
	window time.Duration
	emit   func(Event)

	mu      sync.Mutex
	pending map[string]*pendingPath
	stopped bool

	// emitting tracks timer emissions that have left pending.
	emitting sync.WaitGroup
}

type pendingPath struct {
	ev    Event
	timer *time.Timer
}

// NewDebouncer creates a Debouncer that emits each path at most once per
// window.
func NewDebouncer(window time.Duration, emit func(Event)) *Debouncer {
	return &Debouncer{
		window:  window,
		emit:    emit,
		pending: make(map[string]*pendingPath),
	}
}

// Feed records a notification for e.Path.
func (d *Debouncer) Feed(e Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	if p, ok := d.pending[e.Path]; ok {
		// A create followed by writes is still a create.
		if p.ev.Type != "create" {
			p.ev.Type = e.Type
		}
		p.ev.Timestamp = e.Timestamp
		p.ev.Count++
		return
	}

	e.Count = 1
	p := &pendingPath{ev: e}
	path := e.Path
	p.timer = time.AfterFunc(d.window, func() { d.fire(path, p) })
	d.pending[path] = p
}

func (d *Debouncer) fire(path string, p *pendingPath) {
	d.mu.Lock()
	if cur, ok := d.pending[path]; !ok || cur != p {
		d.mu.Unlock()
		return
	}
	delete(d.pending, path)
	ev := p.ev
	d.emitting.Add(1)
	d.mu.Unlock()
	defer d.emitting.Done()
	d.emit(ev)
}

// Pending returns the number of paths waiting to be emitted.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop cancels all timers, emits pending events at once and waits for
// emissions already under way. Later Feed calls are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	toEmit := make([]Event, 0, len(d.pending))
	for _, p := range d.pending {
		p.timer.Stop()
		toEmit = append(toEmit, p.ev)
	}
	d.pending = make(map[string]*pendingPath)
	d.mu.Unlock()

	for _, ev := range toEmit {
		d.emit(ev)
	}
	d.emitting.Wait()
}
