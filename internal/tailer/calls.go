package tailer

import (
	"sync"
	"time"
)

type trackedCall struct {
	at   time.Time
	name string
	args map[string]any // edit/write arguments, for diff stats without a diff
}

// callTracker remembers recent tool calls so a later result can compute a
// duration. Oldest entries are dropped past capacity.
type callTracker struct {
	mu    sync.Mutex
	max   int
	calls map[string]trackedCall
	order []string
}

func newCallTracker(max int) *callTracker {
	return &callTracker{max: max, calls: make(map[string]trackedCall)}
}

func (c *callTracker) put(id string, call trackedCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.calls[id]; !ok {
		c.order = append(c.order, id)
	}
	c.calls[id] = call
	for len(c.order) > c.max {
		delete(c.calls, c.order[0])
		c.order = c.order[1:]
	}
}

func (c *callTracker) take(id string) (trackedCall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.calls[id]
	if ok {
		delete(c.calls, id)
	}
	return call, ok
}

func (c *callTracker) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}
