package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/highbeam/session-relay/internal/sessionparser"
)

const sid = "3f2a1c9e-8b7d-4e6f-a5c4-b3d2e1f0a9b8"

// ---------------------------------------------------------------------------
// Filter tests
// ---------------------------------------------------------------------------

func TestFilterDefaultPatterns(t *testing.T) {
	f := NewFilter(nil)

	cases := []struct {
		path string
		want bool
	}{
		{".git/config", true},
		{".DS_Store", true},
		{"backup.swp", true},
		{"notes~", true},
		{sid + ".jsonl.tmp", true},
		{sid + ".jsonl.tmp.1234", true},
		{sid + ".jsonl.lock", true},
		{"agents/main/" + sid + ".jsonl", false},
		{"sessions.json", false},
	}

	for _, tc := range cases {
		if got := f.ShouldIgnore(tc.path); got != tc.want {
			t.Errorf("ShouldIgnore(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestFilterCustomPatterns(t *testing.T) {
	f := NewFilter([]string{"archive", ".git"})

	cases := []struct {
		path string
		want bool
	}{
		{"archive/" + sid + ".jsonl", true},
		{"a/archive/b", true},
		{".git/HEAD", true},
		{sid + ".jsonl", false},
	}

	for _, tc := range cases {
		if got := f.ShouldIgnore(tc.path); got != tc.want {
			t.Errorf("ShouldIgnore(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestFilterAccept(t *testing.T) {
	f := NewFilter(nil)

	cases := []struct {
		path string
		want bool
	}{
		{sid + ".jsonl", true},
		{"nested/" + sid + "-topic-3.jsonl", true},
		{sid + ".json", false},
		{"sessions.json", false},
		{"not-a-uuid.jsonl", false},
		{".git/" + sid + ".jsonl", false},
	}

	for _, tc := range cases {
		if got := f.Accept(tc.path); got != tc.want {
			t.Errorf("Accept(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Debouncer tests
// ---------------------------------------------------------------------------

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) add(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func TestDebouncerSingleEvent(t *testing.T) {
	var c collector
	d := NewDebouncer(50*time.Millisecond, c.add)
	defer d.Stop()

	d.Feed(Event{Path: "/a/b.jsonl", Type: "modify", Timestamp: time.Now()})
	time.Sleep(120 * time.Millisecond)

	got := c.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected 1 emission, got %d", len(got))
	}
	if got[0].Path != "/a/b.jsonl" || got[0].Count != 1 {
		t.Errorf("unexpected event %+v", got[0])
	}
}

func TestDebouncerBurstCollapse(t *testing.T) {
	var c collector
	d := NewDebouncer(80*time.Millisecond, c.add)
	defer d.Stop()

	for i := 0; i < 10; i++ {
		d.Feed(Event{Path: "/a/b.jsonl", Type: "modify", Timestamp: time.Now()})
	}
	time.Sleep(200 * time.Millisecond)

	got := c.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 emission after burst of 10, got %d", len(got))
	}
	if got[0].Count != 10 {
		t.Errorf("Count = %d, want 10", got[0].Count)
	}
}

func TestDebouncerContinuousWritesStillEmit(t *testing.T) {
	var c collector
	d := NewDebouncer(30*time.Millisecond, c.add)
	defer d.Stop()

	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) {
		d.Feed(Event{Path: "/busy.jsonl", Type: "modify", Timestamp: time.Now()})
		time.Sleep(5 * time.Millisecond)
	}

	if n := len(c.snapshot()); n < 2 {
		t.Errorf("expected repeated emissions under continuous writes, got %d", n)
	}
}

func TestDebouncerDifferentPaths(t *testing.T) {
	var c collector
	d := NewDebouncer(50*time.Millisecond, c.add)
	defer d.Stop()

	d.Feed(Event{Path: "/a.jsonl", Type: "modify", Timestamp: time.Now()})
	d.Feed(Event{Path: "/b.jsonl", Type: "create", Timestamp: time.Now()})
	time.Sleep(120 * time.Millisecond)

	paths := map[string]bool{}
	for _, e := range c.snapshot() {
		paths[e.Path] = true
	}
	if len(paths) != 2 || !paths["/a.jsonl"] || !paths["/b.jsonl"] {
		t.Errorf("expected /a.jsonl and /b.jsonl, got %v", paths)
	}
}

func TestDebouncerCreateWins(t *testing.T) {
	var c collector
	d := NewDebouncer(50*time.Millisecond, c.add)
	defer d.Stop()

	d.Feed(Event{Path: "/a.jsonl", Type: "create", Timestamp: time.Now()})
	d.Feed(Event{Path: "/a.jsonl", Type: "modify", Timestamp: time.Now()})
	time.Sleep(120 * time.Millisecond)

	got := c.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected 1 emission, got %d", len(got))
	}
	if got[0].Type != "create" || got[0].Count != 2 {
		t.Errorf("got %+v, want create with 2 notifications", got[0])
	}
}

func TestDebouncerStopDrains(t *testing.T) {
	var c collector
	d := NewDebouncer(5*time.Second, c.add)

	d.Feed(Event{Path: "/x.jsonl", Type: "create", Timestamp: time.Now()})
	d.Feed(Event{Path: "/y.jsonl", Type: "modify", Timestamp: time.Now()})
	if d.Pending() != 2 {
		t.Fatalf("Pending = %d, want 2", d.Pending())
	}

	d.Stop()

	if n := len(c.snapshot()); n != 2 {
		t.Fatalf("expected 2 drained emissions, got %d", n)
	}
	if d.Pending() != 0 {
		t.Errorf("Pending = %d after Stop", d.Pending())
	}
}

func TestDebouncerFeedAfterStop(t *testing.T) {
	var c collector
	d := NewDebouncer(20*time.Millisecond, c.add)
	d.Stop()

	d.Feed(Event{Path: "/a.jsonl", Type: "create", Timestamp: time.Now()})
	time.Sleep(60 * time.Millisecond)

	if n := len(c.snapshot()); n != 0 {
		t.Errorf("expected 0 emissions after stop, got %d", n)
	}
}

// ---------------------------------------------------------------------------
// Watcher tests
// ---------------------------------------------------------------------------

type changeLog struct {
	mu    sync.Mutex
	files []sessionparser.SessionFile
}

func (l *changeLog) add(sf sessionparser.SessionFile) {
	l.mu.Lock()
	l.files = append(l.files, sf)
	l.mu.Unlock()
}

func (l *changeLog) has(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, sf := range l.files {
		if sf.Key == key {
			return true
		}
	}
	return false
}

func startWatcher(t *testing.T, root string) (*Watcher, *changeLog) {
	t.Helper()
	var changes changeLog
	w := New(root, 20*time.Millisecond, changes.add, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		w.Stop()
		<-done
	})

	select {
	case <-w.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never became ready")
	}
	return w, &changes
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestWatcherReportsAppends(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, sid+".jsonl")
	if err := os.WriteFile(path, []byte("{}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	_, changes := startWatcher(t, root)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"type":"session"}` + "\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	waitFor(t, func() bool { return changes.has(sid + ".jsonl") }, "append not reported")
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	root := t.TempDir()
	_, changes := startWatcher(t, root)

	if err := os.WriteFile(filepath.Join(root, "sessions.json"), []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, sid+".jsonl.tmp"), []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	changes.mu.Lock()
	defer changes.mu.Unlock()
	if len(changes.files) != 0 {
		t.Errorf("unexpected changes: %+v", changes.files)
	}
}

func TestWatcherPicksUpNewDirectories(t *testing.T) {
	root := t.TempDir()
	_, changes := startWatcher(t, root)

	dir := filepath.Join(root, "agents", "helper")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	name := sid + "-topic-2.jsonl"
	if err := os.WriteFile(filepath.Join(dir, name), []byte("{}\n"), 0644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return changes.has("agents/helper/" + name) }, "file in new directory not reported")

	changes.mu.Lock()
	defer changes.mu.Unlock()
	for _, sf := range changes.files {
		if sf.Key == "agents/helper/"+name && (sf.SessionID != sid || sf.Thread != 2) {
			t.Errorf("bad session file %+v", sf)
		}
	}
}

func TestDebouncerStopWaitsForInflightEmit(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var done bool
	var mu sync.Mutex
	d := NewDebouncer(10*time.Millisecond, func(Event) {
		close(entered)
		<-release
		mu.Lock()
		done = true
		mu.Unlock()
	})

	d.Feed(Event{Path: "/slow.jsonl", Type: "modify", Timestamp: time.Now()})
	<-entered

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while an emit was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the emit finished")
	}
	mu.Lock()
	defer mu.Unlock()
	if !done {
		t.Error("Stop returned before the emit completed")
	}
}
