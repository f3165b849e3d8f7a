package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/highbeam/session-relay/internal/batcher"
	"github.com/highbeam/session-relay/internal/config"
	"github.com/highbeam/session-relay/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type memJournal struct {
	mu   sync.Mutex
	rows []store.Delivery
}

func (j *memJournal) RecordDelivery(d store.Delivery) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.rows = append(j.rows, d)
	return nil
}

func (j *memJournal) outcomes() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.rows))
	for i, r := range j.rows {
		out[i] = r.Sink + ":" + r.Outcome
	}
	return out
}

type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	err   error
	block chan struct{}
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string{name}, args...))
	if r.err != nil {
		return []byte("not authorized"), r.err
	}
	return nil, nil
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// webhookServer answers 429 with the given Retry-After for the first
// limited requests, then 204.
func webhookServer(t *testing.T, limited int32, retryAfter string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if n := hits.Add(1); n <= limited {
			w.Header().Set("Retry-After", retryAfter)
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newManager(opts Options, clock *fakeClock, runner *fakeRunner) (*Manager, *memJournal) {
	j := &memJournal{}
	m := New(opts, j, nil, zerolog.Nop())
	m.SetClock(clock.Now)
	if runner != nil {
		m.SetRunner(runner)
	}
	return m, j
}

func TestWebhookPostsContent(t *testing.T) {
	var gotType string
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("Content-Type")
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m, j := newManager(Options{Mode: config.ModeWebhook, WebhookURL: srv.URL}, newFakeClock(), nil)
	require.NoError(t, m.Deliver(context.Background(), "g", "héllo", 2))

	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, "héllo", got.Content)
	require.Len(t, j.rows, 1)
	assert.Equal(t, store.Delivery{
		GroupKey: "g", Sink: SinkWebhook, Outcome: store.OutcomeSent,
		Chars: 5, Events: 2, CreatedAt: newFakeClock().Now(),
	}, j.rows[0])
}

func TestWebhookNon2xxIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	m, j := newManager(Options{Mode: config.ModeWebhook, WebhookURL: srv.URL}, newFakeClock(), nil)
	err := m.Deliver(context.Background(), "g", "x", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 500: boom")
	assert.False(t, errors.Is(err, batcher.ErrDropped))
	assert.Zero(t, m.CooldownRemaining())
	assert.Equal(t, []string{"webhook:failed"}, j.outcomes())
}

func TestWebhookCooldownDropsBatches(t *testing.T) {
	srv, hits := webhookServer(t, 1, "5")
	clock := newFakeClock()
	runner := &fakeRunner{}
	m, j := newManager(Options{
		Mode:       config.ModeWebhook,
		WebhookURL: srv.URL,
		Channel:    "discord",
		Target:     "channel:1",
		CLICommand: "openclaw",
	}, clock, runner)
	ctx := context.Background()

	err := m.Deliver(ctx, "g", "first", 1)
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 5*time.Second, rl.RetryAfter)
	assert.Equal(t, 5*time.Second, m.CooldownRemaining())

	for _, step := range []time.Duration{time.Second, 2 * time.Second, 1900 * time.Millisecond} {
		clock.Advance(step)
		err := m.Deliver(ctx, "g", "during", 1)
		assert.ErrorIs(t, err, ErrCoolingDown)
		assert.ErrorIs(t, err, batcher.ErrDropped)
	}
	assert.Equal(t, int32(1), hits.Load(), "no request during cooldown")

	clock.Advance(200 * time.Millisecond)
	assert.Zero(t, m.CooldownRemaining())
	require.NoError(t, m.Deliver(ctx, "g", "after", 1))
	assert.Equal(t, int32(2), hits.Load())

	m.Wait()
	assert.Zero(t, runner.count(), "secondary sink must not run in webhook mode")
	assert.Equal(t, []string{
		"webhook:failed",
		"webhook:dropped_cooldown",
		"webhook:dropped_cooldown",
		"webhook:dropped_cooldown",
		"webhook:sent",
	}, j.outcomes())
}

func TestAutoFallsBackToCLIDuringCooldown(t *testing.T) {
	srv, hits := webhookServer(t, 1, "5")
	clock := newFakeClock()
	runner := &fakeRunner{}
	m, j := newManager(Options{
		Mode:       config.ModeAuto,
		WebhookURL: srv.URL,
		Channel:    "discord",
		Target:     "channel:1",
		CLICommand: "openclaw",
	}, clock, runner)
	ctx := context.Background()

	require.NoError(t, m.Deliver(ctx, "g", "first", 1))
	m.Wait()
	clock.Advance(time.Second)
	require.NoError(t, m.Deliver(ctx, "g", "second", 1))
	m.Wait()

	assert.Equal(t, int32(1), hits.Load())
	require.Equal(t, 2, runner.count())
	assert.Equal(t, []string{
		"openclaw", "message", "send", "--channel", "discord", "--target", "channel:1", "--message", "second",
	}, runner.calls[1])
	assert.Equal(t, []string{
		"webhook:failed",
		"cli:fallback",
		"webhook:dropped_cooldown",
		"cli:fallback",
	}, j.outcomes())
}

func TestCLIIsFireAndForget(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	m, j := newManager(Options{
		Mode: config.ModeCLI, Channel: "telegram", Target: "42", CLICommand: "openclaw",
	}, newFakeClock(), runner)

	done := make(chan error, 1)
	go func() { done <- m.Deliver(context.Background(), "g", "hi", 1) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Deliver waited for the CLI command")
	}
	assert.Zero(t, runner.count())
	assert.Equal(t, []string{"cli:sent"}, j.outcomes())

	close(runner.block)
	m.Wait()
	assert.Equal(t, 1, runner.count())
}

func TestCLIFailureIsJournaled(t *testing.T) {
	runner := &fakeRunner{err: errors.New("exit status 1")}
	m, j := newManager(Options{
		Mode: config.ModeCLI, Channel: "telegram", Target: "42", CLICommand: "openclaw",
	}, newFakeClock(), runner)

	require.NoError(t, m.Deliver(context.Background(), "g", "hi", 1))
	m.Wait()

	assert.Equal(t, []string{"cli:sent", "cli:failed"}, j.outcomes())
	j.mu.Lock()
	defer j.mu.Unlock()
	assert.Contains(t, j.rows[1].Error, "not authorized")
}

func TestSpacingBetweenSends(t *testing.T) {
	srv, _ := webhookServer(t, 0, "")
	clock := newFakeClock()
	m, _ := newManager(Options{
		Mode: config.ModeWebhook, WebhookURL: srv.URL, Spacing: 1500 * time.Millisecond,
	}, clock, nil)

	var slept []time.Duration
	m.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		clock.Advance(d)
		return nil
	}
	ctx := context.Background()

	require.NoError(t, m.Deliver(ctx, "a", "1", 1))
	require.NoError(t, m.Deliver(ctx, "b", "2", 1))
	clock.Advance(500 * time.Millisecond)
	require.NoError(t, m.Deliver(ctx, "c", "3", 1))
	clock.Advance(2 * time.Second)
	require.NoError(t, m.Deliver(ctx, "d", "4", 1))

	assert.Equal(t, []time.Duration{1500 * time.Millisecond, time.Second}, slept)
}

func TestSpacingHonoursContext(t *testing.T) {
	srv, hits := webhookServer(t, 0, "")
	m, _ := newManager(Options{
		Mode: config.ModeWebhook, WebhookURL: srv.URL, Spacing: time.Hour,
	}, newFakeClock(), nil)

	require.NoError(t, m.Deliver(context.Background(), "a", "1", 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.Deliver(ctx, "a", "2", 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), hits.Load())
}

func TestNoSink(t *testing.T) {
	m, _ := newManager(Options{Mode: config.ModeWebhook}, newFakeClock(), nil)
	assert.ErrorIs(t, m.Send(context.Background(), "x"), ErrNoSink)

	m, _ = newManager(Options{Mode: "carrier-pigeon", WebhookURL: "http://x"}, newFakeClock(), nil)
	assert.ErrorIs(t, m.Send(context.Background(), "x"), ErrNoSink)
}

func TestRetryAfter(t *testing.T) {
	tests := []struct {
		name   string
		header string
		body   string
		want   time.Duration
	}{
		{"header seconds", "5", "", 5 * time.Second},
		{"header fractional", "1.5", "", 1500 * time.Millisecond},
		{"json body", "", `{"message":"You are being rate limited.","retry_after":2.5}`, 2500 * time.Millisecond},
		{"header wins", "3", `{"retry_after":9}`, 3 * time.Second},
		{"garbage falls back", "soon", "not json", defaultRetryAfter},
		{"nothing", "", "", defaultRetryAfter},
	}
	now := newFakeClock().Now()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryAfter(tt.header, []byte(tt.body), now))
		})
	}

	future := now.Add(time.Hour).Format(http.TimeFormat)
	assert.Equal(t, time.Hour, retryAfter(future, nil, now))
	past := now.Add(-time.Minute).Format(http.TimeFormat)
	assert.Equal(t, defaultRetryAfter, retryAfter(past, nil, now))
}

func TestRetryAfterDateUsesManagerClock(t *testing.T) {
	clock := newFakeClock()
	srv, _ := webhookServer(t, 1, clock.Now().Add(90*time.Second).Format(http.TimeFormat))
	m, _ := newManager(Options{Mode: config.ModeWebhook, WebhookURL: srv.URL}, clock, nil)

	err := m.Deliver(context.Background(), "g", "x", 1)
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 90*time.Second, rl.RetryAfter)
	assert.Equal(t, 90*time.Second, m.CooldownRemaining())
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.WebhookURL = "https://example.invalid/hook"
	cfg.Target = "channel:9"

	opts := OptionsFromConfig(cfg)
	assert.Equal(t, config.ModeWebhook, opts.Mode)
	assert.Equal(t, "https://example.invalid/hook", opts.WebhookURL)
	assert.Equal(t, "channel:9", opts.Target)
	assert.Equal(t, "openclaw", opts.CLICommand)
	assert.Equal(t, 1500*time.Millisecond, opts.Spacing)
}
