// Package delivery sends rendered messages to the chat sink: a webhook
// (primary) and the host CLI (secondary). It enforces spacing between
// sends and honours rate-limit cooldowns signalled by the webhook.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/highbeam/session-relay/internal/batcher"
	"github.com/highbeam/session-relay/internal/config"
	"github.com/highbeam/session-relay/internal/store"
	"github.com/highbeam/session-relay/internal/telemetry"
)

// Sink names used in the journal and metrics.
const (
	SinkWebhook = "webhook"
	SinkCLI     = "cli"
)

var (
	// ErrCoolingDown is returned while a webhook rate-limit cooldown is
	// active. The batch is dropped, so it matches batcher.ErrDropped.
	ErrCoolingDown = fmt.Errorf("sink cooling down: %w", batcher.ErrDropped)
	// ErrNoSink is returned when the configured mode has no usable sink.
	ErrNoSink = errors.New("no delivery sink configured")
)

// RateLimitError is returned by the webhook sink on HTTP 429.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Journal records delivery attempts. *store.Store implements it.
type Journal interface {
	RecordDelivery(d store.Delivery) error
}

// Options configures a Manager.
type Options struct {
	Mode       string
	WebhookURL string
	Channel    string
	Target     string
	CLICommand string
	// Spacing is the minimum gap between consecutive sends.
	Spacing time.Duration
	// CLITimeout bounds one CLI invocation. Zero means one minute.
	CLITimeout time.Duration
}

// OptionsFromConfig maps daemon configuration to delivery options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Mode:       cfg.DeliveryMode,
		WebhookURL: cfg.WebhookURL,
		Channel:    cfg.Channel,
		Target:     cfg.Target,
		CLICommand: cfg.CLICommand,
		Spacing:    cfg.RateLimit(),
	}
}

// Manager implements batcher.Deliverer. Sends are serialized.
type Manager struct {
	opts    Options
	webhook *webhookSink
	cli     *cliSink
	journal Journal
	metrics *telemetry.Metrics
	log     zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	sendMu   sync.Mutex
	lastSend time.Time

	cdMu          sync.Mutex
	cooldownUntil time.Time
}

// New creates a Manager. journal and metrics may be nil.
func New(opts Options, journal Journal, metrics *telemetry.Metrics, log zerolog.Logger) *Manager {
	if opts.CLITimeout <= 0 {
		opts.CLITimeout = time.Minute
	}
	m := &Manager{
		opts:    opts,
		journal: journal,
		metrics: metrics,
		log:     log,
		now:     time.Now,
		sleep:   sleepCtx,
	}
	if opts.WebhookURL != "" {
		m.webhook = newWebhookSink(opts.WebhookURL, &http.Client{Timeout: 30 * time.Second})
	}
	if opts.Target != "" && opts.CLICommand != "" {
		m.cli = newCLISink(opts, ExecRunner{}, log)
	}
	return m
}

// SetClock replaces the time source used for spacing and cooldowns.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// SetRunner replaces the command runner used by the CLI sink.
func (m *Manager) SetRunner(r CommandRunner) {
	if m.cli != nil {
		m.cli.runner = r
	}
}

// Send delivers one ad-hoc message outside any batch.
func (m *Manager) Send(ctx context.Context, text string) error {
	return m.Deliver(ctx, "", text, 0)
}

// Deliver implements batcher.Deliverer.
func (m *Manager) Deliver(ctx context.Context, groupKey, text string, events int) error {
	d := store.Delivery{GroupKey: groupKey, Chars: len([]rune(text)), Events: events}

	switch m.opts.Mode {
	case config.ModeWebhook:
		return m.viaWebhook(ctx, d, text)

	case config.ModeCLI:
		return m.viaCLI(ctx, d, text, store.OutcomeSent)

	case config.ModeAuto:
		err := m.viaWebhook(ctx, d, text)
		if err == nil {
			return nil
		}
		if m.cli == nil {
			return err
		}
		m.log.Info().Err(err).Str("group", groupKey).Msg("webhook unavailable, falling back to cli")
		return m.viaCLI(ctx, d, text, store.OutcomeFallback)
	}
	return fmt.Errorf("mode %q: %w", m.opts.Mode, ErrNoSink)
}

func (m *Manager) viaWebhook(ctx context.Context, d store.Delivery, text string) error {
	d.Sink = SinkWebhook
	if m.webhook == nil {
		return ErrNoSink
	}
	if remaining := m.CooldownRemaining(); remaining > 0 {
		d.Outcome = store.OutcomeDroppedCooldown
		m.record(d)
		return fmt.Errorf("%w (%s left)", ErrCoolingDown, remaining.Round(time.Millisecond))
	}

	err := m.spaced(ctx, func() error { return m.webhook.post(ctx, text, m.now) })

	var rl *RateLimitError
	switch {
	case err == nil:
		d.Outcome = store.OutcomeSent
	case errors.As(err, &rl):
		m.startCooldown(rl.RetryAfter)
		d.Outcome = store.OutcomeFailed
		d.Error = err.Error()
	default:
		d.Outcome = store.OutcomeFailed
		d.Error = err.Error()
		m.log.Warn().Err(err).Str("group", d.GroupKey).Msg("webhook delivery failed")
	}
	m.record(d)
	return err
}

func (m *Manager) viaCLI(ctx context.Context, d store.Delivery, text, outcome string) error {
	d.Sink = SinkCLI
	if m.cli == nil {
		return ErrNoSink
	}
	return m.spaced(ctx, func() error {
		d.Outcome = outcome
		m.record(d)
		m.cli.spawn(text, m.opts.CLITimeout, func(err error) {
			if err != nil {
				failed := d
				failed.Outcome = store.OutcomeFailed
				failed.Error = err.Error()
				m.record(failed)
			}
		})
		return nil
	})
}

// spaced runs send no sooner than Spacing after the previous send.
func (m *Manager) spaced(ctx context.Context, send func() error) error {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	if !m.lastSend.IsZero() && m.opts.Spacing > 0 {
		if wait := m.lastSend.Add(m.opts.Spacing).Sub(m.now()); wait > 0 {
			if err := m.sleep(ctx, wait); err != nil {
				return fmt.Errorf("wait for send slot: %w", err)
			}
		}
	}
	err := send()
	m.lastSend = m.now()
	return err
}

func (m *Manager) startCooldown(d time.Duration) {
	until := m.now().Add(d)
	m.cdMu.Lock()
	if until.After(m.cooldownUntil) {
		m.cooldownUntil = until
	}
	m.cdMu.Unlock()
	m.metrics.SetCooldown(d.Seconds())
	m.log.Info().Dur("retry_after", d).Time("until", until).Msg("webhook rate limited, cooling down")
}

// CooldownRemaining returns how long the webhook stays in cooldown, or 0.
func (m *Manager) CooldownRemaining() time.Duration {
	m.cdMu.Lock()
	defer m.cdMu.Unlock()
	if m.cooldownUntil.IsZero() {
		return 0
	}
	left := m.cooldownUntil.Sub(m.now())
	if left <= 0 {
		m.cooldownUntil = time.Time{}
		m.metrics.SetCooldown(0)
		return 0
	}
	return left
}

// Wait blocks until background CLI sends have finished.
func (m *Manager) Wait() {
	if m.cli != nil {
		m.cli.wg.Wait()
	}
}

func (m *Manager) record(d store.Delivery) {
	m.metrics.Delivery(d.Sink, d.Outcome)
	if m.journal == nil {
		return
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = m.now()
	}
	if err := m.journal.RecordDelivery(d); err != nil {
		m.log.Error().Err(err).Msg("journal delivery")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
