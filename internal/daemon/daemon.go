// Package daemon wires the relay together and owns its lifecycle:
// startup, the periodic rescan and index reload, and the ordered shutdown
// that flushes pending batches before state is persisted.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/highbeam/session-relay/internal/batcher"
	"github.com/highbeam/session-relay/internal/config"
	"github.com/highbeam/session-relay/internal/delivery"
	"github.com/highbeam/session-relay/internal/format"
	"github.com/highbeam/session-relay/internal/ipc"
	"github.com/highbeam/session-relay/internal/offsets"
	"github.com/highbeam/session-relay/internal/recovery"
	"github.com/highbeam/session-relay/internal/sessionmeta"
	"github.com/highbeam/session-relay/internal/sessionparser"
	"github.com/highbeam/session-relay/internal/store"
	"github.com/highbeam/session-relay/internal/tailer"
	"github.com/highbeam/session-relay/internal/telemetry"
	"github.com/highbeam/session-relay/internal/watcher"
)

// journalRetention bounds how long delivery rows are kept.
const journalRetention = 7 * 24 * time.Hour

// shutdownTimeout bounds the final flush and the metrics server shutdown.
const shutdownTimeout = 2 * time.Minute

// IPCServer is the control-socket listener the daemon starts and stops.
type IPCServer interface {
	Listen(ctx context.Context, socketPath string) error
	Stop() error
}

// Daemon manages the lifecycle of the relay process. It implements
// ipc.Daemon.
type Daemon struct {
	cfg       *config.Config
	log       zerolog.Logger
	startTime time.Time

	store      *store.Store
	offsets    *offsets.Store
	meta       *sessionmeta.Index
	metrics    *telemetry.Metrics
	metricsSrv *telemetry.Server
	delivery   *delivery.Manager
	batcher    *batcher.Batcher
	tailer     *tailer.Tailer
	watcher    *watcher.Watcher
	ipc        IPCServer

	// deliveryHook lets tests replace the transport before startup.
	deliveryHook func(*delivery.Manager)

	// bg tracks the goroutines that can tail files: the watcher, the
	// SIGHUP handler and the tickers.
	bg sync.WaitGroup

	cancel  context.CancelFunc
	mu      sync.Mutex
	running bool
}

// New creates a Daemon for cfg. Nothing is opened until Start.
func New(cfg *config.Config, log zerolog.Logger) *Daemon {
	return &Daemon{cfg: cfg, log: log}
}

// Start brings every component up and blocks until ctx is cancelled, a
// termination signal arrives or Stop is called. It then shuts down in
// order and returns the combined shutdown errors.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return errors.New("daemon is already running")
	}
	d.running = true
	d.mu.Unlock()

	if err := d.cfg.EnsureDataDir(); err != nil {
		d.setRunning(false)
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := writePIDFile(d.cfg.PIDPath); err != nil {
		d.setRunning(false)
		return err
	}

	ctx, cancel := signalContext(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()
	defer cancel()
	d.startTime = time.Now()

	d.build()
	d.catchUp(ctx)

	d.watcher = watcher.New(d.cfg.SessionsDir, d.cfg.Debounce(), d.onSessionChange, d.log.With().Str("component", "watcher").Logger())
	watchErrCh := make(chan error, 1)
	d.goBackground("watcher", func() {
		watchErrCh <- d.watcher.Start(ctx)
	})
	select {
	case <-d.watcher.Ready():
	case err := <-watchErrCh:
		// Handled by the main select below.
		watchErrCh <- err
	}

	d.ipc = ipc.NewServer(d, d.log.With().Str("component", "ipc").Logger())
	ipcErrCh := make(chan error, 1)
	recovery.SafeGo(d.log, "ipc", func() {
		ipcErrCh <- d.ipc.Listen(ctx, d.cfg.SocketPath)
	})

	d.startTickers(ctx)

	d.log.Info().
		Int("pid", os.Getpid()).
		Str("sessions_dir", d.cfg.SessionsDir).
		Str("socket", d.cfg.SocketPath).
		Str("mode", d.cfg.DeliveryMode).
		Msg("daemon started")

	var runErr error
	select {
	case <-ctx.Done():
		d.log.Info().Msg("shutdown requested")
	case err := <-ipcErrCh:
		if err != nil {
			runErr = fmt.Errorf("ipc server: %w", err)
			d.log.Error().Err(err).Msg("ipc server stopped")
		}
	case err := <-watchErrCh:
		if err != nil {
			runErr = fmt.Errorf("watcher: %w", err)
			d.log.Error().Err(err).Msg("watcher stopped")
		}
	}
	cancel()

	var result *multierror.Error
	if runErr != nil {
		result = multierror.Append(result, runErr)
	}
	if err := d.shutdown(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// build constructs the pipeline. The journal and metrics endpoint are
// optional: failures there are logged and the relay runs without them.
func (d *Daemon) build() {
	cfg := d.cfg

	s, err := store.New(cfg.DBPath)
	if err != nil {
		d.log.Error().Err(err).Str("path", cfg.DBPath).Msg("open delivery journal, continuing without it")
	} else {
		d.store = s
		if n, err := s.PruneDeliveries(time.Now().Add(-journalRetention)); err != nil {
			d.log.Warn().Err(err).Msg("prune delivery journal")
		} else if n > 0 {
			d.log.Debug().Int64("rows", n).Msg("pruned delivery journal")
		}
		if err := s.SetState("last_start", time.Now().UTC().Format(time.RFC3339)); err != nil {
			d.log.Warn().Err(err).Msg("record start time")
		}
	}

	d.offsets = offsets.New(cfg.StatePath, cfg.MaxSeenIDs, d.log.With().Str("component", "offsets").Logger())
	st := d.offsets.Load()
	d.log.Info().Int("files", len(st.Offsets)).Int("seen_ids", len(st.SeenIDs)).Msg("state loaded")

	d.meta = sessionmeta.NewIndex()
	d.reloadIndex()

	d.metrics = telemetry.New()
	if cfg.MetricsAddr != "" {
		srv, err := telemetry.Listen(cfg.MetricsAddr, d.metrics, d.log.With().Str("component", "metrics").Logger())
		if err != nil {
			d.log.Error().Err(err).Msg("metrics endpoint disabled")
		} else {
			d.metricsSrv = srv
			recovery.SafeGo(d.log, "metrics", srv.Serve)
		}
	}

	formatter := format.New(format.Options{
		MaxLength:            cfg.MaxMessageLength,
		PreviewLength:        cfg.PreviewLength,
		HeaderInterval:       cfg.HeaderInterval(),
		ProjectEmojis:        cfg.ProjectEmojis,
		ContextWindowDefault: cfg.ContextWindowDefault,
	}, d.meta)

	// A nil *store.Store must not reach the interface.
	var journal delivery.Journal
	if d.store != nil {
		journal = d.store
	}
	d.delivery = delivery.New(delivery.OptionsFromConfig(cfg), journal, d.metrics, d.log.With().Str("component", "delivery").Logger())
	if d.deliveryHook != nil {
		d.deliveryHook(d.delivery)
	}

	d.batcher = batcher.New(cfg.BatchWindow(), cfg.MaxBatchSize, formatter, d.delivery, d.metrics,
		d.log.With().Str("component", "batcher").Logger())

	d.tailer = tailer.New(tailer.Options{
		MaxFileSize:       cfg.MaxFileSizeBytes,
		ProcessAllHistory: cfg.ProcessAllHistory,
		SaveState:         true,
	}, d.offsets, d.meta, d.batcher, d.metrics, d.log.With().Str("component", "tailer").Logger())
}

// catchUp discovers every session log and processes what was appended
// while the daemon was down.
func (d *Daemon) catchUp(ctx context.Context) {
	files, err := sessionparser.Discover(ctx, d.cfg.SessionsDir)
	if err != nil {
		d.log.Warn().Err(err).Msg("discover session logs")
		return
	}
	n := d.tailer.Rescan(ctx, files)
	d.log.Info().Int("files", len(files)).Int("events", n).Msg("session scan complete")
}

func (d *Daemon) onSessionChange(sf sessionparser.SessionFile) {
	if _, err := d.tailer.Tail(sf); err != nil {
		d.log.Warn().Err(err).Str("file", sf.Key).Msg("tail session log")
	}
}

func (d *Daemon) startTickers(ctx context.Context) {
	hup, stopHup := reloadSignals()
	d.goBackground("sighup", func() {
		defer stopHup()
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				d.log.Info().Msg("SIGHUP: reloading session index and rescanning")
				recovery.Run(d.log, "reload", func() {
					d.reloadIndex()
					d.catchUp(ctx)
				})
			}
		}
	})
	if interval := d.cfg.RescanInterval(); interval > 0 {
		d.goBackground("rescan", func() {
			every(ctx, d.log, interval, func() {
				d.catchUp(ctx)
			})
		})
	}
	if interval := d.cfg.IndexReloadInterval(); interval > 0 {
		d.goBackground("index-reload", func() {
			every(ctx, d.log, interval, d.reloadIndex)
		})
	}
}

func (d *Daemon) goBackground(name string, fn func()) {
	d.bg.Add(1)
	recovery.SafeGoWithCleanup(d.log, name, fn, d.bg.Done)
}

// every runs fn on each tick until ctx is done. A panic in fn is logged
// and does not stop the loop.
func every(ctx context.Context, log zerolog.Logger, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recovery.Run(log, "tick", fn)
		}
	}
}

func (d *Daemon) reloadIndex() {
	entries, err := sessionmeta.LoadIndexFile(d.cfg.IndexPath)
	if err != nil {
		d.log.Warn().Err(err).Str("path", d.cfg.IndexPath).Msg("reload session index")
		return
	}
	n := d.meta.ApplyIndexSnapshot(entries)
	d.log.Debug().Int("entries", len(entries)).Int("applied", n).Msg("session index reloaded")
}

// Stop triggers a graceful shutdown from outside (e.g. the IPC stop command).
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
}

// shutdown tears down in dependency order: no new input, wait for
// in-flight tails, drain batches, persist offsets, then close resources.
// ctx is already cancelled here, so every background loop is exiting.
func (d *Daemon) shutdown() error {
	d.log.Info().Msg("shutting down")
	var result *multierror.Error

	// Pending debounced changes are emitted here and tailed into batches.
	if d.watcher != nil {
		d.watcher.Stop()
	}
	d.bg.Wait()
	if d.ipc != nil {
		if err := d.ipc.Stop(); err != nil {
			result = multierror.Append(result, fmt.Errorf("stop ipc: %w", err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if d.batcher != nil {
		// Close rejects late events, so nothing lands after the offsets
		// below are saved.
		if err := d.batcher.Close(ctx); err != nil {
			// Delivery errors were journaled already; they must not block
			// saving state.
			d.log.Warn().Err(err).Msg("final flush")
		}
	}
	if d.delivery != nil {
		d.delivery.Wait()
	}
	if d.offsets != nil {
		err := d.offsets.Save()
		d.metrics.StateSaved(err)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("save state: %w", err))
		}
	}
	if d.metricsSrv != nil {
		if err := d.metricsSrv.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("stop metrics: %w", err))
		}
	}
	if d.store != nil {
		if err := d.store.SetState("last_stop", time.Now().UTC().Format(time.RFC3339)); err != nil {
			d.log.Warn().Err(err).Msg("record stop time")
		}
		if err := d.store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close journal: %w", err))
		}
	}

	_ = os.Remove(d.cfg.SocketPath)
	removePIDFile(d.cfg.PIDPath)
	d.setRunning(false)

	d.log.Info().Msg("daemon stopped")
	return result.ErrorOrNil()
}

func (d *Daemon) setRunning(v bool) {
	d.mu.Lock()
	d.running = v
	d.mu.Unlock()
}

// Running returns true if the daemon is currently running.
func (d *Daemon) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Uptime returns how long the daemon has been running.
func (d *Daemon) Uptime() time.Duration {
	if d.startTime.IsZero() {
		return 0
	}
	return time.Since(d.startTime)
}

// Status implements ipc.Daemon.
func (d *Daemon) Status() ipc.StatusData {
	st := ipc.StatusData{
		PID:          os.Getpid(),
		Uptime:       d.Uptime().Round(time.Second).String(),
		SessionsDir:  d.cfg.SessionsDir,
		DeliveryMode: d.cfg.DeliveryMode,
	}
	if d.offsets != nil {
		st.TrackedFiles = d.offsets.FileCount()
		st.SeenIDs = d.offsets.SeenCount()
	}
	if d.meta != nil {
		st.KnownSessions = d.meta.Len()
	}
	if d.batcher != nil {
		st.PendingGroups = d.batcher.PendingGroups()
		st.PendingEvents = d.batcher.PendingEvents()
	}
	if d.delivery != nil {
		st.CooldownMs = d.delivery.CooldownRemaining().Milliseconds()
	}
	if d.metricsSrv != nil {
		st.MetricsAddr = d.metricsSrv.Addr()
	}
	if d.store != nil {
		if counts, err := d.store.DeliveryCounts(); err == nil {
			st.Deliveries = counts
		} else {
			d.log.Warn().Err(err).Msg("status: delivery counts")
		}
		if size, err := d.store.DBSizeBytes(); err == nil {
			st.DBSizeBytes = size
		}
	}
	return st
}

// Flush implements ipc.Daemon. It sends every pending batch now.
func (d *Daemon) Flush(ctx context.Context) ipc.FlushData {
	if d.batcher == nil {
		return ipc.FlushData{}
	}
	out := ipc.FlushData{
		Groups: d.batcher.PendingGroups(),
		Events: d.batcher.PendingEvents(),
	}
	if err := d.batcher.FlushAll(ctx); err != nil {
		out.Error = err.Error()
	}
	return out
}
