// Package daemon drives the periodic discover -> probe -> download ->
// install cycle and owns signal handling for shutdown and config reload.
package daemon

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jaganathg/ota-updater/internal/errkind"
	"github.com/jaganathg/ota-updater/internal/history"
	"github.com/jaganathg/ota-updater/internal/otaconfig"
	"github.com/jaganathg/ota-updater/internal/updatecycle"
)

// shutdownGrace bounds how long Shutdown waits for an in-flight cycle to
// reach a safe point before returning anyway.
const shutdownGrace = 30 * time.Second

// Daemon owns the main update loop. It is single-threaded with respect to
// update work: Run never starts a second cycle before the previous one
// returns.
type Daemon struct {
	mu      sync.Mutex
	cfg     otaconfig.File
	history *history.Log

	shuttingDown atomic.Bool
	cancelCycle  atomic.Pointer[context.CancelFunc]
	done         chan struct{}

	// reloaded is notified by Reload so a sleeping Run wakes up and
	// re-reads check_interval instead of finishing out a sleep armed
	// with the pre-reload duration.
	reloaded chan struct{}

	// stop is closed by Shutdown so a sleeping Run returns without
	// waiting out check_interval.
	stop chan struct{}
}

// New constructs a Daemon bound to the given config and history file.
func New(cfg otaconfig.File) *Daemon {
	return &Daemon{
		cfg:      cfg,
		history:  history.Open(cfg.HistoryFilePath()),
		done:     make(chan struct{}),
		reloaded: make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

func (d *Daemon) config() otaconfig.File {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Reload re-reads the config at path and, on success, replaces the running
// snapshot. A failed reload is logged and the prior config is kept, per
// the spec's "discard-and-log" reload failure policy.
func (d *Daemon) Reload(path string) {
	cfg, err := otaconfig.Load(path)
	if err != nil {
		slog.Error("config reload failed, keeping previous configuration", "path", path, "error", err)
		return
	}
	d.mu.Lock()
	d.cfg = cfg
	d.history = history.Open(cfg.HistoryFilePath())
	d.mu.Unlock()

	select {
	case d.reloaded <- struct{}{}:
	default:
	}
	slog.Info("config reloaded", "path", path)
}

// Shutdown requests that Run stop: it cancels any in-flight cycle and
// waits up to shutdownGrace for Run to return.
func (d *Daemon) Shutdown() {
	if !d.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	close(d.stop)
	if cancel := d.cancelCycle.Load(); cancel != nil {
		(*cancel)()
	}
	select {
	case <-d.done:
	case <-time.After(shutdownGrace):
		slog.Warn("shutdown grace period elapsed before cycle finished")
	}
}

// Run executes one update cycle per tick, sleeping for check_interval
// between cycles, until Shutdown is called or ctx is cancelled. It never
// returns except on shutdown, matching the spec's run(config) -> never
// contract.
func (d *Daemon) Run(ctx context.Context) error {
	defer close(d.done)

	for {
		if d.shuttingDown.Load() || ctx.Err() != nil {
			return nil
		}

		d.runCycle(ctx)

		if d.shuttingDown.Load() {
			return nil
		}

		if cancelled := d.sleepUntilNextTick(ctx); cancelled {
			return nil
		}
	}
}

// sleepUntilNextTick waits for check_interval to elapse, re-arming the
// timer with the current config's interval whenever a reload lands mid-sleep
// so a shortened interval (e.g. 60m -> 5m) takes effect on the very next
// tick rather than after the stale, already-running timer finally fires.
func (d *Daemon) sleepUntilNextTick(ctx context.Context) (cancelled bool) {
	for {
		timer := time.NewTimer(d.config().CheckInterval)
		select {
		case <-timer.C:
			return false
		case <-ctx.Done():
			timer.Stop()
			return true
		case <-d.stop:
			timer.Stop()
			return true
		case <-d.reloaded:
			timer.Stop()
		}
	}
}

// runCycle executes exactly one discover/probe/download/install pass,
// recording its outcome to history, and installs a fresh cancellable
// context so Shutdown can abort it promptly.
func (d *Daemon) runCycle(parent context.Context) {
	cctx, cancel := context.WithCancel(parent)
	cancelIface := context.CancelFunc(cancel)
	d.cancelCycle.Store(&cancelIface)
	defer func() {
		d.cancelCycle.Store(nil)
		cancel()
	}()

	cfg := d.config()
	rec, err := updatecycle.Run(cctx, cfg, history.LastSuccessVersion(d.history.Records()))
	if errkind.KindOf(err) == errkind.Cancelled {
		slog.Info("update cycle cancelled")
		return
	}
	if err != nil {
		slog.Error("update cycle failed", "error", err)
	}
	if appendErr := d.history.Append(rec); appendErr != nil {
		slog.Error("failed to persist update history", "error", appendErr)
	}
}

// RunWithSignals is the daemon subcommand's entry point: it wires SIGTERM
// to Shutdown and SIGHUP to Reload(configPath), then blocks in Run until
// shutdown. SIGTERM/SIGINT dominate a concurrent SIGHUP: Shutdown always
// wins the race since it cancels the in-flight cycle directly rather than
// going through the select loop below.
func RunWithSignals(ctx context.Context, cfg otaconfig.File, configPath string) error {
	d := New(cfg)

	termCtx, stopTerm := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopTerm()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	go func() {
		for {
			select {
			case <-termCtx.Done():
				d.Shutdown()
				return
			case <-hup:
				d.Reload(configPath)
			}
		}
	}()

	return d.Run(termCtx)
}
