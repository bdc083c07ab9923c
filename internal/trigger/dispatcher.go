package trigger

import (
	"context"
	"log/slog"
	"sync"

	"github.com/vladkesler/agentd/internal/config"
)

// Driver is one event source. Start blocks until ctx is cancelled,
// producing events through the handler the driver was built with.
// Drivers must observe ctx at least once per second so shutdown
// completes in bounded time.
type Driver interface {
	Name() string
	Start(ctx context.Context) error
}

// builder constructs a driver from its config, or returns an error when
// the driver cannot start (missing token env, bad schedule, ...). A
// failed build disables that trigger only; the rest of the daemon runs.
type builder func(cfg config.Trigger, handler Handler, logger *slog.Logger) (Driver, error)

// builders is the compile-time registry mapping trigger config types to
// constructors. Unknown types are skipped, which is how half-configured
// roles and feature-gated triggers degrade gracefully.
var builders = map[string]builder{
	"cron":       newCronDriver,
	"file_watch": newFileWatchDriver,
	"webhook":    newWebhookDriver,
	"telegram":   newTelegramDriver,
	"discord":    newDiscordDriver,
	"mqtt":       newMQTTDriver,
}

// Dispatcher builds one driver per trigger config and owns their
// lifecycle. It carries no business policy: admission, routing, and
// budgets live in the handler.
type Dispatcher struct {
	logger  *slog.Logger
	drivers []Driver

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewDispatcher constructs drivers for every recognized trigger config,
// all sharing one handler. Configs whose type is unknown are skipped;
// configs whose driver fails to build are logged and skipped.
func NewDispatcher(configs []config.Trigger, handler Handler, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{logger: logger}
	for _, cfg := range configs {
		build, ok := builders[cfg.Type]
		if !ok {
			logger.Debug("skipping unknown trigger type", "type", cfg.Type)
			continue
		}
		drv, err := build(cfg, handler, logger)
		if err != nil {
			logger.Error("trigger driver failed to build, skipping",
				"type", cfg.Type,
				"error", err,
			)
			continue
		}
		d.drivers = append(d.drivers, drv)
	}
	return d
}

// DriverCount returns the number of drivers that built successfully.
func (d *Dispatcher) DriverCount() int {
	return len(d.drivers)
}

// StartAll launches every driver in its own goroutine. Safe to call
// once; subsequent calls are no-ops.
func (d *Dispatcher) StartAll(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	ctx, d.cancel = context.WithCancel(ctx)

	for _, drv := range d.drivers {
		d.wg.Add(1)
		go func(drv Driver) {
			defer d.wg.Done()
			d.logger.Info("trigger driver started", "driver", drv.Name())
			if err := drv.Start(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("trigger driver exited with error",
					"driver", drv.Name(),
					"error", err,
				)
				return
			}
			d.logger.Info("trigger driver stopped", "driver", drv.Name())
		}(drv)
	}
}

// StopAll cancels the driver context and waits for every driver
// goroutine to exit. Safe to call multiple times and on a dispatcher
// that never started.
func (d *Dispatcher) StopAll() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
}
