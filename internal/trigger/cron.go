package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vladkesler/agentd/internal/config"
)

// cronParser accepts standard five-field cron expressions plus the
// @hourly/@daily descriptors.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// cronDriver emits one event at each schedule boundary. Fires missed
// while the process slept are not caught up: after every wake the next
// fire is computed from the current clock.
type cronDriver struct {
	schedule string
	prompt   string
	loc      *time.Location
	sched    cron.Schedule
	handler  Handler
	logger   *slog.Logger
}

func newCronDriver(cfg config.Trigger, handler Handler, logger *slog.Logger) (Driver, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}

	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse cron schedule %q: %w", cfg.Schedule, err)
	}

	return &cronDriver{
		schedule: cfg.Schedule,
		prompt:   cfg.Prompt,
		loc:      loc,
		sched:    sched,
		handler:  handler,
		logger:   logger,
	}, nil
}

func (c *cronDriver) Name() string { return "cron" }

func (c *cronDriver) Start(ctx context.Context) error {
	for {
		next := c.sched.Next(time.Now().In(c.loc))
		c.logger.Debug("cron waiting for next fire",
			"schedule", c.schedule,
			"next", next,
		)

		if !c.sleepUntil(ctx, next) {
			return nil
		}

		c.logger.Info("cron fired", "schedule", c.schedule)
		c.handler(NewEvent(TypeCron, c.prompt, map[string]string{
			"schedule": c.schedule,
		}))
	}
}

// sleepUntil waits for the deadline in slices of at most one second so
// cancellation is observed promptly. Returns false when ctx ended.
func (c *cronDriver) sleepUntil(ctx context.Context, deadline time.Time) bool {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		if remaining > time.Second {
			remaining = time.Second
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(remaining):
		}
	}
}
