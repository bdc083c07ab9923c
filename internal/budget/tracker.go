// Package budget enforces daemon-lifetime and daily token ceilings.
//
// Admission control runs before a model call when the true cost is
// unknown, so each admitted run reserves a single placeholder token.
// Recording actual usage replaces the reservation with the real count.
// The placeholder keeps a burst of concurrent runs from all passing the
// check while the budget has one token left.
package budget

import (
	"log/slog"
	"sync"
	"time"
)

// reservation is the placeholder cost charged per admitted run until
// its actual usage is recorded.
const reservation = 1

// Tracker counts tokens against a lifetime and a daily budget. A zero
// budget means unlimited. The daily counter resets when the UTC date
// changes.
type Tracker struct {
	lifetimeBudget int64
	dailyBudget    int64
	logger         *slog.Logger

	// now is replaceable for tests
	now func() time.Time

	mu        sync.Mutex
	lifetime  int64
	daily     int64
	dailyDate string
	pending   int
}

// NewTracker creates a tracker with the given ceilings. Zero disables
// the corresponding ceiling.
func NewTracker(lifetimeBudget, dailyBudget int64, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		lifetimeBudget: lifetimeBudget,
		dailyBudget:    dailyBudget,
		logger:         logger,
		now:            time.Now,
	}
	t.dailyDate = t.today()
	return t
}

func (t *Tracker) today() string {
	return t.now().UTC().Format(time.DateOnly)
}

// rollover resets the daily counter when the UTC date has changed.
// Caller holds t.mu.
func (t *Tracker) rollover() {
	today := t.today()
	if today != t.dailyDate {
		t.logger.Info("daily token counter reset",
			"previous_date", t.dailyDate,
			"previous_daily", t.daily,
		)
		t.daily = 0
		t.dailyDate = today
	}
}

// Check admits or rejects a run. On admission it charges the
// reservation placeholder to both counters; the caller must follow up
// with Record once actual usage is known.
func (t *Tracker) Check() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollover()

	if t.lifetimeBudget > 0 && t.lifetime >= t.lifetimeBudget {
		t.logger.Warn("lifetime token budget exhausted",
			"used", t.lifetime,
			"budget", t.lifetimeBudget,
		)
		return false
	}
	if t.dailyBudget > 0 && t.daily >= t.dailyBudget {
		t.logger.Warn("daily token budget exhausted",
			"used", t.daily,
			"budget", t.dailyBudget,
		)
		return false
	}

	t.lifetime += reservation
	t.daily += reservation
	t.pending++
	return true
}

// Record replaces one outstanding reservation with the actual token
// count. Safe to call with zero usage; safe to call without a matching
// Check (the reservation rollback is skipped).
func (t *Tracker) Record(tokens int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollover()

	if t.pending > 0 {
		t.lifetime -= reservation
		t.daily -= reservation
		t.pending--
	}
	if t.daily < 0 {
		t.daily = 0
	}

	t.lifetime += tokens
	t.daily += tokens

	t.logger.Debug("token usage recorded",
		"tokens", tokens,
		"lifetime", t.lifetime,
		"daily", t.daily,
	)
}

// Usage returns the current lifetime and daily token counts.
func (t *Tracker) Usage() (lifetime, daily int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	return t.lifetime, t.daily
}
