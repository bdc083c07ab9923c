package trigger

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vladkesler/agentd/internal/config"
)

func TestDispatcherSkipsUnknownAndBrokenTriggers(t *testing.T) {
	// telegram has no token env set, so its builder fails; the cron
	// trigger still builds and the unknown type is skipped silently
	t.Setenv("AGENTD_TEST_NO_TOKEN", "")
	configs := []config.Trigger{
		{Type: "cron", Schedule: "* * * * *", Prompt: "tick", Timezone: "UTC"},
		{Type: "telegram", TokenEnv: "AGENTD_TEST_NO_TOKEN"},
		{Type: "carrier_pigeon"},
	}

	d := NewDispatcher(configs, func(*Event) {}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if got := d.DriverCount(); got != 1 {
		t.Errorf("DriverCount() = %d, want 1", got)
	}
}

type stubDriver struct {
	started atomic.Bool
	stopped atomic.Bool
}

func (s *stubDriver) Name() string { return "stub" }

func (s *stubDriver) Start(ctx context.Context) error {
	s.started.Store(true)
	<-ctx.Done()
	s.stopped.Store(true)
	return nil
}

func TestDispatcherLifecycle(t *testing.T) {
	stub := &stubDriver{}
	d := &Dispatcher{logger: slog.New(slog.NewTextHandler(io.Discard, nil)), drivers: []Driver{stub}}

	d.StartAll(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for !stub.started.Load() {
		if time.Now().After(deadline) {
			t.Fatal("driver never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		d.StopAll()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("StopAll did not return")
	}
	if !stub.stopped.Load() {
		t.Error("driver did not observe cancellation")
	}

	// idempotent
	d.StopAll()
}

func TestDispatcherStopWithoutStart(t *testing.T) {
	d := NewDispatcher(nil, func(*Event) {}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	d.StopAll()
}
