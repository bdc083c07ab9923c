package schedule

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/vladkesler/agentd/internal/trigger"
)

func TestQueueFiresTask(t *testing.T) {
	fired := make(chan *trigger.Event, 1)
	q := NewQueue(10, func(ev *trigger.Event) { fired <- ev }, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	id, err := q.Schedule("check the queue depth", 10*time.Millisecond, map[string]string{
		"run_id": "daemon",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(id) != 12 {
		t.Errorf("task id %q, want 12 hex chars", id)
	}

	select {
	case ev := <-fired:
		if ev.Type != trigger.TypeScheduled {
			t.Errorf("event type = %q, want scheduled", ev.Type)
		}
		if ev.Prompt != "check the queue depth" {
			t.Errorf("prompt = %q", ev.Prompt)
		}
		if ev.Metadata["scheduled_task_id"] != id {
			t.Errorf("scheduled_task_id metadata = %q, want %q", ev.Metadata["scheduled_task_id"], id)
		}
		if ev.Metadata["run_id"] != "daemon" {
			t.Errorf("run_id metadata = %q", ev.Metadata["run_id"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task never fired")
	}

	if q.Pending() != 0 {
		t.Errorf("Pending() = %d after fire, want 0", q.Pending())
	}
}

func TestQueueCapacity(t *testing.T) {
	q := NewQueue(2, func(*trigger.Event) {}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer q.CancelAll()

	for i := 0; i < 2; i++ {
		if _, err := q.Schedule("p", time.Hour, nil); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := q.Schedule("p", time.Hour, nil); err != ErrCapacity {
		t.Errorf("err = %v, want ErrCapacity", err)
	}

	// cancelling frees a slot
	ids := q.Tasks()
	if !q.Cancel(ids[0].ID) {
		t.Fatal("cancel failed")
	}
	if _, err := q.Schedule("p", time.Hour, nil); err != nil {
		t.Errorf("schedule after cancel: %v", err)
	}
}

func TestQueueCancel(t *testing.T) {
	var mu sync.Mutex
	var count int
	q := NewQueue(10, func(*trigger.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	id, err := q.Schedule("p", 20*time.Millisecond, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !q.Cancel(id) {
		t.Error("Cancel returned false for pending task")
	}
	if q.Cancel(id) {
		t.Error("Cancel returned true twice for the same task")
	}
	if q.Cancel("nonexistent12") {
		t.Error("Cancel returned true for unknown id")
	}

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("cancelled task fired %d times", count)
	}
}

func TestQueueCancelAll(t *testing.T) {
	q := NewQueue(10, func(*trigger.Event) { t.Error("no task may fire") }, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	for i := 0; i < 3; i++ {
		if _, err := q.Schedule("p", time.Hour, nil); err != nil {
			t.Fatal(err)
		}
	}

	if got := q.CancelAll(); got != 3 {
		t.Errorf("CancelAll() = %d, want 3", got)
	}
	if got := q.CancelAll(); got != 0 {
		t.Errorf("second CancelAll() = %d, want 0", got)
	}
	if q.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", q.Pending())
	}
}

func TestQueueScheduleAtPastFiresImmediately(t *testing.T) {
	fired := make(chan struct{}, 1)
	q := NewQueue(10, func(*trigger.Event) { fired <- struct{}{} }, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if _, err := q.ScheduleAt("p", time.Now().Add(-time.Minute), nil); err != nil {
		t.Fatal(err)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("past-due task never fired")
	}
}
