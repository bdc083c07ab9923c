package agent

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/vladkesler/agentd/internal/llm"
	"github.com/vladkesler/agentd/internal/schedule"
	"github.com/vladkesler/agentd/internal/trigger"
)

func schedulingSetup(t *testing.T) (*schedule.Queue, map[string]llm.Tool) {
	t.Helper()
	queue := schedule.NewQueue(50, func(*trigger.Event) {}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { queue.CancelAll() })

	autonomy := testAutonomy()
	index := map[string]llm.Tool{}
	for _, tool := range SchedulingTools(queue, "run-7", autonomy) {
		index[tool.Name] = tool
	}
	return queue, index
}

func call(t *testing.T, tool llm.Tool, args map[string]any) string {
	t.Helper()
	out, err := tool.Handler(context.Background(), args)
	if err != nil {
		t.Fatalf("%s returned error: %v", tool.Name, err)
	}
	return out
}

func TestScheduleFollowup(t *testing.T) {
	queue, index := schedulingSetup(t)

	out := call(t, index["schedule_followup"], map[string]any{
		"prompt":        "check again",
		"delay_seconds": float64(3600),
	})
	if !strings.Contains(out, "scheduled to fire in 1h0m0s") {
		t.Errorf("output = %q", out)
	}
	if queue.Pending() != 1 {
		t.Errorf("pending = %d, want 1", queue.Pending())
	}

	task := queue.Tasks()[0]
	if task.Metadata["scheduled_by_run"] != "run-7" {
		t.Errorf("scheduled_by_run = %q", task.Metadata["scheduled_by_run"])
	}
}

func TestScheduleFollowupValidation(t *testing.T) {
	_, index := schedulingSetup(t)
	tool := index["schedule_followup"]

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing prompt", map[string]any{"delay_seconds": float64(60)}, "prompt is required"},
		{"zero delay", map[string]any{"prompt": "p", "delay_seconds": float64(0)}, "at least 1 second"},
		{"delay too long", map[string]any{"prompt": "p", "delay_seconds": float64(90000)}, "exceeds the maximum"},
		{"non-integer delay", map[string]any{"prompt": "p", "delay_seconds": "soon"}, "must be an integer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := call(t, tool, tt.args)
			if !strings.Contains(out, tt.want) {
				t.Errorf("output = %q, want substring %q", out, tt.want)
			}
		})
	}
}

func TestScheduleFollowupPerRunQuota(t *testing.T) {
	queue, index := schedulingSetup(t)
	tool := index["schedule_followup"]

	for i := 0; i < 3; i++ {
		out := call(t, tool, map[string]any{"prompt": "p", "delay_seconds": float64(60)})
		if strings.HasPrefix(out, "Error") {
			t.Fatalf("call %d rejected: %q", i, out)
		}
	}

	out := call(t, tool, map[string]any{"prompt": "p", "delay_seconds": float64(60)})
	if !strings.Contains(out, "already scheduled 3 follow-ups") {
		t.Errorf("quota message = %q", out)
	}
	if queue.Pending() != 3 {
		t.Errorf("pending = %d, want 3", queue.Pending())
	}
}

func TestScheduleFollowupQueueCapacitySurfacesToModel(t *testing.T) {
	queue := schedule.NewQueue(1, func(*trigger.Event) {}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { queue.CancelAll() })

	index := map[string]llm.Tool{}
	for _, tool := range SchedulingTools(queue, "r", testAutonomy()) {
		index[tool.Name] = tool
	}

	call(t, index["schedule_followup"], map[string]any{"prompt": "p", "delay_seconds": float64(60)})
	out := call(t, index["schedule_followup"], map[string]any{"prompt": "p", "delay_seconds": float64(60)})
	if !strings.Contains(out, "capacity") {
		t.Errorf("output = %q, want capacity error", out)
	}
}

func TestScheduleFollowupAt(t *testing.T) {
	queue, index := schedulingSetup(t)

	at := time.Now().Add(2 * time.Hour).UTC().Format(time.RFC3339)
	out := call(t, index["schedule_followup_at"], map[string]any{
		"prompt": "check later",
		"time":   at,
	})
	if strings.HasPrefix(out, "Error") {
		t.Fatalf("rejected: %q", out)
	}
	if queue.Pending() != 1 {
		t.Errorf("pending = %d, want 1", queue.Pending())
	}
}

func TestScheduleFollowupAtNaiveTimestampIsUTC(t *testing.T) {
	future := time.Now().UTC().Add(time.Hour)
	got, err := parseScheduleTime(future.Format("2006-01-02T15:04:05"))
	if err != nil {
		t.Fatal(err)
	}
	if got.Location() != time.UTC {
		t.Errorf("location = %v, want UTC", got.Location())
	}
	if diff := got.Sub(future); diff > time.Second || diff < -time.Second {
		t.Errorf("parsed time off by %v", diff)
	}
}

func TestScheduleFollowupAtRejectsPastAndGarbage(t *testing.T) {
	_, index := schedulingSetup(t)
	tool := index["schedule_followup_at"]

	out := call(t, tool, map[string]any{
		"prompt": "p",
		"time":   time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
	})
	if !strings.Contains(out, "at least 1 second") {
		t.Errorf("past time output = %q", out)
	}

	out = call(t, tool, map[string]any{"prompt": "p", "time": "next tuesday"})
	if !strings.Contains(out, "cannot parse time") {
		t.Errorf("garbage time output = %q", out)
	}
}
