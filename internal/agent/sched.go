package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/vladkesler/agentd/internal/config"
	"github.com/vladkesler/agentd/internal/llm"
	"github.com/vladkesler/agentd/internal/schedule"
	"github.com/vladkesler/agentd/internal/tools"
)

// SchedulingTools returns the toolset that lets the agent wake itself
// later. The per-run quota counter is bound at construction, so each
// run starts fresh. Every failure is reported as tool output text; the
// model can read it and adjust.
func SchedulingTools(queue *schedule.Queue, runID string, autonomy *config.Autonomy) []llm.Tool {
	maxPerRun := autonomy.MaxScheduledPerRun
	maxDelay := time.Duration(autonomy.MaxScheduleDelaySeconds) * time.Second
	scheduled := 0

	enqueue := func(prompt string, delay time.Duration) string {
		if prompt == "" {
			return "Error: prompt is required."
		}
		if scheduled >= maxPerRun {
			return fmt.Sprintf("Error: this run already scheduled %d follow-ups, the maximum.", maxPerRun)
		}
		if delay < time.Second {
			return "Error: delay must be at least 1 second."
		}
		if delay > maxDelay {
			return fmt.Sprintf("Error: delay exceeds the maximum of %d seconds.", autonomy.MaxScheduleDelaySeconds)
		}

		id, err := queue.Schedule(prompt, delay, map[string]string{
			"scheduled_by_run": runID,
		})
		if err != nil {
			return fmt.Sprintf("Error: %v", err)
		}
		scheduled++
		return fmt.Sprintf("Follow-up %s scheduled to fire in %s.", id, delay.Round(time.Second))
	}

	return []llm.Tool{
		{
			Name:        "schedule_followup",
			Description: "Schedule a follow-up task for yourself after a delay. The prompt will wake you as a new autonomous run.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"prompt": map[string]any{
						"type":        "string",
						"description": "The task prompt for the future run",
					},
					"delay_seconds": map[string]any{
						"type":        "integer",
						"description": "Seconds from now until the follow-up fires",
					},
				},
				"required": []string{"prompt", "delay_seconds"},
			},
			Handler: func(_ context.Context, args map[string]any) (string, error) {
				delaySec, ok := tools.IntArg(args, "delay_seconds")
				if !ok {
					return "Error: delay_seconds must be an integer.", nil
				}
				return enqueue(tools.StringArg(args, "prompt"), time.Duration(delaySec)*time.Second), nil
			},
		},
		{
			Name:        "schedule_followup_at",
			Description: "Schedule a follow-up task for yourself at an absolute time. Accepts RFC3339 timestamps; a timestamp without zone is taken as UTC.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"prompt": map[string]any{
						"type":        "string",
						"description": "The task prompt for the future run",
					},
					"time": map[string]any{
						"type":        "string",
						"description": "When to fire, e.g. 2026-03-01T09:00:00Z",
					},
				},
				"required": []string{"prompt", "time"},
			},
			Handler: func(_ context.Context, args map[string]any) (string, error) {
				at, err := parseScheduleTime(tools.StringArg(args, "time"))
				if err != nil {
					return fmt.Sprintf("Error: %v", err), nil
				}
				return enqueue(tools.StringArg(args, "prompt"), time.Until(at)), nil
			},
		},
	}
}

// parseScheduleTime accepts RFC3339 or a naive local-format timestamp,
// which is interpreted as UTC.
func parseScheduleTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("time is required")
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05", value); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q, use RFC3339", value)
}
