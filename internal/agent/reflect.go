package agent

import (
	"context"
	"fmt"

	"github.com/vladkesler/agentd/internal/llm"
	"github.com/vladkesler/agentd/internal/tools"
)

// validFinishStatuses are the statuses finish_task accepts.
var validFinishStatuses = map[string]bool{
	StatusCompleted: true,
	StatusBlocked:   true,
	StatusFailed:    true,
}

// ReflectionTools returns the toolset through which the agent reports
// progress: finish_task ends the run, update_plan replaces the working
// plan. Both write into state, which the loop inspects after every
// iteration.
func ReflectionTools(state *State, maxPlanSteps int) []llm.Tool {
	return []llm.Tool{
		{
			Name:        "finish_task",
			Description: "Declare the task finished. Call this exactly once, when the work is done, blocked, or has failed. The summary is the final report of the run.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"summary": map[string]any{
						"type":        "string",
						"description": "What was accomplished, or why the task could not be finished",
					},
					"status": map[string]any{
						"type":        "string",
						"enum":        []string{StatusCompleted, StatusBlocked, StatusFailed},
						"description": "Final status of the task",
					},
				},
				"required": []string{"summary", "status"},
			},
			Handler: func(_ context.Context, args map[string]any) (string, error) {
				status := tools.StringArg(args, "status")
				if !validFinishStatuses[status] {
					return fmt.Sprintf("Invalid status %q: must be completed, blocked, or failed.", status), nil
				}
				state.Finish(status, tools.StringArg(args, "summary"))
				return fmt.Sprintf("Task marked %s.", status), nil
			},
		},
		{
			Name:        "update_plan",
			Description: "Replace your working plan. Pass the full plan every time; steps you omit are dropped. Use it to break the task down and to track progress between iterations.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"steps": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"description": map[string]any{
									"type":        "string",
									"description": "What this step does",
								},
								"status": map[string]any{
									"type": "string",
									"enum": []string{StepPending, StepInProgress, StepCompleted, StepFailed, StepSkipped},
								},
								"notes": map[string]any{
									"type":        "string",
									"description": "Optional working notes for this step",
								},
							},
							"required": []string{"description"},
						},
					},
				},
				"required": []string{"steps"},
			},
			Handler: func(_ context.Context, args map[string]any) (string, error) {
				plan := parsePlanSteps(args["steps"], maxPlanSteps)
				state.SetPlan(plan)
				return summarizePlan(plan), nil
			},
		},
	}
}

// parsePlanSteps normalizes the raw steps argument: empty descriptions
// are dropped, unknown statuses coerce to pending, and the plan is
// truncated to maxSteps.
func parsePlanSteps(raw any, maxSteps int) []PlanStep {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}

	var plan []PlanStep
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}

		desc := tools.StringArg(obj, "description")
		if desc == "" {
			continue
		}

		status := tools.StringArg(obj, "status")
		switch status {
		case StepPending, StepInProgress, StepCompleted, StepFailed, StepSkipped:
		default:
			status = StepPending
		}

		plan = append(plan, PlanStep{
			Description: desc,
			Status:      status,
			Notes:       tools.StringArg(obj, "notes"),
		})
		if len(plan) >= maxSteps {
			break
		}
	}
	return plan
}
