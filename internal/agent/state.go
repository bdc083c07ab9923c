// Package agent implements the autonomous iteration loop: the agent
// works a task across multiple model calls, tracking its own plan and
// deciding when it is done.
package agent

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Terminal statuses of an autonomous run. StatusFailed is the agent
// declaring failure via finish_task; StatusError is a model or
// transport failure.
const (
	StatusCompleted      = "completed"
	StatusBlocked        = "blocked"
	StatusFailed         = "failed"
	StatusError          = "error"
	StatusMaxIterations  = "max_iterations"
	StatusTimeout        = "timeout"
	StatusBudgetExceeded = "budget_exceeded"
)

// Plan step statuses. Anything else coerces to pending.
const (
	StepPending    = "pending"
	StepInProgress = "in_progress"
	StepCompleted  = "completed"
	StepFailed     = "failed"
	StepSkipped    = "skipped"
)

// PlanStep is one item of the agent's self-maintained plan.
type PlanStep struct {
	Description string
	Status      string
	Notes       string
}

// State carries what the agent has declared about its run so far. The
// reflection tools write it, the loop reads it between iterations.
type State struct {
	mu        sync.Mutex
	completed bool
	status    string
	summary   string
	plan      []PlanStep
}

// Finish marks the run done with the given status and summary.
func (s *State) Finish(status, summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = true
	s.status = status
	s.summary = summary
}

// Finished returns whether finish_task was called, and with what.
func (s *State) Finished() (done bool, status, summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed, s.status, s.summary
}

// SetPlan replaces the plan wholesale.
func (s *State) SetPlan(plan []PlanStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plan = plan
}

// Plan returns a copy of the current plan.
func (s *State) Plan() []PlanStep {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PlanStep, len(s.plan))
	copy(out, s.plan)
	return out
}

// stepIcon maps a step status to its checklist marker.
func stepIcon(status string) string {
	switch status {
	case StepCompleted:
		return "x"
	case StepFailed:
		return "!"
	case StepSkipped:
		return "-"
	default:
		return " "
	}
}

// RenderPlan formats the plan as the status block injected into
// continuation prompts.
func RenderPlan(plan []PlanStep) string {
	if len(plan) == 0 {
		return "(No plan created yet)"
	}

	var b strings.Builder
	b.WriteString("Current Plan:\n")
	for i, step := range plan {
		fmt.Fprintf(&b, "  %d. [%s] %s (%s)\n", i+1, stepIcon(step.Status), step.Description, step.Status)
		if step.Notes != "" {
			fmt.Fprintf(&b, "     %s\n", step.Notes)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// summarizePlan tallies steps by status for the update_plan tool
// response, statuses in alphabetical order.
func summarizePlan(plan []PlanStep) string {
	if len(plan) == 0 {
		return "Plan cleared."
	}

	counts := map[string]int{}
	for _, step := range plan {
		counts[step.Status]++
	}

	statuses := make([]string, 0, len(counts))
	for status := range counts {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)

	parts := make([]string, 0, len(statuses))
	for _, status := range statuses {
		parts = append(parts, fmt.Sprintf("%d %s", counts[status], status))
	}
	return "Plan updated: " + strings.Join(parts, ", ")
}
