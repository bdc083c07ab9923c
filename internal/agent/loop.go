package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/vladkesler/agentd/internal/config"
	"github.com/vladkesler/agentd/internal/events"
	"github.com/vladkesler/agentd/internal/llm"
)

// Loop drives one autonomous run: repeated model calls with the plan
// re-injected each iteration, until the agent declares itself done or
// a guardrail ends the run.
type Loop struct {
	executor   llm.Executor
	autonomy   *config.Autonomy
	guardrails config.Guardrails
	bus        *events.Bus
	logger     *slog.Logger
}

// NewLoop wires the loop. The bus may be nil.
func NewLoop(executor llm.Executor, autonomy *config.Autonomy, guardrails config.Guardrails, bus *events.Bus, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		executor:   executor,
		autonomy:   autonomy,
		guardrails: guardrails,
		bus:        bus,
		logger:     logger,
	}
}

// RunParams describes one autonomous run.
type RunParams struct {
	RunID  string
	System string
	Prompt string
	// Conversational runs answer a chat turn: a plain text response
	// without tool use ends the run as completed.
	Conversational bool
	// Tools are the domain tools for this run; the loop adds its
	// reflection tools on top.
	Tools   []llm.Tool
	History []llm.Message
}

// RunResult is the outcome of an autonomous run.
type RunResult struct {
	Status     string
	Summary    string
	Outputs    []string
	TokensUsed int64
	Iterations int
	History    []llm.Message
}

// Success reports whether the run counts as productive: it finished
// its task or worked the full iteration allowance.
func (r *RunResult) Success() bool {
	return r.Status == StatusCompleted || r.Status == StatusMaxIterations
}

// FinalOutput returns the last non-empty model output of the run.
func (r *RunResult) FinalOutput() string {
	if len(r.Outputs) == 0 {
		return ""
	}
	return r.Outputs[len(r.Outputs)-1]
}

// Run executes the loop until a terminal condition. It always returns
// a result; model failures surface as a failed status.
func (l *Loop) Run(ctx context.Context, params RunParams) *RunResult {
	state := &State{}
	runTools := append(append([]llm.Tool{}, params.Tools...), ReflectionTools(state, l.autonomy.MaxPlanSteps)...)

	result := &RunResult{History: params.History}
	started := time.Now()
	timeout := time.Duration(l.guardrails.AutonomousTimeoutSeconds) * time.Second
	noToolStreak := 0

	l.logger.Info("autonomous run started",
		"run_id", params.RunID,
		"max_iterations", l.guardrails.MaxIterations,
	)
	l.publish(events.KindRunStart, params.RunID, "")

	for iteration := 1; iteration <= l.guardrails.MaxIterations; iteration++ {
		if timeout > 0 && time.Since(started) > timeout {
			result.Status = StatusTimeout
			result.Summary = fmt.Sprintf("run exceeded its %s time limit after %d iterations", timeout, iteration-1)
			break
		}
		if l.guardrails.AutonomousTokenBudget > 0 && result.TokensUsed >= l.guardrails.AutonomousTokenBudget {
			result.Status = StatusBudgetExceeded
			result.Summary = fmt.Sprintf("run spent %d tokens of its %d budget", result.TokensUsed, l.guardrails.AutonomousTokenBudget)
			break
		}

		prompt := l.synthesizePrompt(params.Prompt, iteration, state, noToolStreak)

		iterResult, history := l.executor.Execute(ctx, llm.Request{
			System:  params.System,
			Prompt:  prompt,
			History: result.History,
			Tools:   runTools,
			Metadata: map[string]string{
				"autonomous_run_id": params.RunID,
				"iteration":         strconv.Itoa(iteration),
			},
		})

		result.Iterations = iteration
		result.TokensUsed += iterResult.TokensUsed
		result.History = TrimHistory(history, l.autonomy.MaxHistoryMessages)
		if iterResult.Output != "" {
			result.Outputs = append(result.Outputs, iterResult.Output)
		}

		if iterResult.ToolCalls > 0 {
			noToolStreak = 0
		} else {
			noToolStreak++
		}

		l.logger.Debug("iteration finished",
			"run_id", params.RunID,
			"iteration", iteration,
			"tokens", iterResult.TokensUsed,
			"tool_calls", iterResult.ToolCalls,
		)
		l.publish(events.KindIteration, params.RunID, strconv.Itoa(iteration))

		if done, status, summary := state.Finished(); done {
			result.Status = status
			result.Summary = summary
			break
		}
		if !iterResult.Success {
			result.Status = StatusError
			result.Summary = iterResult.Err
			break
		}
		if params.Conversational {
			// a conversational turn is always one model response
			result.Status = StatusCompleted
			result.Summary = iterResult.Output
			break
		}
		if noToolStreak >= l.autonomy.MaxNoToolCallIterations {
			// mark the reflection state too, so its record of the run
			// matches what the loop reports
			state.Finish(StatusBlocked, fmt.Sprintf("run made no tool calls for %d consecutive iterations", noToolStreak))
			_, result.Status, result.Summary = state.Finished()
			break
		}

		if delay := l.autonomy.IterationDelaySeconds; delay > 0 && iteration < l.guardrails.MaxIterations {
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(delay * float64(time.Second))):
			}
		}
	}

	if result.Status == "" {
		result.Status = StatusMaxIterations
		result.Summary = fmt.Sprintf("run used all %d iterations without finishing", l.guardrails.MaxIterations)
	}

	l.logger.Info("autonomous run finished",
		"run_id", params.RunID,
		"status", result.Status,
		"iterations", result.Iterations,
		"tokens", result.TokensUsed,
	)
	l.publish(events.KindRunComplete, params.RunID, result.Status)

	return result
}

// synthesizePrompt builds the prompt for one iteration. The first
// iteration uses the triggering prompt verbatim; later ones continue
// the task with the current plan injected.
func (l *Loop) synthesizePrompt(original string, iteration int, state *State, noToolStreak int) string {
	if iteration == 1 {
		return original
	}

	var b strings.Builder
	b.WriteString(l.autonomy.ContinuationPrompt)
	b.WriteString("\n\nCURRENT STATUS:\n")
	b.WriteString(RenderPlan(state.Plan()))

	if noToolStreak > 0 {
		b.WriteString("\n\nYour last response made no tool calls. If you cannot make progress, call finish_task with status='blocked'.")
	}
	return b.String()
}

// TrimHistory bounds the history while keeping the first message, the
// anchor of the original task.
func TrimHistory(history []llm.Message, max int) []llm.Message {
	if max <= 0 || len(history) <= max {
		return history
	}
	trimmed := make([]llm.Message, 0, max)
	trimmed = append(trimmed, history[0])
	trimmed = append(trimmed, history[len(history)-(max-1):]...)
	return trimmed
}

func (l *Loop) publish(kind events.Kind, runID, detail string) {
	l.bus.Publish(events.Event{
		Source: "agent",
		Kind:   kind,
		RunID:  runID,
		Detail: detail,
	})
}
