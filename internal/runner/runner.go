// Package runner is the dispatch core: it receives events from the
// trigger layer, applies admission control, routes each event to the
// autonomous loop or a single model call, and delivers the result back
// to the originating channel or the configured sinks.
package runner

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vladkesler/agentd/internal/agent"
	"github.com/vladkesler/agentd/internal/budget"
	"github.com/vladkesler/agentd/internal/config"
	"github.com/vladkesler/agentd/internal/convstore"
	"github.com/vladkesler/agentd/internal/events"
	"github.com/vladkesler/agentd/internal/llm"
	"github.com/vladkesler/agentd/internal/memory"
	"github.com/vladkesler/agentd/internal/schedule"
	"github.com/vladkesler/agentd/internal/session"
	"github.com/vladkesler/agentd/internal/sink"
	"github.com/vladkesler/agentd/internal/trigger"
)

// maxConcurrentRuns bounds in-flight runs. Events beyond the bound are
// dropped, not queued: a stale trigger replayed later is worse than a
// missed one.
const maxConcurrentRuns = 4

// Deps are the runner's collaborators. Memory, Sessions, Sinks, and
// Bus may be nil; the corresponding feature is skipped.
type Deps struct {
	Role          *config.Role
	Executor      llm.Executor
	Loop          *agent.Loop
	Tracker       *budget.Tracker
	Queue         *schedule.Queue
	Conversations *convstore.Store
	Sinks         *sink.Dispatcher
	Memory        *memory.Store
	Sessions      *session.Store
	Bus           *events.Bus
	Logger        *slog.Logger
}

// Runner dispatches trigger events to the agent.
type Runner struct {
	deps            Deps
	baseCtx         context.Context
	autonomousTypes map[string]bool
	logger          *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup
}

// New creates a runner. ctx bounds every run it dispatches; cancelling
// it aborts in-flight model calls.
func New(ctx context.Context, deps Deps) *Runner {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		deps:            deps,
		baseCtx:         ctx,
		autonomousTypes: deps.Role.AutonomousTriggerTypes(),
		logger:          logger,
		sem:             make(chan struct{}, maxConcurrentRuns),
	}
}

// Handle is the trigger.Handler for every event source, including the
// schedule queue. Admission happens synchronously on the caller's
// goroutine; the run itself happens on a new one.
func (r *Runner) Handle(ev *trigger.Event) {
	r.publish(events.KindEventReceived, "", string(ev.Type))

	select {
	case r.sem <- struct{}{}:
	default:
		r.logger.Warn("event dropped, concurrency limit reached",
			"type", ev.Type,
			"limit", maxConcurrentRuns,
		)
		r.publish(events.KindEventDropped, "", "concurrency limit")
		return
	}

	if !r.deps.Tracker.Check() {
		<-r.sem
		r.logger.Warn("event dropped, token budget exhausted", "type", ev.Type)
		r.publish(events.KindEventDropped, "", "token budget")
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.sem }()
		r.process(ev)
	}()
}

func (r *Runner) process(ev *trigger.Event) {
	runID := newRunID()
	spec := r.deps.Role.Spec

	r.logger.Info("dispatching event",
		"run_id", runID,
		"type", ev.Type,
		"conversational", ev.Type.Conversational(),
	)

	if r.deps.Sessions != nil {
		if err := r.deps.Sessions.Start(r.baseCtx, runID, r.deps.Role.Metadata.Name, string(ev.Type)); err != nil {
			r.logger.Error("session start failed", "run_id", runID, "error", err)
		}
	}

	key := ev.ConversationKey()
	history := r.deps.Conversations.Get(key)
	runTools := r.buildTools(runID)

	// Conversational surfaces always get one reply per user turn, so
	// they never route to the iterating loop.
	var outcome runOutcome
	if r.autonomousTypes[string(ev.Type)] && spec.Autonomy != nil && !ev.Type.Conversational() {
		outcome = r.runAutonomous(ev, runID, history, runTools)
	} else {
		outcome = r.runSingleShot(ev, runID, history, runTools)
	}

	// The loop trims its own history each iteration; the single-shot
	// path stores raw executor history, so trim here before keeping it.
	maxHistory := config.DefaultMaxHistoryMessages
	if spec.Autonomy != nil {
		maxHistory = spec.Autonomy.MaxHistoryMessages
	}

	r.deps.Tracker.Record(outcome.tokens)
	r.deps.Conversations.Put(key, agent.TrimHistory(outcome.history, maxHistory))
	r.deliver(ev, runID, outcome)

	if r.deps.Memory != nil {
		err := r.deps.Memory.Save(r.baseCtx, memory.Record{
			RunID:       runID,
			TriggerType: string(ev.Type),
			Prompt:      ev.Prompt,
			Output:      outcome.output,
			Status:      outcome.status,
			Summary:     outcome.summary,
			TokensUsed:  outcome.tokens,
			Iterations:  outcome.iterations,
		})
		if err != nil {
			r.logger.Error("memory save failed", "run_id", runID, "error", err)
		}
	}
	if r.deps.Sessions != nil {
		historyJSON := ""
		if raw, err := json.Marshal(outcome.history); err == nil {
			historyJSON = string(raw)
		}
		err := r.deps.Sessions.Finish(r.baseCtx, runID, outcome.status, outcome.summary, outcome.iterations, outcome.tokens, historyJSON)
		if err != nil {
			r.logger.Error("session finish failed", "run_id", runID, "error", err)
		}
	}
}

// runOutcome is the normalized result of either execution path.
type runOutcome struct {
	status     string
	summary    string
	output     string // what gets delivered
	iterations int
	tokens     int64
	history    []llm.Message
}

func (r *Runner) runAutonomous(ev *trigger.Event, runID string, history []llm.Message, runTools []llm.Tool) runOutcome {
	spec := r.deps.Role.Spec
	ctx := r.baseCtx
	if spec.Guardrails.AutonomousTimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(spec.Guardrails.AutonomousTimeoutSeconds)*time.Second)
		defer cancel()
	}

	result := r.deps.Loop.Run(ctx, agent.RunParams{
		RunID:          runID,
		System:         spec.Role,
		Prompt:         ev.Prompt,
		Conversational: ev.Type.Conversational(),
		Tools:          runTools,
		History:        history,
	})

	output := result.FinalOutput()
	if !ev.Type.Conversational() {
		// Stateless consumers get the whole run, not just the last word.
		output = strings.Join(result.Outputs, "\n\n")
	}
	return runOutcome{
		status:     result.Status,
		summary:    result.Summary,
		output:     output,
		iterations: result.Iterations,
		tokens:     result.TokensUsed,
		history:    result.History,
	}
}

func (r *Runner) runSingleShot(ev *trigger.Event, runID string, history []llm.Message, runTools []llm.Tool) runOutcome {
	spec := r.deps.Role.Spec
	r.publish(events.KindRunStart, runID, "single_shot")

	result, newHistory := r.deps.Executor.Execute(r.baseCtx, llm.Request{
		System:  spec.Role,
		Prompt:  ev.Prompt,
		History: history,
		Tools:   runTools,
		Metadata: map[string]string{
			"run_id":       runID,
			"trigger_type": string(ev.Type),
		},
	})

	out := runOutcome{
		status:     agent.StatusCompleted,
		output:     result.Output,
		iterations: 1,
		tokens:     result.TokensUsed,
		history:    newHistory,
	}
	if !result.Success {
		out.status = agent.StatusError
		out.summary = result.Err
	}
	r.publish(events.KindRunComplete, runID, out.status)
	return out
}

// buildTools assembles the domain tools for one run: scheduling when
// autonomy is configured, recall when memory is enabled.
func (r *Runner) buildTools(runID string) []llm.Tool {
	var out []llm.Tool
	if a := r.deps.Role.Spec.Autonomy; a != nil {
		out = append(out, agent.SchedulingTools(r.deps.Queue, runID, a)...)
	}
	if r.deps.Memory != nil {
		out = append(out, memory.RecallTool(r.deps.Memory))
	}
	return out
}

// deliver routes the result: conversational events get a reply on
// their channel, everything else goes to the sinks. Only model output
// is ever replied; failures stay in the logs and session record rather
// than leaking error strings into a chat.
func (r *Runner) deliver(ev *trigger.Event, runID string, outcome runOutcome) {
	if ev.Reply != nil {
		text := outcome.output
		if text == "" {
			return
		}
		if err := ev.Reply(text); err != nil {
			r.logger.Error("reply failed", "run_id", runID, "type", ev.Type, "error", err)
			return
		}
		r.publish(events.KindReplySent, runID, string(ev.Type))
		return
	}

	r.deps.Sinks.Write(sink.Record{
		RunID:       runID,
		Role:        r.deps.Role.Metadata.Name,
		TriggerType: string(ev.Type),
		Status:      outcome.status,
		Summary:     outcome.summary,
		Output:      outcome.output,
	})
}

// WaitIdle blocks until all in-flight runs finish or the timeout
// elapses. Returns false on timeout.
func (r *Runner) WaitIdle(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (r *Runner) publish(kind events.Kind, runID, detail string) {
	r.deps.Bus.Publish(events.Event{
		Source: "runner",
		Kind:   kind,
		RunID:  runID,
		Detail: detail,
	})
}

// newRunID returns a short random run identifier.
func newRunID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "run_" + time.Now().UTC().Format("150405.000000")
	}
	return "run_" + hex.EncodeToString(buf)
}
