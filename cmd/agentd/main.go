// Command agentd runs one agent role as a long-lived daemon: it loads
// a role definition, starts the configured trigger drivers, and
// dispatches every event through the runner until signalled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/vladkesler/agentd/internal/agent"
	"github.com/vladkesler/agentd/internal/audit"
	"github.com/vladkesler/agentd/internal/budget"
	"github.com/vladkesler/agentd/internal/buildinfo"
	"github.com/vladkesler/agentd/internal/config"
	"github.com/vladkesler/agentd/internal/convstore"
	"github.com/vladkesler/agentd/internal/events"
	"github.com/vladkesler/agentd/internal/llm"
	"github.com/vladkesler/agentd/internal/memory"
	"github.com/vladkesler/agentd/internal/runner"
	"github.com/vladkesler/agentd/internal/schedule"
	"github.com/vladkesler/agentd/internal/session"
	"github.com/vladkesler/agentd/internal/sink"
	"github.com/vladkesler/agentd/internal/trigger"
)

func main() {
	roleFlag := flag.String("role", "", "path to the role definition file")
	logLevelFlag := flag.String("log-level", "", "log level: trace, debug, info, warn, error")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Println(buildinfo.String())
		return
	}

	if err := run(*roleFlag, *logLevelFlag); err != nil {
		fmt.Fprintln(os.Stderr, "agentd:", err)
		os.Exit(1)
	}
}

func run(rolePath, logLevel string) error {
	// Secrets live in the environment; .env is a development convenience.
	_ = godotenv.Load()

	path, err := config.FindRole(rolePath)
	if err != nil {
		return err
	}
	role, err := config.Load(path)
	if err != nil {
		return err
	}

	if logLevel == "" {
		logLevel = role.Spec.LogLevel
	}
	level, err := config.ParseLogLevel(logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
	slog.SetDefault(logger)

	logger.Info(buildinfo.String())
	logger.Info("role loaded",
		"name", role.Metadata.Name,
		"path", path,
		"triggers", len(role.Spec.Triggers),
		"autonomy", role.Spec.Autonomy != nil,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.New()

	var auditLog *audit.Logger
	if role.Spec.AuditLog != "" {
		auditLog, err = audit.New(role.Spec.AuditLog, bus, logger)
		if err != nil {
			return fmt.Errorf("audit log: %w", err)
		}
		defer auditLog.Close()
	}

	var memStore *memory.Store
	if m := role.Spec.Memory; m != nil && m.Enabled {
		memStore, err = memory.NewStore(m.Path)
		if err != nil {
			return fmt.Errorf("memory store: %w", err)
		}
		defer memStore.Close()
	}

	var sessions *session.Store
	if s := role.Spec.Sessions; s != nil && s.Enabled {
		sessions, err = session.NewStore(s.Path)
		if err != nil {
			return fmt.Errorf("session store: %w", err)
		}
		defer sessions.Close()

		if n, err := sessions.MarkInterrupted(ctx); err != nil {
			logger.Warn("could not mark interrupted sessions", "error", err)
		} else if n > 0 {
			logger.Info("previous sessions marked interrupted", "count", n)
		}
	}

	tracker := budget.NewTracker(
		role.Spec.Guardrails.DaemonTokenBudget,
		role.Spec.Guardrails.DaemonDailyTokenBudget,
		logger,
	)
	conversations := convstore.NewStore(
		role.Spec.Conversations.MaxEntries,
		time.Duration(role.Spec.Conversations.TTLSeconds)*time.Second,
	)
	sinks := sink.NewFromConfig(role.Spec.Sinks, logger)
	executor := llm.NewClient(role.Spec.Model, logger)

	var loop *agent.Loop
	if role.Spec.Autonomy != nil {
		loop = agent.NewLoop(executor, role.Spec.Autonomy, role.Spec.Guardrails, bus, logger)
	}

	// The queue's handler is assigned after the runner exists; events
	// cannot fire before a task is scheduled, which needs a run first.
	var r *runner.Runner
	maxScheduled := config.DefaultMaxScheduledTotal
	if role.Spec.Autonomy != nil {
		maxScheduled = role.Spec.Autonomy.MaxScheduledTotal
	}
	queue := schedule.NewQueue(maxScheduled, func(ev *trigger.Event) {
		r.Handle(ev)
	}, bus, logger)

	r = runner.New(ctx, runner.Deps{
		Role:          role,
		Executor:      executor,
		Loop:          loop,
		Tracker:       tracker,
		Queue:         queue,
		Conversations: conversations,
		Sinks:         sinks,
		Memory:        memStore,
		Sessions:      sessions,
		Bus:           bus,
		Logger:        logger,
	})

	dispatcher := trigger.NewDispatcher(role.Spec.Triggers, r.Handle, logger)
	if dispatcher.DriverCount() == 0 && len(role.Spec.Triggers) > 0 {
		logger.Warn("no trigger driver started, daemon is idle")
	}
	dispatcher.StartAll(ctx)
	logger.Info("daemon running",
		"drivers", dispatcher.DriverCount(),
		"sinks", sinks.Count(),
	)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutdown requested", "signal", sig.String())
	go func() {
		<-sigCh
		logger.Error("second signal, exiting immediately")
		os.Exit(1)
	}()

	if n := queue.CancelAll(); n > 0 {
		logger.Info("pending follow-ups cancelled", "count", n)
	}
	dispatcher.StopAll()
	if !r.WaitIdle(30 * time.Second) {
		logger.Warn("in-flight runs did not finish within 30s")
	}
	cancel()

	lifetime, daily := tracker.Usage()
	logger.Info("daemon stopped",
		"uptime", buildinfo.Uptime().String(),
		"tokens_lifetime", lifetime,
		"tokens_today", daily,
	)
	return nil
}
