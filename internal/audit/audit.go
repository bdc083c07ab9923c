// Package audit appends operational events to a JSONL file. One line
// per event, written by a single goroutine fed from the event bus.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/vladkesler/agentd/internal/events"
)

// Logger consumes bus events and writes them as JSON lines.
type Logger struct {
	file   *os.File
	w      *bufio.Writer
	bus    *events.Bus
	ch     <-chan events.Event
	logger *slog.Logger

	done chan struct{}
	once sync.Once
}

// New opens the audit file for appending and starts consuming events
// from the bus.
func New(path string, bus *events.Bus, logger *slog.Logger) (*Logger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	l := &Logger{
		file:   file,
		w:      bufio.NewWriter(file),
		bus:    bus,
		ch:     bus.Subscribe(256),
		logger: logger,
		done:   make(chan struct{}),
	}
	go l.run()
	return l, nil
}

func (l *Logger) run() {
	defer close(l.done)
	for evt := range l.ch {
		line, err := json.Marshal(evt)
		if err != nil {
			l.logger.Error("marshal audit event", "error", err)
			continue
		}
		if _, err := l.w.Write(append(line, '\n')); err != nil {
			l.logger.Error("write audit log", "error", err)
			continue
		}
		// Flush per event: audit lines must survive a crash.
		if err := l.w.Flush(); err != nil {
			l.logger.Error("flush audit log", "error", err)
		}
	}
}

// Close unsubscribes from the bus, drains buffered events, and closes
// the file. Safe to call more than once.
func (l *Logger) Close() error {
	var err error
	l.once.Do(func() {
		l.bus.Unsubscribe(l.ch)
		<-l.done
		if ferr := l.w.Flush(); ferr != nil {
			err = ferr
		}
		if cerr := l.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
