// Package sink delivers run results to configured destinations. Sinks
// are fire-and-forget: a failing sink is logged and skipped, never
// blocking the run or the other sinks.
package sink

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/vladkesler/agentd/internal/config"
)

// Record is one run result handed to the sinks.
type Record struct {
	Timestamp   time.Time
	RunID       string
	Role        string
	TriggerType string
	Status      string
	Summary     string
	Output      string
}

// Sink writes run records to one destination.
type Sink interface {
	Name() string
	Write(rec Record) error
}

// Console writes records to stdout.
type Console struct{}

func (Console) Name() string { return "console" }

func (Console) Write(rec Record) error {
	_, err := fmt.Fprintf(os.Stdout, "=== %s run %s (%s) at %s ===\n%s\n",
		rec.TriggerType, rec.RunID, rec.Status,
		rec.Timestamp.Format(time.RFC3339), renderText(rec))
	return err
}

// File appends records to a file, as plain text or as rendered HTML.
type File struct {
	path   string
	format string
	mu     sync.Mutex
	md     goldmark.Markdown
}

// NewFile creates a file sink. Format is "text" or "html".
func NewFile(path, format string) (*File, error) {
	switch format {
	case "", "text":
		format = "text"
	case "html":
	default:
		return nil, fmt.Errorf("unknown file sink format %q", format)
	}
	f := &File{path: path, format: format}
	if format == "html" {
		f.md = goldmark.New(goldmark.WithExtensions(extension.GFM))
	}
	return f, nil
}

func (f *File) Name() string { return "file:" + f.path }

func (f *File) Write(rec Record) error {
	var body string
	if f.format == "html" {
		rendered, err := f.renderHTML(rec)
		if err != nil {
			return err
		}
		body = rendered
	} else {
		body = fmt.Sprintf("=== %s run %s (%s) at %s ===\n%s\n\n",
			rec.TriggerType, rec.RunID, rec.Status,
			rec.Timestamp.Format(time.RFC3339), renderText(rec))
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open sink file: %w", err)
	}
	defer file.Close()
	if _, err := file.WriteString(body); err != nil {
		return fmt.Errorf("write sink file: %w", err)
	}
	return nil
}

func (f *File) renderHTML(rec Record) (string, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "<article>\n<h2>%s run %s (%s)</h2>\n<time>%s</time>\n",
		rec.TriggerType, rec.RunID, rec.Status, rec.Timestamp.Format(time.RFC3339))
	if err := f.md.Convert([]byte(renderText(rec)), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	buf.WriteString("</article>\n")
	return buf.String(), nil
}

// renderText joins the record's summary and output. A run that only
// produced a summary still yields a useful record.
func renderText(rec Record) string {
	parts := make([]string, 0, 2)
	if rec.Summary != "" {
		parts = append(parts, rec.Summary)
	}
	if rec.Output != "" && rec.Output != rec.Summary {
		parts = append(parts, rec.Output)
	}
	if len(parts) == 0 {
		return "(no output)"
	}
	return strings.Join(parts, "\n\n")
}

// Dispatcher fans one record out to every configured sink.
type Dispatcher struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewDispatcher builds a dispatcher over the given sinks.
func NewDispatcher(sinks []Sink, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{sinks: sinks, logger: logger}
}

// NewFromConfig builds a dispatcher from sink configuration entries.
// Unknown sink types are logged and skipped.
func NewFromConfig(cfgs []config.Sink, logger *slog.Logger) *Dispatcher {
	var sinks []Sink
	for _, c := range cfgs {
		switch c.Type {
		case "console":
			sinks = append(sinks, Console{})
		case "file":
			if c.Path == "" {
				logger.Warn("file sink missing path, skipping")
				continue
			}
			f, err := NewFile(c.Path, c.Format)
			if err != nil {
				logger.Warn("file sink misconfigured, skipping", "path", c.Path, "error", err)
				continue
			}
			sinks = append(sinks, f)
		default:
			logger.Warn("unknown sink type, skipping", "type", c.Type)
		}
	}
	return NewDispatcher(sinks, logger)
}

// Write delivers the record to all sinks, stamping the time if unset.
// Sink failures are logged, not returned.
func (d *Dispatcher) Write(rec Record) {
	if d == nil {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	for _, s := range d.sinks {
		if err := s.Write(rec); err != nil {
			d.logger.Error("sink write failed", "sink", s.Name(), "error", err)
		}
	}
}

// Count returns the number of active sinks.
func (d *Dispatcher) Count() int {
	if d == nil {
		return 0
	}
	return len(d.sinks)
}
