package sink

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vladkesler/agentd/internal/config"
)

func testRecord() Record {
	return Record{
		Timestamp:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		RunID:       "run-42",
		Role:        "ops-agent",
		TriggerType: "cron",
		Status:      "completed",
		Summary:     "checked the backups",
		Output:      "All **3** backups verified.",
	}
}

func TestFileSinkText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.log")
	f, err := NewFile(path, "text")
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}

	if err := f.Write(testRecord()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Write(testRecord()); err != nil {
		t.Fatalf("second Write: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sink file: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "cron run run-42 (completed)") {
		t.Errorf("content = %q", content)
	}
	if !strings.Contains(content, "checked the backups") {
		t.Errorf("summary missing: %q", content)
	}
	if strings.Count(content, "run-42") != 2 {
		t.Errorf("second write did not append: %q", content)
	}
}

func TestFileSinkHTML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.html")
	f, err := NewFile(path, "html")
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}

	if err := f.Write(testRecord()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sink file: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "<h2>cron run run-42 (completed)</h2>") {
		t.Errorf("header missing: %q", content)
	}
	if !strings.Contains(content, "<strong>3</strong>") {
		t.Errorf("markdown not rendered: %q", content)
	}
}

func TestNewFileRejectsUnknownFormat(t *testing.T) {
	if _, err := NewFile("x", "pdf"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestRenderText(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
		want string
	}{
		{"summary and output", Record{Summary: "s", Output: "o"}, "s\n\no"},
		{"identical summary and output", Record{Summary: "same", Output: "same"}, "same"},
		{"output only", Record{Output: "o"}, "o"},
		{"empty", Record{}, "(no output)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := renderText(tt.rec); got != tt.want {
				t.Errorf("renderText = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewFromConfig(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

	d := NewFromConfig([]config.Sink{
		{Type: "console"},
		{Type: "file", Path: filepath.Join(dir, "a.log")},
		{Type: "file"}, // missing path, skipped
		{Type: "file", Path: filepath.Join(dir, "b.log"), Format: "pdf"}, // bad format, skipped
		{Type: "carrier-pigeon"}, // unknown type, skipped
	}, logger)

	if d.Count() != 2 {
		t.Errorf("sink count = %d, want 2", d.Count())
	}
}

func TestDispatcherContinuesPastFailingSink(t *testing.T) {
	dir := t.TempDir()
	good, err := NewFile(filepath.Join(dir, "good.log"), "text")
	if err != nil {
		t.Fatal(err)
	}
	// A file sink pointed at a missing directory fails on open.
	bad, err := NewFile(filepath.Join(dir, "missing", "bad.log"), "text")
	if err != nil {
		t.Fatal(err)
	}

	d := NewDispatcher([]Sink{bad, good}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	d.Write(testRecord())

	if _, err := os.Stat(filepath.Join(dir, "good.log")); err != nil {
		t.Errorf("good sink not written: %v", err)
	}
}

func TestNilDispatcher(t *testing.T) {
	var d *Dispatcher
	// Must not panic.
	d.Write(testRecord())
	if d.Count() != 0 {
		t.Error("nil dispatcher count")
	}
}
