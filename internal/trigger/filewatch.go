package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vladkesler/agentd/internal/config"
)

// fileWatchDriver turns filesystem writes into events. Rapid write
// bursts to one file collapse into a single event via a per-path
// debounce timer.
type fileWatchDriver struct {
	paths           []string
	extensions      []string
	promptTemplate  string
	debounce        time.Duration
	processExisting bool
	handler         Handler
	logger          *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newFileWatchDriver(cfg config.Trigger, handler Handler, logger *slog.Logger) (Driver, error) {
	exts := make([]string, 0, len(cfg.Extensions))
	for _, e := range cfg.Extensions {
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts = append(exts, strings.ToLower(e))
	}

	return &fileWatchDriver{
		paths:           cfg.Paths,
		extensions:      exts,
		promptTemplate:  cfg.PromptTemplate,
		debounce:        time.Duration(cfg.DebounceSeconds * float64(time.Second)),
		processExisting: cfg.ProcessExisting,
		handler:         handler,
		logger:          logger,
		timers:          map[string]*time.Timer{},
	}, nil
}

func (f *fileWatchDriver) Name() string { return "file_watch" }

func (f *fileWatchDriver) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	for _, p := range f.paths {
		if err := watcher.Add(p); err != nil {
			f.logger.Warn("cannot watch path, skipping", "path", p, "error", err)
			continue
		}
		f.logger.Info("watching path", "path", p)
	}

	if f.processExisting {
		f.sweepExisting(ctx)
	}

	defer f.stopTimers()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !f.matches(ev.Name) {
				continue
			}
			f.scheduleFire(ctx, ev.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("watcher error", "error", err)
		}
	}
}

// scheduleFire arms or rewinds the debounce timer for one path. The
// event fires only after the path has been quiet for the full debounce
// window.
func (f *fileWatchDriver) scheduleFire(ctx context.Context, path string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if t, ok := f.timers[path]; ok {
		t.Reset(f.debounce)
		return
	}

	f.timers[path] = time.AfterFunc(f.debounce, func() {
		f.mu.Lock()
		delete(f.timers, path)
		f.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		f.fire(path)
	})
}

func (f *fileWatchDriver) fire(path string) {
	f.logger.Info("file change detected", "path", path)
	prompt := renderTemplate(f.promptTemplate, map[string]string{
		"path":     path,
		"filename": filepath.Base(path),
	})
	f.handler(NewEvent(TypeFileWatch, prompt, map[string]string{
		"path": path,
	}))
}

// sweepExisting emits one event per matching file already present under
// the watched paths, in sorted order for deterministic startup.
func (f *fileWatchDriver) sweepExisting(ctx context.Context) {
	var files []string
	for _, root := range f.paths {
		entries, err := os.ReadDir(root)
		if err != nil {
			// root may be a single file rather than a directory
			if info, statErr := os.Stat(root); statErr == nil && !info.IsDir() {
				if f.matches(root) {
					files = append(files, root)
				}
			}
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			full := filepath.Join(root, e.Name())
			if f.matches(full) {
				files = append(files, full)
			}
		}
	}
	sort.Strings(files)

	for _, path := range files {
		if ctx.Err() != nil {
			return
		}
		f.fire(path)
	}
}

// matches applies the extension filter. An empty filter matches all.
func (f *fileWatchDriver) matches(path string) bool {
	if len(f.extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, want := range f.extensions {
		if ext == want {
			return true
		}
	}
	return false
}

func (f *fileWatchDriver) stopTimers() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for path, t := range f.timers {
		t.Stop()
		delete(f.timers, path)
	}
}
