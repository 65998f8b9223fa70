package templatex

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/quillblog/quill/fsutil"
)

// DefaultDebounce is the quiet window applied to filesystem event bursts
// before templates are recompiled, long enough to let editors finish their
// write-rename dance.
const DefaultDebounce = 100 * time.Millisecond

// Watcher observes the registry's custom template directory and keeps the
// registry in sync: create/modify recompiles and swaps on success, delete
// restores the built-in default. Events are debounced per burst and the
// settled on-disk state decides what happens, so duplicate or out-of-order
// notifications for the same path are harmless.
type Watcher struct {
	registry *Registry
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
	flush   chan []string
}

// NewWatcher constructs a watcher over the registry's custom directory.
func NewWatcher(registry *Registry, debounce time.Duration, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		registry: registry,
		debounce: debounce,
		logger:   logger,
		pending:  make(map[string]struct{}),
		flush:    make(chan []string, 8),
	}
}

// Run blocks until ctx is cancelled, processing debounced template events.
// It fails immediately when the watch cannot be established.
func (w *Watcher) Run(ctx context.Context) error {
	dir := w.registry.CustomDir()
	if dir == "" {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create template watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("watch %q: %w", dir, err)
	}
	w.logger.Info("watching custom templates", "dir", dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.observe(event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("template watch error", "error", err)
		case paths := <-w.flush:
			w.process(paths)
		}
	}
}

func (w *Watcher) observe(event fsnotify.Event) {
	if TemplateName(event.Name) == "" {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[event.Name] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.emit)
}

// emit hands the settled batch back to the Run loop.
func (w *Watcher) emit() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pending))
	for path := range w.pending {
		paths = append(paths, path)
	}
	clear(w.pending)
	w.mu.Unlock()

	sort.Strings(paths)
	select {
	case w.flush <- paths:
	default:
		w.logger.Warn("template event batch dropped, watcher busy")
	}
}

func (w *Watcher) process(paths []string) {
	for _, path := range paths {
		name := TemplateName(path)

		if _, err := fsutil.Mtime(path); err != nil {
			if !os.IsNotExist(err) {
				w.logger.Warn("stat custom template", "path", path, "error", err)
				continue
			}
			if err := w.registry.RestoreDefault(name); err != nil {
				w.logger.Error("restore default template", "name", name, "error", err)
				continue
			}
			w.logger.Info("custom template removed, default restored", "name", name)
			continue
		}

		if err := w.registry.CompileCustom(path); err != nil {
			// Previous compiled template stays authoritative.
			w.logger.Error("custom template rejected", "path", path, "error", err)
			continue
		}
		w.logger.Info("custom template updated", "name", name)
	}
}
