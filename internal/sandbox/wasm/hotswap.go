package wasm

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads predicate modules when *.wasm files in a directory change.
type Watcher struct {
	dir    string
	host   *Host
	logger *slog.Logger

	events chan string
}

func NewWatcher(dir string, host *Host, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:    dir,
		host:   host,
		logger: logger.With("component", "predicate_watcher"),
		events: make(chan string, 16),
	}
}

// Reloaded receives the name of every module loaded or unloaded by the
// watcher. Sends are dropped when nobody reads.
func (w *Watcher) Reloaded() <-chan string {
	return w.events
}

// Start loads the modules already present and watches for changes until ctx
// is done.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new fsnotify watcher: %w", err)
	}
	if err := watcher.Add(w.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch predicate dir: %w", err)
	}
	if err := w.host.LoadDir(ctx, w.dir); err != nil {
		w.logger.Warn("initial predicate load", "error", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Ext(ev.Name) != ".wasm" {
					continue
				}
				w.handle(ctx, ev)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.logger.Error("predicate watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	name := moduleNameFromPath(ev.Name)
	switch {
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		if !w.host.Unload(ctx, name) {
			return
		}
	case ev.Op&(fsnotify.Write|fsnotify.Create) != 0:
		if err := w.host.LoadModuleFromFile(ctx, ev.Name); err != nil {
			w.logger.Error("predicate reload failed", "path", ev.Name, "error", err)
			return
		}
	default:
		return
	}
	select {
	case w.events <- name:
	default:
	}
}
