package scheduler

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/gatekeeper/internal/bus"
)

const trackerCapacity = 1000

var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	".gatekeeper":  true,
}

// Tracker records workspace file changes for file_changes conditions and
// publishes each one as a system.file_changed event.
type Tracker struct {
	root   string
	bus    *bus.Bus
	logger *slog.Logger

	mu      sync.Mutex
	changes []bus.FileChange
	now     func() time.Time
}

func NewTracker(root string, b *bus.Bus, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		root:   root,
		bus:    b,
		logger: logger.With("component", "file_tracker"),
		now:    time.Now,
	}
}

// Start watches root and every directory below it until ctx is done.
func (t *Tracker) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	abs, err := filepath.Abs(t.root)
	if err != nil {
		_ = fsw.Close()
		return fmt.Errorf("workspace path: %w", err)
	}
	if err := t.addTree(fsw, abs); err != nil {
		_ = fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				op := changeOp(ev.Op)
				if op == "" {
					continue
				}
				if ev.Op&fsnotify.Create != 0 {
					if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
						if !skipDirs[fi.Name()] {
							_ = t.addTree(fsw, ev.Name)
						}
						continue
					}
				}
				t.Observe(ev.Name, op)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				t.logger.Warn("file tracker error", "error", err)
			}
		}
	}()
	t.logger.Info("file tracker started", "root", abs)
	return nil
}

func (t *Tracker) addTree(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return fmt.Errorf("walk workspace: %w", err)
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && skipDirs[d.Name()] {
			return filepath.SkipDir
		}
		if err := fsw.Add(path); err != nil {
			t.logger.Warn("file tracker: add failed", "dir", path, "error", err)
		}
		return nil
	})
}

func changeOp(op fsnotify.Op) string {
	switch {
	case op&fsnotify.Create != 0:
		return ChangeAdd
	case op&(fsnotify.Remove|fsnotify.Rename) != 0:
		return ChangeDelete
	case op&fsnotify.Write != 0:
		return ChangeModify
	}
	return ""
}

// Observe records a change. The tracker calls it for filesystem events;
// other components may report changes they make themselves.
func (t *Tracker) Observe(path, op string) {
	ch := bus.FileChange{Path: path, Op: op, At: t.now()}
	t.mu.Lock()
	t.changes = append(t.changes, ch)
	if over := len(t.changes) - trackerCapacity; over > 0 {
		t.changes = append([]bus.FileChange(nil), t.changes[over:]...)
	}
	t.mu.Unlock()
	t.bus.Publish(bus.TopicFileChanged, ch)
}

// Changes returns the changes recorded at or after since, oldest first.
func (t *Tracker) Changes(since time.Time) []bus.FileChange {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []bus.FileChange
	for _, ch := range t.changes {
		if !ch.At.Before(since) {
			out = append(out, ch)
		}
	}
	return out
}
