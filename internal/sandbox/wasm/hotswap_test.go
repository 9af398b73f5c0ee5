package wasm_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/gatekeeper/internal/sandbox/wasm"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestWatcher_LoadsAndUnloads(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "existing.wasm"), constPredicate(1), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHost(t, wasm.Config{})
	w := wasm.NewWatcher(dir, h, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !h.HasModule("existing") {
		t.Fatal("existing module not loaded on start")
	}

	path := filepath.Join(dir, "fresh.wasm")
	if err := os.WriteFile(path, constPredicate(0), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, func() bool { return h.HasModule("fresh") })

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, func() bool { return !h.HasModule("fresh") })
}

func TestWatcher_MissingDir(t *testing.T) {
	h := newHost(t, wasm.Config{})
	w := wasm.NewWatcher(filepath.Join(t.TempDir(), "absent"), h, nil)
	if err := w.Start(context.Background()); err == nil {
		t.Fatal("expected error watching a missing dir")
	}
}
