package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/gatekeeper/internal/config"
)

func TestWatcher_DetectsRulesFileChange(t *testing.T) {
	homeDir := t.TempDir()

	rulesPath := filepath.Join(homeDir, "rules.yaml")
	if err := os.WriteFile(rulesPath, []byte("rules: []\n"), 0o644); err != nil {
		t.Fatalf("write initial rules: %v", err)
	}

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	if err := os.WriteFile(rulesPath, []byte("rules: [] # edited\n"), 0o644); err != nil {
		t.Fatalf("write updated rules: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "rules.yaml" {
				t.Fatalf("expected rules.yaml event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(rulesPath, []byte("rules: [] # edited\n"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for rules.yaml change event")
		}
	}
}
