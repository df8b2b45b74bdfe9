package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/clawbox/internal/config"
)

func TestWatcher_DetectsConfigChange(t *testing.T) {
	homeDir := t.TempDir()
	cfgPath := config.ConfigPath(homeDir)
	if err := os.WriteFile(cfgPath, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Rewrite until the watcher is ready rather than sleeping a fixed time.
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()
	_ = os.WriteFile(cfgPath, []byte("log_level: debug\n"), 0o644)

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "config.yaml" {
				t.Fatalf("expected config.yaml event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(cfgPath, []byte("log_level: debug\n"), 0o644)
		case <-deadline:
			t.Fatal("timed out waiting for config.yaml change event")
		}
	}
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	homeDir := t.TempDir()
	promptPath := filepath.Join(homeDir, "prompt.md")

	w := config.NewWatcher(homeDir, nil, "prompt.md")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()
	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "prompt.md" {
				t.Fatalf("unexpected event for %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(filepath.Join(homeDir, "scratch.txt"), []byte("x"), 0o644)
			_ = os.WriteFile(promptPath, []byte("be brief"), 0o644)
		case <-deadline:
			t.Fatal("timed out waiting for prompt.md change event")
		}
	}
}
