package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guardian.yaml")
	if err := os.WriteFile(path, []byte("app:\n  max_concurrency: 2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	initial, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, initial, func(c *Config) { reloaded <- c }, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	w.delay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// An invalid file is ignored.
	if err := os.WriteFile(path, []byte("app:\n  max_concurrency: 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := w.Current().App.MaxConcurrency; got != 2 {
		t.Fatalf("after invalid write MaxConcurrency = %d, want 2", got)
	}

	// Unrelated files in the directory do not trigger a reload.
	if err := os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("app:\n  max_concurrency: 7\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.App.MaxConcurrency != 7 {
			t.Errorf("reloaded MaxConcurrency = %d, want 7", cfg.App.MaxConcurrency)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
	if got := w.Current().App.MaxConcurrency; got != 7 {
		t.Errorf("Current().App.MaxConcurrency = %d, want 7", got)
	}
}
