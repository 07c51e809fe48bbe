package oauth

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestStoreWatcher_NotifiesOnSave(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}

	var notified atomic.Int64
	watcher := NewStoreWatcher(StoreWatcherConfig{
		Dir:      dir,
		OnChange: func() { notified.Add(1) },
	})
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer watcher.Stop()

	if err := store.Save("github", testToken(3600)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	waitFor(t, 5*time.Second, func() bool { return notified.Load() >= 1 })
}

func TestStoreWatcher_NotifiesOnDelete(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	if err := store.Save("github", testToken(3600)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	var notified atomic.Int64
	watcher := NewStoreWatcher(StoreWatcherConfig{
		Dir:      dir,
		OnChange: func() { notified.Add(1) },
	})
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer watcher.Stop()

	if _, err := store.Delete("github"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	waitFor(t, 5*time.Second, func() bool { return notified.Load() >= 1 })
}

func TestStoreWatcher_IgnoresTempFiles(t *testing.T) {
	dir := t.TempDir()

	var notified atomic.Int64
	watcher := NewStoreWatcher(StoreWatcherConfig{
		Dir:      dir,
		OnChange: func() { notified.Add(1) },
	})
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer watcher.Stop()

	// Hidden temp files (the atomic-write intermediates) must not notify
	tmp := filepath.Join(dir, ".github.abc.tmp")
	if err := os.WriteFile(tmp, []byte("x"), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	time.Sleep(2 * DefaultDebounceInterval)
	if notified.Load() != 0 {
		t.Errorf("notified %d times for a temp file, want 0", notified.Load())
	}
}

func TestStoreWatcher_StartStopIdempotent(t *testing.T) {
	watcher := NewStoreWatcher(StoreWatcherConfig{Dir: t.TempDir()})

	if err := watcher.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := watcher.Start(); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if !watcher.IsRunning() {
		t.Error("expected watcher to be running")
	}

	if err := watcher.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := watcher.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
	if watcher.IsRunning() {
		t.Error("expected watcher to be stopped")
	}
}

func TestIsTokenRecord(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"github.json", true},
		{".github.abc.tmp", false},
		{".hidden.json", false},
		{"notes.txt", false},
	}

	for _, tt := range tests {
		if got := isTokenRecord(tt.name); got != tt.want {
			t.Errorf("isTokenRecord(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
