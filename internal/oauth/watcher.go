package oauth

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"agentforge/pkg/logging"
)

// DefaultDebounceInterval is the time to wait after the last token record
// change before notifying, so a temp-write-plus-rename counts as one change.
const DefaultDebounceInterval = 500 * time.Millisecond

// DefaultWatchInterval is the fallback polling interval when fsnotify is not
// available.
const DefaultWatchInterval = 2 * time.Second

// StoreWatcherConfig holds configuration for the token store watcher.
type StoreWatcherConfig struct {
	// Dir is the token storage directory to watch.
	Dir string

	// WatchInterval is the fallback polling interval when fsnotify is not
	// available.
	WatchInterval time.Duration

	// OnChange is called (debounced) when token records change.
	OnChange func()
}

// StoreWatcher monitors the token storage directory and notifies when token
// records are written or removed, so long-lived status views can re-render.
// It uses fsnotify with a fallback to polling for filesystems where inotify
// is unavailable or unreliable.
type StoreWatcher struct {
	mu sync.Mutex

	config StoreWatcherConfig

	fsWatcher *fsnotify.Watcher

	stopCh  chan struct{}
	running bool

	// lastModTimes tracks record modification times for fallback polling.
	lastModTimes map[string]time.Time

	debounceTimer *time.Timer
	debounceMu    sync.Mutex
}

// NewStoreWatcher creates a watcher over the given token storage directory.
func NewStoreWatcher(config StoreWatcherConfig) *StoreWatcher {
	if config.WatchInterval == 0 {
		config.WatchInterval = DefaultWatchInterval
	}
	return &StoreWatcher{
		config:       config,
		lastModTimes: make(map[string]time.Time),
	}
}

// Start begins watching for token record changes.
func (w *StoreWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	w.stopCh = make(chan struct{})
	w.running = true

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Warn("StoreWatcher", "fsnotify not available, falling back to polling: %v", err)
		go w.pollForChanges()
		return nil
	}

	w.fsWatcher = watcher

	if err := w.fsWatcher.Add(w.config.Dir); err != nil {
		logging.Warn("StoreWatcher", "Failed to watch directory %s, falling back to polling: %v",
			w.config.Dir, err)
		w.fsWatcher.Close()
		w.fsWatcher = nil
		go w.pollForChanges()
		return nil
	}

	// Capture channels before releasing the lock to avoid racing Stop.
	eventsCh := w.fsWatcher.Events
	errorsCh := w.fsWatcher.Errors

	go w.processEvents(eventsCh, errorsCh)

	logging.Debug("StoreWatcher", "Watching %s for token changes", w.config.Dir)
	return nil
}

func (w *StoreWatcher) processEvents(eventsCh <-chan fsnotify.Event, errorsCh <-chan error) {
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-eventsCh:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-errorsCh:
			if !ok {
				return
			}
			logging.Error("StoreWatcher", err, "fsnotify error")
		}
	}
}

func (w *StoreWatcher) handleEvent(event fsnotify.Event) {
	if !isTokenRecord(filepath.Base(event.Name)) {
		return
	}

	// Saves arrive as Create (rename over the final path); Remove covers
	// logout. Writes to the record itself are included for completeness.
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	logging.Debug("StoreWatcher", "Token record changed: %s", event.Name)
	w.notifyDebounced()
}

// isTokenRecord reports whether a file name is a token record rather than a
// temp file or unrelated entry.
func isTokenRecord(name string) bool {
	return !strings.HasPrefix(name, ".") && filepath.Ext(name) == ".json"
}

// notifyDebounced invokes OnChange after a quiet period, collapsing the
// temp-write/rename pair and multi-provider updates into one notification.
func (w *StoreWatcher) notifyDebounced() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}

	w.debounceTimer = time.AfterFunc(DefaultDebounceInterval, func() {
		w.mu.Lock()
		running := w.running
		callback := w.config.OnChange
		w.mu.Unlock()

		if running && callback != nil {
			callback()
		}
	})
}

// pollForChanges implements fallback polling when fsnotify is not available.
func (w *StoreWatcher) pollForChanges() {
	ticker := time.NewTicker(w.config.WatchInterval)
	defer ticker.Stop()

	w.updateModTimes()

	for {
		select {
		case <-w.stopCh:
			return

		case <-ticker.C:
			if w.checkForChanges() {
				logging.Debug("StoreWatcher", "Token record changes detected via polling")
				w.notifyDebounced()
			}
		}
	}
}

// updateModTimes records the current modification times of all token records.
func (w *StoreWatcher) updateModTimes() {
	for _, file := range w.recordFiles() {
		if info, err := os.Stat(file); err == nil {
			w.lastModTimes[file] = info.ModTime()
		}
	}
}

// checkForChanges reports whether any token record appeared, disappeared, or
// was modified since the last poll.
func (w *StoreWatcher) checkForChanges() bool {
	changed := false
	seen := make(map[string]bool)

	for _, file := range w.recordFiles() {
		seen[file] = true

		info, err := os.Stat(file)
		if err != nil {
			continue
		}

		currentModTime := info.ModTime()
		lastModTime, exists := w.lastModTimes[file]
		if !exists || currentModTime.After(lastModTime) {
			changed = true
		}
		w.lastModTimes[file] = currentModTime
	}

	for file := range w.lastModTimes {
		if !seen[file] {
			delete(w.lastModTimes, file)
			changed = true
		}
	}

	return changed
}

// recordFiles lists the token record paths currently in the directory.
func (w *StoreWatcher) recordFiles() []string {
	entries, err := os.ReadDir(w.config.Dir)
	if err != nil {
		return nil
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !isTokenRecord(entry.Name()) {
			continue
		}
		files = append(files, filepath.Join(w.config.Dir, entry.Name()))
	}
	return files
}

// Stop gracefully stops the watcher.
func (w *StoreWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}

	w.running = false
	close(w.stopCh)

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
		w.debounceTimer = nil
	}
	w.debounceMu.Unlock()

	if w.fsWatcher != nil {
		if err := w.fsWatcher.Close(); err != nil {
			logging.Warn("StoreWatcher", "Error closing fsnotify watcher: %v", err)
		}
		w.fsWatcher = nil
	}

	return nil
}

// IsRunning returns whether the watcher is currently active.
func (w *StoreWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
