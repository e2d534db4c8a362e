package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] stats the file.
const DefaultWatchInterval = 5 * time.Second

// ChangeFunc receives the previous and the reloaded configuration together
// with their differences. It is never called with an empty diff.
type ChangeFunc func(old, new *Config, d ConfigDiff)

// Watcher polls a configuration file on behalf of a running server.
//
// A reload is reported only when the file parses, validates and differs from
// the last accepted configuration in at least one field: reformatting the
// file or editing comments is silent. An invalid or unreadable file is logged
// once and then ignored until it changes again, so a broken edit does not
// flood the log every interval. The server decides what a change means; the
// engine pool rejects everything but the log level.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc

	mu      sync.Mutex
	current *Config
	stamp   fileStamp
	sum     [sha256.Size]byte
	missing bool

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// fileStamp is the cheap identity of a file version.
type fileStamp struct {
	mtime time.Time
	size  int64
}

func stampOf(info os.FileInfo) fileStamp {
	return fileStamp{mtime: info.ModTime(), size: info.Size()}
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values keep
// [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the file at path, which must hold a valid configuration,
// and starts polling it. onChange may be nil.
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current = cfg
	w.stamp = stampOf(info)
	w.sum = sha256.Sum256(data)

	go w.poll()
	return w, nil
}

// Path returns the watched file path.
func (w *Watcher) Path() string { return w.path }

// Current returns the last accepted configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits for an in-flight check, so onChange is not
// called after Stop returns. It is idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.stopped
}

func (w *Watcher) poll() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check reloads the file when its stamp moved and reports a semantic change.
func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.mu.Lock()
		first := !w.missing
		w.missing = true
		w.mu.Unlock()
		if first {
			slog.Warn("config watcher: cannot stat file, keeping running configuration", "path", w.path, "err", err)
		}
		return
	}

	st := stampOf(info)
	w.mu.Lock()
	w.missing = false
	unchanged := st == w.stamp
	w.mu.Unlock()
	if unchanged {
		return
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot read file", "path", w.path, "err", err)
		return
	}
	sum := sha256.Sum256(data)
	cfg, loadErr := LoadFromReader(bytes.NewReader(data))

	w.mu.Lock()
	w.stamp = st
	if sum == w.sum {
		w.mu.Unlock()
		return
	}
	w.sum = sum
	if loadErr != nil {
		w.mu.Unlock()
		slog.Warn("config watcher: ignoring invalid configuration", "path", w.path, "err", loadErr)
		return
	}
	old := w.current
	d := Diff(old, cfg)
	w.current = cfg
	w.mu.Unlock()

	if d.Empty() {
		slog.Debug("config watcher: file rewritten without changes", "path", w.path)
		return
	}
	slog.Info("config watcher: configuration changed",
		"path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"frozen", d.Frozen,
	)
	if w.onChange != nil {
		w.onChange(old, cfg, d)
	}
}
