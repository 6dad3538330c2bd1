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

// DefaultWatchInterval is how often a [Watcher] stats the config file.
const DefaultWatchInterval = 5 * time.Second

// fileState identifies one revision of the config file on disk.
type fileState struct {
	mtime time.Time
	sum   [sha256.Size]byte
}

// Watcher polls a config file and reports effective changes. Every reload goes
// through [LoadFromReader], so the environment overlay and validation apply
// exactly as they did at startup. A file that fails to load is logged and the
// last good config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config, d ConfigDiff)

	mu      sync.Mutex
	current *Config
	state   fileState

	done     chan struct{}
	stopOnce sync.Once
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

// NewWatcher loads path and starts polling it. onChange runs on the polling
// goroutine and only for reloads whose [ConfigDiff] reports a change.
func NewWatcher(path string, onChange func(old, new *Config, d ConfigDiff), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current, w.state = cfg, st

	go w.loop()
	return w, nil
}

// Current returns the last config that loaded successfully.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) loop() {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-t.C:
			w.reload()
		}
	}
}

// reload picks up a new file revision. An unchanged mtime short-circuits
// before the file is read; an unchanged hash only refreshes the mtime.
func (w *Watcher) reload() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: cannot stat watched file", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.state.mtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, st, err := w.read()
	if err != nil {
		slog.Warn("config: reload rejected, keeping previous config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if st.sum == w.state.sum {
		w.state.mtime = st.mtime
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current, w.state = cfg, st
	w.mu.Unlock()

	d := Diff(old, cfg)
	if !d.Changed() {
		return
	}
	slog.Info("config: reloaded", "path", w.path,
		"log_level_changed", d.LogLevelChanged, "restart_required", d.RestartRequired)
	if w.onChange != nil {
		w.onChange(old, cfg, d)
	}
}

func (w *Watcher) read() (*Config, fileState, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
