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

const defaultPollInterval = 5 * time.Second

// fileState is what the watcher remembers about the file between polls:
// the parsed config plus the mtime and content hash it came from.
type fileState struct {
	cfg   *Config
	mtime time.Time
	sum   [sha256.Size]byte
}

// Watcher polls a config file and calls onChange when its content changes
// and still parses as a valid config. A broken edit is logged and skipped,
// so a running engine never picks up a half-saved file.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu    sync.Mutex
	state fileState

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path immediately, then keeps polling it in a background
// goroutine until [Watcher.Stop]. An unreadable or invalid initial file is
// a hard error; later failures only log.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: defaultPollInterval,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	st, err := w.readFile()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.state = st

	go w.loop()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.cfg
}

// Stop ends the polling goroutine. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) loop() {
	tick := time.NewTicker(w.interval)
	defer tick.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-tick.C:
			w.scan()
		}
	}
}

// scan runs one poll round: stat first so unchanged files cost no read,
// then reload and swap only when the content hash actually moved.
func (w *Watcher) scan() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	sameMtime := info.ModTime().Equal(w.state.mtime)
	w.mu.Unlock()
	if sameMtime {
		return
	}

	st, err := w.readFile()
	if err != nil {
		slog.Warn("config watcher: failed to load config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if st.sum == w.state.sum {
		// Touched but not edited. Remember the mtime so the next poll
		// skips the read again.
		w.state.mtime = st.mtime
		w.mu.Unlock()
		return
	}
	old := w.state.cfg
	w.state = st
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path)

	// Callback runs unlocked so it may call Current().
	if w.onChange != nil {
		w.onChange(old, st.cfg)
	}
}

// readFile reads, hashes and parses the config file in one pass over a
// single in-memory copy of its bytes.
func (w *Watcher) readFile() (fileState, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fileState{}, err
	}

	info, err := os.Stat(w.path)
	if err != nil {
		return fileState{}, err
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return fileState{}, err
	}

	return fileState{cfg: cfg, mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
