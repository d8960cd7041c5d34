// Package config loads the daemon's YAML configuration and watches it for
// changes, grounded on the teacher's internal/egg/config.go (YAML
// unmarshaling via gopkg.in/yaml.v3). Hot reload via fsnotify is new: the
// teacher's go.mod already carries fsnotify but never calls it, so this is
// the home that dependency needed.
package config

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the daemon's top-level configuration (spec §6: socket path,
// optional TCP listener, frame/heartbeat/resume defaults).
type Config struct {
	SocketPath          string   `yaml:"socket_path"`
	TCPAddr             string   `yaml:"tcp_addr,omitempty"`
	MaxFrameBytes       int      `yaml:"max_frame_bytes"`
	HeartbeatMs         int      `yaml:"heartbeat_ms"`
	MinSilenceMs        int      `yaml:"min_silence_ms"`
	ConfidenceThreshold float64  `yaml:"confidence_threshold"`
	InboxCapacity       int      `yaml:"inbox_capacity"`
	DefaultMaxInflight  int      `yaml:"default_max_inflight"`
	DBPath              string   `yaml:"db_path"`
	LogLevel            string   `yaml:"log_level"`
	LogFile             string   `yaml:"log_file,omitempty"`
	SigningKeyFile      string   `yaml:"signing_key_file"`
	ReservedNames       []string `yaml:"reserved_names,omitempty"`
}

// Default returns the configuration used when no config.yaml is present.
func Default() *Config {
	return &Config{
		SocketPath:          "/tmp/agent-relay.sock",
		MaxFrameBytes:       1 << 20,
		HeartbeatMs:         15000,
		MinSilenceMs:        1500,
		ConfidenceThreshold: 0.7,
		InboxCapacity:       200,
		DefaultMaxInflight:  256,
		DBPath:              "agent-relay.db",
		LogLevel:            "info",
		SigningKeyFile:      "agent-relay.key",
		ReservedNames:       []string{"_consensus"},
	}
}

func load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Watcher holds the live config plus an fsnotify watch on its source file.
// Each write reloads the whole file; the new Config is returned by Current
// and passed to the OnChange callback. Watcher does not apply any reloaded
// value to running components itself: what changes is up to that callback.
type Watcher struct {
	path string

	mu  sync.RWMutex
	cur *Config

	watcher  *fsnotify.Watcher
	onChange atomic.Value // func(*Config)
}

// NewWatcher loads path (or defaults if absent) and starts watching it for
// writes. Callers must call Close when done.
func NewWatcher(path string) (*Watcher, error) {
	cfg, err := load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path, cur: cfg}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w.watcher = fw

	// A config file that doesn't exist yet simply never triggers reload;
	// this is not fatal, defaults remain in effect until it appears.
	_ = fw.Add(path)

	go w.run()
	return w, nil
}

// OnChange registers a callback invoked (from the watcher's own goroutine)
// after a successful reload. Only the most recently registered callback is
// kept, matching the single-owner (daemon.Daemon) usage pattern.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.onChange.Store(fn)
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := load(w.path)
			if err != nil {
				continue
			}
			w.mu.Lock()
			w.cur = cfg
			w.mu.Unlock()
			if fn, ok := w.onChange.Load().(func(*Config)); ok && fn != nil {
				fn(cfg)
			}
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cur
}

// Close stops watching the config file.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
