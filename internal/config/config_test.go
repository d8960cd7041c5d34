package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if cfg.SocketPath != Default().SocketPath {
		t.Fatalf("expected default socket path, got %q", cfg.SocketPath)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("heartbeat_ms: 5000\nlog_level: debug\n"), 0644)
	cfg, err := load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HeartbeatMs != 5000 || cfg.LogLevel != "debug" {
		t.Fatalf("expected overrides applied, got %+v", cfg)
	}
	if cfg.MinSilenceMs != Default().MinSilenceMs {
		t.Fatalf("expected untouched fields to keep their default")
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("log_level: info\n"), 0644)

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.Close()

	reloaded := make(chan *Config, 1)
	w.OnChange(func(c *Config) { reloaded <- c })

	os.WriteFile(path, []byte("log_level: debug\n"), 0644)

	select {
	case cfg := <-reloaded:
		if cfg.LogLevel != "debug" {
			t.Fatalf("expected reloaded log level debug, got %q", cfg.LogLevel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}
