// Package daemon wires the daemon's components together and runs its
// lifecycle: load config, open the store, build the registry/broker/router/
// control surface, and serve connections until a signal or a fatal error
// arrives. Grounded on the teacher's own Run(cfg) shape (errCh-fed
// goroutines, signal.Notify, a single shutdown select with a grace period),
// generalized from "run the task engine" to "run the relay".
package daemon

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agent-relay/relay/internal/broker"
	"github.com/agent-relay/relay/internal/config"
	"github.com/agent-relay/relay/internal/control"
	"github.com/agent-relay/relay/internal/ports"
	"github.com/agent-relay/relay/internal/registry"
	"github.com/agent-relay/relay/internal/store"
	"github.com/agent-relay/relay/internal/transport"
)

// Daemon is the running set of collaborators, kept around for tests and for
// a future admin surface to introspect.
type Daemon struct {
	Config   *config.Config
	Store    *store.Store
	Registry *registry.Registry
	Broker   *broker.Broker
	Server   *transport.Server
}

// Run loads cfg's config file (watched for hot reload), opens the store,
// and serves the daemon's sockets until SIGTERM/SIGINT or a fatal error.
func Run(configPath string, launcher ports.Launcher) error {
	watcher, err := config.NewWatcher(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer watcher.Close()
	cfg := watcher.Current()

	log := newLogger(cfg)

	s, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	signingKey, err := loadOrCreateSigningKey(cfg.SigningKeyFile)
	if err != nil {
		return fmt.Errorf("signing key: %w", err)
	}

	reg := registry.New(cfg.ReservedNames...)
	reg.SetLogger(log)
	reg.SetStore(s)
	if err := reg.LoadChannels(); err != nil {
		return fmt.Errorf("load channels from store: %w", err)
	}

	brk := broker.New()
	metrics := &control.Metrics{}
	srv := transport.NewServer(transport.Options{
		SocketPath:    cfg.SocketPath,
		TCPAddr:       cfg.TCPAddr,
		MaxFrameBytes: cfg.MaxFrameBytes,
		HeartbeatMs:   cfg.HeartbeatMs,
		SigningKey:    signingKey,
	}, reg, brk, log, metrics)
	srv.SetStore(s)

	ctl := control.New(reg, srv.Router(), brk, launcher, metrics, log)
	srv.SetControlSurface(ctl)

	watcher.OnChange(func(next *config.Config) {
		log.Info("config reloaded", "log_level", next.LogLevel, "heartbeat_ms", next.HeartbeatMs)
	})

	d := &Daemon{Config: cfg, Store: s, Registry: reg, Broker: brk, Server: srv}
	return d.run(log)
}

func (d *Daemon) run(log *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	errCh := make(chan error, 1)
	go func() {
		log.Info("daemon listening", "socket", d.Config.SocketPath, "tcp", d.Config.TCPAddr)
		errCh <- d.Server.ListenAndServe(ctx)
	}()

	log.Info("agent-relay daemon started", "db", d.Config.DBPath)

	select {
	case sig := <-sigCh:
		log.Info("received signal, shutting down", "signal", sig.String())
		cancel()
		time.Sleep(time.Second)
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			cancel()
			return fmt.Errorf("daemon error: %w", err)
		}
	}

	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	out := os.Stderr
	if cfg.LogFile != "" {
		if f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			out = f
		}
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
}

// loadOrCreateSigningKey reads a raw HMAC key from path, generating and
// persisting a fresh 32-byte key on first run.
func loadOrCreateSigningKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil && len(data) > 0 {
		return data, nil
	}
	if !os.IsNotExist(err) && err != nil {
		return nil, err
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("persist signing key: %w", err)
	}
	return key, nil
}
