// Command relayd is the agent-relay daemon: it owns the registry, router,
// broker, and control surface, and serves agent wrapper connections over a
// unix socket (and optionally TCP). Grounded on the teacher's cmd/wt
// cobra-tree entrypoint, trimmed to the daemon's own subcommands.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/agent-relay/relay/internal/config"
	"github.com/agent-relay/relay/internal/daemon"
	"github.com/agent-relay/relay/internal/envelope"
	"github.com/agent-relay/relay/internal/launcher"
	"github.com/agent-relay/relay/internal/ports"
	"github.com/agent-relay/relay/internal/session"
	"github.com/agent-relay/relay/internal/transport"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "relayd",
		Short: "agent-relay daemon",
		Long:  "Relays messages between local CLI coding agents over a unix-domain socket.",
	}

	root.AddCommand(serveCmd(), doctorCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string
	var useTmux bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			var l ports.Launcher
			if useTmux {
				l = launcher.NewTmuxLauncher()
			} else {
				l = refusingLauncher{}
			}
			return daemon.Run(configPath, l)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "agent-relay.yaml", "Path to the daemon config file")
	cmd.Flags().BoolVar(&useTmux, "tmux", false, "Spawn agents via tmux sessions instead of refusing SPAWN requests")
	return cmd
}

func doctorCmd() *cobra.Command {
	var configPath string
	var socketPath string
	var trace string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Read-only diagnostics: CLI availability and a running daemon's STATUS/HEALTH",
		RunE: func(cmd *cobra.Command, args []string) error {
			checkPath()

			if trace != "" {
				return traceID(configPath, trace)
			}
			return dialDiagnostics(socketPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "agent-relay.yaml", "Path to the daemon config file (used for --trace's log_file)")
	cmd.Flags().StringVar(&socketPath, "socket", "/tmp/agent-relay.sock", "Daemon unix socket to dial for STATUS/HEALTH")
	cmd.Flags().StringVar(&trace, "trace", "", "Correlate an envelope/error id to lines in the daemon's log file instead of dialing it")
	return cmd
}

func checkPath() {
	for _, bin := range []string{"claude", "codex", "gemini", "cursor-agent", "aider", "tmux"} {
		if path, err := exec.LookPath(bin); err == nil {
			fmt.Printf("%-14s found at %s\n", bin, path)
		} else {
			fmt.Printf("%-14s not found\n", bin)
		}
	}
}

// dialDiagnostics connects to a running daemon under the name `_doctor` and
// reuses C8's STATUS/HEALTH control RPCs to report live state. The daemon
// attaches it in the registry like any other session while it is
// connected; direct SENDs to it are refused because `_` names are reserved.
func dialDiagnostics(socketPath string) error {
	client := transport.NewClient(transport.ClientOptions{
		SocketPath:  socketPath,
		AgentName:   "_doctor",
		Entity:      session.EntityAgent,
		DialTimeout: 2 * time.Second,
	})
	if _, err := client.Connect(); err != nil {
		fmt.Printf("daemon     not reachable at %s: %v\n", socketPath, err)
		return nil
	}
	defer client.Close()

	health, err := rpc(client, envelope.TypeHealth)
	if err != nil {
		return fmt.Errorf("health rpc: %w", err)
	}
	var hp struct {
		OK     bool  `json:"ok"`
		Uptime int64 `json:"uptime_ms"`
	}
	health.DecodePayload(&hp)
	fmt.Printf("daemon     reachable at %s, healthy=%v, uptime=%dms\n", socketPath, hp.OK, hp.Uptime)

	status, err := rpc(client, envelope.TypeStatus)
	if err != nil {
		return fmt.Errorf("status rpc: %w", err)
	}
	var sp struct {
		LiveAgents  int      `json:"live_agents"`
		StuckAgents []string `json:"stuck_agents"`
	}
	status.DecodePayload(&sp)
	fmt.Printf("agents     %d live\n", sp.LiveAgents)
	if len(sp.StuckAgents) > 0 {
		fmt.Printf("stuck      %s\n", strings.Join(sp.StuckAgents, ", "))
	}
	return nil
}

func rpc(client *transport.Client, typ string) (*envelope.Envelope, error) {
	req := envelope.Envelope{V: envelope.ProtocolVersion, Type: typ, ID: typ}
	if err := client.Send(&req); err != nil {
		return nil, err
	}
	return client.Receive()
}

// traceID scans the daemon's configured log file for id, printing every
// matching line so an operator can follow an error/envelope id from a
// client-visible ERROR code back to the daemon's own structured log.
func traceID(configPath, id string) error {
	w, err := config.NewWatcher(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer w.Close()
	cfg := w.Current()
	if cfg.LogFile == "" {
		return fmt.Errorf("config has no log_file set; nothing to trace against")
	}

	f, err := os.Open(cfg.LogFile)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	found := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, id) {
			fmt.Println(line)
			found++
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan log file: %w", err)
	}
	if found == 0 {
		fmt.Printf("no log lines matched %q in %s\n", id, cfg.LogFile)
	}
	return nil
}

// refusingLauncher is the default ports.Launcher when the daemon isn't
// given a real one (--tmux), so SPAWN/RELEASE fail cleanly instead of the
// control surface panicking on a nil launcher.
type refusingLauncher struct{}

func (refusingLauncher) Spawn(ctx context.Context, req ports.SpawnRequest) (ports.SpawnResult, error) {
	return ports.SpawnResult{}, fmt.Errorf("no launcher configured; pass --tmux to enable SPAWN")
}

func (refusingLauncher) Release(ctx context.Context, name string) error {
	return fmt.Errorf("no launcher configured; pass --tmux to enable RELEASE")
}
