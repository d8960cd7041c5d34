// Command relaywrap runs one CLI coding agent inside a PTY (or tmux
// session) and bridges its terminal to an agent-relay daemon, turning its
// in-band ->relay: commands into SEND/SPAWN/RELEASE envelopes and its
// inbound DELIVERs into injected terminal input. Grounded on the teacher's
// cmd/wt/serve.go signal.NotifyContext + errCh + select shutdown idiom.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/agent-relay/relay/internal/launcher"
	"github.com/agent-relay/relay/internal/ports"
	"github.com/agent-relay/relay/internal/ptyagent"
	"github.com/agent-relay/relay/internal/session"
	"github.com/agent-relay/relay/internal/transport"
	"github.com/agent-relay/relay/internal/wrapper"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "relaywrap",
		Short: "Wrap a CLI coding agent as an agent-relay participant",
	}
	root.AddCommand(runCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var (
		name       string
		cli        string
		task       string
		cwd        string
		socketPath string
		tcpAddr    string
		useTmux    bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Spawn an agent and keep it connected to the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			if cli == "" {
				return fmt.Errorf("--cli is required")
			}

			log := slog.New(slog.NewTextHandler(os.Stderr, nil))

			var l wrapper.Launcher
			var lookup wrapper.TerminalLookup
			if useTmux {
				tl := launcher.NewTmuxLauncher()
				l = tl
				lookup = func(agentName string) (wrapper.Terminal, bool) { return tl.TerminalFor(agentName) }
			} else {
				pl := ptyagent.New()
				l = pl
				lookup = func(agentName string) (wrapper.Terminal, bool) { return pl.TerminalFor(agentName) }
			}

			client := transport.NewClient(transport.ClientOptions{
				SocketPath:   socketPath,
				TCPAddr:      tcpAddr,
				AgentName:    name,
				Entity:       session.EntityAgent,
				CLI:          cli,
				Task:         task,
				CWD:          cwd,
				Capabilities: session.Capabilities{Ack: true, Resume: true},
			})

			w := wrapper.New(l, lookup, client, ports.SpawnRequest{Name: name, CLI: cli, Task: task, CWD: cwd}, log)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := w.Start(ctx); err != nil {
				return fmt.Errorf("start wrapper: %w", err)
			}
			log.Info("agent relayed", "name", name, "cli", cli)

			<-ctx.Done()
			log.Info("shutting down", "name", name)
			w.Stop(context.Background())
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Agent name this process registers as")
	cmd.Flags().StringVar(&cli, "cli", "", "CLI command line to run under the terminal")
	cmd.Flags().StringVar(&task, "task", "", "Task description reported to the daemon")
	cmd.Flags().StringVar(&cwd, "cwd", "", "Working directory for the spawned CLI")
	cmd.Flags().StringVar(&socketPath, "socket", "/tmp/agent-relay.sock", "Daemon unix socket path")
	cmd.Flags().StringVar(&tcpAddr, "tcp", "", "Daemon TCP address (overrides --socket when set)")
	cmd.Flags().BoolVar(&useTmux, "tmux", false, "Run the agent in a tmux session instead of an in-process PTY")
	return cmd
}
