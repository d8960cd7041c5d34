// Package launcher implements ports.Launcher against a tmux session per
// spawned agent, grounded on other_examples' happyhappa-party tmux
// Injector/Tmux collaborator shape (Run wraps `tmux` subcommands, SendKeys
// writes into a pane, capture-pane reads it back for readiness checks).
// Each spawned agent gets its own detached tmux session named after it,
// giving `tmux attach -t <name>` as a free side-channel for a human to
// watch a running agent.
package launcher

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/agent-relay/relay/internal/ports"
)

// Tmux is a thin collaborator around the `tmux` binary.
type Tmux struct {
	bin string
}

// NewTmux returns a Tmux collaborator using the `tmux` binary found on PATH.
func NewTmux() *Tmux {
	return &Tmux{bin: "tmux"}
}

// Run executes a tmux subcommand and returns its trimmed stdout.
func (t *Tmux) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, t.bin, args...)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("tmux %s: %w (%s)", strings.Join(args, " "), err, stderr.String())
	}
	return strings.TrimRight(out.String(), "\n"), nil
}

// NewSession starts a detached session named name running cmdline in cwd.
func (t *Tmux) NewSession(ctx context.Context, name, cwd, cmdline string) error {
	args := []string{"new-session", "-d", "-s", name}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	args = append(args, cmdline)
	_, err := t.Run(ctx, args...)
	return err
}

// SendKeys types data into target's pane followed by Enter.
func (t *Tmux) SendKeys(ctx context.Context, target, data string) error {
	_, err := t.Run(ctx, "send-keys", "-t", target, data, "Enter")
	return err
}

// CapturePane returns the last n lines rendered in target's pane.
func (t *Tmux) CapturePane(ctx context.Context, target string, lastN int) (string, error) {
	return t.Run(ctx, "capture-pane", "-t", target, "-p", "-S", "-"+strconv.Itoa(lastN))
}

// KillSession tears down a session by name.
func (t *Tmux) KillSession(ctx context.Context, name string) error {
	_, err := t.Run(ctx, "kill-session", "-t", name)
	return err
}

// HasSession reports whether a session by name exists.
func (t *Tmux) HasSession(ctx context.Context, name string) bool {
	_, err := t.Run(ctx, "has-session", "-t", name)
	return err == nil
}

// agentSession tracks the tmux session backing one spawned agent.
type agentSession struct {
	name string
	cli  string
}

// TmuxLauncher implements ports.Launcher by running each spawned CLI inside
// its own detached tmux session.
type TmuxLauncher struct {
	tmux *Tmux

	mu       sync.Mutex
	sessions map[string]*agentSession
}

// NewTmuxLauncher returns a Launcher backed by tmux.
func NewTmuxLauncher() *TmuxLauncher {
	return &TmuxLauncher{tmux: NewTmux(), sessions: make(map[string]*agentSession)}
}

// Spawn starts req.CLI in a new detached tmux session named req.Name.
func (l *TmuxLauncher) Spawn(ctx context.Context, req ports.SpawnRequest) (ports.SpawnResult, error) {
	sessionName := "agent-relay-" + req.Name
	if err := l.tmux.NewSession(ctx, sessionName, req.CWD, req.CLI); err != nil {
		return ports.SpawnResult{}, fmt.Errorf("start tmux session: %w", err)
	}

	l.mu.Lock()
	l.sessions[req.Name] = &agentSession{name: sessionName, cli: req.CLI}
	l.mu.Unlock()

	pidStr, err := l.tmux.Run(ctx, "display-message", "-t", sessionName, "-p", "#{pane_pid}")
	pid := 0
	if err == nil {
		pid, _ = strconv.Atoi(pidStr)
	}

	return ports.SpawnResult{PID: pid, Name: req.Name}, nil
}

// Release tears down the tmux session backing name.
func (l *TmuxLauncher) Release(ctx context.Context, name string) error {
	l.mu.Lock()
	sess, ok := l.sessions[name]
	delete(l.sessions, name)
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("no tracked session for %s", name)
	}
	return l.tmux.KillSession(ctx, sess.name)
}

// Terminal adapts one tracked tmux session to the injector.Terminal
// interface (Write sends keys, Capture reads the pane back for
// write-then-verify).
type Terminal struct {
	tmux   *Tmux
	target string
}

// TerminalFor returns a Terminal view onto the session backing agentName,
// or false if no such session is tracked.
func (l *TmuxLauncher) TerminalFor(agentName string) (*Terminal, bool) {
	l.mu.Lock()
	sess, ok := l.sessions[agentName]
	l.mu.Unlock()
	if !ok {
		return nil, false
	}
	return &Terminal{tmux: l.tmux, target: sess.name}, true
}

func (t *Terminal) Write(data string) error {
	return t.tmux.SendKeys(context.Background(), t.target, data)
}

func (t *Terminal) Capture() (string, error) {
	return t.tmux.CapturePane(context.Background(), t.target, 20)
}
