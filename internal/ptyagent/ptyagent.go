// Package ptyagent implements ports.Launcher by giving each spawned agent
// its own PTY-owning subprocess in this same daemon process, grounded on
// the teacher's internal/egg/server.go session-start sequence
// (exec.CommandContext + pty.StartWithSize + cmd.Cancel/WaitDelay for
// graceful termination). Unlike egg's gRPC-fronted out-of-process sidecar,
// this keeps the PTY in-process and hands callers a Terminal view backed
// by a rolling output buffer fed by one reader goroutine per session — the
// daemon's own transport/codec already gives remote callers an RPC surface,
// so a second wire protocol for PTY control was dropped (see DESIGN.md).
package ptyagent

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/agent-relay/relay/internal/ports"
	"github.com/creack/pty"
)

const ringBytes = 8192

// session is one PTY-owning subprocess tracked by the Launcher.
type session struct {
	name string
	cmd  *exec.Cmd
	ptmx *os.File

	mu   sync.Mutex
	buf  bytes.Buffer
	subs []chan []byte
}

// subscribe registers a channel that receives every chunk read from the
// PTY from this point on, for callers (the wrapper's output reader task)
// that need a live stream rather than a point-in-time capture.
func (s *session) subscribe() <-chan []byte {
	ch := make(chan []byte, 64)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

func (s *session) broadcast(chunk []byte) {
	cp := append([]byte(nil), chunk...)
	s.mu.Lock()
	subs := s.subs
	s.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- cp:
		default: // slow subscriber drops a chunk rather than blocking the reader
		}
	}
}

func (s *session) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			s.broadcast(buf[:n])
			s.mu.Lock()
			s.buf.Write(buf[:n])
			if s.buf.Len() > ringBytes {
				trimmed := append([]byte(nil), s.buf.Bytes()[s.buf.Len()-ringBytes:]...)
				s.buf.Reset()
				s.buf.Write(trimmed)
			}
			s.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (s *session) write(data string) error {
	_, err := s.ptmx.Write([]byte(data + "\r"))
	return err
}

func (s *session) capture() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String(), nil
}

// Launcher implements ports.Launcher by starting req.CLI under a PTY in
// this process and tracking it by agent name.
type Launcher struct {
	mu       sync.Mutex
	sessions map[string]*session
}

// New returns an empty in-process PTY launcher.
func New() *Launcher {
	return &Launcher{sessions: make(map[string]*session)}
}

// Spawn starts req.CLI under an 80x24 PTY in req.CWD.
func (l *Launcher) Spawn(ctx context.Context, req ports.SpawnRequest) (ports.SpawnResult, error) {
	parts := strings.Fields(req.CLI)
	if len(parts) == 0 {
		return ports.SpawnResult{}, fmt.Errorf("empty CLI command for %s", req.Name)
	}

	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	if req.CWD != "" {
		cmd.Dir = req.CWD
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: 80, Rows: 24})
	if err != nil {
		return ports.SpawnResult{}, fmt.Errorf("start pty for %s: %w", req.Name, err)
	}

	sess := &session{name: req.Name, cmd: cmd, ptmx: ptmx}
	go sess.readLoop()

	l.mu.Lock()
	l.sessions[req.Name] = sess
	l.mu.Unlock()

	return ports.SpawnResult{PID: cmd.Process.Pid, Name: req.Name}, nil
}

// Release terminates the PTY subprocess tracked for name.
func (l *Launcher) Release(ctx context.Context, name string) error {
	l.mu.Lock()
	sess, ok := l.sessions[name]
	delete(l.sessions, name)
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("no tracked pty session for %s", name)
	}
	sess.ptmx.Close()
	if sess.cmd.Process != nil {
		sess.cmd.Process.Signal(syscall.SIGTERM)
	}
	return nil
}

// Terminal adapts one tracked PTY session to the injector.Terminal
// interface.
type Terminal struct {
	sess *session
}

// TerminalFor returns a Terminal view onto the PTY backing agentName.
func (l *Launcher) TerminalFor(agentName string) (*Terminal, bool) {
	l.mu.Lock()
	sess, ok := l.sessions[agentName]
	l.mu.Unlock()
	if !ok {
		return nil, false
	}
	return &Terminal{sess: sess}, true
}

func (t *Terminal) Write(data string) error  { return t.sess.write(data) }
func (t *Terminal) Capture() (string, error) { return t.sess.capture() }

// Output returns a channel of raw output chunks, for a caller that wants
// to stream terminal output into a parser rather than poll Capture.
func (t *Terminal) Output() <-chan []byte { return t.sess.subscribe() }

