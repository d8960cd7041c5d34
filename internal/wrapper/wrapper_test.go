package wrapper

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agent-relay/relay/internal/broker"
	"github.com/agent-relay/relay/internal/control"
	"github.com/agent-relay/relay/internal/envelope"
	"github.com/agent-relay/relay/internal/ports"
	"github.com/agent-relay/relay/internal/registry"
	"github.com/agent-relay/relay/internal/session"
	"github.com/agent-relay/relay/internal/transport"
)

// fakeTerminal is an in-memory Terminal plus OutputStreamer for driving a
// Wrapper in tests without a real subprocess or PTY.
type fakeTerminal struct {
	mu      sync.Mutex
	written []string
	out     chan []byte
}

func newFakeTerminal() *fakeTerminal {
	return &fakeTerminal{out: make(chan []byte, 16)}
}

func (t *fakeTerminal) Write(data string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.written = append(t.written, data)
	return nil
}

func (t *fakeTerminal) Capture() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.written, "\n"), nil
}

func (t *fakeTerminal) Output() <-chan []byte { return t.out }

func (t *fakeTerminal) feed(s string) { t.out <- []byte(s) }

func (t *fakeTerminal) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.written))
	copy(out, t.written)
	return out
}

// fakeLauncher hands back one fixed fakeTerminal for whatever name is
// spawned; it never execs anything.
type fakeLauncher struct {
	term *fakeTerminal
}

func (l *fakeLauncher) Spawn(ctx context.Context, req ports.SpawnRequest) (ports.SpawnResult, error) {
	return ports.SpawnResult{PID: 4242, Name: req.Name}, nil
}

func (l *fakeLauncher) Release(ctx context.Context, name string) error { return nil }

func startWrapperTestServer(t *testing.T) string {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "relay.sock")
	reg := registry.New("_consensus")
	brk := broker.New()
	srv := transport.NewServer(transport.Options{
		SocketPath:    sock,
		MaxFrameBytes: 1 << 20,
		HeartbeatMs:   60000,
		SigningKey:    []byte("test-signing-key"),
	}, reg, brk, nil, nil)
	srv.SetControlSurface(control.New(reg, srv.Router(), brk, nil, nil, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c := transport.NewClient(transport.ClientOptions{SocketPath: sock, AgentName: "__probe", DialTimeout: 100 * time.Millisecond})
		if _, err := c.Connect(); err == nil {
			c.Close()
			return sock
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("server never became reachable")
	return ""
}

func TestWrapperDispatchesParsedSend(t *testing.T) {
	sock := startWrapperTestServer(t)

	bob := transport.NewClient(transport.ClientOptions{
		SocketPath: sock, AgentName: "Bob", Entity: session.EntityAgent,
		Capabilities: session.Capabilities{Ack: true}, DialTimeout: 2 * time.Second,
	})
	if _, err := bob.Connect(); err != nil {
		t.Fatalf("connect bob: %v", err)
	}
	t.Cleanup(func() { bob.Close() })

	term := newFakeTerminal()
	launcher := &fakeLauncher{term: term}
	lookup := func(name string) (Terminal, bool) { return term, true }

	client := transport.NewClient(transport.ClientOptions{
		SocketPath: sock, AgentName: "Alice", Entity: session.EntityAgent,
		Capabilities: session.Capabilities{Ack: true}, DialTimeout: 2 * time.Second,
	})
	w := New(launcher, lookup, client, ports.SpawnRequest{Name: "Alice", CLI: "fake-cli"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start wrapper: %v", err)
	}

	term.feed("->relay:Bob hello bob\n\n")

	env, err := bob.Receive()
	if err != nil {
		t.Fatalf("bob receive: %v", err)
	}
	if env.Type != envelope.TypeDeliver {
		t.Fatalf("expected DELIVER, got %s", env.Type)
	}
	if env.From != "Alice" {
		t.Fatalf("expected from Alice, got %q", env.From)
	}
}

func TestWrapperInjectsDeliveredMessage(t *testing.T) {
	sock := startWrapperTestServer(t)

	term := newFakeTerminal()
	launcher := &fakeLauncher{term: term}
	lookup := func(name string) (Terminal, bool) { return term, true }

	client := transport.NewClient(transport.ClientOptions{
		SocketPath: sock, AgentName: "Alice", Entity: session.EntityAgent,
		Capabilities: session.Capabilities{Ack: true}, DialTimeout: 2 * time.Second,
	})
	w := New(launcher, lookup, client, ports.SpawnRequest{Name: "Alice", CLI: "fake-cli"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start wrapper: %v", err)
	}

	bob := transport.NewClient(transport.ClientOptions{
		SocketPath: sock, AgentName: "Bob", Entity: session.EntityAgent,
		Capabilities: session.Capabilities{Ack: true}, DialTimeout: 2 * time.Second,
	})
	if _, err := bob.Connect(); err != nil {
		t.Fatalf("connect bob: %v", err)
	}
	t.Cleanup(func() { bob.Close() })

	send := envelope.Envelope{V: envelope.ProtocolVersion, Type: envelope.TypeSend, ID: "msg-1", To: "Alice"}
	send, err := send.WithPayload(struct {
		Body string `json:"body"`
	}{Body: "hi alice"})
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	if err := bob.Send(&send); err != nil {
		t.Fatalf("bob send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(term.snapshot()) > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected injector to write delivered message into terminal")
}

func TestWrapperReportsStuckAndUnstuckToDaemon(t *testing.T) {
	sock := startWrapperTestServer(t)

	term := newFakeTerminal()
	launcher := &fakeLauncher{term: term}
	lookup := func(name string) (Terminal, bool) { return term, true }

	client := transport.NewClient(transport.ClientOptions{
		SocketPath: sock, AgentName: "Alice", Entity: session.EntityAgent,
		Capabilities: session.Capabilities{Ack: true}, DialTimeout: 2 * time.Second,
	})
	w := New(launcher, lookup, client, ports.SpawnRequest{Name: "Alice", CLI: "fake-cli"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start wrapper: %v", err)
	}

	probe := transport.NewClient(transport.ClientOptions{
		SocketPath: sock, AgentName: "Probe", Entity: session.EntityAgent, DialTimeout: 2 * time.Second,
	})
	if _, err := probe.Connect(); err != nil {
		t.Fatalf("connect probe: %v", err)
	}
	t.Cleanup(func() { probe.Close() })

	statusOf := func() []string {
		req := envelope.Envelope{V: envelope.ProtocolVersion, Type: envelope.TypeStatus, ID: "s"}
		if err := probe.Send(&req); err != nil {
			t.Fatalf("send status: %v", err)
		}
		resp, err := probe.Receive()
		if err != nil {
			t.Fatalf("receive status: %v", err)
		}
		var p struct {
			StuckAgents []string `json:"stuck_agents"`
		}
		resp.DecodePayload(&p)
		return p.StuckAgents
	}

	// Force the detector into the extended-idle stuck state without waiting
	// out the real threshold.
	w.detector.StartedAt = time.Now().Add(-2 * time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		stuck := statusOf()
		if len(stuck) == 1 && stuck[0] == "Alice" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if stuck := statusOf(); len(stuck) != 1 || stuck[0] != "Alice" {
		t.Fatalf("expected Alice reported stuck, got %v", stuck)
	}

	// New output should clear the stuck state on the next idle-loop tick.
	w.detector.RecordOutput("back to work", false)

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(statusOf()) == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected Alice to be reported unstuck, still stuck: %v", statusOf())
}
