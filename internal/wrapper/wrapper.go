// Package wrapper implements the wrapper orchestrator that turns a raw CLI
// coding agent into a relay participant (spec §4.12): it owns the child
// process and its terminal, streams the child's output through the output
// parser and idle detector, forwards parsed commands to the daemon over a
// transport.Client, and drives DELIVERed messages back into the terminal
// through the injector. Grounded on the teacher's internal/daemon/daemon.go
// Run() lifecycle shape (errCh-fed goroutines, a single shutdown select),
// generalized from "own the task engine" to "own one child agent".
package wrapper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agent-relay/relay/internal/envelope"
	"github.com/agent-relay/relay/internal/idle"
	"github.com/agent-relay/relay/internal/injector"
	"github.com/agent-relay/relay/internal/parser"
	"github.com/agent-relay/relay/internal/ports"
	"github.com/agent-relay/relay/internal/transport"
	"github.com/google/uuid"
)

func newID() string { return uuid.NewString() }

// Launcher is the subset of ports.Launcher the wrapper needs to start and
// stop its own child agent.
type Launcher interface {
	Spawn(ctx context.Context, req ports.SpawnRequest) (ports.SpawnResult, error)
	Release(ctx context.Context, name string) error
}

// Terminal is the write/verify surface the injector drives; a launcher's
// TerminalFor result satisfies this directly.
type Terminal = injector.Terminal

// OutputStreamer is implemented by terminals that can push live output
// chunks (the in-process PTY launcher) rather than only answer Capture.
// Terminals without it (tmux) are instead polled on a short ticker.
type OutputStreamer interface {
	Output() <-chan []byte
}

// TerminalLookup resolves the Terminal backing a spawned agent by name.
// Concrete launchers (ptyagent.Launcher, launcher.TmuxLauncher) return their
// own terminal type from TerminalFor rather than this interface directly,
// so callers wrap them in a small closure when constructing a Wrapper.
type TerminalLookup func(agentName string) (Terminal, bool)

// pollInterval is how often the terminal is polled via Capture when its
// Terminal does not implement OutputStreamer.
const pollInterval = 250 * time.Millisecond

// idleCheckInterval is how often the idle detector is re-evaluated to
// decide whether a pending single-line command should be flushed.
const idleCheckInterval = 300 * time.Millisecond

// Wrapper owns one child agent: its process, its parsed-command stream
// into the daemon, and the injector that writes DELIVERs back into it.
type Wrapper struct {
	launcher Launcher
	lookup   TerminalLookup
	client   *transport.Client
	spawnReq ports.SpawnRequest
	log      *slog.Logger

	parser   *parser.Parser
	detector *idle.Detector
	inject   *injector.Injector
	term     Terminal

	mu      sync.Mutex
	pending map[string]chan *envelope.Envelope

	lastSeenCapture string
}

// New returns a Wrapper for one child agent, not yet started. launcher
// starts/stops the wrapped process; lookup resolves its Terminal once
// spawned (usually a closure over the launcher's TerminalFor).
func New(launcher Launcher, lookup TerminalLookup, client *transport.Client, spawnReq ports.SpawnRequest, log *slog.Logger) *Wrapper {
	if log == nil {
		log = slog.Default()
	}
	return &Wrapper{
		launcher: launcher,
		lookup:   lookup,
		client:   client,
		spawnReq: spawnReq,
		log:      log,
		parser:   parser.New(),
		detector: idle.New(),
		pending:  make(map[string]chan *envelope.Envelope),
	}
}

// Start launches the child, connects the daemon client, and begins the
// output/delivery/idle loops. It returns once the child is running and the
// handshake has completed; the loops themselves run until ctx is done.
func (w *Wrapper) Start(ctx context.Context) error {
	result, err := w.launcher.Spawn(ctx, w.spawnReq)
	if err != nil {
		return fmt.Errorf("spawn %s: %w", w.spawnReq.Name, err)
	}
	w.detector.SetPID(result.PID)

	term, ok := w.lookup(w.spawnReq.Name)
	if !ok {
		return fmt.Errorf("no terminal for spawned agent %s", w.spawnReq.Name)
	}
	w.term = term
	w.inject = injector.New(term, w.detector, w.log)

	if _, err := w.client.Connect(); err != nil {
		return fmt.Errorf("connect daemon for %s: %w", w.spawnReq.Name, err)
	}

	go w.inject.Run(ctx)
	go w.receiveLoop(ctx)
	go w.idleLoop(ctx)

	if streamer, ok := term.(OutputStreamer); ok {
		go w.streamLoop(ctx, streamer)
	} else {
		go w.pollLoop(ctx)
	}

	return nil
}

// Stop tears down the daemon connection and releases the child process.
func (w *Wrapper) Stop(ctx context.Context) {
	w.client.Close()
	if err := w.launcher.Release(ctx, w.spawnReq.Name); err != nil {
		w.log.Warn("release agent failed", "agent", w.spawnReq.Name, "err", err)
	}
}

// Reset drops parser/idle state, closes the daemon connection and connects
// again. The client keeps the resume token from the prior connection and
// presents it, so the daemon resumes the prior session while it is still
// retained; the token is not discarded here.
func (w *Wrapper) Reset(ctx context.Context) error {
	w.client.Close()
	w.parser = parser.New()
	w.detector = idle.New()
	w.detector.SetPID(0)
	_, err := w.client.Connect()
	return err
}

// streamLoop feeds live output chunks from an OutputStreamer terminal into
// the parser and idle detector, dispatching any commands the chunk
// completes.
func (w *Wrapper) streamLoop(ctx context.Context, streamer OutputStreamer) {
	ch := streamer.Output()
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-ch:
			if !ok {
				return
			}
			w.detector.RecordOutput(string(chunk), false)
			for _, cmd := range w.parser.Feed(chunk) {
				w.dispatch(ctx, cmd)
			}
		}
	}
}

// pollLoop feeds a tmux-style terminal's capture-pane output into the
// parser on a ticker, for terminals that cannot push live output.
func (w *Wrapper) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			text, err := w.term.Capture()
			if err != nil {
				continue
			}
			if text == w.lastSeenCapture {
				continue
			}
			delta := diffSuffix(w.lastSeenCapture, text)
			w.lastSeenCapture = text
			if delta == "" {
				continue
			}
			w.detector.RecordOutput(delta, false)
			for _, cmd := range w.parser.Feed([]byte(delta + "\n")) {
				w.dispatch(ctx, cmd)
			}
		}
	}
}

// diffSuffix returns the portion of next beyond prev when next extends
// prev, or next itself when the pane was cleared/scrolled past prev
// entirely.
func diffSuffix(prev, next string) string {
	if prev == "" || len(next) < len(prev) || next[:len(prev)] != prev {
		return next
	}
	return next[len(prev):]
}

// idleLoop periodically evaluates the idle detector and flushes any
// pending single-line command once the terminal has gone quiet, so a
// trailing command at end-of-output isn't held forever. It also runs the
// stuck-detection check and reports stuck/unstuck transitions to the
// daemon (spec §4.10).
func (w *Wrapper) idleLoop(ctx context.Context) {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result := w.detector.Evaluate()
			if result.IsIdle {
				for _, cmd := range w.parser.Flush() {
					w.dispatch(ctx, cmd)
				}
			}
			if ev := w.detector.EvaluateStuck(); ev.Changed {
				w.reportStuck(ev)
			}
		}
	}
}

type logBody struct {
	Event  string `json:"event"`
	Reason string `json:"reason,omitempty"`
}

// reportStuck sends a LOG envelope telling the daemon this agent just
// became stuck or recovered from it, so STATUS/METRICS can surface it.
func (w *Wrapper) reportStuck(ev idle.StuckEvent) {
	body := logBody{Event: "unstuck"}
	if ev.Stuck {
		body = logBody{Event: "stuck", Reason: string(ev.Reason)}
	}
	env := envelope.Envelope{V: envelope.ProtocolVersion, Type: envelope.TypeLog, ID: newID(), Ts: time.Now().UnixMilli()}
	env, err := env.WithPayload(body)
	if err != nil {
		w.log.Error("encode stuck log payload", "err", err)
		return
	}
	if err := w.client.Send(&env); err != nil {
		w.log.Warn("report stuck state failed", "agent", w.spawnReq.Name, "err", err)
	}
}

// dispatch sends a parsed command onward per its kind (spec §4.12 (iii)).
func (w *Wrapper) dispatch(ctx context.Context, cmd parser.Command) {
	switch cmd.Kind {
	case parser.KindSend:
		w.dispatchSend(cmd)
	case parser.KindSpawn:
		w.dispatchSpawn(ctx, cmd)
	case parser.KindRelease:
		w.dispatchRelease(ctx, cmd)
	case parser.KindContinuity:
		// No continuity commands are currently emitted by the parser; kept
		// for forward compatibility with an explicit no-op.
	}
}

type sendBody struct {
	Body string `json:"body"`
}

func (w *Wrapper) dispatchSend(cmd parser.Command) {
	env := envelope.Envelope{
		V:    envelope.ProtocolVersion,
		Type: envelope.TypeSend,
		ID:   newID(),
		To:   cmd.Target,
		Ts:   time.Now().UnixMilli(),
	}
	env, err := env.WithPayload(sendBody{Body: cmd.Body})
	if err != nil {
		w.log.Error("encode send payload", "err", err)
		return
	}
	if cmd.Importance != 0 || cmd.Thread != "" || cmd.ReplyTo != "" {
		env.PayloadMeta = &envelope.PayloadMeta{Importance: cmd.Importance, Thread: cmd.Thread, ReplyTo: cmd.ReplyTo}
	}
	if err := w.client.Send(&env); err != nil {
		w.log.Error("send to daemon failed", "target", cmd.Target, "err", err)
	}
}

func (w *Wrapper) dispatchSpawn(ctx context.Context, cmd parser.Command) {
	req := ports.SpawnRequest{Name: cmd.Target, CLI: cmd.SpawnCLI, Task: cmd.SpawnTask}
	env := envelope.Envelope{V: envelope.ProtocolVersion, Type: envelope.TypeSpawn, ID: newID(), Ts: time.Now().UnixMilli()}
	env, err := env.WithPayload(req)
	if err != nil {
		w.log.Error("encode spawn payload", "err", err)
		return
	}
	resp, err := w.request(ctx, &env)
	if err != nil {
		w.log.Warn("spawn request failed", "name", cmd.Target, "err", err)
		return
	}
	if resp.Type == envelope.TypeError {
		w.log.Warn("daemon rejected spawn", "name", cmd.Target)
	}
}

func (w *Wrapper) dispatchRelease(ctx context.Context, cmd parser.Command) {
	env := envelope.Envelope{V: envelope.ProtocolVersion, Type: envelope.TypeRelease, ID: newID(), Ts: time.Now().UnixMilli()}
	env, err := env.WithPayload(struct {
		Name string `json:"name"`
	}{Name: cmd.Target})
	if err != nil {
		w.log.Error("encode release payload", "err", err)
		return
	}
	resp, err := w.request(ctx, &env)
	if err != nil {
		w.log.Warn("release request failed", "name", cmd.Target, "err", err)
		return
	}
	if resp.Type == envelope.TypeError {
		w.log.Warn("daemon rejected release", "name", cmd.Target)
	}
}

// request sends env and waits for the daemon's reply bearing the same ID,
// as resolved by the receive loop. Used for the control-RPC shapes
// (SPAWN/RELEASE) that answer by echoing the request ID rather than a
// PayloadMeta.ReplyTo correlation.
func (w *Wrapper) request(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	ch := make(chan *envelope.Envelope, 1)
	w.mu.Lock()
	w.pending[env.ID] = ch
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.pending, env.ID)
		w.mu.Unlock()
	}()

	if err := w.client.Send(env); err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("control request %s timed out", env.Type)
	}
}

// receiveLoop is the daemon client's single reader: every DELIVER is
// enqueued into the injector, every ACKed-by-ID control response is routed
// to a waiting request call, and everything else is logged.
func (w *Wrapper) receiveLoop(ctx context.Context) {
	for {
		env, err := w.client.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("daemon connection lost", "agent", w.spawnReq.Name, "err", err)
			return
		}

		w.mu.Lock()
		ch, waiting := w.pending[env.ID]
		w.mu.Unlock()
		if waiting {
			ch <- env
			continue
		}

		switch env.Type {
		case envelope.TypeDeliver:
			w.inject.Enqueue(env)
			if env.Delivery != nil {
				w.client.Ack(env.Delivery.Seq)
			}
			w.maybeReplySync(env)
		case envelope.TypePing:
			pong := envelope.Envelope{V: envelope.ProtocolVersion, Type: envelope.TypePong, ID: env.ID, Ts: time.Now().UnixMilli()}
			w.client.Send(&pong)
		default:
			w.log.Debug("unhandled envelope from daemon", "type", env.Type)
		}
	}
}

// maybeReplySync answers a blocking SEND by replying once the terminal has
// gone idle after injection, best-effort for CLIs with no structured reply
// channel (spec §4.12 (vi)).
func (w *Wrapper) maybeReplySync(env *envelope.Envelope) {
	if env.PayloadMeta == nil || env.PayloadMeta.Sync == nil || !env.PayloadMeta.Sync.Blocking {
		return
	}
	correlationID := env.PayloadMeta.Sync.CorrelationID
	if correlationID == "" || env.From == "" {
		return
	}
	go func() {
		deadline := time.Now().Add(time.Duration(env.PayloadMeta.Sync.TimeoutMs) * time.Millisecond)
		if env.PayloadMeta.Sync.TimeoutMs <= 0 {
			deadline = time.Now().Add(10 * time.Second)
		}
		for time.Now().Before(deadline) {
			time.Sleep(idleCheckInterval)
			if w.detector.Evaluate().IsIdle {
				break
			}
		}
		text, err := w.term.Capture()
		if err != nil {
			return
		}
		reply := envelope.Envelope{
			V: envelope.ProtocolVersion, Type: envelope.TypeSend, ID: newID(),
			To: env.From, Ts: time.Now().UnixMilli(),
			PayloadMeta: &envelope.PayloadMeta{ReplyTo: correlationID},
		}
		reply, err = reply.WithPayload(sendBody{Body: text})
		if err != nil {
			return
		}
		w.client.Send(&reply)
	}()
}
