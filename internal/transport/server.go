// Package transport owns the daemon's listening sockets and per-connection
// lifecycle: HELLO/WELCOME handshake (with resume), the read loop that feeds
// envelopes to the router and control surface, and the write path DELIVER
// travels back out on. Grounded on the teacher's internal/transport/server.go
// (stale-socket cleanup, ListenAndServe(ctx) with an error channel,
// shutdown-on-cancel), generalized from one-shot HTTP handlers to a
// persistent duplex envelope stream per spec §4.1-§4.3.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/agent-relay/relay/internal/broker"
	"github.com/agent-relay/relay/internal/codec"
	"github.com/agent-relay/relay/internal/control"
	"github.com/agent-relay/relay/internal/dedup"
	"github.com/agent-relay/relay/internal/envelope"
	"github.com/agent-relay/relay/internal/registry"
	"github.com/agent-relay/relay/internal/router"
	"github.com/agent-relay/relay/internal/session"
	"github.com/agent-relay/relay/internal/store"
)

// Store is the crash-survival persistence a Server writes connection
// lifecycle events and last-acked checkpoints through to. *store.Store
// satisfies this; a nil Store (the default) makes the daemon behave as it
// did before §4.3/§A3 persistence existed.
type Store interface {
	SaveCheckpoint(c *store.Checkpoint) error
	GetCheckpoint(agentName string) (*store.Checkpoint, error)
	AppendAudit(event string, from, to, envelopeID, detail *string) error
}

// resumeWindow is how long a disconnected session's replay buffer is kept
// available for resume before it is discarded for good.
const resumeWindow = 10 * time.Minute

// Options configures a Server's wire-level behavior (spec §6 defaults).
type Options struct {
	SocketPath    string
	TCPAddr       string // optional secondary listener
	MaxFrameBytes int
	HeartbeatMs   int
	SigningKey    []byte
}

// connHandle is the live state for one accepted connection: its session and
// a mutex serializing writes between the read loop's synchronous replies,
// the heartbeat goroutine, and the router's async DeliverFunc.
type connHandle struct {
	sess    *session.Session
	codec   *codec.Codec
	writeMu sync.Mutex
}

func (h *connHandle) send(env *envelope.Envelope) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return h.codec.Encode(env)
}

// Server accepts connections and drives the daemon's core components.
type Server struct {
	opts Options
	log  *slog.Logger

	reg *registry.Registry
	brk *broker.Broker
	rtr *router.Router
	ctl *control.Surface

	connsMu sync.RWMutex
	conns   map[string]*connHandle // session id -> connection
	byAgent map[string]string      // agent name -> session id, for resume lookup while live

	retiredMu sync.Mutex
	retired   map[string]*session.Session // agent name -> last session, kept for resume
	retiredAt map[string]time.Time

	store Store
}

// SetStore wires s as the server's checkpoint/audit persistence. A nil
// store (the default) disables both.
func (s *Server) SetStore(st Store) { s.store = st }

func (s *Server) audit(event string, from, to, envelopeID, detail string) {
	if s.store == nil {
		return
	}
	strPtr := func(v string) *string {
		if v == "" {
			return nil
		}
		return &v
	}
	if err := s.store.AppendAudit(event, strPtr(from), strPtr(to), strPtr(envelopeID), strPtr(detail)); err != nil {
		s.log.Warn("append audit entry failed", "event", event, "err", err)
	}
}

// NewServer wires reg/brk together with a Router whose DeliverFunc writes
// onto this Server's live connections. metrics may be nil. Call
// SetControlSurface once a control.Surface has been built against Router().
func NewServer(opts Options, reg *registry.Registry, brk *broker.Broker, log *slog.Logger, metrics router.MetricsSink) *Server {
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = codec.DefaultMaxFrameBytes
	}
	if opts.HeartbeatMs <= 0 {
		opts.HeartbeatMs = 15000
	}
	s := &Server{
		opts:      opts,
		log:       log,
		reg:       reg,
		brk:       brk,
		conns:     make(map[string]*connHandle),
		byAgent:   make(map[string]string),
		retired:   make(map[string]*session.Session),
		retiredAt: make(map[string]time.Time),
	}
	s.rtr = router.New(reg, brk, s.deliver, log, metrics)
	return s
}

// SetControlSurface attaches the control RPC handler once it has been built
// (it depends on this Server's Router, so it is wired in a second step).
func (s *Server) SetControlSurface(ctl *control.Surface) { s.ctl = ctl }

// Router returns the Router this Server drives delivery through.
func (s *Server) Router() *router.Router { return s.rtr }

// deliver implements router.DeliverFunc: record env in sess's replay buffer
// and push it onto sess's live connection, if any. A session with no live
// connection (detached, not yet resumed) skips the push; the recorded copy
// is what a later resume of that session replays.
func (s *Server) deliver(sess *session.Session, env *envelope.Envelope) {
	if env.Delivery != nil {
		if raw, err := json.Marshal(env); err == nil {
			sess.RecordSent(env.Delivery.Seq, raw)
		}
	}
	s.connsMu.RLock()
	h, ok := s.conns[sess.ID]
	s.connsMu.RUnlock()
	if !ok {
		return
	}
	h.send(env)
}

// ListenAndServe listens on the configured unix socket (and optional TCP
// address), accepting connections until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	os.Remove(s.opts.SocketPath)
	ln, err := net.Listen("unix", s.opts.SocketPath)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", s.opts.SocketPath, err)
	}

	var tcpLn net.Listener
	if s.opts.TCPAddr != "" {
		tcpLn, err = net.Listen("tcp", s.opts.TCPAddr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("listen tcp %s: %w", s.opts.TCPAddr, err)
		}
	}

	errCh := make(chan error, 2)
	go s.acceptLoop(ctx, ln, errCh)
	if tcpLn != nil {
		go s.acceptLoop(ctx, tcpLn, errCh)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.brk.Tick(now)
				s.pruneRetired(now)
			}
		}
	}()

	select {
	case <-ctx.Done():
		ln.Close()
		if tcpLn != nil {
			tcpLn.Close()
		}
		os.Remove(s.opts.SocketPath)
		return nil
	case err := <-errCh:
		os.Remove(s.opts.SocketPath)
		return err
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, errCh chan<- error) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				errCh <- err
				return
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) pruneRetired(now time.Time) {
	s.retiredMu.Lock()
	defer s.retiredMu.Unlock()
	for name, at := range s.retiredAt {
		if now.Sub(at) > resumeWindow {
			delete(s.retired, name)
			delete(s.retiredAt, name)
		}
	}
}

// helloPayload is HELLO's payload shape (spec §4.1).
type helloPayload struct {
	AgentName    string               `json:"agent_name"`
	Entity       session.Entity       `json:"entity"`
	CLI          string               `json:"cli,omitempty"`
	Task         string               `json:"task,omitempty"`
	CWD          string               `json:"cwd,omitempty"`
	Capabilities session.Capabilities `json:"capabilities"`
	ResumeToken  string               `json:"resume_token,omitempty"`
	LastAcked    uint64               `json:"last_acked,omitempty"`
}

type welcomePayload struct {
	SessionID   string `json:"session_id"`
	ResumeToken string `json:"resume_token"`
	Resumed     bool   `json:"resumed"`
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	c := codec.New(conn, conn, codec.LengthPrefixed, s.opts.MaxFrameBytes)

	first, err := c.Decode()
	if err != nil {
		return
	}
	if first.Type != envelope.TypeHello {
		c.Encode(errEnvelope(first.ID, envelope.ErrMalformed))
		return
	}

	var hp helloPayload
	if err := first.DecodePayload(&hp); err != nil || hp.AgentName == "" {
		c.Encode(errEnvelope(first.ID, envelope.ErrMalformed))
		return
	}

	sess, resumed, resumeRejected := s.negotiateSession(hp)

	if err := s.reg.Attach(hp.AgentName, sess, hp.Task, hp.CWD); err != nil {
		c.Encode(errEnvelope(first.ID, envelope.ErrDuplicateConn))
		s.audit("connect_rejected", hp.AgentName, "", first.ID, envelope.ErrDuplicateConn)
		return
	}
	s.audit("connect", hp.AgentName, "", first.ID, "")

	handle := &connHandle{sess: sess, codec: c}
	s.connsMu.Lock()
	s.conns[sess.ID] = handle
	s.byAgent[hp.AgentName] = sess.ID
	s.connsMu.Unlock()

	s.retiredMu.Lock()
	delete(s.retired, hp.AgentName)
	delete(s.retiredAt, hp.AgentName)
	s.retiredMu.Unlock()

	defer func() {
		s.connsMu.Lock()
		delete(s.conns, sess.ID)
		delete(s.byAgent, hp.AgentName)
		s.connsMu.Unlock()
		s.reg.Detach(hp.AgentName)
		s.brk.DisconnectSession(sess.ID)
		s.retiredMu.Lock()
		s.retired[hp.AgentName] = sess
		s.retiredAt[hp.AgentName] = time.Now()
		s.retiredMu.Unlock()
		s.audit("disconnect", hp.AgentName, "", "", "")
		if s.store != nil {
			ck := &store.Checkpoint{AgentName: hp.AgentName, SessionID: sess.ID, LastAcked: sess.LastAcked()}
			if err := s.store.SaveCheckpoint(ck); err != nil {
				s.log.Warn("save checkpoint failed", "agent", hp.AgentName, "err", err)
			}
		}
	}()

	if resumeRejected {
		s.audit("resume_rejected", hp.AgentName, "", first.ID, "")
		rejectErr := envelope.Envelope{V: envelope.ProtocolVersion, Type: envelope.TypeError, ID: first.ID, Ts: time.Now().UnixMilli()}
		rejectErr, _ = rejectErr.WithPayload(struct {
			Code    string `json:"code"`
			Fatal   bool   `json:"fatal"`
			Message string `json:"message"`
		}{Code: envelope.ErrResumeTooOld, Fatal: false, Message: "resume token too old or unknown; proceeding as a fresh session"})
		if err := handle.send(&rejectErr); err != nil {
			return
		}
	}

	welcome := envelope.Envelope{V: envelope.ProtocolVersion, Type: envelope.TypeWelcome, ID: first.ID, To: hp.AgentName, Ts: time.Now().UnixMilli()}
	welcome, _ = welcome.WithPayload(welcomePayload{SessionID: sess.ID, ResumeToken: sess.ResumeToken, Resumed: resumed})
	if err := handle.send(&welcome); err != nil {
		return
	}

	if resumed {
		for _, entry := range sess.ReplaySince(hp.LastAcked) {
			var env envelope.Envelope
			if decodeJSON(entry.EnvJSON, &env) {
				handle.send(&env)
			}
		}
	}

	// Records held for this agent while it was offline go out in order,
	// each under this session's next seq.
	for _, rec := range s.rtr.Inbox(hp.AgentName).Drain() {
		out := *rec.Envelope
		d := envelope.Delivery{}
		if out.Delivery != nil {
			d = *out.Delivery
		}
		d.Seq, d.SessionID = sess.NextSeq(), sess.ID
		out.Delivery = &d
		s.deliver(sess, &out)
	}

	heartbeat := time.NewTicker(time.Duration(s.opts.HeartbeatMs) * time.Millisecond)
	defer heartbeat.Stop()
	stopHeartbeat := make(chan struct{})
	defer close(stopHeartbeat)

	go func() {
		for {
			select {
			case <-stopHeartbeat:
				return
			case <-heartbeat.C:
				ping := envelope.Envelope{V: envelope.ProtocolVersion, Type: envelope.TypePing, Ts: time.Now().UnixMilli()}
				if err := handle.send(&ping); err != nil {
					return
				}
				if sess.MissedPong() {
					conn.Close()
					return
				}
			}
		}
	}()

	dedupRing := dedup.New(dedup.DefaultCapacity)

	for {
		env, err := c.Decode()
		if err != nil {
			return
		}
		sess.Touch()
		if env.ID != "" && dedupRing.Check(env.ID) {
			continue // at-most-once: already processed this envelope id
		}
		s.handleEnvelope(ctx, sess, handle, env)
	}
}

// negotiateSession resolves HELLO into either a reused Session (valid resume
// token naming a retired-but-not-yet-pruned session) or a fresh one.
// resumeRejected reports whether a resume_token was presented but could not
// be honored (too old, unknown, or forged), per spec §4.3's RESUME_TOO_OLD
// contract. A resume spanning a daemon restart always falls into this case:
// the in-process replay buffer backing ReplaySince does not survive a
// restart, even though the signed token and its last-acked checkpoint do
// (checked here only to distinguish the audit reason, not to resurrect the
// buffer).
func (s *Server) negotiateSession(hp helloPayload) (sess *session.Session, resumed, resumeRejected bool) {
	if hp.ResumeToken != "" {
		if len(s.opts.SigningKey) > 0 {
			sessionID, agentName, err := session.VerifyResumeToken(hp.ResumeToken, s.opts.SigningKey)
			if err == nil && agentName == hp.AgentName {
				s.retiredMu.Lock()
				prior, ok := s.retired[agentName]
				s.retiredMu.Unlock()
				if ok && prior.ID == sessionID {
					return prior, true, false
				}
				if !ok && s.store != nil {
					if ck, cerr := s.store.GetCheckpoint(agentName); cerr == nil && ck != nil && ck.SessionID == sessionID {
						s.audit("resume_rejected_post_restart", agentName, "", "", sessionID)
					}
				}
			}
		}
		resumeRejected = true
	}
	sess = session.New(hp.AgentName, hp.Entity, hp.Capabilities, s.opts.MaxFrameBytes, s.opts.HeartbeatMs)
	if len(s.opts.SigningKey) > 0 {
		if tok, err := session.SignResumeToken(sess.ID, hp.AgentName, s.opts.SigningKey); err == nil {
			sess.ResumeToken = tok
		}
	}
	return sess, false, resumeRejected
}

func (s *Server) handleEnvelope(ctx context.Context, sess *session.Session, handle *connHandle, env *envelope.Envelope) {
	env.From = sess.AgentName

	switch env.Type {
	case envelope.TypePing:
		pong := envelope.Envelope{V: envelope.ProtocolVersion, Type: envelope.TypePong, ID: env.ID, Ts: time.Now().UnixMilli()}
		handle.send(&pong)
	case envelope.TypePong:
		sess.Touch()
	case envelope.TypeAck:
		var p struct {
			Seq           uint64 `json:"seq"`
			CorrelationID string `json:"correlationId"`
		}
		env.DecodePayload(&p)
		sess.Ack(p.Seq)
		if p.CorrelationID != "" {
			s.brk.SyncAck.Resolve(p.CorrelationID, env)
		}
	case envelope.TypeBye:
		return
	case envelope.TypeSend, envelope.TypeChannelMessage, envelope.TypeSubscribe, envelope.TypeUnsubscribe,
		envelope.TypeChannelJoin, envelope.TypeChannelLeave, envelope.TypeShadowBind, envelope.TypeShadowUnbind:
		if env.Type == envelope.TypeSend && env.PayloadMeta != nil && env.PayloadMeta.ReplyTo != "" {
			s.brk.SyncAck.Resolve(env.PayloadMeta.ReplyTo, env)
		}
		s.rtr.Route(sess, env, func(rejected envelope.Envelope) {
			handle.send(&rejected)
		})
	case envelope.TypeAgentReady:
		if s.ctl != nil {
			s.ctl.MarkAgentReady(sess.AgentName)
		}
	case envelope.TypeLog:
		s.handleWrapperLog(sess, env)
	default:
		if s.ctl != nil {
			if resp := s.ctl.Handle(ctx, env); resp != nil {
				handle.send(resp)
			}
		} else {
			handle.send(errEnvelope(env.ID, envelope.ErrUnknownType))
		}
	}
}

// wrapperLogPayload is the subset of a wrapper-originated LOG envelope the
// daemon understands: idle-detector stuck/unstuck transitions (spec §4.10).
// Other LOG content is accepted but otherwise ignored.
type wrapperLogPayload struct {
	Event  string `json:"event"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleWrapperLog(sess *session.Session, env *envelope.Envelope) {
	var p wrapperLogPayload
	if err := env.DecodePayload(&p); err != nil {
		return
	}
	switch p.Event {
	case "stuck":
		s.reg.SetStuck(sess.AgentName, true, p.Reason)
	case "unstuck":
		s.reg.SetStuck(sess.AgentName, false, "")
	}
}

func decodeJSON(data []byte, v any) bool {
	return json.Unmarshal(data, v) == nil
}

func errEnvelope(id, code string) *envelope.Envelope {
	env := envelope.Envelope{V: envelope.ProtocolVersion, Type: envelope.TypeError, ID: id, Ts: time.Now().UnixMilli()}
	out, _ := env.WithPayload(struct {
		Code string `json:"code"`
	}{Code: code})
	return &out
}
