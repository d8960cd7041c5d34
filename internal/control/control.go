// Package control implements the query/RPC surface (STATUS, LIST_AGENTS,
// INBOX, HEALTH, METRICS, SPAWN, RELEASE, REMOVE_AGENT) described in spec
// §4.8. Request/response pairs share the request's envelope id, grounded
// on the teacher's internal/transport REST handler style adapted from
// HTTP request/response to envelope RPC over the same socket as routed
// traffic.
package control

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agent-relay/relay/internal/broker"
	"github.com/agent-relay/relay/internal/envelope"
	"github.com/agent-relay/relay/internal/ports"
	"github.com/agent-relay/relay/internal/registry"
	"github.com/agent-relay/relay/internal/router"
)

// Metrics are the in-process counters surfaced via METRICS (spec's A5
// ambient component).
type Metrics struct {
	mu              sync.Mutex
	EnvelopesRouted uint64
	BusyCount       uint64
	ErrorsEmitted   uint64
}

func (m *Metrics) IncRouted() { m.mu.Lock(); m.EnvelopesRouted++; m.mu.Unlock() }
func (m *Metrics) IncBusy()   { m.mu.Lock(); m.BusyCount++; m.mu.Unlock() }
func (m *Metrics) IncError()  { m.mu.Lock(); m.ErrorsEmitted++; m.mu.Unlock() }

func (m *Metrics) snapshot() (uint64, uint64, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.EnvelopesRouted, m.BusyCount, m.ErrorsEmitted
}

// Surface answers control RPCs against the daemon's live state.
type Surface struct {
	reg      *registry.Registry
	rtr      *router.Router
	brk      *broker.Broker
	launcher ports.Launcher
	metrics  *Metrics
	log      *slog.Logger
	startedAt time.Time

	mu       sync.Mutex
	awaiting map[string]chan struct{}
}

// New returns a Surface wired to the daemon's core components.
func New(reg *registry.Registry, rtr *router.Router, brk *broker.Broker, launcher ports.Launcher, metrics *Metrics, log *slog.Logger) *Surface {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = &Metrics{}
	}
	return &Surface{
		reg: reg, rtr: rtr, brk: brk, launcher: launcher, metrics: metrics, log: log,
		startedAt: time.Now(),
		awaiting:  make(map[string]chan struct{}),
	}
}

// MarkAgentReady resolves any SPAWN waiting on agentName's AGENT_READY
// event. Called by the daemon when it observes that envelope type.
func (s *Surface) MarkAgentReady(agentName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.awaiting[agentName]
	if !ok {
		return
	}
	close(ch)
	delete(s.awaiting, agentName)
}

// Handle processes one control-surface request and returns the response
// envelope, carrying the same id as req.
func (s *Surface) Handle(ctx context.Context, req *envelope.Envelope) *envelope.Envelope {
	switch req.Type {
	case envelope.TypeStatus:
		return s.handleStatus(req)
	case envelope.TypeListAgents:
		return s.handleListAgents(req)
	case envelope.TypeListConnected:
		return s.handleListConnected(req)
	case envelope.TypeInbox:
		return s.handleInbox(req)
	case envelope.TypeHealth:
		return s.handleHealth(req)
	case envelope.TypeMetrics:
		return s.handleMetrics(req)
	case envelope.TypeRemoveAgent:
		return s.handleRemoveAgent(req)
	case envelope.TypeSpawn:
		return s.handleSpawn(ctx, req)
	case envelope.TypeRelease:
		return s.handleRelease(ctx, req)
	default:
		return errEnv(req.ID, envelope.ErrUnknownType)
	}
}

func respond(id, typ string, payload any) *envelope.Envelope {
	env := envelope.Envelope{V: envelope.ProtocolVersion, Type: typ, ID: id, Ts: time.Now().UnixMilli()}
	out, err := env.WithPayload(payload)
	if err != nil {
		return errEnv(id, envelope.ErrInternal)
	}
	return &out
}

func errEnv(id, code string) *envelope.Envelope {
	env := envelope.Envelope{V: envelope.ProtocolVersion, Type: envelope.TypeError, ID: id}
	out, _ := env.WithPayload(struct {
		Code string `json:"code"`
	}{Code: code})
	return &out
}

func (s *Surface) handleStatus(req *envelope.Envelope) *envelope.Envelope {
	live := s.reg.LiveAgents()
	return respond(req.ID, envelope.TypeStatusResponse, struct {
		LiveAgents  int           `json:"live_agents"`
		Uptime      time.Duration `json:"uptime_ns"`
		StuckAgents []string      `json:"stuck_agents"`
	}{LiveAgents: len(live), Uptime: time.Since(s.startedAt), StuckAgents: s.reg.StuckAgents()})
}

func (s *Surface) handleListAgents(req *envelope.Envelope) *envelope.Envelope {
	return respond(req.ID, envelope.TypeListAgentsResponse, struct {
		Agents []string `json:"agents"`
	}{Agents: s.reg.AllAgents()})
}

func (s *Surface) handleListConnected(req *envelope.Envelope) *envelope.Envelope {
	return respond(req.ID, envelope.TypeListConnectedResponse, struct {
		Agents []string `json:"agents"`
	}{Agents: s.reg.LiveAgents()})
}

func (s *Surface) handleInbox(req *envelope.Envelope) *envelope.Envelope {
	var p struct {
		Agent string `json:"agent"`
	}
	req.DecodePayload(&p)
	records := s.rtr.Inbox(p.Agent).Snapshot()
	envs := make([]*envelope.Envelope, len(records))
	for i, rec := range records {
		envs[i] = rec.Envelope
	}
	return respond(req.ID, envelope.TypeInboxResponse, struct {
		Agent    string               `json:"agent"`
		Messages []*envelope.Envelope `json:"messages"`
	}{Agent: p.Agent, Messages: envs})
}

func (s *Surface) handleHealth(req *envelope.Envelope) *envelope.Envelope {
	return respond(req.ID, envelope.TypeHealthResponse, struct {
		OK     bool  `json:"ok"`
		Uptime int64 `json:"uptime_ms"`
	}{OK: true, Uptime: time.Since(s.startedAt).Milliseconds()})
}

func (s *Surface) handleMetrics(req *envelope.Envelope) *envelope.Envelope {
	routed, busy, errs := s.metrics.snapshot()
	return respond(req.ID, envelope.TypeMetricsResponse, struct {
		EnvelopesRouted uint64 `json:"envelopes_routed"`
		BusyCount       uint64 `json:"busy_count"`
		ErrorsEmitted   uint64 `json:"errors_emitted"`
		SyncWaiters     int    `json:"sync_waiters"`
		ReplyWaiters    int    `json:"reply_waiters"`
		StuckCount      int    `json:"stuck_count"`
	}{
		EnvelopesRouted: routed, BusyCount: busy, ErrorsEmitted: errs,
		SyncWaiters: s.brk.SyncAck.Len(), ReplyWaiters: s.brk.ReplyTo.Len(),
		StuckCount: len(s.reg.StuckAgents()),
	})
}

func (s *Surface) handleRemoveAgent(req *envelope.Envelope) *envelope.Envelope {
	var p struct {
		Agent string `json:"agent"`
	}
	req.DecodePayload(&p)
	s.reg.Detach(p.Agent)
	return respond(req.ID, envelope.TypeRemoveAgentResponse, struct {
		Agent string `json:"agent"`
		OK    bool   `json:"ok"`
	}{Agent: p.Agent, OK: true})
}

func (s *Surface) handleSpawn(ctx context.Context, req *envelope.Envelope) *envelope.Envelope {
	if s.launcher == nil {
		return errEnv(req.ID, envelope.ErrInternal)
	}
	var p ports.SpawnRequest
	if err := req.DecodePayload(&p); err != nil {
		return errEnv(req.ID, envelope.ErrMalformed)
	}

	s.mu.Lock()
	ready := make(chan struct{})
	s.awaiting[p.Name] = ready
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.awaiting, p.Name)
		s.mu.Unlock()
	}()

	result, err := s.launcher.Spawn(ctx, p)
	if err != nil {
		return errEnv(req.ID, envelope.ErrInternal)
	}

	becameReady := false
	select {
	case <-ready:
		becameReady = true
	case <-time.After(5 * time.Second):
	case <-ctx.Done():
	}

	return respond(req.ID, envelope.TypeSpawnResult, struct {
		PID   int    `json:"pid"`
		Name  string `json:"name"`
		Ready bool   `json:"ready"`
	}{PID: result.PID, Name: result.Name, Ready: becameReady})
}

func (s *Surface) handleRelease(ctx context.Context, req *envelope.Envelope) *envelope.Envelope {
	if s.launcher == nil {
		return errEnv(req.ID, envelope.ErrInternal)
	}
	var p struct {
		Name string `json:"name"`
	}
	req.DecodePayload(&p)
	if err := s.launcher.Release(ctx, p.Name); err != nil {
		return errEnv(req.ID, envelope.ErrInternal)
	}
	return respond(req.ID, envelope.TypeReleaseResult, struct {
		Name string `json:"name"`
		OK   bool   `json:"ok"`
	}{Name: p.Name, OK: true})
}
