// Package router implements fan-out dispatch for SEND, CHANNEL_MESSAGE,
// SUBSCRIBE/UNSUBSCRIBE, and SHADOW_BIND/UNBIND envelopes (spec §4.5).
// Each recipient name is pinned to one of 16 fnv-hashed shards so that
// concurrent fan-out to independent recipients proceeds in parallel while
// a single shard's serial task queue guarantees strict per-recipient
// ordering, matching spec §5's concurrency model.
package router

import (
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/agent-relay/relay/internal/broker"
	"github.com/agent-relay/relay/internal/delivery"
	"github.com/agent-relay/relay/internal/envelope"
	"github.com/agent-relay/relay/internal/registry"
	"github.com/agent-relay/relay/internal/session"
)

const shardCount = 16

// DeliverFunc writes env to the live session sess. The router calls this
// from within a shard's serial task queue; implementations (the daemon's
// per-connection writer) must not block indefinitely.
type DeliverFunc func(sess *session.Session, env *envelope.Envelope)

// ReservedHandler lets a server plugin claim a reserved target name (e.g.
// `_consensus`) instead of the router's default ERROR{UNKNOWN_RECIPIENT}.
// Named per DESIGN.md's Open Question decision; nil means no plugin is
// installed and reserved targets are always refused.
type ReservedHandler func(from *session.Session, env *envelope.Envelope)

// MetricsSink receives counts of routing outcomes for the control surface's
// METRICS RPC (spec's A5 ambient component). control.Metrics satisfies this
// without the router package importing control.
type MetricsSink interface {
	IncRouted()
	IncBusy()
	IncError()
}

type noopMetrics struct{}

func (noopMetrics) IncRouted() {}
func (noopMetrics) IncBusy()   {}
func (noopMetrics) IncError()  {}

// Router dispatches inbound envelopes to their destination session(s).
type Router struct {
	reg     *registry.Registry
	broker  *broker.Broker
	deliver DeliverFunc
	log     *slog.Logger
	metrics MetricsSink

	reservedHandler ReservedHandler

	shards [shardCount]chan func()

	inboxesMu sync.Mutex
	inboxes   map[string]*delivery.Inbox
}

// New returns a Router wired to reg and brk. deliver is called to push a
// DELIVER envelope to a live recipient's connection. metrics may be nil.
func New(reg *registry.Registry, brk *broker.Broker, deliver DeliverFunc, log *slog.Logger, metrics MetricsSink) *Router {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	r := &Router{
		reg:     reg,
		broker:  brk,
		deliver: deliver,
		log:     log,
		metrics: metrics,
		inboxes: make(map[string]*delivery.Inbox),
	}
	for i := range r.shards {
		ch := make(chan func(), 1024)
		r.shards[i] = ch
		go runShard(ch)
	}
	return r
}

func runShard(ch chan func()) {
	for fn := range ch {
		fn()
	}
}

func shardFor(recipient string) int {
	h := fnv.New32a()
	h.Write([]byte(recipient))
	return int(h.Sum32() % shardCount)
}

// SetReservedHandler installs the plugin that claims reserved targets.
func (r *Router) SetReservedHandler(h ReservedHandler) { r.reservedHandler = h }

// ErrorFunc is how the router reports a synchronous rejection (BUSY,
// ERROR) back to the sending session; the caller (the daemon's connection
// handler) supplies this so the router stays decoupled from the wire
// encoder.
type ErrorFunc func(env envelope.Envelope)

// Route accepts one inbound envelope from session from and applies the
// fan-out rules in spec §4.5. onReject is invoked synchronously (from the
// caller's own goroutine, not a shard) with a BUSY or ERROR envelope
// whenever routing cannot proceed for the whole send.
func (r *Router) Route(from *session.Session, env *envelope.Envelope, onReject ErrorFunc) {
	switch env.Type {
	case envelope.TypeSend:
		r.routeSend(from, env, onReject)
	case envelope.TypeChannelMessage:
		r.routeChannelMessage(from, env, onReject)
	case envelope.TypeSubscribe:
		r.reg.Subscribe(from.AgentName, env.Topic)
	case envelope.TypeUnsubscribe:
		r.reg.Unsubscribe(from.AgentName, env.Topic)
	case envelope.TypeChannelJoin:
		r.reg.Join(env.To, from.AgentName)
	case envelope.TypeChannelLeave:
		r.reg.Leave(env.To, from.AgentName)
	case envelope.TypeShadowBind:
		var p struct {
			Shadow          string   `json:"shadow"`
			ReceiveIncoming bool     `json:"receive_incoming"`
			ReceiveOutgoing bool     `json:"receive_outgoing"`
			SpeakOnTriggers []string `json:"speak_on_triggers"`
		}
		if err := env.DecodePayload(&p); err == nil {
			r.reg.BindShadow(from.AgentName, p.Shadow, p.ReceiveIncoming, p.ReceiveOutgoing, p.SpeakOnTriggers)
		}
	case envelope.TypeShadowUnbind:
		var p struct {
			Shadow string `json:"shadow"`
		}
		if err := env.DecodePayload(&p); err == nil {
			r.reg.UnbindShadow(from.AgentName, p.Shadow)
		}
	}
}

// destinationSet resolves the primary fan-out targets for a SEND/
// CHANNEL_MESSAGE envelope, deduplicated by recipient agent name.
func (r *Router) destinationSet(from *session.Session, env *envelope.Envelope) (names []string, channel string) {
	seen := make(map[string]struct{})
	add := func(name string) {
		if name == "" || name == from.AgentName {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}

	switch {
	case env.Topic != "":
		for _, name := range r.reg.Subscribers(env.Topic) {
			add(name)
		}
	case env.To == envelope.BroadcastTarget:
		for _, name := range r.reg.LiveAgents() {
			add(name)
		}
	case envelope.IsChannel(env.To) || env.Type == envelope.TypeChannelMessage:
		channel = env.To
		if env.Type == envelope.TypeChannelMessage {
			channel = env.Topic
			if channel == "" {
				channel = env.To
			}
		}
		for _, name := range r.reg.Members(channel) {
			add(name)
		}
	default:
		add(env.To)
	}
	return names, channel
}

func (r *Router) routeSend(from *session.Session, env *envelope.Envelope, onReject ErrorFunc) {
	if envelope.IsReserved(env.To) || r.reg.IsReserved(env.To) {
		if r.reservedHandler != nil {
			r.reservedHandler(from, env)
			return
		}
		r.metrics.IncError()
		onReject(errorEnvelope(env.ID, envelope.ErrUnknownRecipient, false))
		return
	}

	names, _ := r.destinationSet(from, env)
	isFanOut := env.To == envelope.BroadcastTarget || env.Topic != "" || envelope.IsChannel(env.To)
	if !isFanOut {
		if len(names) == 0 {
			r.metrics.IncError()
			onReject(errorEnvelope(env.ID, envelope.ErrUnknownRecipient, false))
			return
		}
		if _, known := r.reg.Record(names[0]); !known {
			r.metrics.IncError()
			onReject(errorEnvelope(env.ID, envelope.ErrUnknownRecipient, false))
			return
		}
	}

	if sm := env.PayloadMeta; sm != nil && sm.Sync != nil && sm.Sync.Blocking {
		timeout := time.Duration(sm.Sync.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		r.broker.SyncAck.Register(sm.Sync.CorrelationID, from.ID, timeout)
	}

	for _, name := range names {
		if r.queueAtCapacity(name) {
			r.metrics.IncBusy()
			onReject(busyEnvelope(env.ID, name))
			continue
		}
		r.dispatchTo(name, env, env.To)
	}
	r.dispatchShadows(names, env)
}

func (r *Router) routeChannelMessage(from *session.Session, env *envelope.Envelope, onReject ErrorFunc) {
	channel := env.To
	if channel == "" {
		channel = env.Topic
	}
	if !r.reg.IsMember(channel, from.AgentName) {
		r.metrics.IncError()
		onReject(errorEnvelope(env.ID, envelope.ErrNotMember, false))
		return
	}
	names := make([]string, 0)
	for _, name := range r.reg.Members(channel) {
		if name != from.AgentName {
			names = append(names, name)
		}
	}
	for _, name := range names {
		if r.queueAtCapacity(name) {
			r.metrics.IncBusy()
			onReject(busyEnvelope(env.ID, name))
			continue
		}
		r.dispatchTo(name, env, channel)
	}
	r.dispatchShadows(names, env)
}

func (r *Router) dispatchShadows(primaries []string, env *envelope.Envelope) {
	for _, primary := range primaries {
		for _, sb := range r.reg.Shadows(primary) {
			if !sb.ReceiveIncoming {
				continue
			}
			if r.queueAtCapacity(sb.Shadow) {
				continue // shadows never get BUSY surfaced to the sender
			}
			r.dispatchTo(sb.Shadow, env, env.To)
		}
	}
}

// queueAtCapacity reports whether recipient's live queue (if any) has hit
// its inflight cap. Offline recipients are never at capacity here; they
// fall through to the inbox.
func (r *Router) queueAtCapacity(recipient string) bool {
	sess := r.reg.Lookup(recipient)
	if sess == nil {
		return false
	}
	return sess.AtCapacity()
}

// dispatchTo posts delivery of env to recipient's shard, preserving
// per-recipient ordering.
func (r *Router) dispatchTo(recipient string, env *envelope.Envelope, originalTo string) {
	shard := r.shards[shardFor(recipient)]
	shard <- func() {
		r.deliverOne(recipient, env, originalTo)
	}
}

func (r *Router) deliverOne(recipient string, env *envelope.Envelope, originalTo string) {
	sess := r.reg.Lookup(recipient)
	out := *env
	out.Type = envelope.TypeDeliver

	if sess == nil {
		// Offline: append to the bounded inbox (spec §4.6).
		inbox := r.inboxOf(recipient)
		out.Delivery = &envelope.Delivery{OriginalTo: originalTo}
		inbox.Store(&delivery.Record{Envelope: &out})
		r.metrics.IncRouted()
		return
	}

	seq := sess.NextSeq()
	out.Delivery = &envelope.Delivery{Seq: seq, SessionID: sess.ID, OriginalTo: originalTo}
	r.deliver(sess, &out)
	r.metrics.IncRouted()
}

func (r *Router) inboxOf(recipient string) *delivery.Inbox {
	r.inboxesMu.Lock()
	defer r.inboxesMu.Unlock()
	if ib, ok := r.inboxes[recipient]; ok {
		return ib
	}
	ib := delivery.NewInbox(0)
	r.inboxes[recipient] = ib
	return ib
}

// Inbox returns the offline inbox for recipient, creating it if absent.
func (r *Router) Inbox(recipient string) *delivery.Inbox {
	return r.inboxOf(recipient)
}

func errorEnvelope(replyToID, code string, fatal bool) envelope.Envelope {
	env := envelope.Envelope{V: envelope.ProtocolVersion, Type: envelope.TypeError, ID: replyToID}
	env, _ = env.WithPayload(struct {
		Code    string `json:"code"`
		Fatal   bool   `json:"fatal"`
		Message string `json:"message"`
	}{Code: code, Fatal: fatal})
	return env
}

func busyEnvelope(replyToID, recipient string) envelope.Envelope {
	env := envelope.Envelope{V: envelope.ProtocolVersion, Type: envelope.TypeBusy, ID: replyToID, To: recipient}
	return env
}
