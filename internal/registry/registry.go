// Package registry implements the daemon's name->session index, channel
// membership, topic subscriptions, and presence bookkeeping. Grounded on
// the teacher's internal/relay SessionManager (RWMutex-guarded maps keyed
// by identity, add/remove/route helpers), generalized from per-user daemon
// connections to per-agent-name sessions plus channels and topics.
package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agent-relay/relay/internal/session"
	"github.com/agent-relay/relay/internal/store"
)

// ChannelStore is the crash-survival persistence the registry writes
// through to whenever a channel is created or its membership changes
// (spec.md:196, "content must round-trip across restarts"). *store.Store
// satisfies this.
type ChannelStore interface {
	UpsertChannel(c *store.Channel) error
	AddChannelMember(channel, agent string) error
	RemoveChannelMember(channel, agent string) error
	ListChannels() ([]*store.Channel, error)
	ListChannelMembers(channel string) ([]string, error)
}

// Visibility is a channel's access policy.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Channel is a named group of member agent names.
type Channel struct {
	Name      string
	Visibility Visibility
	Members   map[string]struct{}
	Archived  bool
	CreatedBy string
	CreatedAt time.Time
}

// AgentRecord is the registry's metadata about one agent, live or offline.
type AgentRecord struct {
	Name        string
	Session     *session.Session // nil when offline
	Task        string
	WorkingDir  string
	DisplayName string
	AvatarURL   string
	LastSeen    time.Time
	Shadows     []ShadowBinding
	Stuck       bool
	StuckReason string
}

// ShadowBinding mirrors spec.md's Shadow binding data model entry.
type ShadowBinding struct {
	Primary           string
	Shadow            string
	ReceiveIncoming   bool
	ReceiveOutgoing   bool
	SpeakOnTriggers   []string
}

// PresenceEvent is a server-originated notification of an agent joining or
// leaving, delivered to interested subscribers (typically the dashboard).
type PresenceEvent struct {
	AgentName string
	Online    bool
	At        time.Time
}

// ErrDuplicateConnection is returned by Attach when agentName already has a
// live session (spec §4.3: the daemon refuses the new connection rather
// than displacing the existing one).
var ErrDuplicateConnection = fmt.Errorf("registry: duplicate connection")

// Registry is the daemon's single source of truth for sessions, channels,
// and topic subscriptions. All mutation happens through its methods; the
// routing task is the only caller (spec §5, "shared-resource policy").
type Registry struct {
	mu sync.RWMutex

	agents     map[string]*AgentRecord
	bySession  map[string]string // session id -> agent name
	channels   map[string]*Channel
	topics     map[string]map[string]struct{} // topic -> set of agent names
	presence   []chan PresenceEvent
	reserved   map[string]struct{}

	store ChannelStore
	log   *slog.Logger
}

// New returns an empty Registry. reservedNames marks target names (e.g.
// "_consensus") that the router must refuse to deliver to any session.
func New(reservedNames ...string) *Registry {
	r := &Registry{
		agents:    make(map[string]*AgentRecord),
		bySession: make(map[string]string),
		channels:  make(map[string]*Channel),
		topics:    make(map[string]map[string]struct{}),
		reserved:  make(map[string]struct{}),
		log:       slog.Default(),
	}
	for _, n := range reservedNames {
		r.reserved[n] = struct{}{}
	}
	return r
}

// SetStore wires s as the registry's channel persistence. Must be called
// before LoadChannels and before any CHANNEL_JOIN/CHANNEL_LEAVE traffic if
// every membership change is to be durable; a nil registry store (the
// default) makes channels purely in-memory for the process's lifetime.
func (r *Registry) SetStore(s ChannelStore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store = s
}

// SetLogger overrides the registry's logger (used only to report
// best-effort persistence failures; they never block or fail a live
// CHANNEL_JOIN/CHANNEL_LEAVE).
func (r *Registry) SetLogger(log *slog.Logger) {
	if log != nil {
		r.log = log
	}
}

// LoadChannels populates the registry's in-memory channel table from the
// store, so channel definitions and membership round-trip across a daemon
// restart. Call once at startup after SetStore.
func (r *Registry) LoadChannels() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.store == nil {
		return nil
	}
	rows, err := r.store.ListChannels()
	if err != nil {
		return fmt.Errorf("load channels: %w", err)
	}
	for _, row := range rows {
		members, err := r.store.ListChannelMembers(row.Name)
		if err != nil {
			return fmt.Errorf("load members of %s: %w", row.Name, err)
		}
		ch := &Channel{
			Name:       row.Name,
			Visibility: Visibility(row.Visibility),
			Members:    make(map[string]struct{}, len(members)),
			Archived:   row.Archived,
			CreatedAt:  row.CreatedAt,
		}
		if row.CreatedBy != nil {
			ch.CreatedBy = *row.CreatedBy
		}
		for _, m := range members {
			ch.Members[m] = struct{}{}
		}
		r.channels[row.Name] = ch
	}
	return nil
}

// persistChannelLocked upserts ch's definition to the store, if one is
// wired. Called with r.mu held.
func (r *Registry) persistChannelLocked(ch *Channel) {
	if r.store == nil {
		return
	}
	var createdBy *string
	if ch.CreatedBy != "" {
		createdBy = &ch.CreatedBy
	}
	rec := &store.Channel{
		Name:       ch.Name,
		Visibility: string(ch.Visibility),
		CreatedBy:  createdBy,
		Archived:   ch.Archived,
	}
	if err := r.store.UpsertChannel(rec); err != nil {
		r.log.Warn("persist channel failed", "channel", ch.Name, "err", err)
	}
}

// IsReserved reports whether name is a reserved target the router must not
// route to any agent session.
func (r *Registry) IsReserved(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.reserved[name]
	return ok
}

// Attach binds sess to agentName, creating the agent record if it does not
// already exist. It returns ErrDuplicateConnection if agentName already has
// a live session.
func (r *Registry) Attach(agentName string, sess *session.Session, task, cwd string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[agentName]
	if ok && rec.Session != nil {
		return ErrDuplicateConnection
	}
	if !ok {
		rec = &AgentRecord{Name: agentName}
		r.agents[agentName] = rec
	}
	rec.Session = sess
	rec.Task = task
	rec.WorkingDir = cwd
	rec.LastSeen = time.Now()
	r.bySession[sess.ID] = agentName

	r.broadcastPresenceLocked(PresenceEvent{AgentName: agentName, Online: true, At: rec.LastSeen})
	return nil
}

// Detach marks agentName offline (BYE, socket close, or fatal error).
func (r *Registry) Detach(agentName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[agentName]
	if !ok || rec.Session == nil {
		return
	}
	delete(r.bySession, rec.Session.ID)
	rec.Session = nil
	rec.LastSeen = time.Now()

	r.broadcastPresenceLocked(PresenceEvent{AgentName: agentName, Online: false, At: rec.LastSeen})
}

// Lookup returns the live session for agentName, or nil if offline/unknown.
func (r *Registry) Lookup(agentName string) *session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.agents[agentName]
	if !ok {
		return nil
	}
	return rec.Session
}

// Record returns a copy of the agent record for agentName, or false if
// unknown.
func (r *Registry) Record(agentName string) (AgentRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.agents[agentName]
	if !ok {
		return AgentRecord{}, false
	}
	return *rec, true
}

// LiveAgents returns the names of every agent with a live session.
func (r *Registry) LiveAgents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for name, rec := range r.agents {
		if rec.Session != nil {
			out = append(out, name)
		}
	}
	return out
}

// AllAgents returns the names of every known agent, live or offline.
func (r *Registry) AllAgents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for name := range r.agents {
		out = append(out, name)
	}
	return out
}

// SetStuck records the wrapper's idle detector verdict for agentName (spec
// §4.10's stuck/unstuck transition), surfaced through STATUS. A call for an
// unknown agentName is a no-op: the wrapper only reports after HELLO.
func (r *Registry) SetStuck(agentName string, stuck bool, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[agentName]
	if !ok {
		return
	}
	rec.Stuck = stuck
	rec.StuckReason = reason
}

// StuckAgents returns the names of every agent currently flagged stuck.
func (r *Registry) StuckAgents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0)
	for name, rec := range r.agents {
		if rec.Stuck {
			out = append(out, name)
		}
	}
	return out
}

// Subscribe adds agentName to topic's subscriber set.
func (r *Registry) Subscribe(agentName, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.topics[topic]
	if !ok {
		set = make(map[string]struct{})
		r.topics[topic] = set
	}
	set[agentName] = struct{}{}
}

// Unsubscribe removes agentName from topic's subscriber set.
func (r *Registry) Unsubscribe(agentName, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.topics[topic]; ok {
		delete(set, agentName)
	}
}

// Subscribers returns the agent names currently subscribed to topic.
func (r *Registry) Subscribers(topic string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.topics[topic]
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	return out
}

// EnsureChannel returns the channel named name, creating it with the given
// visibility if it doesn't exist.
func (r *Registry) EnsureChannel(name string, vis Visibility, createdBy string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[name]
	if !ok {
		ch = &Channel{
			Name:       name,
			Visibility: vis,
			Members:    make(map[string]struct{}),
			CreatedBy:  createdBy,
			CreatedAt:  time.Now(),
		}
		r.channels[name] = ch
		r.persistChannelLocked(ch)
	}
	return ch
}

// Join adds agentName to channel's member set (CHANNEL_JOIN, spec §4.4).
func (r *Registry) Join(channel, agentName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[channel]
	if !ok {
		ch = &Channel{Name: channel, Visibility: VisibilityPublic, Members: make(map[string]struct{}), CreatedAt: time.Now()}
		r.channels[channel] = ch
		r.persistChannelLocked(ch)
	}
	ch.Members[agentName] = struct{}{}
	if r.store != nil {
		if err := r.store.AddChannelMember(channel, agentName); err != nil {
			r.log.Warn("persist channel join failed", "channel", channel, "agent", agentName, "err", err)
		}
	}
}

// Leave removes agentName from channel's member set (CHANNEL_LEAVE).
func (r *Registry) Leave(channel, agentName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[channel]; ok {
		delete(ch.Members, agentName)
	}
	if r.store != nil {
		if err := r.store.RemoveChannelMember(channel, agentName); err != nil {
			r.log.Warn("persist channel leave failed", "channel", channel, "agent", agentName, "err", err)
		}
	}
}

// IsMember reports whether agentName currently belongs to channel. Used to
// enforce the "CHANNEL_MESSAGE accepted only from a current member"
// invariant (spec §3).
func (r *Registry) IsMember(channel, agentName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[channel]
	if !ok {
		return false
	}
	_, member := ch.Members[agentName]
	return member
}

// Members returns the current member names of channel.
func (r *Registry) Members(channel string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[channel]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(ch.Members))
	for name := range ch.Members {
		out = append(out, name)
	}
	return out
}

// BindShadow registers shadow as an observer of primary's traffic.
func (r *Registry) BindShadow(primary, shadow string, receiveIncoming, receiveOutgoing bool, triggers []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[primary]
	if !ok {
		rec = &AgentRecord{Name: primary}
		r.agents[primary] = rec
	}
	rec.Shadows = append(rec.Shadows, ShadowBinding{
		Primary: primary, Shadow: shadow,
		ReceiveIncoming: receiveIncoming, ReceiveOutgoing: receiveOutgoing,
		SpeakOnTriggers: triggers,
	})
}

// UnbindShadow removes a shadow binding for primary.
func (r *Registry) UnbindShadow(primary, shadow string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[primary]
	if !ok {
		return
	}
	out := rec.Shadows[:0]
	for _, sb := range rec.Shadows {
		if sb.Shadow != shadow {
			out = append(out, sb)
		}
	}
	rec.Shadows = out
}

// Shadows returns the shadow bindings registered for primary.
func (r *Registry) Shadows(primary string) []ShadowBinding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.agents[primary]
	if !ok {
		return nil
	}
	out := make([]ShadowBinding, len(rec.Shadows))
	copy(out, rec.Shadows)
	return out
}

// SubscribePresence registers a channel that receives every future
// PresenceEvent. The caller should drain it continuously; a slow consumer
// does not block Attach/Detach (buffered, drop-if-full).
func (r *Registry) SubscribePresence(buffer int) <-chan PresenceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan PresenceEvent, buffer)
	r.presence = append(r.presence, ch)
	return ch
}

func (r *Registry) broadcastPresenceLocked(ev PresenceEvent) {
	for _, ch := range r.presence {
		select {
		case ch <- ev:
		default:
		}
	}
}
