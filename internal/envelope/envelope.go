// Package envelope defines the wire unit exchanged between agent-relay
// clients and the daemon, and the typed payload variants carried inside it.
package envelope

import "encoding/json"

// ProtocolVersion is the current wire protocol version.
const ProtocolVersion = 1

// Type tags, exhaustive for the core protocol (spec §6).
const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"
	TypeBye     = "BYE"
	TypePing    = "PING"
	TypePong    = "PONG"

	TypeSend    = "SEND"
	TypeDeliver = "DELIVER"
	TypeAck     = "ACK"
	TypeBusy    = "BUSY"
	TypeError   = "ERROR"

	TypeSubscribe   = "SUBSCRIBE"
	TypeUnsubscribe = "UNSUBSCRIBE"

	TypeChannelJoin    = "CHANNEL_JOIN"
	TypeChannelLeave   = "CHANNEL_LEAVE"
	TypeChannelMessage = "CHANNEL_MESSAGE"

	TypeShadowBind   = "SHADOW_BIND"
	TypeShadowUnbind = "SHADOW_UNBIND"

	TypeLog = "LOG"

	TypeSpawn       = "SPAWN"
	TypeSpawnResult = "SPAWN_RESULT"
	TypeRelease     = "RELEASE"
	TypeReleaseResult = "RELEASE_RESULT"
	TypeAgentReady  = "AGENT_READY"

	TypeStatus                = "STATUS"
	TypeStatusResponse        = "STATUS_RESPONSE"
	TypeListAgents            = "LIST_AGENTS"
	TypeListAgentsResponse    = "LIST_AGENTS_RESPONSE"
	TypeListConnected         = "LIST_CONNECTED_AGENTS"
	TypeListConnectedResponse = "LIST_CONNECTED_AGENTS_RESPONSE"
	TypeInbox                 = "INBOX"
	TypeInboxResponse         = "INBOX_RESPONSE"
	TypeHealth                = "HEALTH"
	TypeHealthResponse        = "HEALTH_RESPONSE"
	TypeMetrics               = "METRICS"
	TypeMetricsResponse       = "METRICS_RESPONSE"
	TypeRemoveAgent           = "REMOVE_AGENT"
	TypeRemoveAgentResponse   = "REMOVE_AGENT_RESPONSE"
)

// Error codes (spec §6).
const (
	ErrMalformed          = "MALFORMED"
	ErrFrameTooLarge      = "FRAME_TOO_LARGE"
	ErrUnknownType        = "UNKNOWN_TYPE"
	ErrUnknownRecipient   = "UNKNOWN_RECIPIENT"
	ErrNotMember          = "NOT_MEMBER"
	ErrDuplicateConn      = "DUPLICATE_CONNECTION"
	ErrResumeTooOld       = "RESUME_TOO_OLD"
	ErrTimeout            = "TIMEOUT"
	ErrInternal           = "INTERNAL_ERROR"
)

// BroadcastTarget is the wildcard `to` value that fans out to every live
// session except the sender.
const BroadcastTarget = "*"

// Delivery carries the server-assigned per-recipient sequence info attached
// to a DELIVER envelope.
type Delivery struct {
	Seq        uint64 `json:"seq"`
	SessionID  string `json:"session_id"`
	OriginalTo string `json:"originalTo,omitempty"`
}

// SyncMeta requests synchronous ACK-correlated delivery (spec §4.5, §4.7).
type SyncMeta struct {
	CorrelationID string `json:"correlationId"`
	Blocking      bool   `json:"blocking"`
	TimeoutMs     int    `json:"timeoutMs"`
}

// PayloadMeta carries routing/coordination hints alongside a payload.
type PayloadMeta struct {
	Sync       *SyncMeta `json:"sync,omitempty"`
	Importance int       `json:"importance,omitempty"`
	ReplyTo    string    `json:"replyTo,omitempty"`
	Thread     string    `json:"thread,omitempty"`
}

// Envelope is the wire unit. Payload is kept raw and decoded per-type by
// callers, matching spec §9's guidance to validate on decode rather than
// force every payload shape through one Go struct.
type Envelope struct {
	V           int             `json:"v"`
	Type        string          `json:"type"`
	ID          string          `json:"id"`
	Ts          int64           `json:"ts"`
	To          string          `json:"to,omitempty"`
	From        string          `json:"from,omitempty"`
	Topic       string          `json:"topic,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	PayloadMeta *PayloadMeta    `json:"payload_meta,omitempty"`
	Delivery    *Delivery       `json:"delivery,omitempty"`
}

// DecodePayload unmarshals the envelope's raw payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// WithPayload returns a copy of e with Payload set to the JSON encoding of v.
func (e Envelope) WithPayload(v any) (Envelope, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, err
	}
	e.Payload = raw
	return e, nil
}

// IsReserved reports whether name is a reserved target (begins with `_`),
// handled by server plugins rather than routed to an agent session.
func IsReserved(name string) bool {
	return len(name) > 0 && name[0] == '_'
}

// IsChannel reports whether name addresses a channel (`#...`).
func IsChannel(name string) bool {
	return len(name) > 0 && name[0] == '#'
}

// IsDM reports whether name addresses a direct-message channel (`dm:...`).
func IsDM(name string) bool {
	return len(name) > 3 && name[:3] == "dm:"
}
