// Package session implements per-connection state: identity, capabilities,
// inflight window, resume token, and outgoing sequence. Grounded on the
// teacher's internal/egg Session struct shape (a single mutex-guarded
// struct holding I/O timestamps and lifecycle state), generalized from one
// PTY-owning process to one daemon-side connection.
package session

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Entity distinguishes an agent connection from a human/dashboard one.
type Entity string

const (
	EntityAgent Entity = "agent"
	EntityUser  Entity = "user"
)

// State is the session's connection lifecycle state (spec §4.3).
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateReady
	StateBackoff
)

// Capabilities are declared by the client in HELLO.
type Capabilities struct {
	Ack            bool `json:"ack"`
	Resume         bool `json:"resume"`
	MaxInflight    int  `json:"max_inflight"`
	SupportsTopics bool `json:"supports_topics"`
}

// DefaultMaxInflight is used when a client declares no MaxInflight.
const DefaultMaxInflight = 256

// ReplayEntry is one retained DELIVER, kept so a resuming session can be
// caught up without re-routing.
type ReplayEntry struct {
	Seq     uint64
	EnvJSON []byte
	SentAt  time.Time
}

// Session is the daemon-side record of one connected agent or user.
type Session struct {
	mu sync.Mutex

	ID           string
	ResumeToken  string
	AgentName    string
	Entity       Entity
	CLI          string
	Task         string
	WorkingDir   string
	Capabilities Capabilities
	State        State

	lastSeenSeq    uint64
	outboundSeq    uint64
	lastAckedSeq   uint64
	maxFrameBytes  int
	heartbeatMs    int
	missedPongs    int
	createdAt      time.Time
	lastActivity   time.Time

	replay       []ReplayEntry
	maxReplay    int
	replayMaxAge time.Duration
}

// New creates a fresh session for agentName with server-generated identity.
func New(agentName string, entity Entity, caps Capabilities, maxFrameBytes, heartbeatMs int) *Session {
	if caps.MaxInflight <= 0 {
		caps.MaxInflight = DefaultMaxInflight
	}
	now := time.Now()
	return &Session{
		ID:            uuid.NewString(),
		ResumeToken:   uuid.NewString(),
		AgentName:     agentName,
		Entity:        entity,
		Capabilities:  caps,
		State:         StateReady,
		maxFrameBytes: maxFrameBytes,
		heartbeatMs:   heartbeatMs,
		createdAt:     now,
		lastActivity:  now,
		maxReplay:     1024,
		replayMaxAge:  10 * time.Minute,
	}
}

// MaxFrameBytes returns the negotiated decode-side frame ceiling.
func (s *Session) MaxFrameBytes() int { return s.maxFrameBytes }

// HeartbeatMs returns the declared PING interval.
func (s *Session) HeartbeatMs() int { return s.heartbeatMs }

// NextSeq allocates and returns the next per-recipient delivery sequence.
func (s *Session) NextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outboundSeq++
	return s.outboundSeq
}

// RecordSent appends env's bytes to the replay buffer under seq, evicting
// the oldest entry if the buffer is at capacity or past its max age.
func (s *Session) RecordSent(seq uint64, envJSON []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replay = append(s.replay, ReplayEntry{Seq: seq, EnvJSON: envJSON, SentAt: time.Now()})
	s.trimReplayLocked()
}

func (s *Session) trimReplayLocked() {
	cutoff := time.Now().Add(-s.replayMaxAge)
	start := 0
	for start < len(s.replay) && s.replay[start].SentAt.Before(cutoff) {
		start++
	}
	if start > 0 {
		s.replay = s.replay[start:]
	}
	if len(s.replay) > s.maxReplay {
		s.replay = s.replay[len(s.replay)-s.maxReplay:]
	}
}

// ReplaySince returns retained entries with Seq > sinceSeq, in order, for
// replay to a resuming client (ACK-bounded replay, spec §8).
func (s *Session) ReplaySince(sinceSeq uint64) []ReplayEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ReplayEntry, 0, len(s.replay))
	for _, e := range s.replay {
		if e.Seq > sinceSeq {
			out = append(out, e)
		}
	}
	return out
}

// Ack records a cumulative ACK up to seq.
func (s *Session) Ack(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.lastAckedSeq {
		s.lastAckedSeq = seq
	}
}

// LastAcked returns the highest cumulatively-acked seq.
func (s *Session) LastAcked() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAckedSeq
}

// Inflight returns the count of sent-but-unacked records.
func (s *Session) Inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.outboundSeq - s.lastAckedSeq)
}

// AtCapacity reports whether the inflight window is full.
func (s *Session) AtCapacity() bool {
	return s.Inflight() >= s.Capabilities.MaxInflight
}

// Touch records activity for heartbeat/idle bookkeeping.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
	s.missedPongs = 0
}

// MissedPong increments the missed-PONG counter and reports whether the
// session should now be torn down (two misses, spec §4.3).
func (s *Session) MissedPong() (shouldTeardown bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missedPongs++
	return s.missedPongs >= 2
}

// resumeClaims is the payload of a signed resume token.
type resumeClaims struct {
	SessionID string `json:"session_id"`
	AgentName string `json:"agent_name"`
	jwt.RegisteredClaims
}

// SignResumeToken produces a signed token binding this session's identity,
// so a restarted daemon holding the same signing key can validate a resume
// request without keeping every session in memory across restarts.
func SignResumeToken(sessionID, agentName string, signingKey []byte) (string, error) {
	claims := resumeClaims{
		SessionID: sessionID,
		AgentName: agentName,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(signingKey)
}

// VerifyResumeToken parses and validates a resume token, returning the
// session id and agent name it was issued for.
func VerifyResumeToken(tokenStr string, signingKey []byte) (sessionID, agentName string, err error) {
	var claims resumeClaims
	tok, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (interface{}, error) {
		return signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", "", err
	}
	if !tok.Valid {
		return "", "", jwt.ErrTokenInvalidClaims
	}
	return claims.SessionID, claims.AgentName, nil
}
