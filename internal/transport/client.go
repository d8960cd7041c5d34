package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/agent-relay/relay/internal/codec"
	"github.com/agent-relay/relay/internal/envelope"
	"github.com/agent-relay/relay/internal/session"
	"github.com/google/uuid"
)

// ClientOptions configures a Client's dial target and declared capabilities.
type ClientOptions struct {
	SocketPath    string
	TCPAddr       string // used instead of SocketPath when non-empty
	AgentName     string
	Entity        session.Entity
	CLI           string
	Task          string
	CWD           string
	Capabilities  session.Capabilities
	MaxFrameBytes int
	DialTimeout   time.Duration
}

// Client is the wrapper-side counterpart of Server: it dials the daemon,
// performs the HELLO/WELCOME handshake (presenting a resume token on
// reconnect), and exposes a simple Send/Receive pair over the same codec
// the daemon speaks. Grounded on the teacher's transport.Client shape (one
// struct holding a connection plus the caller's declared identity),
// generalized from one-shot HTTP calls to a persistent duplex stream.
type Client struct {
	opts ClientOptions

	mu          sync.Mutex
	conn        net.Conn
	codec       *codec.Codec
	sessionID   string
	resumeToken string
	lastAcked   uint64
}

// NewClient returns an unconnected Client. Call Connect before Send/Receive.
func NewClient(opts ClientOptions) *Client {
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = codec.DefaultMaxFrameBytes
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	return &Client{opts: opts}
}

// Connect dials the daemon and performs the HELLO/WELCOME handshake. If a
// resume token is held from a prior connection, it is presented so the
// daemon can reuse the previous session and replay unacked DELIVERs.
func (c *Client) Connect() (resumed bool, err error) {
	var conn net.Conn
	if c.opts.TCPAddr != "" {
		conn, err = net.DialTimeout("tcp", c.opts.TCPAddr, c.opts.DialTimeout)
	} else {
		conn, err = net.DialTimeout("unix", c.opts.SocketPath, c.opts.DialTimeout)
	}
	if err != nil {
		return false, fmt.Errorf("dial daemon: %w", err)
	}

	cd := codec.New(conn, conn, codec.LengthPrefixed, c.opts.MaxFrameBytes)

	c.mu.Lock()
	resumeToken, lastAcked := c.resumeToken, c.lastAcked
	c.mu.Unlock()

	hello := envelope.Envelope{V: envelope.ProtocolVersion, Type: envelope.TypeHello, ID: uuid.NewString(), Ts: time.Now().UnixMilli()}
	hello, err = hello.WithPayload(helloPayload{
		AgentName:    c.opts.AgentName,
		Entity:       c.opts.Entity,
		CLI:          c.opts.CLI,
		Task:         c.opts.Task,
		CWD:          c.opts.CWD,
		Capabilities: c.opts.Capabilities,
		ResumeToken:  resumeToken,
		LastAcked:    lastAcked,
	})
	if err != nil {
		conn.Close()
		return false, err
	}
	if err := cd.Encode(&hello); err != nil {
		conn.Close()
		return false, fmt.Errorf("send hello: %w", err)
	}

	welcome, err := cd.Decode()
	if err != nil {
		conn.Close()
		return false, fmt.Errorf("read welcome: %w", err)
	}
	if welcome.Type == envelope.TypeError {
		var p struct {
			Code    string `json:"code"`
			Fatal   bool   `json:"fatal"`
			Message string `json:"message"`
		}
		welcome.DecodePayload(&p)
		if p.Code == envelope.ErrResumeTooOld && !p.Fatal {
			// Server rejected our resume token but is about to send a fresh
			// WELCOME on this same connection; drop the stale token and keep
			// reading.
			c.mu.Lock()
			c.resumeToken = ""
			c.lastAcked = 0
			c.mu.Unlock()
			welcome, err = cd.Decode()
			if err != nil {
				conn.Close()
				return false, fmt.Errorf("read welcome after resume rejection: %w", err)
			}
		} else {
			conn.Close()
			return false, fmt.Errorf("daemon rejected hello: %s", p.Code)
		}
	}
	if welcome.Type != envelope.TypeWelcome {
		conn.Close()
		return false, fmt.Errorf("unexpected response to hello: %s", welcome.Type)
	}

	var wp welcomePayload
	welcome.DecodePayload(&wp)

	c.mu.Lock()
	c.conn = conn
	c.codec = cd
	c.sessionID = wp.SessionID
	c.resumeToken = wp.ResumeToken
	c.mu.Unlock()

	return wp.Resumed, nil
}

// Close tears down the underlying connection, sending BYE first.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	bye := envelope.Envelope{V: envelope.ProtocolVersion, Type: envelope.TypeBye, ID: uuid.NewString(), Ts: time.Now().UnixMilli()}
	c.codec.Encode(&bye)
	err := c.conn.Close()
	c.conn = nil
	c.codec = nil
	return err
}

// Send writes env to the daemon. Safe for concurrent use.
func (c *Client) Send(env *envelope.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.codec == nil {
		return fmt.Errorf("client not connected")
	}
	return c.codec.Encode(env)
}

// Receive blocks for the next envelope from the daemon. Not safe to call
// concurrently with itself; callers own one reader goroutine.
func (c *Client) Receive() (*envelope.Envelope, error) {
	c.mu.Lock()
	cd := c.codec
	c.mu.Unlock()
	if cd == nil {
		return nil, fmt.Errorf("client not connected")
	}
	env, err := cd.Decode()
	if err != nil {
		return nil, err
	}
	if env.Delivery != nil && env.Delivery.Seq > c.lastAcked {
		c.mu.Lock()
		c.lastAcked = env.Delivery.Seq
		c.mu.Unlock()
	}
	return env, nil
}

// Ack sends an ACK for seq. The low-water mark presented on a later resume
// is advanced by Receive as each DELIVER arrives, not by Ack.
func (c *Client) Ack(seq uint64) error {
	ack := envelope.Envelope{V: envelope.ProtocolVersion, Type: envelope.TypeAck, ID: uuid.NewString(), Ts: time.Now().UnixMilli()}
	ack, err := ack.WithPayload(struct {
		Seq uint64 `json:"seq"`
	}{Seq: seq})
	if err != nil {
		return err
	}
	return c.Send(&ack)
}

// SessionID returns the daemon-assigned id from the last successful
// handshake.
func (c *Client) SessionID() string { return c.sessionID }
