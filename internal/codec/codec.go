// Package codec implements the length-delimited envelope framing that sits
// directly on top of a net.Conn (unix-domain or TCP), in the style of the
// teacher's internal/transport package (a raw net.Listen("unix", ...)
// server with its own request framing) generalized from one-shot HTTP
// request/response framing to a persistent duplex envelope stream.
package codec

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/agent-relay/relay/internal/envelope"
)

// Framing selects how envelopes are delimited on the wire.
type Framing int

const (
	// LengthPrefixed frames each JSON object with a 4-byte big-endian
	// unsigned length prefix. This is the default framing.
	LengthPrefixed Framing = iota
	// LegacyLine frames one JSON object per LF-terminated line, kept for
	// older clients that predate the length-prefixed framing.
	LegacyLine
)

// DefaultMaxFrameBytes is the server-declared default from HELLO/WELCOME.
const DefaultMaxFrameBytes = 1 << 20 // 1 MiB

// ErrFrameTooLarge is returned by Decode when a declared frame length
// exceeds the negotiated maximum.
var ErrFrameTooLarge = errors.New("codec: frame too large")

// Codec reads and writes envelopes over an underlying reader/writer using
// one of the two supported framings. It is not safe for concurrent use from
// multiple goroutines on the same direction (callers should keep a single
// reader goroutine and a single writer goroutine per connection, per the
// daemon's per-connection task model).
type Codec struct {
	r             *bufio.Reader
	w             io.Writer
	framing       Framing
	maxFrameBytes int
}

// New wraps rw with the given framing and max-frame-bytes limit (decode-side
// only; 0 means DefaultMaxFrameBytes).
func New(r io.Reader, w io.Writer, framing Framing, maxFrameBytes int) *Codec {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &Codec{
		r:             bufio.NewReader(r),
		w:             w,
		framing:       framing,
		maxFrameBytes: maxFrameBytes,
	}
}

// SetFraming switches the framing mode, used after a HELLO negotiation
// determines the client's declared capability.
func (c *Codec) SetFraming(f Framing) { c.framing = f }

// SetMaxFrameBytes updates the decode-side frame size ceiling.
func (c *Codec) SetMaxFrameBytes(n int) {
	if n > 0 {
		c.maxFrameBytes = n
	}
}

// Reset discards any buffered partial frame without surfacing an error,
// used on reconnect so a half-read frame from a prior connection attempt
// never bleeds into the next one.
func (c *Codec) Reset(r io.Reader) {
	c.r = bufio.NewReader(r)
}

// Decode reads the next envelope from the underlying stream. It returns
// io.EOF when the peer closed cleanly, ErrFrameTooLarge if a declared
// length-prefixed frame exceeds maxFrameBytes, or a wrapped JSON error
// (callers should translate that into envelope.ErrMalformed on the wire).
func (c *Codec) Decode() (*envelope.Envelope, error) {
	var raw []byte
	var err error
	switch c.framing {
	case LegacyLine:
		raw, err = c.readLine()
	default:
		raw, err = c.readLengthPrefixed()
	}
	if err != nil {
		return nil, err
	}

	var env envelope.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("codec: decode envelope: %w", err)
	}
	return &env, nil
}

func (c *Codec) readLengthPrefixed() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if int(n) > c.maxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *Codec) readLine() ([]byte, error) {
	line, err := c.r.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, err
	}
	if len(line) > c.maxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	// Trim trailing CR/LF.
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line, nil
}

// Encode serializes env using the codec's current framing and writes it in
// one call. Callers doing bulk writes should batch several Encode calls'
// bytes into one underlying Write themselves (the writer task's flush
// coalescing happens above this layer).
func (c *Codec) Encode(env *envelope.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("codec: encode envelope: %w", err)
	}

	switch c.framing {
	case LegacyLine:
		raw = append(raw, '\n')
		_, err = c.w.Write(raw)
		return err
	default:
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(raw)))
		frame := make([]byte, 0, len(lenBuf)+len(raw))
		frame = append(frame, lenBuf[:]...)
		frame = append(frame, raw...)
		_, err = c.w.Write(frame)
		return err
	}
}
