// Package protocol implements the framed JSON wire protocol spoken between
// the relay, editor instances, and command-line clients.
//
// Every frame is a 4-byte big-endian length prefix followed by that many
// bytes of UTF-8 JSON. The codec is semantics-free: it moves opaque JSON
// payloads and never re-serializes the inner params/data blobs.
//
// Usage:
//
//	codec := protocol.NewCodec(conn)
//	// Send a message
//	codec.Send(&protocol.Ping{Type: protocol.TypePing, TS: protocol.NowMillis()})
//	// Receive a raw frame
//	raw, err := codec.Receive()
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// MaxPayloadBytes is the hard cap on a single frame payload. Frames above
// this are rejected and the connection is considered poisoned.
const MaxPayloadBytes = 16 * 1024 * 1024 // 16MB

// FrameError is a framing-level failure. It carries the protocol error code
// that should be reported to the peer before the connection is closed.
type FrameError struct {
	Code    ErrorCode
	Message string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Codec frames JSON messages over a single connection. Writes are serialized
// internally; reads must be driven by a single owning goroutine.
type Codec struct {
	conn net.Conn

	writeMu sync.Mutex
}

// NewCodec creates a codec wrapping the given connection.
func NewCodec(conn net.Conn) *Codec {
	return &Codec{conn: conn}
}

// Send marshals msg to JSON and writes it with a 4-byte big-endian length
// prefix. Oversize payloads fail with a PAYLOAD_TOO_LARGE FrameError and
// nothing is written.
func (c *Codec) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("frame marshal: %w", err)
	}
	return c.SendRaw(data)
}

// SendRaw writes an already-encoded JSON payload as one frame.
func (c *Codec) SendRaw(data []byte) error {
	if len(data) > MaxPayloadBytes {
		return &FrameError{Code: CodePayloadTooLarge, Message: fmt.Sprintf("outbound frame of %d bytes exceeds %d", len(data), MaxPayloadBytes)}
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(buf)
	return err
}

// Receive reads one length-prefixed frame and returns the raw JSON payload.
// The full header and payload are consumed before the payload is validated.
// A zero length, an oversize length, or a body that is not valid JSON all
// return a FrameError; the caller must treat those as fatal for the
// connection.
func (c *Codec) Receive() ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(c.conn, lenBuf); err != nil {
		return nil, err
	}

	msgLen := binary.BigEndian.Uint32(lenBuf)
	if msgLen == 0 {
		return nil, &FrameError{Code: CodeProtocolError, Message: "zero-length frame"}
	}
	if msgLen > MaxPayloadBytes {
		return nil, &FrameError{Code: CodePayloadTooLarge, Message: fmt.Sprintf("frame of %d bytes exceeds %d", msgLen, MaxPayloadBytes)}
	}

	data := make([]byte, msgLen)
	if _, err := io.ReadFull(c.conn, data); err != nil {
		return nil, err
	}

	if !json.Valid(data) {
		return nil, &FrameError{Code: CodeMalformedJSON, Message: "frame body is not valid JSON"}
	}
	return data, nil
}

// SetReadDeadline bounds the next Receive. A zero time clears the deadline.
func (c *Codec) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// RemoteAddr reports the peer address of the underlying connection.
func (c *Codec) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the underlying connection.
func (c *Codec) Close() error {
	return c.conn.Close()
}
