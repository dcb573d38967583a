// Package wire implements the local RPC protocol shared by the forward
// (host→worker) and reverse (worker→host) channels: length-prefixed
// JSON frames over a stream endpoint. Frames carry a message type, a
// correlation id, and an opaque payload.
//
// The framing is a 4-byte big-endian length prefix followed by the
// encoded envelope, with an 8 MiB cap on a single message.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// MaxMessageBytes caps a single frame.
const MaxMessageBytes = 8 * 1024 * 1024

// Envelope is one frame on the wire.
type Envelope struct {
	Type    int             `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Codec frames envelopes over a connection. Send and Receive are each
// safe for one concurrent caller; callers that share a codec serialize
// around it.
type Codec struct {
	conn net.Conn
}

// NewCodec wraps a connection.
func NewCodec(conn net.Conn) *Codec {
	return &Codec{conn: conn}
}

// Conn exposes the underlying connection for deadline control.
func (c *Codec) Conn() net.Conn { return c.conn }

// Close closes the underlying connection.
func (c *Codec) Close() error { return c.conn.Close() }

// Send marshals the envelope and writes it with the length prefix in a
// single write to reduce syscalls.
func (c *Codec) Send(env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if len(data) > MaxMessageBytes {
		return fmt.Errorf("message too large: %d bytes", len(data))
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)

	return writeFull(c.conn, buf)
}

// Receive reads one length-prefixed envelope.
func (c *Codec) Receive() (*Envelope, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(c.conn, lenBuf); err != nil {
		return nil, err
	}

	msgLen := binary.BigEndian.Uint32(lenBuf)
	if msgLen > MaxMessageBytes {
		return nil, fmt.Errorf("message too large: %d bytes", msgLen)
	}

	data := make([]byte, msgLen)
	if _, err := io.ReadFull(c.conn, data); err != nil {
		return nil, err
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return &env, nil
}

func writeFull(conn net.Conn, b []byte) error {
	for len(b) > 0 {
		n, err := conn.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// IsBrokenConn reports whether err indicates a reset transport worth
// one reconnect attempt.
func IsBrokenConn(err error) bool {
	return err != nil && (errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ENOTCONN) ||
		errors.Is(err, net.ErrClosed))
}
