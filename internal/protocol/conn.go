package protocol

import (
	"net"
	"sync"
	"time"
)

// Conn is one framed connection. Reads happen on a single goroutine, writes
// may come from several and are serialized by their own lock.
type Conn struct {
	conn   net.Conn
	reader *Reader
	codec  *Codec

	writeMu      sync.Mutex
	writeTimeout time.Duration
}

// NewConn wraps c.
func NewConn(c net.Conn, codec *Codec, maxFrameSize int) *Conn {
	return &Conn{
		conn:   c,
		reader: NewReader(c, maxFrameSize),
		codec:  codec,
	}
}

// SetWriteTimeout bounds every send. Zero disables the deadline.
func (c *Conn) SetWriteTimeout(d time.Duration) {
	c.writeMu.Lock()
	c.writeTimeout = d
	c.writeMu.Unlock()
}

// Codec returns the payload codec.
func (c *Conn) Codec() *Codec { return c.codec }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Send writes one frame. A failed write may leave part of a frame on the
// stream, so the connection is closed and the reader sees ErrConnectionLost.
func (c *Conn) Send(tag Tag, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if err := WriteFrame(c.conn, tag, payload); err != nil {
		_ = c.conn.Close()
		return err
	}
	return nil
}

// SendClientName sends the worker handshake.
func (c *Conn) SendClientName(name string) error {
	return c.Send(TagClientName, []byte(name))
}

// SendResult encodes and sends a completion.
func (c *Conn) SendResult(m *ResultMessage) error {
	payload, err := c.codec.EncodeResult(m)
	if err != nil {
		return err
	}
	return c.Send(TagResult, payload)
}

// Receive blocks for the next frame.
func (c *Conn) Receive() (Frame, error) {
	return c.reader.ReadFrame()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
