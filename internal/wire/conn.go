package wire

import (
	"bufio"
	"net"
	"sync"
	"time"
)

// Conn carries signed messages over one stream connection.
type Conn struct {
	raw     net.Conn
	session *Session
	reader  *bufio.Reader
	writer  *FrameWriter

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps raw so messages are framed and signed with session.
func NewConn(raw net.Conn, session *Session) *Conn {
	return &Conn{
		raw:     raw,
		session: session,
		reader:  bufio.NewReader(raw),
		writer:  NewFrameWriter(raw),
	}
}

// Send writes msg. It is safe to call from multiple goroutines.
func (c *Conn) Send(msg *Message) error {
	parts, err := c.session.Serialize(msg)
	if err != nil {
		return err
	}
	return c.writer.Write(parts)
}

// Recv blocks for the next message. Only one goroutine may call Recv at a
// time.
func (c *Conn) Recv() (*Message, error) {
	parts, err := ReadFrame(c.reader)
	if err != nil {
		return nil, err
	}
	msg, _, err := c.session.Deserialize(parts)
	return msg, err
}

// SendRaw writes an unsigned frame. The heartbeat channel uses it to echo
// opaque payloads.
func (c *Conn) SendRaw(parts [][]byte) error {
	return c.writer.Write(parts)
}

// RecvRaw reads an unsigned frame.
func (c *Conn) RecvRaw() ([][]byte, error) {
	return ReadFrame(c.reader)
}

// Close closes the underlying connection once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.raw.Close()
	})
	return c.closeErr
}

// SetReadDeadline bounds the next Recv or RecvRaw.
func (c *Conn) SetReadDeadline(t time.Time) error { return c.raw.SetReadDeadline(t) }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }
