// Package wire defines the kernel message envelope and its framed, signed
// encoding on a channel socket.
package wire

import (
	"encoding/json"
	"time"
)

// ProtocolVersion is stamped into every header produced by a Session.
const ProtocolVersion = "5.3"

// Header identifies a single message.
type Header struct {
	MsgID    string    `json:"msg_id"`
	MsgType  string    `json:"msg_type"`
	Session  string    `json:"session"`
	Username string    `json:"username"`
	Date     time.Time `json:"date"`
	Version  string    `json:"version"`
}

// IsZero reports whether the header is empty, as is the parent header of an
// unsolicited broadcast.
func (h Header) IsZero() bool {
	return h.MsgID == "" && h.MsgType == ""
}

// MarshalJSON renders the zero header as an empty object.
func (h Header) MarshalJSON() ([]byte, error) {
	if h.IsZero() {
		return []byte("{}"), nil
	}
	type plain Header
	return json.Marshal(plain(h))
}

// Message is the logical envelope exchanged on every channel.
type Message struct {
	Header       Header         `json:"header"`
	ParentHeader Header         `json:"parent_header"`
	Metadata     map[string]any `json:"metadata"`
	Content      map[string]any `json:"content"`
	Buffers      [][]byte       `json:"-"`
}

// MsgID is shorthand for m.Header.MsgID.
func (m *Message) MsgID() string { return m.Header.MsgID }

// MsgType is shorthand for m.Header.MsgType.
func (m *Message) MsgType() string { return m.Header.MsgType }

// ParentID returns the id of the request this message answers, or "" for
// unsolicited messages.
func (m *Message) ParentID() string { return m.ParentHeader.MsgID }

// Status returns content["status"] when present.
func (m *Message) Status() string {
	if m == nil || m.Content == nil {
		return ""
	}
	s, _ := m.Content["status"].(string)
	return s
}

// Common message types.
const (
	MsgExecuteRequest    = "execute_request"
	MsgExecuteReply      = "execute_reply"
	MsgKernelInfoRequest = "kernel_info_request"
	MsgKernelInfoReply   = "kernel_info_reply"
	MsgShutdownRequest   = "shutdown_request"
	MsgShutdownReply     = "shutdown_reply"
	MsgInterruptRequest  = "interrupt_request"
	MsgInterruptReply    = "interrupt_reply"
	MsgInputRequest      = "input_request"
	MsgInputReply        = "input_reply"
	MsgStatus            = "status"
	MsgStream            = "stream"
	MsgExecuteInput      = "execute_input"
	MsgError             = "error"
)

// ReplyType maps a request type to its reply type.
func ReplyType(requestType string) string {
	const suffix = "_request"
	if n := len(requestType) - len(suffix); n > 0 && requestType[n:] == suffix {
		return requestType[:n] + "_reply"
	}
	return requestType + "_reply"
}
