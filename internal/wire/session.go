package wire

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Delimiter separates routing identities from the signed message parts.
var Delimiter = []byte("<IDS|MSG>")

var (
	// ErrBadSignature is returned when an incoming message fails HMAC
	// verification.
	ErrBadSignature = errors.New("wire: invalid message signature")
	// ErrMalformed is returned for frames that do not carry a full envelope.
	ErrMalformed = errors.New("wire: malformed message")
)

var schemes = map[string]func() hash.Hash{
	"hmac-sha256": sha256.New,
	"hmac-sha512": sha512.New,
}

// Session stamps, signs and verifies messages for one peer. Message ids are
// "<session>_<n>" with n increasing monotonically, which keeps them unique
// within the session and ordered for debugging.
type Session struct {
	id       string
	username string
	key      []byte
	digest   func() hash.Hash
	counter  atomic.Uint64
	now      func() time.Time
}

// NewSession builds a session signing with key under scheme. An empty key
// disables signing, matching kernels launched without authentication.
func NewSession(key, scheme string) (*Session, error) {
	if scheme == "" {
		scheme = "hmac-sha256"
	}
	digest, ok := schemes[scheme]
	if !ok {
		return nil, fmt.Errorf("wire: unsupported signature scheme %q", scheme)
	}
	username := os.Getenv("USER")
	if username == "" {
		username = "username"
	}
	return &Session{
		id:       uuid.NewString(),
		username: username,
		key:      []byte(key),
		digest:   digest,
		now:      time.Now,
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Counter reports how many message ids have been issued.
func (s *Session) Counter() uint64 { return s.counter.Load() }

// NewHeader creates a header with a fresh message id.
func (s *Session) NewHeader(msgType string) Header {
	n := s.counter.Add(1)
	return Header{
		MsgID:    s.id + "_" + strconv.FormatUint(n, 10),
		MsgType:  msgType,
		Session:  s.id,
		Username: s.username,
		Date:     s.now().UTC(),
		Version:  ProtocolVersion,
	}
}

// NewMessage builds a message of msgType. parent may be nil for unsolicited
// messages.
func (s *Session) NewMessage(msgType string, parent *Message, content map[string]any) *Message {
	msg := &Message{
		Header:   s.NewHeader(msgType),
		Metadata: map[string]any{},
		Content:  content,
	}
	if msg.Content == nil {
		msg.Content = map[string]any{}
	}
	if parent != nil {
		msg.ParentHeader = parent.Header
	}
	return msg
}

// Reply builds the reply to request, correlated through the parent header.
func (s *Session) Reply(request *Message, content map[string]any) *Message {
	return s.NewMessage(ReplyType(request.MsgType()), request, content)
}

// Sign returns the hex digest over the four signed parts.
func (s *Session) Sign(header, parent, metadata, content []byte) string {
	if len(s.key) == 0 {
		return ""
	}
	mac := hmac.New(s.digest, s.key)
	mac.Write(header)
	mac.Write(parent)
	mac.Write(metadata)
	mac.Write(content)
	return hex.EncodeToString(mac.Sum(nil))
}

// Serialize encodes msg into frame parts, prefixed by optional routing
// identities.
func (s *Session) Serialize(msg *Message, idents ...[]byte) ([][]byte, error) {
	header, err := json.Marshal(msg.Header)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	parent, err := json.Marshal(msg.ParentHeader)
	if err != nil {
		return nil, fmt.Errorf("encode parent header: %w", err)
	}
	metadata, err := json.Marshal(nonNil(msg.Metadata))
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	content, err := json.Marshal(nonNil(msg.Content))
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}

	parts := make([][]byte, 0, len(idents)+6+len(msg.Buffers))
	parts = append(parts, idents...)
	parts = append(parts, Delimiter, []byte(s.Sign(header, parent, metadata, content)), header, parent, metadata, content)
	parts = append(parts, msg.Buffers...)
	return parts, nil
}

// Deserialize verifies and decodes frame parts. Routing identities preceding
// the delimiter are returned separately.
func (s *Session) Deserialize(parts [][]byte) (*Message, [][]byte, error) {
	idx := -1
	for i, p := range parts {
		if bytes.Equal(p, Delimiter) {
			idx = i
			break
		}
	}
	if idx < 0 || len(parts)-idx < 6 {
		return nil, nil, ErrMalformed
	}
	idents := parts[:idx]
	sig := parts[idx+1]
	header, parent, metadata, content := parts[idx+2], parts[idx+3], parts[idx+4], parts[idx+5]

	if len(s.key) > 0 {
		want := s.Sign(header, parent, metadata, content)
		if !hmac.Equal([]byte(want), sig) {
			return nil, idents, ErrBadSignature
		}
	}

	msg := &Message{}
	if err := json.Unmarshal(header, &msg.Header); err != nil {
		return nil, idents, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	if err := json.Unmarshal(parent, &msg.ParentHeader); err != nil {
		return nil, idents, fmt.Errorf("%w: parent header: %v", ErrMalformed, err)
	}
	if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
		return nil, idents, fmt.Errorf("%w: metadata: %v", ErrMalformed, err)
	}
	if err := json.Unmarshal(content, &msg.Content); err != nil {
		return nil, idents, fmt.Errorf("%w: content: %v", ErrMalformed, err)
	}
	if rest := parts[idx+6:]; len(rest) > 0 {
		msg.Buffers = rest
	}
	return msg, idents, nil
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
