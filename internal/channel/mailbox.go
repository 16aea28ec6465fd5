package channel

import (
	"context"
	"sync"
	"time"

	"github.com/Paintersrp/kernelsup/internal/connection"
	"github.com/Paintersrp/kernelsup/internal/wire"
)

// mailbox queues messages read from one channel. Messages are taken in
// arrival order, optionally filtered, so a reply that nobody has asked for yet
// stays parked until someone does.
type mailbox struct {
	role connection.Role

	mu     sync.Mutex
	msgs   []*wire.Message
	notify chan struct{}
	err    error
}

func newMailbox(role connection.Role) *mailbox {
	return &mailbox{role: role, notify: make(chan struct{})}
}

func (b *mailbox) push(msg *wire.Message) {
	b.mu.Lock()
	b.msgs = append(b.msgs, msg)
	close(b.notify)
	b.notify = make(chan struct{})
	b.mu.Unlock()
}

// fail records why no further messages will arrive. Queued messages can
// still be taken.
func (b *mailbox) fail(err error) {
	b.mu.Lock()
	if b.err == nil {
		b.err = err
		close(b.notify)
		b.notify = make(chan struct{})
	}
	b.mu.Unlock()
}

// take blocks until a message satisfying match arrives. A nil match accepts
// anything; a non-positive timeout waits on ctx alone.
func (b *mailbox) take(ctx context.Context, timeout time.Duration, msgID string, match func(*wire.Message) bool) (*wire.Message, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		b.mu.Lock()
		for i, msg := range b.msgs {
			if match == nil || match(msg) {
				b.msgs = append(b.msgs[:i], b.msgs[i+1:]...)
				b.mu.Unlock()
				return msg, nil
			}
		}
		if b.err != nil {
			err := b.err
			b.mu.Unlock()
			return nil, err
		}
		notify := b.notify
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-expired:
			return nil, &TimeoutError{Channel: b.role, MsgID: msgID, Timeout: timeout}
		case <-notify:
		}
	}
}

func (b *mailbox) drain() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.msgs)
	b.msgs = nil
	return n
}

// discard removes every queued message satisfying match.
func (b *mailbox) discard(match func(*wire.Message) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.msgs[:0]
	for _, msg := range b.msgs {
		if !match(msg) {
			kept = append(kept, msg)
		}
	}
	n := len(b.msgs) - len(kept)
	b.msgs = kept
	return n
}
