package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/Paintersrp/kernelsup/internal/connection"
	"github.com/Paintersrp/kernelsup/internal/wire"
)

// Request dials a single channel, sends one request and waits for the reply
// correlated to it. Supervisors use it to reach the control channel without
// holding a full client. A kernel that has not bound its ports yet is
// redialled until ctx ends, so ctx should carry a deadline.
func Request(ctx context.Context, info connection.Info, role connection.Role, msgType string, content map[string]any) (*wire.Message, error) {
	session, err := wire.NewSession(info.Key, info.SignatureScheme)
	if err != nil {
		return nil, err
	}
	raw, err := redial(ctx, info, role)
	if err != nil {
		return nil, err
	}
	conn := wire.NewConn(raw, session)
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	msg := session.NewMessage(msgType, nil, content)
	if err := conn.Send(msg); err != nil {
		return nil, fmt.Errorf("send %s: %w", msgType, err)
	}
	for {
		reply, err := conn.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, wire.ErrBadSignature) {
				continue
			}
			return nil, fmt.Errorf("await %s: %w", wire.ReplyType(msgType), err)
		}
		if reply.ParentID() == msg.MsgID() {
			return reply, nil
		}
	}
}

func redial(ctx context.Context, info connection.Info, role connection.Role) (net.Conn, error) {
	network, address := info.Address(role)
	var dialer net.Dialer
	for {
		raw, err := dialer.DialContext(ctx, network, address)
		if err == nil {
			return raw, nil
		}
		timer := time.NewTimer(dialRetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("connect %s channel: %w (last error: %v)", role, ctx.Err(), err)
		case <-timer.C:
		}
	}
}
