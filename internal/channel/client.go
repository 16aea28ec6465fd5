// Package channel connects to a running kernel's five channels and exchanges
// messages with it.
package channel

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/Paintersrp/kernelsup/internal/connection"
	"github.com/Paintersrp/kernelsup/internal/metrics"
	"github.com/Paintersrp/kernelsup/internal/probe"
	"github.com/Paintersrp/kernelsup/internal/wire"
)

const (
	defaultHeartbeatPeriod = time.Second
	defaultConnectTimeout  = 10 * time.Second
	dialRetryInterval      = 50 * time.Millisecond
	readyPollInterval      = 100 * time.Millisecond
	readyAttemptTimeout    = time.Second
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(log logr.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithHeartbeatPeriod sets how often the heartbeat is pinged and how long a
// ping may go unanswered.
func WithHeartbeatPeriod(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.hbPeriod = d
		}
	}
}

// WithConnectTimeout bounds how long StartChannels keeps redialling a kernel
// that has not bound its endpoints yet, when ctx carries no deadline.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithLivenessCheck lets WaitForReady give up early once the kernel process
// is known to be gone.
func WithLivenessCheck(alive func() bool) Option {
	return func(c *Client) { c.alive = alive }
}

// ExecuteOptions tune an execute_request. The zero value asks for a normal,
// history-recording execution that may prompt for input and stops on error.
type ExecuteOptions struct {
	Silent          bool
	DisableHistory  bool
	UserExpressions map[string]string
	DisallowStdin   bool
	ContinueOnError bool
}

type sent struct {
	msgType string
	at      time.Time
}

// Client is one frontend's session with a kernel. It is safe for concurrent
// use, but reply correlation through GetShellMsg assumes one caller drives
// the shell channel.
type Client struct {
	info           connection.Info
	session        *wire.Session
	log            logr.Logger
	hbPeriod       time.Duration
	connectTimeout time.Duration
	alive          func() bool

	mu        sync.Mutex
	started   bool
	conns     map[connection.Role]*wire.Conn
	boxes     map[connection.Role]*mailbox
	lastShell string
	inflight  map[string]sent
	// readiness requests whose reply stopped being waited for
	abandoned map[string]struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	hbMu    sync.Mutex
	hb      *wire.Conn
	beating atomic.Bool
	paused  atomic.Bool
}

// New returns a client for info. No connection is made until StartChannels.
func New(info connection.Info, opts ...Option) (*Client, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	session, err := wire.NewSession(info.Key, info.SignatureScheme)
	if err != nil {
		return nil, err
	}
	c := &Client{
		info:           info,
		session:        session,
		log:            logr.Discard(),
		hbPeriod:       defaultHeartbeatPeriod,
		connectTimeout: defaultConnectTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ConnectionInfo returns the descriptor the client was built from.
func (c *Client) ConnectionInfo() connection.Info { return c.info }

// Session returns the signing session, mostly useful for its id.
func (c *Client) Session() *wire.Session { return c.session }

// StartChannels connects all five channels. It keeps redialling until the
// kernel accepts or ctx (or the connect timeout) expires. Calling it on a
// started client does nothing.
func (c *Client) StartChannels(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.connectTimeout)
		defer cancel()
	}

	conns := make(map[connection.Role]*wire.Conn, len(connection.Roles))
	for _, role := range connection.Roles {
		conn, err := c.dial(ctx, role)
		if err != nil {
			for _, open := range conns {
				open.Close()
			}
			return fmt.Errorf("connect %s channel: %w", role, err)
		}
		conns[role] = conn
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.conns = conns
	c.cancel = cancel
	c.inflight = make(map[string]sent)
	c.abandoned = make(map[string]struct{})
	c.boxes = make(map[connection.Role]*mailbox, 4)
	for _, role := range []connection.Role{connection.RoleShell, connection.RoleIOPub, connection.RoleStdin, connection.RoleControl} {
		box := newMailbox(role)
		c.boxes[role] = box
		c.wg.Add(1)
		go c.read(role, conns[role], box)
	}

	c.hbMu.Lock()
	c.hb = conns[connection.RoleHB]
	c.hbMu.Unlock()
	c.beating.Store(true)
	c.wg.Add(1)
	go c.monitorHeartbeat(runCtx)

	c.started = true
	c.log.V(1).Info("channels started", "transport", c.info.Transport, "ip", c.info.IP)
	return nil
}

func (c *Client) dial(ctx context.Context, role connection.Role) (*wire.Conn, error) {
	network, address := c.info.Address(role)
	var dialer net.Dialer
	for {
		raw, err := dialer.DialContext(ctx, network, address)
		if err == nil {
			return wire.NewConn(raw, c.session), nil
		}
		timer := time.NewTimer(dialRetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-timer.C:
		}
	}
}

func (c *Client) read(role connection.Role, conn *wire.Conn, box *mailbox) {
	defer c.wg.Done()
	for {
		msg, err := conn.Recv()
		if err != nil {
			if errors.Is(err, wire.ErrBadSignature) || errors.Is(err, wire.ErrMalformed) {
				c.log.Info("dropping invalid message", "channel", role, "error", err.Error())
				continue
			}
			box.fail(fmt.Errorf("%w: %s: %v", ErrClosed, role, err))
			return
		}
		if role == connection.RoleShell {
			if !c.observeReply(msg) {
				continue
			}
		}
		box.push(msg)
	}
}

// observeReply records reply latency and reports whether msg should be
// queued. Late replies to abandoned readiness requests are not.
func (c *Client) observeReply(msg *wire.Message) bool {
	parent := msg.ParentID()
	c.mu.Lock()
	req, ok := c.inflight[parent]
	delete(c.inflight, parent)
	_, stale := c.abandoned[parent]
	delete(c.abandoned, parent)
	c.mu.Unlock()
	if ok {
		metrics.ObserveShellReply(wire.ReplyType(req.msgType), time.Since(req.at))
	}
	if stale {
		c.log.V(2).Info("dropping late readiness reply", "parent", parent)
	}
	return !stale
}

// StopChannels closes every channel. It is idempotent and safe on a client
// that was never started.
func (c *Client) StopChannels() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	conns := c.conns
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	for _, conn := range conns {
		conn.Close()
	}
	c.hbMu.Lock()
	if c.hb != nil {
		c.hb.Close()
		c.hb = nil
	}
	c.hbMu.Unlock()
	c.wg.Wait()
	c.beating.Store(false)
	c.log.V(1).Info("channels stopped")
}

// ChannelsRunning reports whether StartChannels has connected the client.
func (c *Client) ChannelsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// IsAlive reports whether the channels are usable: started and with a
// heartbeat that is beating and not paused.
func (c *Client) IsAlive() bool {
	return c.ChannelsRunning() && c.IsBeating()
}

func (c *Client) send(role connection.Role, msgType string, content map[string]any) (string, error) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return "", ErrNotStarted
	}
	conn := c.conns[role]
	msg := c.session.NewMessage(msgType, nil, content)
	if role == connection.RoleShell {
		c.lastShell = msg.MsgID()
		c.inflight[msg.MsgID()] = sent{msgType: msgType, at: time.Now()}
	}
	c.mu.Unlock()

	if err := conn.Send(msg); err != nil {
		return "", fmt.Errorf("send %s on %s channel: %w", msgType, role, err)
	}
	c.log.V(2).Info("sent", "channel", role, "type", msgType, "id", msg.MsgID())
	return msg.MsgID(), nil
}

func (c *Client) box(role connection.Role) (*mailbox, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil, ErrNotStarted
	}
	return c.boxes[role], nil
}

// Execute sends an execute_request on the shell channel and returns its
// message id without waiting for the reply.
func (c *Client) Execute(code string, opts ExecuteOptions) (string, error) {
	expressions := make(map[string]any, len(opts.UserExpressions))
	for k, v := range opts.UserExpressions {
		expressions[k] = v
	}
	return c.send(connection.RoleShell, wire.MsgExecuteRequest, map[string]any{
		"code":             code,
		"silent":           opts.Silent,
		"store_history":    !opts.Silent && !opts.DisableHistory,
		"user_expressions": expressions,
		"allow_stdin":      !opts.DisallowStdin,
		"stop_on_error":    !opts.ContinueOnError,
	})
}

// KernelInfo sends a kernel_info_request on the shell channel.
func (c *Client) KernelInfo() (string, error) {
	return c.send(connection.RoleShell, wire.MsgKernelInfoRequest, nil)
}

// Shutdown asks the kernel to exit over the control channel.
func (c *Client) Shutdown(restart bool) (string, error) {
	return c.send(connection.RoleControl, wire.MsgShutdownRequest, map[string]any{"restart": restart})
}

// Interrupt sends an interrupt_request over the control channel. Kernels
// launched in signal mode are normally interrupted by their supervisor
// instead.
func (c *Client) Interrupt() (string, error) {
	return c.send(connection.RoleControl, wire.MsgInterruptRequest, nil)
}

// Input answers a pending input_request.
func (c *Client) Input(value string) error {
	_, err := c.send(connection.RoleStdin, wire.MsgInputReply, map[string]any{"value": value})
	return err
}

// GetShellMsg waits for the reply to the most recent shell request. Replies
// to other requests stay queued for GetShellReply.
func (c *Client) GetShellMsg(ctx context.Context, timeout time.Duration) (*wire.Message, error) {
	c.mu.Lock()
	last := c.lastShell
	c.mu.Unlock()
	if last == "" {
		box, err := c.box(connection.RoleShell)
		if err != nil {
			return nil, err
		}
		return box.take(ctx, timeout, "", nil)
	}
	return c.GetShellReply(ctx, last, timeout)
}

// GetShellReply waits for the shell reply whose parent is msgID.
func (c *Client) GetShellReply(ctx context.Context, msgID string, timeout time.Duration) (*wire.Message, error) {
	box, err := c.box(connection.RoleShell)
	if err != nil {
		return nil, err
	}
	return box.take(ctx, timeout, msgID, func(m *wire.Message) bool { return m.ParentID() == msgID })
}

// GetIOPubMsg returns the next broadcast message.
func (c *Client) GetIOPubMsg(ctx context.Context, timeout time.Duration) (*wire.Message, error) {
	return c.next(ctx, connection.RoleIOPub, timeout)
}

// GetStdinMsg returns the next message from the stdin channel, usually an
// input_request.
func (c *Client) GetStdinMsg(ctx context.Context, timeout time.Duration) (*wire.Message, error) {
	return c.next(ctx, connection.RoleStdin, timeout)
}

// GetControlMsg returns the next reply on the control channel.
func (c *Client) GetControlMsg(ctx context.Context, timeout time.Duration) (*wire.Message, error) {
	return c.next(ctx, connection.RoleControl, timeout)
}

func (c *Client) next(ctx context.Context, role connection.Role, timeout time.Duration) (*wire.Message, error) {
	box, err := c.box(role)
	if err != nil {
		return nil, err
	}
	return box.take(ctx, timeout, "", nil)
}

// WaitForReady blocks until the kernel answers a kernel_info_request and its
// heartbeat echoes, or timeout elapses. Channels are started if needed.
// Broadcast messages queued while waiting are discarded.
func (c *Client) WaitForReady(ctx context.Context, timeout time.Duration) error {
	start := time.Now()
	waitCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if timeout > 0 {
		var stop context.CancelFunc
		waitCtx, stop = context.WithTimeout(waitCtx, timeout)
		defer stop()
	}

	err := c.StartChannels(waitCtx)
	if err == nil {
		err = probe.Until(waitCtx, probe.Func(func(attemptCtx context.Context) error {
			if c.alive != nil && !c.alive() {
				cancel(ErrKernelDied)
				return ErrKernelDied
			}
			return c.probeReady(attemptCtx)
		}), probe.Spec{
			Interval:         readyPollInterval,
			Timeout:          readyAttemptTimeout,
			FailureThreshold: math.MaxInt32,
		})
	}
	if err != nil {
		if cause := context.Cause(waitCtx); errors.Is(cause, ErrKernelDied) {
			return ErrKernelDied
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ReadinessTimeoutError{Timeout: timeout, Elapsed: time.Since(start), Err: err}
	}

	if box, err := c.box(connection.RoleIOPub); err == nil {
		if n := box.drain(); n > 0 {
			c.log.V(1).Info("discarded startup broadcasts", "count", n)
		}
	}
	c.purgeAbandoned()
	c.log.V(1).Info("kernel ready", "elapsed", time.Since(start).String())
	return nil
}

func (c *Client) probeReady(ctx context.Context) error {
	id, err := c.KernelInfo()
	if err != nil {
		return err
	}
	reply, err := c.GetShellReply(ctx, id, 0)
	if err != nil {
		c.mu.Lock()
		c.abandoned[id] = struct{}{}
		c.mu.Unlock()
		return err
	}
	if reply.MsgType() != wire.MsgKernelInfoReply {
		return fmt.Errorf("unexpected %s in reply to kernel_info_request", reply.MsgType())
	}
	return c.ping(ctx)
}

// purgeAbandoned removes replies to abandoned readiness requests that were
// queued before the request was given up. Requests still unanswered stop
// being timed but stay abandoned, so their reply is dropped on arrival.
func (c *Client) purgeAbandoned() {
	c.mu.Lock()
	box := c.boxes[connection.RoleShell]
	ids := make(map[string]struct{}, len(c.abandoned))
	for id := range c.abandoned {
		ids[id] = struct{}{}
		if _, pending := c.inflight[id]; pending {
			delete(c.inflight, id)
		} else {
			delete(c.abandoned, id)
		}
	}
	c.mu.Unlock()
	if box == nil || len(ids) == 0 {
		return
	}
	n := box.discard(func(msg *wire.Message) bool {
		_, ok := ids[msg.ParentID()]
		return ok
	})
	if n > 0 {
		c.log.V(1).Info("discarded late readiness replies", "count", n)
	}
}
