// Package kernelserver implements the kernel side of the five channel
// protocol: it binds the endpoints named in a connection file, echoes
// heartbeats, dispatches shell and control requests to a Handler and
// broadcasts status on iopub.
package kernelserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"sync"

	"github.com/go-logr/logr"

	"github.com/Paintersrp/kernelsup/internal/connection"
	"github.com/Paintersrp/kernelsup/internal/wire"
)

// Handler executes requests on behalf of the kernel.
type Handler interface {
	// Execute runs code and returns the execute_reply content. A missing
	// "status" key is filled in as "ok".
	Execute(ctx context.Context, code string, req *Request) map[string]any
	// Interrupt is invoked for interrupt_request messages on the control
	// channel. Kernels launched in signal mode receive SIGINT instead.
	Interrupt()
}

// Request gives handlers access to the triggering message and the stdin
// channel.
type Request struct {
	Message *wire.Message
	server  *Server
}

// Input asks the frontend for a line of input on the stdin channel.
func (r *Request) Input(ctx context.Context, prompt string, password bool) (string, error) {
	return r.server.input(ctx, r.Message, prompt, password)
}

// Publish broadcasts a message on iopub parented to the request.
func (r *Request) Publish(msgType string, content map[string]any) {
	r.server.Publish(msgType, r.Message, content)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(log logr.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithKernelInfo overrides the kernel_info_reply content.
func WithKernelInfo(info map[string]any) Option {
	return func(s *Server) { s.kernelInfo = info }
}

// Server serves one kernel's channels.
type Server struct {
	info       connection.Info
	session    *wire.Session
	handler    Handler
	log        logr.Logger
	kernelInfo map[string]any

	mu        sync.Mutex
	listeners map[connection.Role]net.Listener
	conns     map[*wire.Conn]struct{}
	iopub     map[*wire.Conn]struct{}
	stdin     *wire.Conn
	inputCh   chan *wire.Message
	execCount int
	closed    bool

	execMu sync.Mutex

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	restart      bool
}

// New prepares a server for info. Nothing is bound until Serve.
func New(info connection.Info, handler Handler, opts ...Option) (*Server, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	session, err := wire.NewSession(info.Key, info.SignatureScheme)
	if err != nil {
		return nil, err
	}
	s := &Server{
		info:       info,
		session:    session,
		handler:    handler,
		log:        logr.Discard(),
		listeners:  make(map[connection.Role]net.Listener, len(connection.Roles)),
		conns:      make(map[*wire.Conn]struct{}),
		iopub:      make(map[*wire.Conn]struct{}),
		inputCh:    make(chan *wire.Message, 1),
		shutdownCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.kernelInfo == nil {
		s.kernelInfo = map[string]any{
			"protocol_version":       wire.ProtocolVersion,
			"implementation":         "kernelsup",
			"implementation_version": "1.0",
			"language_info":          map[string]any{"name": "text"},
			"banner":                 "",
		}
	}
	return s, nil
}

// Serve binds every endpoint and blocks until ctx is done or a
// shutdown_request is received. It reports whether the shutdown asked for a
// restart.
func (s *Server) Serve(ctx context.Context) (restart bool, err error) {
	if err := s.bind(); err != nil {
		s.Close()
		return false, err
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for role, ln := range s.listeners {
		wg.Add(1)
		go func(role connection.Role, ln net.Listener) {
			defer wg.Done()
			s.accept(ctx, role, ln)
		}(role, ln)
	}

	s.Publish(wire.MsgStatus, nil, map[string]any{"execution_state": "starting"})
	s.log.Info("kernel channels bound", "transport", s.info.Transport, "ip", s.info.IP)

	select {
	case <-ctx.Done():
	case <-s.shutdownCh:
	}
	s.Close()
	wg.Wait()

	s.mu.Lock()
	restart = s.restart
	s.mu.Unlock()
	return restart, nil
}

func (s *Server) bind() error {
	for _, role := range connection.Roles {
		network, address := s.info.Address(role)
		if network == "unix" {
			// The supervisor leaves a placeholder file to claim the path.
			_ = os.Remove(address)
		}
		ln, err := net.Listen(network, address)
		if err != nil {
			return fmt.Errorf("bind %s channel on %s: %w", role, address, err)
		}
		s.mu.Lock()
		s.listeners[role] = ln
		s.mu.Unlock()
	}
	return nil
}

func (s *Server) accept(ctx context.Context, role connection.Role, ln net.Listener) {
	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.log.Error(err, "accept failed", "channel", role)
			}
			return
		}
		conn := wire.NewConn(raw, s.session)
		if !s.track(conn) {
			conn.Close()
			return
		}
		go s.serveConn(ctx, role, conn)
	}
}

func (s *Server) track(conn *wire.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn *wire.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	delete(s.iopub, conn)
	if s.stdin == conn {
		s.stdin = nil
	}
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) serveConn(ctx context.Context, role connection.Role, conn *wire.Conn) {
	defer s.untrack(conn)

	switch role {
	case connection.RoleHB:
		for {
			parts, err := conn.RecvRaw()
			if err != nil {
				return
			}
			if err := conn.SendRaw(parts); err != nil {
				return
			}
		}
	case connection.RoleIOPub:
		s.mu.Lock()
		s.iopub[conn] = struct{}{}
		s.mu.Unlock()
		// Subscribers never send; block until the peer hangs up.
		for {
			if _, err := conn.RecvRaw(); err != nil {
				return
			}
		}
	case connection.RoleStdin:
		s.mu.Lock()
		s.stdin = conn
		s.mu.Unlock()
		for {
			msg, err := conn.Recv()
			if err != nil {
				return
			}
			if msg.MsgType() != wire.MsgInputReply {
				continue
			}
			select {
			case s.inputCh <- msg:
			default:
				s.log.V(1).Info("dropping unsolicited input_reply")
			}
		}
	case connection.RoleShell, connection.RoleControl:
		for {
			msg, err := conn.Recv()
			if err != nil {
				if errors.Is(err, wire.ErrBadSignature) {
					s.log.Info("rejected message with invalid signature", "channel", role)
					continue
				}
				return
			}
			s.dispatch(ctx, role, conn, msg)
		}
	}
}

func (s *Server) dispatch(ctx context.Context, role connection.Role, conn *wire.Conn, msg *wire.Message) {
	s.log.V(1).Info("request", "channel", role, "type", msg.MsgType(), "id", msg.MsgID())
	var reply *wire.Message

	switch msg.MsgType() {
	case wire.MsgKernelInfoRequest:
		content := make(map[string]any, len(s.kernelInfo)+1)
		for k, v := range s.kernelInfo {
			content[k] = v
		}
		content["status"] = "ok"
		reply = s.session.Reply(msg, content)
	case wire.MsgExecuteRequest:
		reply = s.execute(ctx, msg)
	case wire.MsgInterruptRequest:
		if s.handler != nil {
			s.handler.Interrupt()
		}
		reply = s.session.Reply(msg, map[string]any{"status": "ok"})
	case wire.MsgShutdownRequest:
		restart, _ := msg.Content["restart"].(bool)
		reply = s.session.Reply(msg, map[string]any{"status": "ok", "restart": restart})
		defer s.requestShutdown(restart)
		s.Publish(wire.MsgShutdownReply, msg, reply.Content)
	default:
		reply = s.session.Reply(msg, map[string]any{
			"status": "error",
			"ename":  "UnknownMessageType",
			"evalue": msg.MsgType(),
		})
	}

	if err := conn.Send(reply); err != nil {
		s.log.Error(err, "send reply failed", "channel", role, "type", reply.MsgType())
	}
}

func (s *Server) execute(ctx context.Context, msg *wire.Message) *wire.Message {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	code, _ := msg.Content["code"].(string)
	silent, _ := msg.Content["silent"].(bool)

	s.mu.Lock()
	if !silent {
		s.execCount++
	}
	count := s.execCount
	s.mu.Unlock()

	s.Publish(wire.MsgStatus, msg, map[string]any{"execution_state": "busy"})
	defer s.Publish(wire.MsgStatus, msg, map[string]any{"execution_state": "idle"})
	s.Publish(wire.MsgExecuteInput, msg, map[string]any{"code": code, "execution_count": count})

	var content map[string]any
	if s.handler != nil {
		content = s.handler.Execute(ctx, code, &Request{Message: msg, server: s})
	}
	if content == nil {
		content = map[string]any{}
	}
	if _, ok := content["status"]; !ok {
		content["status"] = "ok"
	}
	if _, ok := content["user_expressions"]; !ok {
		content["user_expressions"] = map[string]any{}
	}
	content["execution_count"] = count
	return s.session.Reply(msg, content)
}

// Publish broadcasts a message on iopub. parent may be nil.
func (s *Server) Publish(msgType string, parent *wire.Message, content map[string]any) {
	msg := s.session.NewMessage(msgType, parent, content)
	s.mu.Lock()
	subs := make([]*wire.Conn, 0, len(s.iopub))
	for conn := range s.iopub {
		subs = append(subs, conn)
	}
	s.mu.Unlock()
	for _, conn := range subs {
		if err := conn.Send(msg); err != nil {
			s.untrack(conn)
		}
	}
}

func (s *Server) input(ctx context.Context, parent *wire.Message, prompt string, password bool) (string, error) {
	s.mu.Lock()
	conn := s.stdin
	s.mu.Unlock()
	if conn == nil {
		return "", errors.New("no frontend connected to stdin")
	}
	if allow, ok := parent.Content["allow_stdin"].(bool); ok && !allow {
		return "", errors.New("frontend does not support input requests")
	}

	// Discard replies left over from an abandoned request.
	select {
	case <-s.inputCh:
	default:
	}

	req := s.session.NewMessage(wire.MsgInputRequest, parent, map[string]any{"prompt": prompt, "password": password})
	if err := conn.Send(req); err != nil {
		return "", fmt.Errorf("send input_request: %w", err)
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case reply := <-s.inputCh:
		value, _ := reply.Content["value"].(string)
		return value, nil
	}
}

func (s *Server) requestShutdown(restart bool) {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.restart = restart
		s.mu.Unlock()
		close(s.shutdownCh)
	})
}

// Close unbinds every endpoint and drops open connections. It is safe to call
// more than once.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	listeners := s.listeners
	conns := make([]*wire.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, ln := range listeners {
		ln.Close()
	}
	for _, conn := range conns {
		conn.Close()
	}
	if s.info.Transport == connection.TransportIPC && runtime.GOOS != "windows" {
		for _, role := range connection.Roles {
			_, path := s.info.Address(role)
			_ = os.Remove(path)
		}
	}
}

// Addr returns the bound address for role, or nil before Serve.
func (s *Server) Addr(role connection.Role) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ln, ok := s.listeners[role]; ok {
		return ln.Addr()
	}
	return nil
}
