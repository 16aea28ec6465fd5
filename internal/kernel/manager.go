// Package kernel supervises a single kernel process: it launches the kernel
// with a freshly allocated connection file, tracks its lifecycle and turns
// interrupt, restart and shutdown requests into signals or control messages.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/Paintersrp/kernelsup/internal/channel"
	"github.com/Paintersrp/kernelsup/internal/connection"
	"github.com/Paintersrp/kernelsup/internal/kernelspec"
	"github.com/Paintersrp/kernelsup/internal/metrics"
	"github.com/Paintersrp/kernelsup/internal/wire"
)

const (
	defaultShutdownWait     = 5 * time.Second
	defaultInterruptTimeout = 30 * time.Second
	terminateGrace          = 2 * time.Second
	eventBuffer             = 256
)

// LaunchOptions select and customise the kernel to start.
type LaunchOptions struct {
	// KernelName is looked up in the Manager's resolver unless Spec is set.
	KernelName string
	Spec       *kernelspec.Spec
	ExtraArgs  []string
	Env        map[string]string
	Dir        string
}

// RestartOptions control Restart.
type RestartOptions struct {
	// Now kills the kernel without asking it to shut down first.
	Now bool
}

// ShutdownOptions control Shutdown.
type ShutdownOptions struct {
	// Now kills the kernel without asking it to shut down first.
	Now bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(log logr.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithResolver sets where kernel names are looked up.
func WithResolver(r kernelspec.Resolver) Option {
	return func(m *Manager) { m.resolver = r }
}

// WithBinder replaces the process-wide endpoint binder.
func WithBinder(b *connection.Binder) Option {
	return func(m *Manager) {
		if b != nil {
			m.binder = b
		}
	}
}

// WithTransport selects tcp or ipc endpoints.
func WithTransport(t connection.Transport) Option {
	return func(m *Manager) { m.transport = t }
}

// WithIP sets the interface for tcp endpoints or the socket name for ipc.
func WithIP(ip string) Option {
	return func(m *Manager) { m.ip = ip }
}

// WithRuntimeDir sets where connection files and ipc sockets live.
func WithRuntimeDir(dir string) Option {
	return func(m *Manager) { m.runtimeDir = dir }
}

// WithShutdownWait bounds how long a cooperative shutdown may take before
// the kernel is terminated.
func WithShutdownWait(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.shutdownWait = d
		}
	}
}

// WithRestartPolicy sets the relaunch attempts and backoff used by Restart.
func WithRestartPolicy(p RestartPolicy) Option {
	return func(m *Manager) { m.policy = p.normalize() }
}

// launched is everything that belongs to one kernel incarnation.
type launched struct {
	info     connection.Info
	connFile string
	proc     *process
}

// Manager supervises one kernel. Use one Manager per kernel; independent
// kernels need independent Managers.
type Manager struct {
	resolver     kernelspec.Resolver
	binder       *connection.Binder
	log          logr.Logger
	transport    connection.Transport
	ip           string
	runtimeDir   string
	shutdownWait time.Duration
	policy       RestartPolicy
	jitter       func(time.Duration) time.Duration
	sleep        func(context.Context, time.Duration) error
	events       chan Event

	// opMu serialises lifecycle operations; mu guards the fields below and is
	// only held briefly.
	opMu sync.Mutex

	mu          sync.Mutex
	state       State
	current     *launched
	last        *launched
	lastInfo    connection.Info
	hasInfo     bool
	kernelName  string
	spec        *kernelspec.Spec
	launchOpts  LaunchOptions
	interrupter interrupter
}

// NewManager returns an Unstarted manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		resolver:     kernelspec.NewRegistry(nil),
		binder:       connection.DefaultBinder(),
		log:          logr.Discard(),
		transport:    connection.TransportTCP,
		runtimeDir:   filepath.Join(os.TempDir(), "kernelsup"),
		shutdownWait: defaultShutdownWait,
		policy:       DefaultRestartPolicy(),
		jitter:       defaultJitter,
		sleep:        sleepWithContext,
		events:       make(chan Event, eventBuffer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// KernelName returns the name of the kernel being supervised.
func (m *Manager) KernelName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kernelName
}

// Events returns the lifecycle event stream. Events are dropped when nobody
// keeps up with it.
func (m *Manager) Events() <-chan Event { return m.events }

// transition moves to the given state if the edge is legal and returns the
// state it left.
func (m *Manager) transition(op string, to State) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.canTransition(to) {
		return m.state, &InvalidStateError{Op: op, State: m.state}
	}
	prev := m.state
	m.state = to
	return prev, nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Start launches the kernel. It is valid from Unstarted or Stopped; on
// failure the manager returns to that state and a LaunchError is reported.
func (m *Manager) Start(ctx context.Context, opts LaunchOptions) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	prev, err := m.transition("start", StateStarting)
	if err != nil {
		return err
	}

	spec, name, err := m.resolve(opts)
	if err != nil {
		m.setState(prev)
		return &LaunchError{Kernel: name, Err: err}
	}
	m.mu.Lock()
	m.kernelName = name
	m.mu.Unlock()
	m.emit(Event{Type: EventTypeStarting, Reason: ReasonInitialStart, Message: "starting kernel"})

	l, err := m.launch(ctx, name, spec, opts)
	if err != nil {
		m.setState(prev)
		m.emit(Event{Type: EventTypeError, Reason: ReasonStartFailure, Message: "kernel launch failed", Err: err})
		return &LaunchError{Kernel: name, Err: err}
	}

	m.install(l, spec, opts)
	m.emit(Event{Type: EventTypeRunning, Reason: ReasonInitialStart, Message: "kernel started", PID: l.proc.pid})
	return nil
}

func (m *Manager) resolve(opts LaunchOptions) (*kernelspec.Spec, string, error) {
	name := opts.KernelName
	if opts.Spec != nil {
		spec := opts.Spec.Clone()
		if name == "" {
			name = spec.DisplayName
		}
		return spec, name, spec.Validate()
	}
	if name == "" {
		return nil, name, errors.New("no kernel name or spec given")
	}
	if m.resolver == nil {
		return nil, name, fmt.Errorf("%w: %s", kernelspec.ErrNotFound, name)
	}
	spec, err := m.resolver.Resolve(name)
	if err != nil {
		return nil, name, err
	}
	return spec, name, spec.Validate()
}

// launch allocates a fresh descriptor, writes the connection file and spawns
// the kernel. Nothing is left behind on failure.
func (m *Manager) launch(ctx context.Context, name string, spec *kernelspec.Spec, opts LaunchOptions) (*launched, error) {
	info, err := m.binder.Allocate(ctx, connection.BindOptions{
		Transport:  m.transport,
		IP:         m.ip,
		RuntimeDir: m.runtimeDir,
		KernelName: name,
	})
	if err != nil {
		return nil, err
	}

	path := filepath.Join(m.runtimeDir, "kernel-"+uuid.NewString()+".json")
	if err := connection.WriteFile(path, info); err != nil {
		m.binder.Release(info)
		return nil, err
	}

	argv := append(spec.FormatArgv(path), opts.ExtraArgs...)
	env := mergeEnv(os.Environ(), spec.Env, opts.Env)
	proc, err := spawn(argv, env, opts.Dir, m.kernelOutput(name))
	if err != nil {
		_ = os.Remove(path)
		m.binder.Release(info)
		return nil, fmt.Errorf("spawn %s: %w", argv[0], err)
	}

	m.log.Info("kernel launched", "kernel", name, "pid", proc.pid, "connection_file", path)
	l := &launched{info: info, connFile: path, proc: proc}
	go m.watch(l)
	return l, nil
}

func (m *Manager) install(l *launched, spec *kernelspec.Spec, opts LaunchOptions) {
	m.mu.Lock()
	m.current = l
	m.last = l
	m.lastInfo = l.info
	m.hasInfo = true
	m.spec = spec
	m.launchOpts = opts
	m.interrupter = newInterrupter(spec.Mode())
	m.state = StateRunning
	name := m.kernelName
	m.mu.Unlock()
	metrics.SetKernelAlive(name, true)
}

func (m *Manager) kernelOutput(name string) lineFunc {
	return func(source, line string) {
		m.log.V(1).Info("kernel output", "kernel", name, "source", source, "line", line)
		m.emit(Event{Type: EventTypeLog, Source: source, Message: line})
	}
}

// watch notices a kernel that exits without being asked to. Only a kernel
// that is Running or being interrupted moves to Stopped here; restart and
// shutdown clean up after themselves.
func (m *Manager) watch(l *launched) {
	<-l.proc.done
	code := l.proc.exitCode()

	m.mu.Lock()
	if m.current != l || (m.state != StateRunning && m.state != StateInterrupting) {
		m.mu.Unlock()
		return
	}
	m.state = StateStopped
	m.current = nil
	name := m.kernelName
	m.mu.Unlock()

	m.release(l)
	metrics.SetKernelAlive(name, false)
	if code != 0 {
		m.log.Info("kernel exited unexpectedly", "kernel", name, "pid", l.proc.pid, "code", code)
	} else {
		m.log.Info("kernel exited", "kernel", name, "pid", l.proc.pid)
	}
	m.emit(Event{Type: EventTypeExited, Reason: ReasonUnexpectedExit, Message: "kernel exited", PID: l.proc.pid, ExitCode: code})
}

// release drops everything tied to one incarnation: leftover children, the
// connection file and the endpoint reservations.
func (m *Manager) release(l *launched) {
	if l == nil {
		return
	}
	if err := killProcess(l.proc); err != nil {
		m.log.V(1).Info("reaping kernel process group failed", "error", err.Error())
	}
	if err := os.Remove(l.connFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.log.Error(err, "remove connection file", "path", l.connFile)
	}
	m.binder.Release(l.info)
}

// IsAlive reports whether the kernel process is running. It never blocks.
func (m *Manager) IsAlive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.active() && m.state != StateShuttingDown {
		return false
	}
	return m.current != nil && !m.current.proc.exited()
}

// PID returns the kernel's process id, or 0 when none is running.
func (m *Manager) PID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return 0
	}
	return m.current.proc.pid
}

// ConnectionInfo returns a copy of the active descriptor. After the kernel
// stops it returns the last one used.
func (m *Manager) ConnectionInfo() (connection.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasInfo {
		return connection.Info{}, &InvalidStateError{Op: "read connection info of", State: m.state}
	}
	return m.lastInfo, nil
}

// ConnectionFile returns the path of the active connection file.
func (m *Manager) ConnectionFile() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.connFile
}

// Interrupt delivers an interrupt to the kernel's whole process group, or
// over the control channel for kernels that ask for that. The kernel keeps
// running.
func (m *Manager) Interrupt(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if _, err := m.transition("interrupt", StateInterrupting); err != nil {
		return err
	}
	m.mu.Lock()
	l := m.current
	relay := m.interrupter
	name := m.kernelName
	m.mu.Unlock()
	if l == nil {
		return fmt.Errorf("interrupt kernel %s: process already exited", name)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultInterruptTimeout)
		defer cancel()
	}
	err := relay.deliverInterrupt(ctx, l.proc, l.info)

	m.mu.Lock()
	if m.state == StateInterrupting {
		m.state = StateRunning
	}
	m.mu.Unlock()

	if err != nil {
		m.emit(Event{Type: EventTypeError, Message: "interrupt failed", Err: err, PID: l.proc.pid})
		return fmt.Errorf("interrupt kernel %s: %w", name, err)
	}
	metrics.IncrementKernelInterrupt(name)
	m.emit(Event{Type: EventTypeInterrupted, Message: "interrupt delivered", PID: l.proc.pid})
	return nil
}

// stop ends one incarnation. Unless now is set the kernel is first asked to
// shut down on the control channel and given the shutdown wait, then sent a
// termination signal. Whatever is left of the process group is killed.
func (m *Manager) stop(ctx context.Context, l *launched, now, restart bool) error {
	p := l.proc
	if !now && !p.exited() {
		waitCtx, cancel := context.WithTimeout(ctx, m.shutdownWait)
		go func() {
			select {
			case <-p.done:
				cancel()
			case <-waitCtx.Done():
			}
		}()
		if _, err := channel.Request(waitCtx, l.info, connection.RoleControl, wire.MsgShutdownRequest, map[string]any{"restart": restart}); err != nil {
			m.log.V(1).Info("shutdown request not answered", "error", err.Error())
		}
		select {
		case <-p.done:
		case <-waitCtx.Done():
		}
		cancel()

		if !p.exited() {
			m.log.Info("kernel did not exit in time, terminating", "pid", p.pid, "wait", m.shutdownWait.String())
			if err := terminateProcess(p); err != nil {
				m.log.Error(err, "terminate kernel")
			}
			select {
			case <-p.done:
			case <-time.After(terminateGrace):
			case <-ctx.Done():
			}
		}
	}

	if err := killProcess(p); err != nil {
		return err
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restart replaces the kernel with a new process on a new descriptor. On
// failure after the policy's attempts the manager is Stopped and a
// RestartError is returned.
func (m *Manager) Restart(ctx context.Context, opts RestartOptions) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if _, err := m.transition("restart", StateRestarting); err != nil {
		return err
	}
	m.mu.Lock()
	old := m.current
	spec := m.spec
	launchOpts := m.launchOpts
	name := m.kernelName
	m.mu.Unlock()

	m.emit(Event{Type: EventTypeRestarting, Reason: ReasonRestart, Message: "restarting kernel", PID: old.proc.pid})
	if err := m.stop(ctx, old, opts.Now, true); err != nil {
		m.fail(old, name)
		return &RestartError{Kernel: name, Attempts: 0, Err: err}
	}

	// The old descriptor stays reserved until the new one is allocated, so
	// the two never share an endpoint.
	var next *launched
	base := m.policy.Min
	for attempt := 1; ; attempt++ {
		l, err := m.launch(ctx, name, spec, launchOpts)
		if err == nil {
			next = l
			break
		}
		m.log.Error(err, "kernel relaunch failed", "kernel", name, "attempt", attempt)
		m.emit(Event{Type: EventTypeError, Reason: ReasonStartFailure, Message: "relaunch failed", Err: err, Attempt: attempt})
		if attempt >= m.policy.MaxAttempts || ctx.Err() != nil {
			m.fail(old, name)
			m.emit(Event{Type: EventTypeStopped, Reason: ReasonRetriesExhaust, Message: "kernel stopped", Err: err})
			return &RestartError{Kernel: name, Attempts: attempt, Err: err}
		}
		if err := m.sleepBackoff(ctx, &base); err != nil {
			m.fail(old, name)
			return &RestartError{Kernel: name, Attempts: attempt, Err: err}
		}
	}
	m.release(old)

	m.install(next, spec, launchOpts)
	metrics.IncrementKernelRestart(name)
	m.log.Info("kernel restarted", "kernel", name, "pid", next.proc.pid)
	m.emit(Event{Type: EventTypeRunning, Reason: ReasonRestart, Message: "kernel restarted", PID: next.proc.pid})
	return nil
}

func (m *Manager) fail(l *launched, name string) {
	m.release(l)
	m.mu.Lock()
	m.current = nil
	m.state = StateStopped
	m.mu.Unlock()
	metrics.SetKernelAlive(name, false)
}

// Shutdown stops the kernel for good. Calling it on a manager that is
// Unstarted or already Stopped does nothing.
func (m *Manager) Shutdown(ctx context.Context, opts ShutdownOptions) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.state == StateUnstarted || m.state == StateStopped {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if _, err := m.transition("shut down", StateShuttingDown); err != nil {
		return err
	}
	m.mu.Lock()
	l := m.current
	name := m.kernelName
	m.mu.Unlock()

	m.emit(Event{Type: EventTypeStopping, Reason: ReasonShutdown, Message: "stopping kernel"})
	var err error
	if l != nil {
		err = m.stop(ctx, l, opts.Now, false)
	}
	m.fail(l, name)
	m.log.Info("kernel stopped", "kernel", name)
	m.emit(Event{Type: EventTypeStopped, Reason: ReasonShutdown, Message: "kernel stopped", Err: err})
	return err
}

// Wait blocks until the most recently launched kernel process exits and
// returns its exit code. Signals are reported as the negated signal number.
func (m *Manager) Wait(ctx context.Context) (int, error) {
	m.mu.Lock()
	l := m.last
	state := m.state
	m.mu.Unlock()
	if l == nil {
		return 0, &InvalidStateError{Op: "wait for", State: state}
	}
	select {
	case <-l.proc.done:
		return l.proc.exitCode(), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Client returns a channel client for the active descriptor. The client
// stops waiting for readiness if the kernel process dies.
func (m *Manager) Client(opts ...channel.Option) (*channel.Client, error) {
	info, err := m.ConnectionInfo()
	if err != nil {
		return nil, err
	}
	base := []channel.Option{channel.WithLogger(m.log), channel.WithLivenessCheck(m.IsAlive)}
	return channel.New(info, append(base, opts...)...)
}

// StartNewKernel starts a kernel, connects a client and waits until the
// kernel answers. Both are torn down if the kernel does not become ready.
func StartNewKernel(ctx context.Context, launch LaunchOptions, readyTimeout time.Duration, opts ...Option) (*Manager, *channel.Client, error) {
	m := NewManager(opts...)
	if err := m.Start(ctx, launch); err != nil {
		return nil, nil, err
	}
	client, err := m.Client()
	if err == nil {
		err = client.WaitForReady(ctx, readyTimeout)
		if err != nil {
			client.StopChannels()
		}
	}
	if err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), m.shutdownWait)
		defer cancel()
		_ = m.Shutdown(stopCtx, ShutdownOptions{Now: true})
		return nil, nil, err
	}
	return m, client, nil
}
