package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/Paintersrp/kernelsup/internal/kernel"
	"github.com/Paintersrp/kernelsup/internal/logmux"
)

const muxBuffer = 512

// handle is one supervised kernel and the options it was launched with.
type handle struct {
	name   string
	mgr    *kernel.Manager
	launch kernel.LaunchOptions

	mu           sync.Mutex
	restarts     int
	interrupts   int
	autoRestarts int
	exited       bool

	stop chan struct{}
	done chan struct{}
}

func (h *handle) counters() (restarts, interrupts int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.restarts, h.interrupts
}

// supervisor runs one Manager per kernel and fans their events into a
// single stream.
type supervisor struct {
	log         logr.Logger
	opts        []kernel.Option
	policy      kernel.RestartPolicy
	autorestart bool

	mux     *logmux.Mux
	tracker *statusTracker

	mu      sync.Mutex
	kernels map[string]*handle
	order   []string

	closing  bool
	revivals sync.WaitGroup

	exitedAll chan struct{}
	exitOnce  sync.Once
}

func newSupervisor(log logr.Logger, opts []kernel.Option, policy kernel.RestartPolicy, autorestart bool) *supervisor {
	return &supervisor{
		log:         log,
		opts:        opts,
		policy:      policy,
		autorestart: autorestart,
		mux:         logmux.New(muxBuffer),
		tracker:     newStatusTracker(),
		kernels:     make(map[string]*handle),
		exitedAll:   make(chan struct{}),
	}
}

// Events is the merged event stream. It closes once shutdown returns.
func (s *supervisor) Events() <-chan kernel.Event { return s.mux.Output() }

// Exited is closed once every kernel has exited on its own and will not be
// revived.
func (s *supervisor) Exited() <-chan struct{} { return s.exitedAll }

// start launches name. A kernel that fails to launch is not kept.
func (s *supervisor) start(ctx stdcontext.Context, name string, launch kernel.LaunchOptions) (*handle, error) {
	launch.KernelName = name
	h := &handle{
		name:   name,
		mgr:    kernel.NewManager(s.opts...),
		launch: launch,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	if _, ok := s.kernels[name]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("kernel %s already supervised", name)
	}
	s.kernels[name] = h
	s.order = append(s.order, name)
	s.mu.Unlock()

	out := make(chan kernel.Event)
	s.mux.Add(out)
	go s.forward(ctx, h, out)

	if err := h.mgr.Start(ctx, launch); err != nil {
		close(h.stop)
		<-h.done
		s.remove(name)
		return nil, err
	}
	return h, nil
}

func (s *supervisor) remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kernels, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// forward copies manager events into out until stop is closed, then drains
// what is left and closes out.
func (s *supervisor) forward(ctx stdcontext.Context, h *handle, out chan<- kernel.Event) {
	defer close(h.done)
	defer close(out)
	events := h.mgr.Events()
	for {
		select {
		case evt := <-events:
			s.observe(ctx, h, evt)
			out <- evt
		case <-h.stop:
			for {
				select {
				case evt := <-events:
					s.tracker.Apply(evt)
					out <- evt
				default:
					return
				}
			}
		}
	}
}

func (s *supervisor) observe(ctx stdcontext.Context, h *handle, evt kernel.Event) {
	s.tracker.Apply(evt)
	if evt.Type != kernel.EventTypeExited {
		return
	}
	if !s.autorestart || ctx.Err() != nil {
		s.markExited(h)
		return
	}
	h.mu.Lock()
	h.autoRestarts++
	attempt := h.autoRestarts
	h.mu.Unlock()
	if attempt > s.policy.MaxAttempts {
		s.log.Info("kernel exited too often, giving up", "kernel", h.name, "attempts", attempt-1)
		s.markExited(h)
		return
	}
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.revivals.Add(1)
	s.mu.Unlock()
	// Start blocks on the manager's operation lock, so it runs off the
	// forwarding goroutine.
	go func() {
		defer s.revivals.Done()
		s.log.Info("reviving kernel", "kernel", h.name, "attempt", attempt)
		if err := h.mgr.Start(ctx, h.launch); err != nil {
			s.log.Error(err, "revive kernel", "kernel", h.name)
			if !errors.Is(err, kernel.ErrInvalidState) {
				s.markExited(h)
			}
			return
		}
		h.mu.Lock()
		h.restarts++
		h.mu.Unlock()
	}()
}

func (s *supervisor) markExited(h *handle) {
	h.mu.Lock()
	h.exited = true
	h.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.kernels {
		other.mu.Lock()
		exited := other.exited
		other.mu.Unlock()
		if !exited {
			return
		}
	}
	s.exitOnce.Do(func() { close(s.exitedAll) })
}

func (s *supervisor) lookup(name string) (*handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.kernels[name]
	return h, ok
}

func (s *supervisor) handles() []*handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*handle, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.kernels[name])
	}
	return out
}

// restart restarts a running kernel, or starts a stopped one again.
func (s *supervisor) restart(ctx stdcontext.Context, h *handle) error {
	var err error
	if h.mgr.State() == kernel.StateStopped {
		err = h.mgr.Start(ctx, h.launch)
	} else {
		err = h.mgr.Restart(ctx, kernel.RestartOptions{})
	}
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.restarts++
	h.exited = false
	h.mu.Unlock()
	return nil
}

func (s *supervisor) interrupt(ctx stdcontext.Context, h *handle) error {
	if err := h.mgr.Interrupt(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	h.interrupts++
	h.mu.Unlock()
	return nil
}

// shutdown stops every kernel, then closes the event stream once each
// forwarder has drained.
func (s *supervisor) shutdown(ctx stdcontext.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.revivals.Wait()

	for _, h := range s.handles() {
		wg.Add(1)
		go func(h *handle) {
			defer wg.Done()
			if err := h.mgr.Shutdown(ctx, kernel.ShutdownOptions{}); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("shut down %s: %w", h.name, err))
				mu.Unlock()
			}
		}(h)
	}
	wg.Wait()

	for _, h := range s.handles() {
		close(h.stop)
		<-h.done
	}
	s.mux.Close()
	return errors.Join(errs...)
}
