package cli

import (
	"sort"
	"sync"
	"time"

	"github.com/Paintersrp/kernelsup/internal/cliutil"
	"github.com/Paintersrp/kernelsup/internal/kernel"
)

const historyCapacity = 32

// kernelStatus captures runtime state for a kernel observed via events.
type kernelStatus struct {
	name      string
	firstSeen time.Time
	lastEvent time.Time
	state     kernel.EventType
	alive     bool
	pid       int
	exitCode  int
	restarts  int
	message   string
	history   []transition
}

type transition struct {
	Timestamp time.Time
	Type      kernel.EventType
	Reason    string
	Message   string
}

// statusTracker maintains in-memory status for kernels based on manager events.
type statusTracker struct {
	mu      sync.RWMutex
	kernels map[string]*kernelStatus
}

func newStatusTracker() *statusTracker {
	return &statusTracker{kernels: make(map[string]*kernelStatus)}
}

// Apply updates the tracker based on the supplied event.
func (t *statusTracker) Apply(evt kernel.Event) {
	if evt.Kernel == "" {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.kernels[evt.Kernel]
	if state == nil {
		state = &kernelStatus{name: evt.Kernel, firstSeen: evt.Timestamp}
		t.kernels[evt.Kernel] = state
	}
	if evt.Timestamp.After(state.lastEvent) {
		state.lastEvent = evt.Timestamp
	}
	if evt.Type == kernel.EventTypeLog {
		return
	}

	state.state = evt.Type
	switch evt.Type {
	case kernel.EventTypeRunning:
		state.alive = true
		state.pid = evt.PID
		if evt.Reason == kernel.ReasonRestart {
			state.restarts++
		}
	case kernel.EventTypeExited:
		state.alive = false
		state.exitCode = evt.ExitCode
	case kernel.EventTypeStopped:
		state.alive = false
	}

	message := evt.Message
	if evt.Err != nil {
		if message != "" {
			message += ": "
		}
		message += evt.Err.Error()
	}
	message = cliutil.RedactSecrets(message)
	state.message = message

	state.history = append(state.history, transition{
		Timestamp: evt.Timestamp,
		Type:      evt.Type,
		Reason:    evt.Reason,
		Message:   message,
	})
	if len(state.history) > historyCapacity {
		state.history = state.history[len(state.history)-historyCapacity:]
	}
}

// KernelStatus captures a snapshot of a kernel state for presentation.
type KernelStatus struct {
	Name      string
	FirstSeen time.Time
	LastEvent time.Time
	State     kernel.EventType
	Alive     bool
	PID       int
	ExitCode  int
	Restarts  int
	Message   string
}

// Snapshot returns a map keyed by kernel name containing copies of the tracked state.
func (t *statusTracker) Snapshot() map[string]KernelStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snapshot := make(map[string]KernelStatus, len(t.kernels))
	for name, state := range t.kernels {
		snapshot[name] = KernelStatus{
			Name:      state.name,
			FirstSeen: state.firstSeen,
			LastEvent: state.lastEvent,
			State:     state.state,
			Alive:     state.alive,
			PID:       state.pid,
			ExitCode:  state.exitCode,
			Restarts:  state.restarts,
			Message:   state.message,
		}
	}
	return snapshot
}

// History returns up to limit of the most recent transitions for name,
// oldest first. A limit of zero or less returns everything retained.
func (t *statusTracker) History(name string, limit int) []transition {
	t.mu.RLock()
	defer t.mu.RUnlock()

	state := t.kernels[name]
	if state == nil {
		return nil
	}
	entries := state.history
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]transition, len(entries))
	copy(out, entries)
	return out
}

// Names returns the list of known kernels sorted alphabetically.
func (t *statusTracker) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.kernels))
	for name := range t.kernels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
