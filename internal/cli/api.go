package cli

import (
	stdcontext "context"
	"fmt"
	"time"

	"github.com/Paintersrp/kernelsup/internal/api"
	"github.com/Paintersrp/kernelsup/internal/config"
	"github.com/Paintersrp/kernelsup/internal/kernel"
)

const defaultHistoryDepth = 10

// ControlAPI exposes supervisor operations for the HTTP control plane.
type ControlAPI struct {
	sup *supervisor
}

// NewControlAPI wraps the supervisor used by the run command.
func NewControlAPI(sup *supervisor) *ControlAPI {
	if sup == nil {
		return nil
	}
	return &ControlAPI{sup: sup}
}

// Status returns the current kernel status snapshot.
func (c *ControlAPI) Status(ctx stdcontext.Context) (*api.StatusReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	handles := c.sup.handles()
	if len(handles) == 0 {
		return nil, api.ErrNoKernels
	}
	snapshot := c.sup.tracker.Snapshot()
	kernels := make(map[string]api.KernelReport, len(handles))
	for _, h := range handles {
		status := snapshot[h.name]
		history := c.sup.tracker.History(h.name, defaultHistoryDepth)
		apiHistory := make([]api.KernelTransition, 0, len(history))
		for _, entry := range history {
			apiHistory = append(apiHistory, api.KernelTransition{
				Timestamp: entry.Timestamp,
				Type:      entry.Type,
				Reason:    entry.Reason,
				Message:   entry.Message,
			})
		}
		lastReason := ""
		if len(apiHistory) > 0 {
			lastReason = apiHistory[len(apiHistory)-1].Reason
		}
		restarts, interrupts := h.counters()
		kernels[h.name] = api.KernelReport{
			Name:           h.name,
			State:          h.mgr.State().String(),
			Alive:          h.mgr.IsAlive(),
			PID:            h.mgr.PID(),
			Restarts:       restarts,
			Interrupts:     interrupts,
			ConnectionFile: h.mgr.ConnectionFile(),
			Message:        status.Message,
			FirstSeen:      status.FirstSeen,
			LastEvent:      status.LastEvent,
			History:        apiHistory,
			LastReason:     lastReason,
		}
	}
	return &api.StatusReport{
		Version:     config.Version,
		GeneratedAt: time.Now(),
		Kernels:     kernels,
	}, nil
}

// RestartKernel restarts the named kernel, or starts it again if it stopped.
func (c *ControlAPI) RestartKernel(ctx stdcontext.Context, name string) (*api.RestartResult, error) {
	h, ok := c.sup.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrUnknownKernel, name)
	}
	if err := c.sup.restart(ctx, h); err != nil {
		return nil, err
	}
	restarts, _ := h.counters()
	return &api.RestartResult{
		Kernel:         name,
		PID:            h.mgr.PID(),
		ConnectionFile: h.mgr.ConnectionFile(),
		Restarts:       restarts,
		CompletedAt:    time.Now(),
	}, nil
}

// InterruptKernel interrupts the named kernel's current execution.
func (c *ControlAPI) InterruptKernel(ctx stdcontext.Context, name string) (*api.InterruptResult, error) {
	h, ok := c.sup.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrUnknownKernel, name)
	}
	if state := h.mgr.State(); state != kernel.StateRunning {
		return nil, fmt.Errorf("%w: %s is %s", api.ErrKernelNotRunning, name, state)
	}
	if err := c.sup.interrupt(ctx, h); err != nil {
		return nil, err
	}
	_, interrupts := h.counters()
	return &api.InterruptResult{
		Kernel:      name,
		Interrupts:  interrupts,
		CompletedAt: time.Now(),
	}, nil
}

var _ api.Controller = (*ControlAPI)(nil)
