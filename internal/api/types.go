package api

import (
	stdcontext "context"
	"errors"
	"time"

	"github.com/Paintersrp/kernelsup/internal/kernel"
)

var (
	ErrNoKernels         = errors.New("no kernels running")
	ErrUnknownKernel     = errors.New("unknown kernel")
	ErrKernelNotRunning  = errors.New("kernel not running")
	ErrReadinessTimeout  = errors.New("kernel readiness timeout")
	ErrOperationConflict = errors.New("operation not allowed in current state")
)

// KernelTransition is one entry of a kernel's lifecycle history.
type KernelTransition struct {
	Timestamp time.Time        `json:"timestamp"`
	Type      kernel.EventType `json:"type"`
	Reason    string           `json:"reason"`
	Message   string           `json:"message"`
}

// KernelReport describes the runtime state of a single supervised kernel.
type KernelReport struct {
	Name           string             `json:"name"`
	State          string             `json:"state"`
	Alive          bool               `json:"alive"`
	PID            int                `json:"pid"`
	Restarts       int                `json:"restarts"`
	Interrupts     int                `json:"interrupts"`
	ConnectionFile string             `json:"connection_file"`
	Message        string             `json:"message"`
	FirstSeen      time.Time          `json:"first_seen"`
	LastEvent      time.Time          `json:"last_event"`
	History        []KernelTransition `json:"history"`
	LastReason     string             `json:"last_reason"`
}

// StatusReport aggregates the state of every kernel run by this process.
type StatusReport struct {
	Version     string                  `json:"version"`
	GeneratedAt time.Time               `json:"generated_at"`
	Kernels     map[string]KernelReport `json:"kernels"`
}

// RestartResult captures the outcome of a restart operation.
type RestartResult struct {
	Kernel         string    `json:"kernel"`
	PID            int       `json:"pid"`
	ConnectionFile string    `json:"connection_file"`
	Restarts       int       `json:"restarts"`
	CompletedAt    time.Time `json:"completed_at"`
}

// InterruptResult captures the outcome of an interrupt operation.
type InterruptResult struct {
	Kernel      string    `json:"kernel"`
	Interrupts  int       `json:"interrupts"`
	CompletedAt time.Time `json:"completed_at"`
}

// Controller exposes supervisor operations required by control servers.
type Controller interface {
	Status(stdcontext.Context) (*StatusReport, error)
	RestartKernel(stdcontext.Context, string) (*RestartResult, error)
	InterruptKernel(stdcontext.Context, string) (*InterruptResult, error)
}
