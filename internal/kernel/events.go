package kernel

import "time"

// EventType captures lifecycle notifications emitted by a Manager.
type EventType string

const (
	EventTypeStarting    EventType = "starting"
	EventTypeRunning     EventType = "running"
	EventTypeInterrupted EventType = "interrupted"
	EventTypeRestarting  EventType = "restarting"
	EventTypeStopping    EventType = "stopping"
	EventTypeStopped     EventType = "stopped"
	EventTypeExited      EventType = "exited"
	EventTypeLog         EventType = "log"
	EventTypeError       EventType = "error"
)

const (
	LogSourceStdout = "stdout"
	LogSourceStderr = "stderr"
	LogSourceSystem = "kernelsup"
)

// Event represents a single lifecycle or log notification.
type Event struct {
	Timestamp time.Time
	Kernel    string
	Type      EventType
	Message   string
	Level     string
	Source    string
	PID       int
	ExitCode  int
	Err       error
	Attempt   int
	Reason    string
}

const (
	ReasonInitialStart   = "initial_start"
	ReasonRestart        = "restart"
	ReasonStartFailure   = "start_failure"
	ReasonUnexpectedExit = "unexpected_exit"
	ReasonRetriesExhaust = "retries_exhausted"
	ReasonShutdown       = "shutdown"
)

// emit never blocks. Events are dropped once the buffer is full.
func (m *Manager) emit(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if evt.Kernel == "" {
		evt.Kernel = m.KernelName()
	}
	if evt.Source == "" {
		evt.Source = LogSourceSystem
	}
	// Kernel output carries no level; consumers infer one from the line.
	if evt.Level == "" && evt.Type != EventTypeLog {
		evt.Level = "info"
		if evt.Err != nil {
			evt.Level = "error"
		}
	}
	select {
	case m.events <- evt:
	default:
		m.log.V(2).Info("event dropped", "type", evt.Type)
	}
}
