package kernel

// State is the supervisor's lifecycle state.
type State int

const (
	StateUnstarted State = iota
	StateStarting
	StateRunning
	StateInterrupting
	StateRestarting
	StateShuttingDown
	StateStopped
)

var stateNames = [...]string{
	StateUnstarted:    "unstarted",
	StateStarting:     "starting",
	StateRunning:      "running",
	StateInterrupting: "interrupting",
	StateRestarting:   "restarting",
	StateShuttingDown: "shutting_down",
	StateStopped:      "stopped",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// transitions lists every legal edge. A failed start returns to the state it
// began from; a kernel that exits on its own moves straight to Stopped.
var transitions = map[State][]State{
	StateUnstarted:    {StateStarting},
	StateStarting:     {StateRunning, StateUnstarted, StateStopped},
	StateRunning:      {StateInterrupting, StateRestarting, StateShuttingDown, StateStopped},
	StateInterrupting: {StateRunning, StateStopped},
	StateRestarting:   {StateRunning, StateShuttingDown, StateStopped},
	StateShuttingDown: {StateStopped},
	StateStopped:      {StateStarting},
}

func (s State) canTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// active reports whether a process handle and descriptor belong to the state.
func (s State) active() bool {
	switch s {
	case StateStarting, StateRunning, StateInterrupting, StateRestarting:
		return true
	}
	return false
}
