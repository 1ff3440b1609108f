// Package lifecycle sequences startup and shutdown of the backend: the
// order of database connection and listener bind, and what a database
// failure means for the process.
package lifecycle

import (
	"errors"
	"fmt"
	"sync"
)

// State is the process lifecycle state.
type State int

const (
	StateStarting State = iota
	StateDBConnecting
	StateDBConnected
	StateDBFailed
	StateListening
	StateShuttingDown
	StateTerminated
)

var stateNames = [...]string{
	StateStarting:     "starting",
	StateDBConnecting: "db_connecting",
	StateDBConnected:  "db_connected",
	StateDBFailed:     "db_failed",
	StateListening:    "listening",
	StateShuttingDown: "shutting_down",
	StateTerminated:   "terminated",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// ErrInvalidTransition is returned for a transition the table forbids.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

var transitions = map[State][]State{
	StateStarting:     {StateDBConnecting, StateListening, StateShuttingDown, StateTerminated},
	StateDBConnecting: {StateDBConnected, StateDBFailed, StateShuttingDown, StateTerminated},
	StateDBConnected:  {StateListening, StateShuttingDown, StateTerminated},
	StateDBFailed:     {StateShuttingDown, StateTerminated},
	StateListening:    {StateDBConnecting, StateShuttingDown, StateTerminated},
	StateShuttingDown: {StateTerminated},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Machine holds the current state and enforces the transition table.
type Machine struct {
	mu       sync.RWMutex
	state    State
	onChange func(from, to State)
}

// NewMachine starts in StateStarting. onChange runs after every
// successful transition, outside the lock.
func NewMachine(onChange func(from, to State)) *Machine {
	m := &Machine{state: StateStarting, onChange: onChange}
	if onChange != nil {
		onChange(StateStarting, StateStarting)
	}
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// To moves to the given state.
func (m *Machine) To(to State) error {
	m.mu.Lock()
	from := m.state
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.state = to
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(from, to)
	}
	return nil
}
