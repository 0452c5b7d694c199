package orchestrator

import (
	"fmt"
	"sync"

	"github.com/joss/kado/internal/apperr"
)

// State is a phase of the request loop.
type State string

const (
	StateIdle      State = "idle"
	StatePlanning  State = "planning"
	StateExecuting State = "executing"
	StateVerifying State = "verifying"
	StateComplete  State = "complete"
	StateError     State = "error"
)

var transitions = map[State][]State{
	StateIdle:      {StatePlanning, StateError},
	StatePlanning:  {StateExecuting, StateError},
	StateExecuting: {StateVerifying, StateError},
	StateVerifying: {StateComplete, StateExecuting, StatePlanning, StateError},
	StateComplete:  {StateIdle, StateError},
	StateError:     {StateIdle},
}

// Allowed lists the states reachable from s.
func Allowed(s State) []State {
	return append([]State(nil), transitions[s]...)
}

// InvalidTransitionError reports a move the table does not permit.
type InvalidTransitionError struct {
	From, To State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return apperr.ErrInvalidTransition }

// StateMachine tracks the current phase. Each Orchestrator owns one.
type StateMachine struct {
	mu       sync.RWMutex
	state    State
	onChange func(from, to State)
}

// NewStateMachine starts idle. onChange, if set, runs after every
// successful transition.
func NewStateMachine(onChange func(from, to State)) *StateMachine {
	return &StateMachine{state: StateIdle, onChange: onChange}
}

// State returns the current phase.
func (m *StateMachine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// CanTransition reports whether to is reachable from the current state.
func (m *StateMachine) CanTransition(to State) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return permitted(m.state, to)
}

func permitted(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves to the given state.
func (m *StateMachine) Transition(to State) error {
	m.mu.Lock()
	from := m.state
	if !permitted(from, to) {
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, To: to}
	}
	m.state = to
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(from, to)
	}
	return nil
}

// Reset forces the machine back to idle.
func (m *StateMachine) Reset() {
	m.mu.Lock()
	from := m.state
	m.state = StateIdle
	m.mu.Unlock()
	if from != StateIdle && m.onChange != nil {
		m.onChange(from, StateIdle)
	}
}
