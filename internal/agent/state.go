package agent

import (
	"sync"
)

// AgentState represents the current lifecycle state of the edge agent.
type AgentState string

// Agent lifecycle states. ShuttingDown is terminal.
const (
	StateInitializing AgentState = "initializing"
	StateConnecting   AgentState = "connecting"
	StateConnected    AgentState = "connected"
	StateRunning      AgentState = "running"
	StateError        AgentState = "error"
	StateShuttingDown AgentState = "shutting_down"
)

// AllStates lists every lifecycle state, used to keep the state gauge
// exhaustive.
var AllStates = []string{
	string(StateInitializing),
	string(StateConnecting),
	string(StateConnected),
	string(StateRunning),
	string(StateError),
	string(StateShuttingDown),
}

// StateMachine tracks the agent's lifecycle state. Every transition records
// a human-readable reason surfaced by health_check responses.
type StateMachine struct {
	mu       sync.RWMutex
	state    AgentState
	reason   string
	onChange func(state AgentState)
}

// NewStateMachine creates a StateMachine starting in StateInitializing.
// onChange, if non-nil, is invoked after every transition (used for the
// prometheus state gauge).
func NewStateMachine(onChange func(state AgentState)) *StateMachine {
	sm := &StateMachine{
		state:    StateInitializing,
		onChange: onChange,
	}
	if onChange != nil {
		onChange(StateInitializing)
	}
	return sm
}

// State returns the current agent state.
func (sm *StateMachine) State() AgentState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// StateReason returns the human-readable reason for the current state.
func (sm *StateMachine) StateReason() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.reason
}

// TransitionTo sets the agent state with a reason. Once the machine reaches
// StateShuttingDown no further transitions are accepted.
func (sm *StateMachine) TransitionTo(state AgentState, reason string) bool {
	sm.mu.Lock()
	if sm.state == StateShuttingDown {
		sm.mu.Unlock()
		return false
	}
	sm.state = state
	sm.reason = reason
	onChange := sm.onChange
	sm.mu.Unlock()

	if onChange != nil {
		onChange(state)
	}
	return true
}
