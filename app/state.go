package app

import (
	"sync"

	sdkerrors "cosmossdk.io/errors"

	"github.com/paw-chain/crunch/types"
)

// State is a run controller lifecycle state.
type State int

const (
	StateIdle State = iota
	StateAllocationAcquired
	StateNegotiating
	StateAgreementSigned
	StateProvisioning
	StateRunning
	StateFinalizing
	StateSucceeded
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:               "idle",
	StateAllocationAcquired: "allocation_acquired",
	StateNegotiating:        "negotiating",
	StateAgreementSigned:    "agreement_signed",
	StateProvisioning:       "provisioning",
	StateRunning:            "running",
	StateFinalizing:         "finalizing",
	StateSucceeded:          "succeeded",
	StateFailed:             "failed",
}

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateIdle,
	StateAllocationAcquired,
	StateNegotiating,
	StateAgreementSigned,
	StateProvisioning,
	StateRunning,
	StateFinalizing,
	StateSucceeded,
	StateFailed,
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Every non-terminal state past Idle may fall through to Finalizing. Idle goes
// straight to Failed when the marketplace cannot be reached.
var transitions = map[State][]State{
	StateIdle:               {StateAllocationAcquired, StateFinalizing, StateFailed},
	StateAllocationAcquired: {StateNegotiating, StateFinalizing},
	StateNegotiating:        {StateAgreementSigned, StateFinalizing},
	StateAgreementSigned:    {StateProvisioning, StateFinalizing},
	StateProvisioning:       {StateRunning, StateFinalizing},
	StateRunning:            {StateFinalizing},
	StateFinalizing:         {StateSucceeded, StateFailed},
}

// CanTransition reports whether from -> to is a lifecycle edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionFunc observes state changes.
type TransitionFunc func(from, to State)

// Machine guards the lifecycle state. Observers run synchronously, in
// registration order, after the state has changed.
type Machine struct {
	mu        sync.RWMutex
	state     State
	observers []TransitionFunc
}

// NewMachine returns a machine in StateIdle.
func NewMachine() *Machine {
	return &Machine{state: StateIdle}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// OnTransition registers an observer.
func (m *Machine) OnTransition(fn TransitionFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Transition moves to the next state or returns ErrInvalidTransition.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	from := m.state
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return sdkerrors.Wrapf(types.ErrInvalidTransition, "%s -> %s", from, to)
	}
	m.state = to
	observers := make([]TransitionFunc, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	for _, fn := range observers {
		fn(from, to)
	}
	return nil
}
