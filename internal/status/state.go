package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/ensemblechat/ensemble/internal/bus"
)

// State represents the engine's connection to the remote store.
type State string

const (
	Booting    State = "BOOTING"
	Offline    State = "OFFLINE"
	Connecting State = "CONNECTING"
	Live       State = "LIVE"
	Degraded   State = "DEGRADED"
	Error      State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:    {Offline, Connecting, Error},
	Offline:    {Connecting, Error},
	Connecting: {Live, Offline, Degraded, Error},
	Live:       {Degraded, Offline, Error},
	Degraded:   {Connecting, Live, Offline, Error},
	Error:      {Booting},
}

// Machine tracks and enforces engine state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Booting, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == to {
		return nil
	}
	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.NewEvent("engine.status_changed", StatusChange{From: from, To: to}))
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
