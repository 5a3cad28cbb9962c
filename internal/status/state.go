package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatcore/internal/bus"
)

// State is a connection lifecycle state.
type State string

const (
	Idle         State = "IDLE"
	Connecting   State = "CONNECTING"
	Confirming   State = "CONFIRMING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
	Closed       State = "CLOSED"
)

// Confirming means the socket is open but no inbound frame has arrived yet.
var validTransitions = map[State][]State{
	Idle:         {Connecting, Closed},
	Connecting:   {Confirming, Reconnecting, Closed},
	Confirming:   {Connected, Reconnecting, Closed},
	Connected:    {Reconnecting, Closed},
	Reconnecting: {Connecting, Closed},
	Closed:       {Connecting},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
}

// NewMachine creates a machine in the Idle state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Idle,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Transition moves to a new state or returns an error if the move is not allowed.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindConnectionState,
			Timestamp: m.since,
			Payload:   Change{From: from, To: to},
		})
	}
	return nil
}

// Change is the payload of connection.state_changed events.
type Change struct {
	From State
	To   State
}
