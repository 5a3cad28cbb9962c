package status

import (
	"testing"
	"time"

	"github.com/matheus3301/chatcore/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Idle {
		t.Errorf("initial state = %s, want IDLE", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Idle, Connecting},
		{Connecting, Confirming},
		{Connecting, Reconnecting},
		{Confirming, Connected},
		{Confirming, Reconnecting},
		{Connected, Reconnecting},
		{Connected, Closed},
		{Reconnecting, Connecting},
		{Closed, Connecting},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Connected); err == nil {
		t.Error("Transition(IDLE -> CONNECTED) should fail")
	}
	walkTo(t, m, Reconnecting)
	if err := m.Transition(Connected); err == nil {
		t.Error("Transition(RECONNECTING -> CONNECTED) should fail")
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.PrefixConnection, 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindConnectionState {
			t.Errorf("kind = %q", evt.Kind)
		}
		c, ok := evt.Payload.(Change)
		if !ok {
			t.Fatalf("payload type = %T", evt.Payload)
		}
		if c.From != Idle || c.To != Connecting {
			t.Errorf("change = %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for state change event")
	}
}

// walkTo drives m from Idle to target along the happy path.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Idle:         {},
		Connecting:   {Connecting},
		Confirming:   {Connecting, Confirming},
		Connected:    {Connecting, Confirming, Connected},
		Reconnecting: {Connecting, Reconnecting},
		Closed:       {Closed},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
