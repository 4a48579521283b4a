package status

import "testing"

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Booting {
		t.Errorf("initial state = %s, want %s", m.Current(), Booting)
	}
}

func TestValidTransitionChain(t *testing.T) {
	m := NewMachine(nil)
	for _, to := range []State{Connecting, Live, Degraded, Connecting, Live, Offline} {
		if err := m.Transition(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	if m.Current() != Offline {
		t.Errorf("final state = %s", m.Current())
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Live); err == nil {
		t.Error("booting -> live should be rejected")
	}
	if m.Current() != Booting {
		t.Errorf("state changed on rejected transition: %s", m.Current())
	}
}

func TestSameStateIsNoOp(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Booting); err != nil {
		t.Errorf("same-state transition: %v", err)
	}
}
