package runtime

import "testing"

func TestStateStrings(t *testing.T) {
	connStates := map[ConnectionState]string{
		ConnectionConnecting: "connecting",
		ConnectionOpen:       "open",
		ConnectionClosing:    "closing",
		ConnectionClosed:     "closed",
		ConnectionFailed:     "failed",
		ConnectionState(99):  "unknown",
	}
	for state, want := range connStates {
		if got := state.String(); got != want {
			t.Errorf("ConnectionState(%d).String() = %q, want %q", state, got, want)
		}
	}

	chStates := map[ChannelState]string{
		ChannelOpen:      "open",
		ChannelDraining:  "draining",
		ChannelClosed:    "closed",
		ChannelState(42): "unknown",
	}
	for state, want := range chStates {
		if got := state.String(); got != want {
			t.Errorf("ChannelState(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestConnectionStateManagerTransition(t *testing.T) {
	sm := newConnectionStateManager()
	if sm.get() != ConnectionConnecting {
		t.Fatalf("expected connecting, got %s", sm.get())
	}
	if sm.transition(ConnectionOpen, ConnectionClosing) {
		t.Fatal("transition from a state that is not current must fail")
	}

	sm.set(ConnectionOpen)
	if !sm.transition(ConnectionOpen, ConnectionFailed) {
		t.Fatal("expected open -> failed to succeed")
	}
	if sm.transition(ConnectionOpen, ConnectionClosing) {
		t.Fatal("failed must be terminal for close")
	}
	if sm.get() != ConnectionFailed {
		t.Fatalf("expected failed, got %s", sm.get())
	}
}
