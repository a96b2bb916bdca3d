package runtime

import "sync/atomic"

// ConnectionState is the lifecycle state of a Connection.
type ConnectionState int32

const (
	ConnectionConnecting ConnectionState = iota
	ConnectionOpen
	ConnectionClosing
	ConnectionClosed
	ConnectionFailed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionConnecting:
		return "connecting"
	case ConnectionOpen:
		return "open"
	case ConnectionClosing:
		return "closing"
	case ConnectionClosed:
		return "closed"
	case ConnectionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ChannelState is the lifecycle state of a Channel.
type ChannelState int32

const (
	ChannelOpen ChannelState = iota
	ChannelDraining
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelOpen:
		return "open"
	case ChannelDraining:
		return "draining"
	case ChannelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// connectionStateManager holds a ConnectionState with atomic transitions.
type connectionStateManager struct {
	state atomic.Int32
}

func newConnectionStateManager() *connectionStateManager {
	sm := &connectionStateManager{}
	sm.state.Store(int32(ConnectionConnecting))
	return sm
}

func (sm *connectionStateManager) get() ConnectionState {
	return ConnectionState(sm.state.Load())
}

func (sm *connectionStateManager) set(s ConnectionState) {
	sm.state.Store(int32(s))
}

// transition moves from one state to another only if the current state
// matches from.
func (sm *connectionStateManager) transition(from, to ConnectionState) bool {
	return sm.state.CompareAndSwap(int32(from), int32(to))
}
