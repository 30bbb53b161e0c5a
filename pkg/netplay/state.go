// Package netplay drives the user-facing connection lifecycle: host or join
// through a connection code or a room, then launch and wait for the native
// session to report ready.
package netplay

import (
	"errors"
	"fmt"
)

// ConnectionState decides which controls are shown and whether launch is
// allowed
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateHostReady
	StateJoinInput
	StateJoinReady
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateHostReady:
		return "HOST_READY"
	case StateJoinInput:
		return "JOIN_INPUT"
	case StateJoinReady:
		return "JOIN_READY"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

var ErrInvalidTransition = errors.New("invalid connection state transition")

// Machine holds the connection state and the netplay toggle. It does no I/O
// and is not safe for concurrent use; the Controller owns one.
type Machine struct {
	state   ConnectionState
	enabled bool
}

func (m *Machine) State() ConnectionState { return m.state }

func (m *Machine) NetplayEnabled() bool { return m.enabled }

// HostReady records a generated code. Only reachable while not joining.
func (m *Machine) HostReady() error {
	if m.state != StateIdle && m.state != StateHostReady {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, StateHostReady)
	}
	m.state = StateHostReady
	m.enabled = true
	return nil
}

// JoinIntent enters code-paste mode from IDLE or HOST_READY. It reports
// false, leaving the state alone, when already joining.
func (m *Machine) JoinIntent() bool {
	if m.state == StateIdle || m.state == StateHostReady {
		m.state = StateJoinInput
		m.enabled = true
		return true
	}
	return false
}

// JoinReady records a decoded code. Only reachable from JOIN_INPUT.
func (m *Machine) JoinReady() error {
	if m.state != StateJoinInput {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, StateJoinReady)
	}
	m.state = StateJoinReady
	return nil
}

// JoinFailed returns to code-paste mode
func (m *Machine) JoinFailed() {
	m.state = StateJoinInput
	m.enabled = true
}

// InviteAccepted is the deep link path: any state goes straight to
// JOIN_READY, or to JOIN_INPUT when the link was bad.
func (m *Machine) InviteAccepted(ok bool) {
	m.enabled = true
	if ok {
		m.state = StateJoinReady
		return
	}
	m.state = StateJoinInput
}

// Cancel returns to IDLE from anywhere
func (m *Machine) Cancel() {
	m.state = StateIdle
}

// SetNetplay toggles netplay; off forces IDLE
func (m *Machine) SetNetplay(enabled bool) {
	m.enabled = enabled
	if !enabled {
		m.state = StateIdle
	}
}

// Force sets the state outright, used for room results and restores
func (m *Machine) Force(s ConnectionState) {
	m.state = s
	if s != StateIdle {
		m.enabled = true
	}
}
