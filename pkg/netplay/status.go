package netplay

import (
	"fmt"

	"github.com/saintparish4/rendezvous/pkg/types"
)

// Status is the coarse session state reported by the native layer
type Status int

const (
	StatusOff Status = iota
	// StatusConnecting covers both "connecting" and "waiting for peer"
	StatusConnecting
	// StatusWaitingForInput is the legacy lockstep wait
	StatusWaitingForInput
	StatusReady
	StatusSyncingState
)

func (s Status) String() string {
	switch s {
	case StatusOff:
		return "off"
	case StatusConnecting:
		return "connecting"
	case StatusWaitingForInput:
		return "waiting_for_input"
	case StatusReady:
		return "ready"
	case StatusSyncingState:
		return "syncing_state"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// StatusLine is the text shown while the session is not yet ready. ep is
// this device's public endpoint when hosting and the target when joining.
func StatusLine(st Status, role types.Role, ep string) string {
	switch st {
	case StatusReady:
		return ""
	case StatusSyncingState:
		return "SYNCING SAVE STATE...\n\nPlease wait."
	case StatusConnecting:
		switch role {
		case types.RoleHost:
			return "Waiting for peer to connect to your port " + ep
		case types.RoleJoin:
			return "Waiting for peer to connect at " + ep
		default:
			return "Waiting for peer..."
		}
	default:
		return "WAITING FOR INPUTS...\n\nConnecting..."
	}
}
