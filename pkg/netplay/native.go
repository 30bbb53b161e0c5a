package netplay

import (
	"context"

	"github.com/saintparish4/rendezvous/pkg/types"
)

// SessionConfig is everything the native layer needs to start a session
type SessionConfig struct {
	CorePath       string
	ROMPath        string
	EnableNetplay  bool
	Remote         types.Endpoint
	LocalPort      uint16
	LocalPlayerNum int
	Secret         string
}

// StatusSource reports the native session status ordinal
type StatusSource interface {
	NetplayStatus() int
}

// Native is the emulator and transport layer behind the controller
type Native interface {
	StatusSource
	InitializeSession(ctx context.Context, cfg SessionConfig) error
}

// MappedAddresser discovers the public endpoint of a local UDP port
type MappedAddresser interface {
	MappedAddress(ctx context.Context, localPort uint16) (types.Endpoint, error)
}
