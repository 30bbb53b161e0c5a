// Package types holds the small value types shared by the rendezvous packages.
package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidEndpoint is wrapped by every endpoint parse failure
var ErrInvalidEndpoint = errors.New("invalid endpoint")

// Endpoint represents a network endpoint with host and UDP port
type Endpoint struct {
	Host string
	Port uint16
}

// String returns the canonical host:port form, brackets included for IPv6
func (e Endpoint) String() string {
	return FormatEndpoint(e.Host, e.Port)
}

// IsValid reports whether the endpoint has a host and a port in 1..65535
func (e Endpoint) IsValid() bool {
	return e.Host != "" && e.Port != 0
}

// IsZero reports whether the endpoint is unset
func (e Endpoint) IsZero() bool {
	return e.Host == "" && e.Port == 0
}

// ValidPort reports whether p is a usable UDP port
func ValidPort(p int) bool {
	return p >= 1 && p <= 65535
}

// ParseEndpoint parses host:port text.
//
// Accepted forms are ipv4:port, hostname:port, [ipv6]:port and, best effort,
// a raw ipv6 address with the port appended. The raw form is split on the last
// colon, so an unbracketed address like "fe80::1:7000" is ambiguous.
func ParseEndpoint(s string) (Endpoint, error) {
	t := strings.TrimSpace(s)
	if t == "" {
		return Endpoint{}, fmt.Errorf("%w: empty address", ErrInvalidEndpoint)
	}

	var host, portText string
	if strings.HasPrefix(t, "[") {
		r := strings.IndexByte(t, ']')
		if r <= 1 || r+2 > len(t) || t[r+1] != ':' {
			return Endpoint{}, fmt.Errorf("%w: malformed brackets in %q", ErrInvalidEndpoint, t)
		}
		host = t[1:r]
		portText = t[r+2:]
	} else {
		lastColon := strings.LastIndexByte(t, ':')
		if lastColon <= 0 || lastColon+1 >= len(t) {
			return Endpoint{}, fmt.Errorf("%w: %q is not host:port", ErrInvalidEndpoint, t)
		}
		host = t[:lastColon]
		portText = t[lastColon+1:]
	}
	if strings.ContainsAny(host, "[]") {
		return Endpoint{}, fmt.Errorf("%w: stray bracket in %q", ErrInvalidEndpoint, t)
	}

	port, err := strconv.Atoi(portText)
	if err != nil || !ValidPort(port) {
		return Endpoint{}, fmt.Errorf("%w: port %q out of range", ErrInvalidEndpoint, portText)
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("%w: empty host", ErrInvalidEndpoint)
	}

	return Endpoint{Host: host, Port: uint16(port)}, nil
}

// FormatEndpoint joins host and port. Hosts containing a colon are wrapped in
// brackets so the result parses back losslessly.
func FormatEndpoint(host string, port uint16) string {
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	return host + ":" + strconv.Itoa(int(port))
}

// Role is the netplay player slot: 1 hosts, 2 joins
type Role int

const (
	RoleNone Role = 0
	RoleHost Role = 1
	RoleJoin Role = 2
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleJoin:
		return "join"
	default:
		return "none"
	}
}

// DiscoveryError represents an error during STUN operations
type DiscoveryError struct {
	Op  string // Operation that failed
	Err error  // Underlying error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("STUN %s: %v", e.Op, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// NewDiscoveryError creates a new discovery error
func NewDiscoveryError(op string, err error) error {
	return &DiscoveryError{
		Op:  op,
		Err: err,
	}
}
