package holepunch

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"
)

const (
	// HelloPrefix opens a joiner's punch packet, followed by the shared secret
	HelloPrefix = "SNO_HELLO1"

	// WelcomeMessage is the host's answer to an accepted hello
	WelcomeMessage = "SNO_WELCOME1"

	// BufferSize for receiving UDP packets
	BufferSize = 1500
)

var errNotHello = errors.New("not a hello packet")

// Hello builds the joiner's punch packet
func Hello(secret string) []byte {
	if secret == "" {
		return []byte(HelloPrefix)
	}
	return []byte(HelloPrefix + " " + secret)
}

// ParseHello returns the secret carried by a hello packet
func ParseHello(b []byte) (string, error) {
	msg := strings.TrimRight(string(b), "\r\n")
	if msg == HelloPrefix {
		return "", nil
	}
	secret, ok := strings.CutPrefix(msg, HelloPrefix+" ")
	if !ok {
		return "", errNotHello
	}
	return secret, nil
}

// SendMessage writes one datagram to addr
func SendMessage(conn *net.UDPConn, msg []byte, addr netip.AddrPort) error {
	if _, err := conn.WriteToUDPAddrPort(msg, addr); err != nil {
		return fmt.Errorf("failed to send to %s: %w", addr, err)
	}
	return nil
}

// ReceiveMessage waits up to timeout for one datagram
func ReceiveMessage(conn *net.UDPConn, buf []byte, timeout time.Duration) ([]byte, netip.AddrPort, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, netip.AddrPort{}, fmt.Errorf("failed to set read deadline: %w", err)
	}
	n, from, err := conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		return nil, netip.AddrPort{}, err
	}
	return buf[:n], unmap(from), nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
