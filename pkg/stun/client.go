// Package stun discovers the NAT-mapped address of a local UDP port with
// RFC 5389 binding requests.
package stun

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/saintparish4/rendezvous/pkg/types"
)

const (
	// STUN message constants from RFC 5389
	magicCookie         = 0x2112A442
	bindingRequest      = 0x0001
	bindingResponse     = 0x0101
	mappedAddress       = 0x0001
	xorMappedAddress    = 0x0020
	messageHeaderSize   = 20
	transactionIDSize   = 12
	attributeHeaderSize = 4

	// Address family constants
	familyIPv4 = 0x01
	familyIPv6 = 0x02
)

// DefaultTimeout bounds each server attempt
const DefaultTimeout = 1200 * time.Millisecond

// DefaultServers are tried in order until one answers
var DefaultServers = []string{
	"stun.cloudflare.com:3478",
	"stun.l.google.com:19302",
	"global.stun.twilio.com:3478",
}

var ErrNoServers = errors.New("no STUN servers configured")

// Client represents a STUN client
type Client struct {
	Servers []string
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewClient creates a new STUN client. With no servers the defaults are used.
func NewClient(servers ...string) *Client {
	if len(servers) == 0 {
		servers = append([]string(nil), DefaultServers...)
	}
	return &Client{
		Servers: servers,
		Timeout: DefaultTimeout,
	}
}

// MappedAddress binds localPort and asks each server in turn for the public
// address of that socket. The first well-formed answer wins.
func (c *Client) MappedAddress(ctx context.Context, localPort uint16) (types.Endpoint, error) {
	if len(c.Servers) == 0 {
		return types.Endpoint{}, types.NewDiscoveryError("configure", ErrNoServers)
	}

	var lastErr error
	for _, server := range c.Servers {
		if err := ctx.Err(); err != nil {
			return types.Endpoint{}, types.NewDiscoveryError("cancelled", err)
		}

		ep, err := c.query(ctx, server, localPort)
		if err == nil {
			c.logger().Debug("stun mapped address", "server", server, "endpoint", ep.String())
			return ep, nil
		}
		c.logger().Debug("stun server failed", "server", server, "err", err)
		lastErr = err
	}
	return types.Endpoint{}, lastErr
}

// PublicUDPPort is MappedAddress reduced to the port
func (c *Client) PublicUDPPort(ctx context.Context, localPort uint16) (uint16, error) {
	ep, err := c.MappedAddress(ctx, localPort)
	if err != nil {
		return 0, err
	}
	return ep.Port, nil
}

func (c *Client) query(ctx context.Context, server string, localPort uint16) (types.Endpoint, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	// Resolve STUN server address
	resolveCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	serverAddr, err := resolveUDP4(resolveCtx, server)
	if err != nil {
		return types.Endpoint{}, types.NewDiscoveryError("resolve_address", err)
	}

	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp4", ":"+strconv.Itoa(int(localPort)))
	if err != nil {
		return types.Endpoint{}, types.NewDiscoveryError("bind", err)
	}
	defer pc.Close()

	if err := pc.SetReadDeadline(deadline); err != nil {
		return types.Endpoint{}, types.NewDiscoveryError("set_deadline", err)
	}
	// Unblock the read when the caller gives up.
	stop := context.AfterFunc(ctx, func() { _ = pc.SetReadDeadline(time.Now()) })
	defer stop()

	// Generate transaction ID
	transactionID := make([]byte, transactionIDSize)
	if _, err := io.ReadFull(rand.Reader, transactionID); err != nil {
		return types.Endpoint{}, types.NewDiscoveryError("generate_transaction_id", err)
	}

	if _, err := pc.WriteTo(buildBindingRequest(transactionID), serverAddr); err != nil {
		return types.Endpoint{}, types.NewDiscoveryError("send_request", err)
	}

	response := make([]byte, 1500) // MTU size
	for {
		n, from, err := pc.ReadFrom(response)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			return types.Endpoint{}, types.NewDiscoveryError("read_response", err)
		}
		// Stray datagrams on a shared game port are skipped.
		if !sameUDPAddr(from, serverAddr) {
			continue
		}

		endpoint, err := parseBindingResponse(response[:n], transactionID)
		if err != nil {
			return types.Endpoint{}, types.NewDiscoveryError("parse_response", err)
		}
		return endpoint, nil
	}
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func resolveUDP4(ctx context.Context, server string) (*net.UDPAddr, error) {
	host, portText, err := net.SplitHostPort(server)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portText)
	if err != nil || !types.ValidPort(port) {
		return nil, fmt.Errorf("invalid port in %q", server)
	}

	if ip, err := netip.ParseAddr(host); err == nil {
		if !ip.Unmap().Is4() {
			return nil, fmt.Errorf("%s is not an IPv4 address", host)
		}
		return net.UDPAddrFromAddrPort(netip.AddrPortFrom(ip.Unmap(), uint16(port))), nil
	}

	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no IPv4 address for %s", host)
	}
	return net.UDPAddrFromAddrPort(netip.AddrPortFrom(ips[0].Unmap(), uint16(port))), nil
}

func sameUDPAddr(a net.Addr, b *net.UDPAddr) bool {
	ua, ok := a.(*net.UDPAddr)
	if !ok {
		return false
	}
	return ua.Port == b.Port && ua.IP.Equal(b.IP)
}

// buildBindingRequest creates a STUN Binding Request message
func buildBindingRequest(transactionID []byte) []byte {
	// Header only: type, zero length, magic cookie, transaction ID
	msg := make([]byte, messageHeaderSize)
	binary.BigEndian.PutUint16(msg[0:2], bindingRequest)
	binary.BigEndian.PutUint16(msg[2:4], 0)
	binary.BigEndian.PutUint32(msg[4:8], magicCookie)
	copy(msg[8:20], transactionID)
	return msg
}

// parseBindingResponse validates a Binding Response and extracts the mapped address
func parseBindingResponse(response []byte, expectedTransactionID []byte) (types.Endpoint, error) {
	if len(response) < messageHeaderSize {
		return types.Endpoint{}, fmt.Errorf("response too short: %d bytes", len(response))
	}

	messageType := binary.BigEndian.Uint16(response[0:2])
	messageLength := binary.BigEndian.Uint16(response[2:4])
	receivedMagicCookie := binary.BigEndian.Uint32(response[4:8])
	receivedTransactionID := response[8:20]

	if messageType != bindingResponse {
		return types.Endpoint{}, fmt.Errorf("unexpected message type: 0x%04x (expected 0x%04x)", messageType, bindingResponse)
	}
	if receivedMagicCookie != magicCookie {
		return types.Endpoint{}, fmt.Errorf("invalid magic cookie: 0x%08x", receivedMagicCookie)
	}
	if !bytes.Equal(receivedTransactionID, expectedTransactionID) {
		return types.Endpoint{}, fmt.Errorf("transaction ID mismatch")
	}
	if len(response) < messageHeaderSize+int(messageLength) {
		return types.Endpoint{}, fmt.Errorf("incomplete message: got %d bytes, expected %d", len(response), messageHeaderSize+int(messageLength))
	}

	payload := response[messageHeaderSize : messageHeaderSize+int(messageLength)]
	endpoint, found, err := parseAttributes(payload, receivedTransactionID)
	if err != nil {
		return types.Endpoint{}, fmt.Errorf("parse attributes: %w", err)
	}
	if !found {
		return types.Endpoint{}, fmt.Errorf("no mapped address attribute")
	}
	return endpoint, nil
}

// parseAttributes walks the attribute list. XOR-MAPPED-ADDRESS is preferred;
// a plain MAPPED-ADDRESS is kept as fallback for old servers.
func parseAttributes(payload []byte, transactionID []byte) (types.Endpoint, bool, error) {
	var fallback types.Endpoint
	haveFallback := false
	pos := 0

	for pos+attributeHeaderSize <= len(payload) {
		attrType := binary.BigEndian.Uint16(payload[pos : pos+2])
		attrLength := binary.BigEndian.Uint16(payload[pos+2 : pos+4])
		pos += attributeHeaderSize

		if pos+int(attrLength) > len(payload) {
			return types.Endpoint{}, false, fmt.Errorf("incomplete attribute: type=0x%04x, length=%d", attrType, attrLength)
		}
		attrValue := payload[pos : pos+int(attrLength)]

		switch attrType {
		case xorMappedAddress:
			if ep, err := decodeAddress(attrValue, transactionID, true); err == nil {
				return ep, true, nil
			}
		case mappedAddress:
			if !haveFallback {
				if ep, err := decodeAddress(attrValue, nil, false); err == nil {
					fallback, haveFallback = ep, true
				}
			}
		}

		// Attributes are padded to 4-byte boundaries
		pos += int(attrLength)
		if pad := int(attrLength) % 4; pad != 0 {
			pos += 4 - pad
		}
	}

	return fallback, haveFallback, nil
}

// decodeAddress decodes MAPPED-ADDRESS or, with xor set, XOR-MAPPED-ADDRESS
//
//	0: reserved, 1: family, 2-3: port, 4..: address
func decodeAddress(value []byte, transactionID []byte, xor bool) (types.Endpoint, error) {
	if len(value) < 4 {
		return types.Endpoint{}, fmt.Errorf("value too short: %d bytes", len(value))
	}

	family := value[1]
	port := binary.BigEndian.Uint16(value[2:4])
	if xor {
		port ^= uint16(magicCookie >> 16)
	}

	var ip netip.Addr
	switch family {
	case familyIPv4:
		if len(value) < 8 {
			return types.Endpoint{}, fmt.Errorf("IPv4 address too short: %d bytes", len(value))
		}
		addr := binary.BigEndian.Uint32(value[4:8])
		if xor {
			addr ^= magicCookie
		}
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], addr)
		ip = netip.AddrFrom4(b)

	case familyIPv6:
		if len(value) < 20 {
			return types.Endpoint{}, fmt.Errorf("IPv6 address too short: %d bytes", len(value))
		}
		var b [16]byte
		copy(b[:], value[4:20])
		if xor {
			// Key is the magic cookie followed by the transaction ID
			var key [16]byte
			binary.BigEndian.PutUint32(key[0:4], magicCookie)
			copy(key[4:], transactionID)
			for i := range b {
				b[i] ^= key[i]
			}
		}
		ip = netip.AddrFrom16(b)

	default:
		return types.Endpoint{}, fmt.Errorf("unsupported address family: 0x%02x", family)
	}

	if port == 0 {
		return types.Endpoint{}, fmt.Errorf("mapped port is zero")
	}
	return types.Endpoint{Host: ip.String(), Port: port}, nil
}
