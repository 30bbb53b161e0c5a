// Package netutil finds the LAN address a peer advertises and classifies
// addresses as private or public.
package netutil

import (
	"fmt"
	"net"
	"net/netip"
	"strings"

	"go4.org/netipx"
)

var (
	privateV4 = mustSet(
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16", // link-local
	)
	privateAll = mustSet(
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16",
		"fc00::/7",  // unique local
		"fe80::/10", // link-local
	)
)

func mustSet(prefixes ...string) *netipx.IPSet {
	var b netipx.IPSetBuilder
	for _, p := range prefixes {
		b.AddPrefix(netip.MustParsePrefix(p))
	}
	set, err := b.IPSet()
	if err != nil {
		panic(err)
	}
	return set
}

// IsPrivateIP checks if an address is in a private or link-local range
func IsPrivateIP(ip netip.Addr) bool {
	if !ip.IsValid() {
		return false
	}
	return privateAll.Contains(ip.Unmap())
}

// IsPrivateIPv4 is IsPrivateIP restricted to the IPv4 ranges
func IsPrivateIPv4(ip netip.Addr) bool {
	if !ip.IsValid() {
		return false
	}
	ip = ip.Unmap()
	return ip.Is4() && privateV4.Contains(ip)
}

// IsLoopbackIP reports 127.0.0.0/8 and ::1
func IsLoopbackIP(ip netip.Addr) bool {
	return ip.IsValid() && ip.Unmap().IsLoopback()
}

// IsPublicIP checks if an address is routable on the public internet
func IsPublicIP(ip netip.Addr) bool {
	if !ip.IsValid() {
		return false
	}
	ip = ip.Unmap()
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return false
	}
	return !IsPrivateIP(ip)
}

// ParseIP accepts plain addresses and the "::ffff:a.b.c.d" mapped form
func ParseIP(s string) (netip.Addr, bool) {
	ip, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}

// SanitizeLocalIP keeps a client-reported LAN address only when it is a
// private, non-loopback literal. Anything else yields "".
func SanitizeLocalIP(s string) string {
	ip, ok := ParseIP(s)
	if !ok || IsLoopbackIP(ip) || !IsPrivateIP(ip) {
		return ""
	}
	return ip.String()
}

// Interface is the part of a network interface LAN discovery looks at
type Interface struct {
	Name     string
	Up       bool
	Loopback bool
	Addrs    []netip.Addr
}

// Interfaces snapshots the host's interfaces in system order
func Interfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to get network interfaces: %w", err)
	}

	out := make([]Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		it := Interface{
			Name:     iface.Name,
			Up:       iface.Flags&net.FlagUp != 0,
			Loopback: iface.Flags&net.FlagLoopback != 0,
		}

		addrs, err := iface.Addrs()
		if err != nil {
			out = append(out, it)
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if a, ok := netipx.FromStdIP(ip); ok {
				it.Addrs = append(it.Addrs, a)
			}
		}
		out = append(out, it)
	}
	return out, nil
}

// FirstPrivateIPv4 returns the first private IPv4 address in interface then
// address order, skipping down and loopback interfaces. "" when none.
func FirstPrivateIPv4(ifaces []Interface) string {
	for _, iface := range ifaces {
		if !iface.Up || iface.Loopback {
			continue
		}
		for _, ip := range iface.Addrs {
			if IsLoopbackIP(ip) {
				continue
			}
			if IsPrivateIPv4(ip) {
				return ip.Unmap().String()
			}
		}
	}
	return ""
}

// LANIPv4 is the address advertised as a peer's LAN hint. Enumeration errors
// are swallowed and reported as "".
func LANIPv4() string {
	ifaces, err := Interfaces()
	if err != nil {
		return ""
	}
	return FirstPrivateIPv4(ifaces)
}

// CreateUDPSocket creates a UDP socket bound to the specified port.
// If port is 0, the system assigns an available port.
func CreateUDPSocket(port int) (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("failed to create UDP socket: %w", err)
	}
	return conn, nil
}
