package stun

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/saintparish4/rendezvous/pkg/types"
)

func TestBuildBindingRequest(t *testing.T) {
	transactionID := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c}

	request := buildBindingRequest(transactionID)

	if len(request) != messageHeaderSize {
		t.Fatalf("expected header size %d, got %d", messageHeaderSize, len(request))
	}
	if msgType := binary.BigEndian.Uint16(request[0:2]); msgType != bindingRequest {
		t.Errorf("expected message type 0x%04x, got 0x%04x", bindingRequest, msgType)
	}
	if msgLen := binary.BigEndian.Uint16(request[2:4]); msgLen != 0 {
		t.Errorf("expected message length 0, got %d", msgLen)
	}
	if cookie := binary.BigEndian.Uint32(request[4:8]); cookie != magicCookie {
		t.Errorf("expected magic cookie 0x%08x, got 0x%08x", magicCookie, cookie)
	}
	if !bytes.Equal(request[8:20], transactionID) {
		t.Errorf("transaction ID mismatch")
	}
}

func TestDecodeAddress(t *testing.T) {
	txid := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c}

	tests := []struct {
		name  string
		value []byte
		xor   bool
		want  types.Endpoint
	}{
		{
			// 192.168.1.100:5000 XORed with the cookie
			name:  "XOR IPv4",
			value: xorValue("192.168.1.100", 5000, txid),
			xor:   true,
			want:  types.Endpoint{Host: "192.168.1.100", Port: 5000},
		},
		{
			name:  "XOR IPv4 high port",
			value: xorValue("203.0.113.1", 54321, txid),
			xor:   true,
			want:  types.Endpoint{Host: "203.0.113.1", Port: 54321},
		},
		{
			name:  "XOR IPv6",
			value: xorValue("2001:db8::7", 7000, txid),
			xor:   true,
			want:  types.Endpoint{Host: "2001:db8::7", Port: 7000},
		},
		{
			name:  "Plain IPv4",
			value: []byte{0x00, familyIPv4, 0x1b, 0x58, 198, 51, 100, 9},
			want:  types.Endpoint{Host: "198.51.100.9", Port: 7000},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeAddress(tt.value, txid, tt.xor)
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestDecodeAddressRejects(t *testing.T) {
	tests := []struct {
		name  string
		value []byte
	}{
		{"Too short", []byte{0x00, familyIPv4}},
		{"Truncated IPv4", []byte{0x00, familyIPv4, 0x1b, 0x58, 1, 2}},
		{"Truncated IPv6", []byte{0x00, familyIPv6, 0x1b, 0x58, 1, 2, 3, 4, 5, 6, 7, 8}},
		{"Unknown family", []byte{0x00, 0x07, 0x1b, 0x58, 1, 2, 3, 4}},
		{"Zero port", []byte{0x00, familyIPv4, 0x00, 0x00, 1, 2, 3, 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decodeAddress(tt.value, make([]byte, 12), false); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseBindingResponse(t *testing.T) {
	txid := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c}

	// IP: 192.0.2.1, Port: 32768
	response := bindingSuccess(txid, attribute(xorMappedAddress, xorValue("192.0.2.1", 32768, txid)))

	endpoint, err := parseBindingResponse(response, txid)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if endpoint.Host != "192.0.2.1" {
		t.Errorf("expected IP 192.0.2.1, got %s", endpoint.Host)
	}
	if endpoint.Port != 32768 {
		t.Errorf("expected port 32768, got %d", endpoint.Port)
	}
}

func TestParseBindingResponse_PrefersXOR(t *testing.T) {
	txid := make([]byte, 12)
	plain := attribute(mappedAddress, []byte{0x00, familyIPv4, 0x00, 0x50, 10, 0, 0, 1})
	xored := attribute(xorMappedAddress, xorValue("203.0.113.9", 40000, txid))

	endpoint, err := parseBindingResponse(bindingSuccess(txid, plain, xored), txid)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if endpoint.Host != "203.0.113.9" || endpoint.Port != 40000 {
		t.Errorf("XOR-MAPPED-ADDRESS should win, got %+v", endpoint)
	}
}

func TestParseBindingResponse_MappedFallback(t *testing.T) {
	txid := make([]byte, 12)
	// A software attribute with odd length exercises the padding walk.
	software := attribute(0x8022, []byte("abc"))
	plain := attribute(mappedAddress, []byte{0x00, familyIPv4, 0x1b, 0x58, 198, 51, 100, 9})

	endpoint, err := parseBindingResponse(bindingSuccess(txid, software, plain), txid)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if endpoint.Host != "198.51.100.9" || endpoint.Port != 7000 {
		t.Errorf("unexpected fallback endpoint %+v", endpoint)
	}
}

func TestParseBindingResponse_Rejects(t *testing.T) {
	txid := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c}
	wrongTxid := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	good := attribute(xorMappedAddress, xorValue("192.0.2.1", 32768, txid))

	wrongType := bindingSuccess(txid, good)
	binary.BigEndian.PutUint16(wrongType[0:2], 0x0111)

	badCookie := bindingSuccess(txid, good)
	binary.BigEndian.PutUint32(badCookie[4:8], 0xdeadbeef)

	truncated := bindingSuccess(txid, good)
	truncated = truncated[:len(truncated)-4]

	tests := []struct {
		name     string
		response []byte
	}{
		{"Too short", make([]byte, 10)},
		{"Wrong type", wrongType},
		{"Bad cookie", badCookie},
		{"Wrong transaction ID", bindingSuccess(wrongTxid, good)},
		{"Truncated body", truncated},
		{"No address", bindingSuccess(txid)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseBindingResponse(tt.response, txid); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestMappedAddress_LocalServer(t *testing.T) {
	server := startFakeServer(t, "198.51.100.20", 41000)

	c := NewClient(server)
	c.Timeout = 500 * time.Millisecond

	ep, err := c.MappedAddress(context.Background(), 0)
	if err != nil {
		t.Fatalf("MappedAddress failed: %v", err)
	}
	if ep.Host != "198.51.100.20" || ep.Port != 41000 {
		t.Errorf("unexpected endpoint %+v", ep)
	}

	port, err := c.PublicUDPPort(context.Background(), 0)
	if err != nil {
		t.Fatalf("PublicUDPPort failed: %v", err)
	}
	if port != 41000 {
		t.Errorf("expected port 41000, got %d", port)
	}
}

func TestMappedAddress_FallsBackToNextServer(t *testing.T) {
	silent := silentServer(t)
	good := startFakeServer(t, "198.51.100.21", 42000)

	c := NewClient(silent, good)
	c.Timeout = 200 * time.Millisecond

	ep, err := c.MappedAddress(context.Background(), 0)
	if err != nil {
		t.Fatalf("MappedAddress failed: %v", err)
	}
	if ep.Port != 42000 {
		t.Errorf("expected answer from second server, got %+v", ep)
	}
}

func TestMappedAddress_AllServersFail(t *testing.T) {
	c := NewClient(silentServer(t), "not-a-host-port")
	c.Timeout = 100 * time.Millisecond

	_, err := c.MappedAddress(context.Background(), 0)
	if err == nil {
		t.Fatal("expected error")
	}
	var de *types.DiscoveryError
	if !errors.As(err, &de) {
		t.Fatalf("expected DiscoveryError, got %T", err)
	}
	if de.Op != "resolve_address" {
		t.Errorf("last failure should be reported, got op %q", de.Op)
	}
}

func TestMappedAddress_Cancelled(t *testing.T) {
	c := NewClient(silentServer(t))
	c.Timeout = 5 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := c.MappedAddress(ctx, 0)
	if err == nil {
		t.Fatal("expected error after cancel")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("cancel did not interrupt the read")
	}
}

func TestNewClientDefaults(t *testing.T) {
	c := NewClient()
	if len(c.Servers) != len(DefaultServers) {
		t.Fatalf("expected %d default servers, got %d", len(DefaultServers), len(c.Servers))
	}
	if c.Servers[0] != "stun.cloudflare.com:3478" {
		t.Errorf("unexpected first server %q", c.Servers[0])
	}
	if c.Timeout != DefaultTimeout {
		t.Errorf("expected timeout %v, got %v", DefaultTimeout, c.Timeout)
	}

	c.Servers[0] = "changed"
	if DefaultServers[0] == "changed" {
		t.Error("NewClient must not alias DefaultServers")
	}
}

// helpers

func xorValue(ip string, port uint16, txid []byte) []byte {
	addr := net.ParseIP(ip)
	if addr == nil {
		panic("bad ip " + ip)
	}

	xport := port ^ uint16(magicCookie>>16)
	if v4 := addr.To4(); v4 != nil {
		value := make([]byte, 8)
		value[1] = familyIPv4
		binary.BigEndian.PutUint16(value[2:4], xport)
		binary.BigEndian.PutUint32(value[4:8], binary.BigEndian.Uint32(v4)^magicCookie)
		return value
	}

	key := make([]byte, 16)
	binary.BigEndian.PutUint32(key[0:4], magicCookie)
	copy(key[4:], txid)
	value := make([]byte, 20)
	value[1] = familyIPv6
	binary.BigEndian.PutUint16(value[2:4], xport)
	for i, b := range addr.To16() {
		value[4+i] = b ^ key[i]
	}
	return value
}

func attribute(attrType uint16, value []byte) []byte {
	out := make([]byte, attributeHeaderSize, attributeHeaderSize+len(value)+3)
	binary.BigEndian.PutUint16(out[0:2], attrType)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(value)))
	out = append(out, value...)
	for len(out)%4 != 0 {
		out = append(out, 0)
	}
	return out
}

func bindingSuccess(txid []byte, attrs ...[]byte) []byte {
	body := bytes.Join(attrs, nil)
	msg := make([]byte, messageHeaderSize, messageHeaderSize+len(body))
	binary.BigEndian.PutUint16(msg[0:2], bindingResponse)
	binary.BigEndian.PutUint16(msg[2:4], uint16(len(body)))
	binary.BigEndian.PutUint32(msg[4:8], magicCookie)
	copy(msg[8:20], txid)
	return append(msg, body...)
}

// startFakeServer answers every binding request with a fixed mapped address
func startFakeServer(t *testing.T, ip string, port uint16) string {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if n < messageHeaderSize || binary.BigEndian.Uint16(buf[0:2]) != bindingRequest {
				continue
			}
			txid := append([]byte(nil), buf[8:20]...)
			resp := bindingSuccess(txid, attribute(xorMappedAddress, xorValue(ip, port, txid)))
			_, _ = conn.WriteToUDP(resp, from)
		}
	}()

	return conn.LocalAddr().String()
}

// silentServer reads requests and never answers
func silentServer(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := conn.ReadFromUDP(buf); err != nil {
				return
			}
		}
	}()

	return conn.LocalAddr().String()
}
