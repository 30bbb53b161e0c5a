package roomserver

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/saintparish4/rendezvous/pkg/room"
)

// UDP helper messages
const (
	msgWhoAmI = "SNO_WHOAMI1"
	msgPunch  = "SNO_PUNCH1"
	msgSelf   = "SNO_SELF1"
	msgPeer   = "SNO_PEER1"
	msgWait   = "SNO_WAIT\n"
	msgNoRoom = "SNO_NOROOM\n"

	DefaultPunchTTL = 15 * time.Second
	minPunchTTL     = 5 * time.Second
)

type udpRequest struct {
	whoami bool
	code   string
}

// parseUDPMessage accepts "SNO_WHOAMI1" and "SNO_PUNCH1 CODE"
func parseUDPMessage(b []byte) (udpRequest, bool) {
	parts := strings.Fields(string(b))
	if len(parts) == 0 {
		return udpRequest{}, false
	}
	switch parts[0] {
	case msgWhoAmI:
		return udpRequest{whoami: true}, true
	case msgPunch:
		if len(parts) < 2 {
			return udpRequest{}, false
		}
		code := room.NormalizeCode(parts[1])
		if !ValidCode(code) {
			return udpRequest{}, false
		}
		return udpRequest{code: code}, true
	}
	return udpRequest{}, false
}

func selfMessage(ap netip.AddrPort) []byte {
	return []byte(fmt.Sprintf("%s %s %d\n", msgSelf, ap.Addr(), ap.Port()))
}

func peerMessage(ap netip.AddrPort) []byte {
	return []byte(fmt.Sprintf("%s %s %d\n", msgPeer, ap.Addr(), ap.Port()))
}

type punchEntry struct {
	a, b      netip.AddrPort
	expiresAt time.Time
}

// PunchTable pairs the first two distinct endpoints that punch for a code
type PunchTable struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*punchEntry
}

func NewPunchTable(ttl time.Duration) *PunchTable {
	if ttl <= 0 {
		ttl = DefaultPunchTTL
	}
	ttl = max(ttl, minPunchTTL)
	return &PunchTable{ttl: ttl, now: time.Now, entries: make(map[string]*punchEntry)}
}

// Upsert records from under code and returns the other endpoint, if known.
// A third distinct endpoint is not recorded and gets no peer.
func (t *PunchTable) Upsert(code string, from netip.AddrPort) (netip.AddrPort, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	e := t.entries[code]
	if e != nil && !e.expiresAt.After(now) {
		e = nil
	}
	if e == nil {
		e = &punchEntry{}
		t.entries[code] = e
	}
	e.expiresAt = now.Add(t.ttl)

	switch {
	case e.a == from:
		return e.b, e.b.IsValid()
	case e.b == from:
		return e.a, e.a.IsValid()
	case !e.a.IsValid():
		e.a = from
		return e.b, e.b.IsValid()
	case !e.b.IsValid():
		e.b = from
		return e.a, true
	}
	return netip.AddrPort{}, false
}

func (t *PunchTable) Delete(code string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, code)
}

func (t *PunchTable) PurgeExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	removed := 0
	for code, e := range t.entries {
		if !e.expiresAt.After(now) {
			delete(t.entries, code)
			removed++
		}
	}
	return removed
}

// serveUDP answers helper requests on pc until it is closed
func (s *Server) serveUDP(ctx context.Context, pc net.PacketConn) error {
	buf := make([]byte, 1500)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		ua, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		from := ua.AddrPort()
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		s.handleUDP(ctx, pc, buf[:n], from)
	}
}

func (s *Server) handleUDP(ctx context.Context, pc net.PacketConn, msg []byte, from netip.AddrPort) {
	req, ok := parseUDPMessage(msg)
	if !ok {
		return
	}
	send := func(b []byte, to netip.AddrPort) {
		if _, err := pc.WriteTo(b, net.UDPAddrFromAddrPort(to)); err != nil {
			s.log.Debug("udp send failed", "to", to.String(), "err", err)
		}
	}

	if req.whoami {
		s.logConn("udp whoami", "from", from.String())
		send(selfMessage(from), from)
		return
	}

	if _, err := s.store.Get(ctx, req.code); err != nil {
		s.logConn("udp punch", "code", req.code, "from", from.String(), "result", "noroom")
		send([]byte(msgNoRoom), from)
		return
	}

	s.logConn("udp punch", "code", req.code, "from", from.String())
	peer, ok := s.punch.Upsert(req.code, from)
	if !ok {
		send([]byte(msgWait), from)
		return
	}
	send(peerMessage(peer), from)
	send(peerMessage(from), peer)
}
