// Package holepunch is a minimal UDP session layer: the joiner punches
// towards the host with a secret-bearing hello until the host welcomes it.
package holepunch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saintparish4/rendezvous/pkg/netplay"
	"github.com/saintparish4/rendezvous/pkg/netutil"
)

const (
	// DefaultInterval between hello packets
	DefaultInterval = 400 * time.Millisecond

	// DefaultTimeout bounds how long a joiner punches before giving up
	DefaultTimeout = 30 * time.Second
)

var (
	ErrRunning   = errors.New("session already running")
	ErrNoRemote  = errors.New("join session needs a remote endpoint")
	ErrPunchTime = errors.New("no welcome from host")
)

// Config holds the punch timings
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	Logger   *slog.Logger
}

// DefaultConfig returns the default punch timings
func DefaultConfig() Config {
	return Config{Interval: DefaultInterval, Timeout: DefaultTimeout}
}

// Session implements netplay.Native for the connection handshake only
type Session struct {
	cfg    Config
	log    *slog.Logger
	status atomic.Int32

	mu     sync.Mutex
	conn   *net.UDPConn
	peer   netip.AddrPort
	err    error
	cancel context.CancelFunc
	done   chan struct{}
}

var _ netplay.Native = (*Session)(nil)

func NewSession(cfg Config) *Session {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Session{cfg: cfg, log: log}
}

// NetplayStatus is 0 before a netplay session starts, 1 while no peer has
// completed the handshake and 3 afterwards
func (s *Session) NetplayStatus() int {
	return int(s.status.Load())
}

// InitializeSession binds the local port and starts the handshake in the
// background. The session outlives ctx; Close stops it.
func (s *Session) InitializeSession(ctx context.Context, cfg netplay.SessionConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !cfg.EnableNetplay {
		return nil
	}
	join := cfg.LocalPlayerNum == 2
	var remote netip.AddrPort
	if join {
		if !cfg.Remote.IsValid() {
			return ErrNoRemote
		}
		addr, err := resolve(ctx, cfg.Remote.String())
		if err != nil {
			return err
		}
		remote = addr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return ErrRunning
	}
	conn, err := netutil.CreateUDPSocket(int(cfg.LocalPort))
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.conn = conn
	s.peer = netip.AddrPort{}
	s.err = nil
	s.cancel = cancel
	s.done = make(chan struct{})
	s.status.Store(int32(netplay.StatusConnecting))

	done := s.done
	go func() {
		defer close(done)
		var err error
		if join {
			err = s.join(runCtx, conn, remote, cfg.Secret)
		} else {
			err = s.host(runCtx, conn, cfg.Secret)
		}
		if err != nil && runCtx.Err() == nil {
			s.log.Warn("punch failed", "err", err)
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
		}
	}()

	s.log.Info("session started", "local", conn.LocalAddr().String(), "join", join)
	return nil
}

// host answers every hello carrying the right secret. The first one fixes
// the peer; later hellos from it are re-welcomed in case a reply was lost.
func (s *Session) host(ctx context.Context, conn *net.UDPConn, secret string) error {
	buf := make([]byte, BufferSize)
	for ctx.Err() == nil {
		msg, from, err := ReceiveMessage(conn, buf, s.cfg.Interval)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return err
		}
		got, err := ParseHello(msg)
		if err != nil || got != secret {
			s.log.Debug("ignoring packet", "from", from.String())
			continue
		}
		peer, ok := s.Peer()
		if ok && peer != from {
			continue
		}
		if err := SendMessage(conn, []byte(WelcomeMessage), from); err != nil {
			return err
		}
		if !ok {
			s.connected(from)
		}
	}
	return nil
}

// join sends hellos until a welcome arrives from the host or the timeout
func (s *Session) join(ctx context.Context, conn *net.UDPConn, remote netip.AddrPort, secret string) error {
	buf := make([]byte, BufferSize)
	hello := Hello(secret)
	deadline := time.Now().Add(s.cfg.Timeout)

	for ctx.Err() == nil {
		if time.Now().After(deadline) {
			return fmt.Errorf("%w after %v", ErrPunchTime, s.cfg.Timeout)
		}
		if err := SendMessage(conn, hello, remote); err != nil {
			s.log.Debug("hello not sent", "err", err)
		}
		msg, from, err := ReceiveMessage(conn, buf, s.cfg.Interval)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return err
		}
		if string(msg) == WelcomeMessage && from == remote {
			s.connected(from)
			return nil
		}
	}
	return nil
}

func (s *Session) connected(peer netip.AddrPort) {
	s.mu.Lock()
	s.peer = peer
	s.mu.Unlock()
	s.status.Store(int32(netplay.StatusReady))
	s.log.Info("peer connected", "peer", peer.String())
}

// Peer returns the connected peer
func (s *Session) Peer() (netip.AddrPort, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer, s.peer.IsValid()
}

// LocalAddr is the bound socket address, nil before InitializeSession
func (s *Session) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Err is the reason the handshake stopped, if it failed
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the handshake and releases the socket. The session can be
// initialised again afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	conn, cancel, done := s.conn, s.cancel, s.done
	s.conn, s.cancel, s.done = nil, nil, nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	cancel()
	err := conn.Close()
	<-done
	s.status.Store(int32(netplay.StatusOff))
	return err
}

func resolve(ctx context.Context, hostport string) (netip.AddrPort, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %v", ErrNoRemote, err)
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
	if err != nil || len(addrs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("failed to resolve %s: %w", host, err)
	}
	ap, err := netip.ParseAddrPort(net.JoinHostPort(addrs[0].Unmap().String(), port))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %v", ErrNoRemote, err)
	}
	return ap, nil
}
