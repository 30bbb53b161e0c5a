// Package roomserver is the HTTP rendezvous service behind pkg/room plus
// its UDP whoami and punch helper.
package roomserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/saintparish4/rendezvous/pkg/netutil"
)

// Config holds server configuration options.
type Config struct {
	Addr string
	// UDPAddr defaults to the HTTP port on the same host
	UDPAddr string

	DefaultTTL time.Duration
	MaxTTL     time.Duration
	// APIKey guards PUT, DELETE and legacy POST /rooms when set
	APIKey         string
	LogConnections bool

	CleanupInterval      time.Duration
	PunchCleanupInterval time.Duration
	PunchTTL             time.Duration
	ShutdownTimeout      time.Duration

	BcryptCost int
	PublicIP   PublicIPResolver
	// ServerLANIP is the LAN address recorded for creators on loopback
	ServerLANIP func() string
	Logger      *slog.Logger
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Addr:                 "0.0.0.0:8787",
		DefaultTTL:           600 * time.Second,
		MaxTTL:               86400 * time.Second,
		CleanupInterval:      10 * time.Second,
		PunchCleanupInterval: 5 * time.Second,
		PunchTTL:             DefaultPunchTTL,
		ShutdownTimeout:      10 * time.Second,
		BcryptCost:           bcrypt.DefaultCost,
	}
}

// Server answers the room protocol. One mutex serialises every
// read-modify-write of a room.
type Server struct {
	cfg    Config
	store  Store
	punch  *PunchTable
	pw     passwords
	engine *gin.Engine
	log    *slog.Logger
	now    func() time.Time

	mu sync.Mutex

	httpServer   *http.Server
	shutdownOnce sync.Once
	done         chan struct{}
}

// New creates a server over store. Zero config fields take their defaults.
func New(cfg Config, store Store) *Server {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	cfg.DefaultTTL = max(cfg.DefaultTTL, 30*time.Second)
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = def.MaxTTL
	}
	cfg.MaxTTL = max(cfg.MaxTTL, 60*time.Second)
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.PunchCleanupInterval <= 0 {
		cfg.PunchCleanupInterval = def.PunchCleanupInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = def.BcryptCost
	}
	if cfg.PublicIP == nil {
		cfg.PublicIP = NewIPify()
	}
	if cfg.ServerLANIP == nil {
		cfg.ServerLANIP = netutil.LANIPv4
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Server{
		cfg:   cfg,
		store: store,
		punch: NewPunchTable(cfg.PunchTTL),
		pw:    passwords{cost: cfg.BcryptCost},
		log:   log,
		now:   time.Now,
		done:  make(chan struct{}),
	}
	s.engine = s.routes()
	return s
}

// Handler returns the HTTP handler, useful for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run listens on the configured TCP and UDP addresses and serves until ctx
// is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	udpAddr := s.cfg.UDPAddr
	if udpAddr == "" {
		udpAddr = ln.Addr().String()
	}
	pc, err := net.ListenPacket("udp4", udpAddr)
	if err != nil {
		ln.Close()
		return fmt.Errorf("listen udp: %w", err)
	}
	return s.Serve(ctx, ln, pc)
}

// Serve is Run over existing listeners. Both are closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener, pc net.PacketConn) error {
	s.httpServer = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.cleanupLoop(ctx)
	}()
	udpErr := make(chan error, 1)
	go func() {
		defer wg.Done()
		udpErr <- s.serveUDP(ctx, pc)
	}()

	httpErr := make(chan error, 1)
	go func() {
		err := s.httpServer.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		httpErr <- err
	}()

	s.log.Info("room server listening", "http", ln.Addr().String(), "udp", pc.LocalAddr().String(), "auth", s.cfg.APIKey != "")

	var err error
	select {
	case <-ctx.Done():
	case err = <-httpErr:
	case err = <-udpErr:
	}

	cancel()
	pc.Close()
	shutdownCtx, stop := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer stop()
	if serr := s.Shutdown(shutdownCtx); err == nil {
		err = serr
	}
	wg.Wait()
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.log.Info("shutting down")
		close(s.done)
		if s.httpServer != nil {
			err = s.httpServer.Shutdown(ctx)
		}
	})
	return err
}

// cleanupLoop drops expired rooms and punch entries.
func (s *Server) cleanupLoop(ctx context.Context) {
	rooms := time.NewTicker(s.cfg.CleanupInterval)
	defer rooms.Stop()
	punches := time.NewTicker(s.cfg.PunchCleanupInterval)
	defer punches.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-rooms.C:
			n, err := s.store.PurgeExpired(ctx)
			if err != nil {
				s.log.Warn("purge rooms failed", "err", err)
			} else if n > 0 {
				s.log.Debug("cleanup: removed expired rooms", "count", n)
			}
		case <-punches.C:
			if n := s.punch.PurgeExpired(); n > 0 {
				s.log.Debug("cleanup: removed punch entries", "count", n)
			}
		}
	}
}

// logConn logs connection events when enabled.
func (s *Server) logConn(msg string, args ...any) {
	if s.cfg.LogConnections {
		s.log.Info(msg, args...)
	}
}
