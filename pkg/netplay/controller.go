package netplay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/saintparish4/rendezvous/pkg/code"
	"github.com/saintparish4/rendezvous/pkg/room"
	"github.com/saintparish4/rendezvous/pkg/store"
	"github.com/saintparish4/rendezvous/pkg/types"
)

var (
	ErrBusy         = errors.New("another connection operation is in progress")
	ErrClosed       = errors.New("controller closed")
	ErrCancelled    = errors.New("operation cancelled")
	ErrRefused      = errors.New("launch refused")
	ErrInvalidPort  = errors.New("local UDP port must be 1..65535")
	ErrDiscovery    = errors.New("STUN failed")
	ErrNoRoomServer = errors.New("room server URL is required")
)

// Status lines shown to the user
const (
	msgDiscovering   = "Discovering public endpoint..."
	msgPasteCode     = "Paste the code"
	msgPasteFromHost = "Paste the connection code from Player 1"
	msgParsing       = "Parsing code..."
	msgRoomConnect   = "Connecting to room..."
	msgPressJoin     = "Press Join connection first"
	msgHostPort      = "Host: local UDP port must be 1..65535"
	msgJoinPort      = "Join: local UDP port must be 1..65535"
	msgLocalPort     = "Local UDP port must be 1..65535"
	msgCoreNotReady  = "Core not ready yet"
	msgPickROM       = "Pick a ROM"
	msgPressStart    = "Press Start connection first"
	msgPasteAndJoin  = "Paste the code and press Join connection"
	msgJoinMissing   = "Join endpoint missing. Press Join connection again."
	msgStartingHost  = "Starting netplay as Host..."
	msgStartingJoin  = "Starting netplay as Join..."
	msgStarting      = "Starting..."
)

// RoomConnector runs one room rendezvous
type RoomConnector interface {
	Connect(ctx context.Context, code, password string, localPort uint16) (*room.Result, error)
}

// Config wires a Controller to its collaborators. Store, STUN and Native are
// required.
type Config struct {
	Store  store.Store
	STUN   MappedAddresser
	Native Native
	// Rooms returns a client for a room server base URL
	Rooms func(serverURL string) RoomConnector
	// LocalIP supplies the LAN hint embedded in host codes
	LocalIP      func() string
	PollInterval time.Duration
	Logger       *slog.Logger
}

type HostOptions struct {
	LocalPort uint16
	// Secret switches the code to the plain host:port:secret form
	Secret string
}

type RoomOptions struct {
	ServerURL string
	Code      string
	Password  string
	LocalPort uint16
}

type LaunchOptions struct {
	CorePath string
	ROMPath  string
}

// Snapshot is the user-visible state at one instant
type Snapshot struct {
	State          ConnectionState `json:"state"`
	NetplayEnabled bool            `json:"netplayEnabled"`
	Busy           bool            `json:"busy"`
	Role           types.Role      `json:"role"`
	Status         string          `json:"status"`
	Code           string          `json:"code,omitempty"`
	InviteLink     string          `json:"inviteLink,omitempty"`
	SelfEndpoint   string          `json:"selfEndpoint,omitempty"`
	Remote         string          `json:"remote,omitempty"`
	RoomCode       string          `json:"roomCode,omitempty"`
	// LocalPort and RoomServerURL are the saved defaults for the next action
	LocalPort      uint16          `json:"localPort"`
	RoomServerURL  string          `json:"roomServerUrl,omitempty"`
	Launched       bool            `json:"launched"`
	Playing        bool            `json:"playing"`
	NetplayStatus  Status          `json:"netplayStatus"`
}

// CanLaunch mirrors the enabled state of the start control
func (s Snapshot) CanLaunch() bool {
	if s.Busy {
		return false
	}
	if !s.NetplayEnabled {
		return true
	}
	return s.State == StateHostReady || s.State == StateJoinReady
}

// Controller serialises every transition on one dispatcher goroutine.
// Blocking work (STUN, HTTP, decode, native start) runs on worker goroutines
// and only its result is applied on the dispatcher. At most one such
// operation is in flight; others fail with ErrBusy.
type Controller struct {
	cfg Config
	log *slog.Logger

	events chan func()
	done   chan struct{}
	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	// dispatcher-owned
	machine  Machine
	params   store.Parameters
	role     types.Role
	busy     bool
	gen      uint64
	cancelOp context.CancelFunc
	stopPoll context.CancelFunc
	snap     Snapshot

	mu     sync.Mutex
	latest Snapshot
	subs   map[int]*subscriber
	nextID int
}

type subscriber struct {
	ch   chan Snapshot
	quit chan struct{}
}

// NewController loads the persisted parameters and starts the dispatcher.
// The connection state always starts IDLE; the saved role, code and remote
// are kept and shown.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Store == nil || cfg.STUN == nil || cfg.Native == nil {
		return nil, errors.New("netplay: Store, STUN and Native are required")
	}
	if cfg.LocalIP == nil {
		cfg.LocalIP = func() string { return "" }
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	params, err := cfg.Store.Load()
	if err != nil {
		return nil, fmt.Errorf("load session parameters: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:    cfg,
		log:    log,
		events: make(chan func()),
		done:   make(chan struct{}),
		ctx:    ctx,
		stop:   cancel,
		params: params,
		role:   params.Role,
		subs:   make(map[int]*subscriber),
	}
	c.machine.SetNetplay(params.NetplayEnabled)
	c.snap = Snapshot{
		Role:     params.Role,
		Code:     params.ConnectionCode,
		RoomCode: params.RoomCode,
	}
	if r := params.Remote(); r.IsValid() {
		c.snap.Remote = r.String()
	}
	c.refresh()
	c.latest = c.snap

	c.wg.Add(1)
	go c.loop()
	return c, nil
}

func (c *Controller) loop() {
	defer c.wg.Done()
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.done:
			return
		}
	}
}

// post hands fn to the dispatcher. False once the controller is closed.
func (c *Controller) post(fn func()) bool {
	select {
	case c.events <- fn:
		return true
	case <-c.done:
		return false
	}
}

// call runs fn on the dispatcher and waits for it
func (c *Controller) call(fn func() error) error {
	res := make(chan error, 1)
	if !c.post(func() { res <- fn() }) {
		return ErrClosed
	}
	return <-res
}

// work is the blocking half of an operation; the returned func runs back on
// the dispatcher
type work func(ctx context.Context) (apply func() error)

// async runs start on the dispatcher. A nil work finishes the operation
// there; otherwise the work runs on a worker and the operation holds the
// busy flag until its apply has run.
func (c *Controller) async(op string, start func() (work, error)) <-chan error {
	out := make(chan error, 1)
	ok := c.post(func() {
		if c.busy {
			out <- ErrBusy
			return
		}
		w, err := start()
		if err != nil || w == nil {
			c.publish()
			out <- err
			return
		}

		ctx, cancel := context.WithCancel(c.ctx)
		c.busy = true
		c.gen++
		gen := c.gen
		c.cancelOp = cancel
		c.publish()
		c.log.Debug("operation started", "op", op)

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			apply := w(ctx)
			// abort bumps gen, so a stale result is recognised by gen alone.
			// ctx stays live until apply has run.
			posted := c.post(func() {
				defer cancel()
				if gen != c.gen {
					out <- ErrCancelled
					return
				}
				c.busy = false
				c.cancelOp = nil
				err := apply()
				c.publish()
				c.log.Debug("operation finished", "op", op, "err", err)
				out <- err
			})
			if !posted {
				cancel()
				out <- ErrClosed
			}
		}()
	})
	if !ok {
		out <- ErrClosed
	}
	return out
}

// abort drops the in-flight operation, if any. Its result is discarded.
func (c *Controller) abort() {
	if c.cancelOp != nil {
		c.cancelOp()
		c.cancelOp = nil
	}
	c.gen++
	c.busy = false
}

func (c *Controller) stopPolling() {
	if c.stopPoll != nil {
		c.stopPoll()
		c.stopPoll = nil
	}
}

// persist writes one batch and keeps the dispatcher's copy current
func (c *Controller) persist(fn func(*store.Parameters)) error {
	p, err := c.cfg.Store.Update(fn)
	if err != nil {
		c.log.Warn("persist session parameters failed", "err", err)
		return fmt.Errorf("save session: %w", err)
	}
	c.params = p
	return nil
}

func (c *Controller) setStatus(s string) {
	c.snap.Status = s
}

// fail sets a status line and returns err
func (c *Controller) fail(status string, err error) error {
	c.setStatus(status)
	return err
}

func (c *Controller) refresh() {
	c.snap.State = c.machine.State()
	c.snap.NetplayEnabled = c.machine.NetplayEnabled()
	c.snap.Busy = c.busy
	c.snap.Role = c.role
	c.snap.LocalPort = c.params.LocalPort
	c.snap.RoomServerURL = c.params.RoomServerURL
}

func (c *Controller) publish() {
	c.refresh()
	snap := c.snap

	c.mu.Lock()
	c.latest = snap
	subs := make([]*subscriber, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		s.offer(snap)
	}
}

// offer replaces any undelivered snapshot with the newest one
func (s *subscriber) offer(snap Snapshot) {
	for {
		select {
		case s.ch <- snap:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

// StartHost discovers the public endpoint of opts.LocalPort and builds the
// code the joiner needs. Success moves to HOST_READY.
func (c *Controller) StartHost(opts HostOptions) <-chan error {
	return c.async("host", func() (work, error) {
		if !types.ValidPort(int(opts.LocalPort)) {
			return nil, c.fail(msgHostPort, ErrInvalidPort)
		}
		if st := c.machine.State(); st != StateIdle && st != StateHostReady {
			return nil, c.fail(msgPressStart, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, st, StateHostReady))
		}
		c.setStatus(msgDiscovering)

		return func(ctx context.Context) func() error {
			text, pub, err := c.hostCode(ctx, opts)
			if err != nil {
				return func() error {
					return c.fail("Host failed: "+err.Error(), err)
				}
			}
			return func() error {
				err := c.persist(func(p *store.Parameters) {
					p.NetplayEnabled = true
					p.LocalPort = opts.LocalPort
					p.ConnectionCode = text
					p.Role = types.RoleHost
					p.RemoteHost = ""
					p.RemotePort = 0
					p.Secret = opts.Secret
				})
				if err != nil {
					return c.fail("Host failed: "+err.Error(), err)
				}
				if err := c.machine.HostReady(); err != nil {
					return c.fail("Host failed: "+err.Error(), err)
				}
				c.role = types.RoleHost
				c.snap.Code = text
				c.snap.InviteLink = code.InviteLink(text)
				c.snap.SelfEndpoint = pub.String()
				c.snap.Remote = ""
				c.snap.RoomCode = ""
				c.setStatus("")
				return nil
			}
		}, nil
	})
}

func (c *Controller) hostCode(ctx context.Context, opts HostOptions) (string, types.Endpoint, error) {
	pub, err := c.cfg.STUN.MappedAddress(ctx, opts.LocalPort)
	if err != nil {
		return "", types.Endpoint{}, fmt.Errorf("%w: %v", ErrDiscovery, err)
	}
	if !pub.IsValid() {
		return "", types.Endpoint{}, errors.New("STUN returned invalid port")
	}

	var lan types.Endpoint
	if ip := c.cfg.LocalIP(); ip != "" {
		lan = types.Endpoint{Host: ip, Port: opts.LocalPort}
	}

	text, err := code.Encode(code.Invite{Public: pub, LAN: lan, Secret: opts.Secret})
	if err != nil {
		return "", types.Endpoint{}, err
	}
	return text, pub, nil
}

// JoinIntent is the first press of the join control: it only enters
// JOIN_INPUT. Pressing it again while joining changes nothing.
func (c *Controller) JoinIntent() <-chan error {
	return c.async("join_intent", func() (work, error) {
		if c.machine.JoinIntent() {
			c.role = types.RoleJoin
			c.setStatus(msgPasteCode)
		}
		return nil, nil
	})
}

// SubmitCode decodes a pasted code in JOIN_INPUT. Success persists the host
// endpoint and moves to JOIN_READY; failure stays in JOIN_INPUT.
func (c *Controller) SubmitCode(text string, localPort uint16) <-chan error {
	text = strings.TrimSpace(text)
	return c.async("join", func() (work, error) {
		if c.machine.State() != StateJoinInput {
			return nil, c.fail(msgPressJoin, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.machine.State(), StateJoinReady))
		}
		if !types.ValidPort(int(localPort)) {
			return nil, c.fail(msgJoinPort, ErrInvalidPort)
		}
		if text == "" {
			return nil, c.fail(msgPasteFromHost, code.ErrEmpty)
		}
		c.setStatus(msgParsing)

		return func(ctx context.Context) func() error {
			decoded, err := code.Decode(text)
			return func() error {
				if err != nil {
					c.machine.JoinFailed()
					return c.fail("Join failed: "+err.Error(), err)
				}
				if err := c.acceptCode(text, decoded, localPort); err != nil {
					c.machine.JoinFailed()
					return c.fail("Join failed: "+err.Error(), err)
				}
				if err := c.machine.JoinReady(); err != nil {
					return c.fail("Join failed: "+err.Error(), err)
				}
				c.setStatus("")
				return nil
			}
		}, nil
	})
}

// acceptCode persists a decoded code as the join target
func (c *Controller) acceptCode(text string, decoded *code.Code, localPort uint16) error {
	// Both devices use the public endpoint from the code.
	remote := decoded.Public
	err := c.persist(func(p *store.Parameters) {
		p.NetplayEnabled = true
		p.LocalPort = localPort
		p.ConnectionCode = text
		p.Role = types.RoleJoin
		p.RemoteHost = remote.Host
		p.RemotePort = remote.Port
		p.Secret = decoded.Secret
	})
	if err != nil {
		return err
	}
	c.role = types.RoleJoin
	c.snap.Code = text
	c.snap.InviteLink = ""
	c.snap.SelfEndpoint = ""
	c.snap.Remote = remote.String()
	c.snap.RoomCode = ""
	return nil
}

// HandleInviteLink accepts a snesonline://join?code= deep link from any
// state. Links for another scheme or host are ignored with an error and no
// state change.
func (c *Controller) HandleInviteLink(link string) <-chan error {
	return c.async("invite", func() (work, error) {
		text, err := code.ParseInviteLink(link)
		if err != nil {
			return nil, err
		}

		return func(ctx context.Context) func() error {
			decoded, err := code.Decode(text)
			return func() error {
				if err == nil {
					port := c.params.LocalPort
					if port == 0 {
						port = store.DefaultLocalPort
					}
					err = c.acceptCode(text, decoded, port)
				}
				if err != nil {
					c.role = types.RoleJoin
					c.snap.Code = text
					c.machine.InviteAccepted(false)
					return c.fail("Invalid invite link: "+err.Error(), err)
				}
				c.machine.InviteAccepted(true)
				c.setStatus("")
				return nil
			}
		}, nil
	})
}

// ConnectRoom runs the room rendezvous. The server decides the role: host
// lands in HOST_READY, joiner in JOIN_READY with the host endpoint saved.
// Failure returns to IDLE.
func (c *Controller) ConnectRoom(opts RoomOptions) <-chan error {
	return c.async("room", func() (work, error) {
		url := room.TrimBaseURL(opts.ServerURL)
		if url == "" || c.cfg.Rooms == nil {
			return nil, c.fail("Room failed: "+ErrNoRoomServer.Error(), ErrNoRoomServer)
		}
		if !types.ValidPort(int(opts.LocalPort)) {
			return nil, c.fail(msgLocalPort, ErrInvalidPort)
		}
		c.setStatus(msgRoomConnect)
		client := c.cfg.Rooms(url)

		return func(ctx context.Context) func() error {
			res, err := client.Connect(ctx, opts.Code, opts.Password, opts.LocalPort)
			return func() error {
				if err != nil {
					c.machine.Cancel()
					return c.fail("Room failed: "+err.Error(), err)
				}
				return c.acceptRoom(url, opts, res)
			}
		}, nil
	})
}

func (c *Controller) acceptRoom(url string, opts RoomOptions, res *room.Result) error {
	err := c.persist(func(p *store.Parameters) {
		p.NetplayEnabled = true
		p.LocalPort = opts.LocalPort
		p.Role = res.Role
		p.ConnectionCode = ""
		p.Secret = ""
		p.RoomServerURL = url
		p.RoomCode = res.Code
		p.RoomPassword = opts.Password
		if res.Role == types.RoleJoin {
			p.RemoteHost = res.Endpoint.Host
			p.RemotePort = res.Endpoint.Port
		} else {
			p.RemoteHost = ""
			p.RemotePort = 0
		}
	})
	if err != nil {
		c.machine.Cancel()
		return c.fail("Room failed: "+err.Error(), err)
	}

	c.role = res.Role
	c.snap.Code = ""
	c.snap.InviteLink = ""
	c.snap.RoomCode = res.Code
	if res.Role == types.RoleJoin {
		c.snap.Remote = res.Endpoint.String()
		c.snap.SelfEndpoint = ""
		c.machine.Force(StateJoinReady)
	} else {
		c.snap.Remote = ""
		c.snap.SelfEndpoint = res.Endpoint.String()
		c.machine.Force(StateHostReady)
	}
	c.setStatus("")
	return nil
}

// Cancel returns to IDLE from any state, drops the in-flight operation and
// clears the saved session.
func (c *Controller) Cancel() error {
	return c.call(func() error {
		c.abort()
		c.stopPolling()
		err := c.persist(store.ClearSession)

		c.machine.Cancel()
		c.role = types.RoleHost
		c.snap.Code = ""
		c.snap.InviteLink = ""
		c.snap.SelfEndpoint = ""
		c.snap.Remote = ""
		c.snap.Launched = false
		c.snap.Playing = false
		c.snap.NetplayStatus = StatusOff
		c.setStatus("")
		c.publish()
		return err
	})
}

// SetNetplayEnabled persists the toggle. Turning it off forces IDLE.
func (c *Controller) SetNetplayEnabled(enabled bool) error {
	return c.call(func() error {
		if !enabled {
			c.abort()
		}
		err := c.persist(func(p *store.Parameters) { p.NetplayEnabled = enabled })
		c.machine.SetNetplay(enabled)
		c.publish()
		return err
	})
}

// Launch starts the native session. With netplay on it is refused unless the
// state matches the saved role, then the native status is polled until
// ready.
func (c *Controller) Launch(opts LaunchOptions) <-chan error {
	return c.async("launch", func() (work, error) {
		cfg, status, err := c.sessionConfig(opts)
		if err != nil {
			return nil, c.fail(status, err)
		}
		if err := c.persist(func(p *store.Parameters) {
			p.CorePath = cfg.CorePath
			p.ROMPath = cfg.ROMPath
		}); err != nil {
			return nil, c.fail(err.Error(), err)
		}
		c.stopPolling()
		c.snap.Launched = false
		c.snap.Playing = false
		c.setStatus(status)

		return func(ctx context.Context) func() error {
			err := c.cfg.Native.InitializeSession(ctx, cfg)
			return func() error {
				if err != nil {
					return c.fail("Session failed: "+err.Error(), err)
				}
				c.snap.Launched = true
				if !cfg.EnableNetplay {
					c.snap.Playing = true
					c.setStatus("")
					return nil
				}
				c.startPolling(cfg)
				return nil
			}
		}, nil
	})
}

func (c *Controller) sessionConfig(opts LaunchOptions) (SessionConfig, string, error) {
	refuse := func(reason string) (SessionConfig, string, error) {
		return SessionConfig{}, reason, fmt.Errorf("%w: %s", ErrRefused, reason)
	}

	p := c.params
	cfg := SessionConfig{
		CorePath:       strings.TrimSpace(opts.CorePath),
		ROMPath:        strings.TrimSpace(opts.ROMPath),
		LocalPort:      p.LocalPort,
		LocalPlayerNum: 1,
	}
	if cfg.CorePath == "" {
		return refuse(msgCoreNotReady)
	}
	if cfg.ROMPath == "" {
		return refuse(msgPickROM)
	}
	if !types.ValidPort(int(cfg.LocalPort)) {
		return refuse(msgLocalPort)
	}

	if !c.machine.NetplayEnabled() {
		return cfg, msgStarting, nil
	}

	cfg.EnableNetplay = true
	cfg.Secret = p.Secret
	if c.role != types.RoleJoin {
		if c.machine.State() != StateHostReady {
			return refuse(msgPressStart)
		}
		return cfg, msgStartingHost, nil
	}

	if c.machine.State() != StateJoinReady {
		return refuse(msgPasteAndJoin)
	}
	remote := p.Remote()
	if !remote.IsValid() {
		c.machine.JoinFailed()
		return refuse(msgJoinMissing)
	}
	cfg.Remote = remote
	cfg.LocalPlayerNum = 2
	return cfg, msgStartingJoin, nil
}

func (c *Controller) startPolling(cfg SessionConfig) {
	ctx, cancel := context.WithCancel(c.ctx)
	c.stopPoll = cancel

	role := types.RoleHost
	ep := c.snap.SelfEndpoint
	if cfg.LocalPlayerNum == 2 {
		role = types.RoleJoin
		ep = cfg.Remote.String()
	}

	p := &Poller{
		Source:   c.cfg.Native,
		Interval: c.cfg.PollInterval,
		OnStatus: func(st Status) {
			line := StatusLine(st, role, ep)
			c.post(func() {
				if ctx.Err() != nil || (c.snap.NetplayStatus == st && c.snap.Status == line) {
					return
				}
				c.snap.NetplayStatus = st
				c.setStatus(line)
				c.publish()
			})
		},
		OnReady: func() {
			c.post(func() {
				if ctx.Err() != nil || c.snap.Playing {
					return
				}
				c.snap.NetplayStatus = StatusReady
				c.snap.Playing = true
				c.setStatus("")
				c.publish()
				c.log.Info("netplay session ready", "role", role.String())
			})
		},
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_ = p.Run(ctx)
	}()
}

// Snapshot returns the latest published state
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

// Subscribe calls fn with the current snapshot and then with every change.
// fn runs on its own goroutine; slow subscribers skip intermediate states.
func (c *Controller) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s := &subscriber{ch: make(chan Snapshot, 1), quit: make(chan struct{})}

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = s
	s.ch <- c.latest
	c.mu.Unlock()

	go func() {
		for {
			select {
			case snap := <-s.ch:
				fn(snap)
			case <-s.quit:
				return
			case <-c.done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			close(s.quit)
		})
	}
}

// Close stops the dispatcher, cancels in-flight work and waits for workers.
// Results arriving after Close are dropped.
func (c *Controller) Close() error {
	c.once.Do(func() {
		c.stop()
		close(c.done)
	})
	c.wg.Wait()
	return nil
}
