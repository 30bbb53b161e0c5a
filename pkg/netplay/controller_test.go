package netplay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/saintparish4/rendezvous/pkg/code"
	"github.com/saintparish4/rendezvous/pkg/room"
	"github.com/saintparish4/rendezvous/pkg/store"
	"github.com/saintparish4/rendezvous/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hostPublic = types.Endpoint{Host: "203.0.113.5", Port: 7000}

type fakeSTUN struct {
	ep    types.Endpoint
	err   error
	block chan struct{}
	calls atomic.Int32
}

func (f *fakeSTUN) MappedAddress(ctx context.Context, localPort uint16) (types.Endpoint, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return types.Endpoint{}, ctx.Err()
		}
	}
	if f.err != nil {
		return types.Endpoint{}, f.err
	}
	return types.Endpoint{Host: f.ep.Host, Port: f.ep.Port}, nil
}

type fakeNative struct {
	mu      sync.Mutex
	configs []SessionConfig
	err     error
	status  atomic.Int32
}

func (f *fakeNative) InitializeSession(ctx context.Context, cfg SessionConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs = append(f.configs, cfg)
	return f.err
}

func (f *fakeNative) NetplayStatus() int { return int(f.status.Load()) }

func (f *fakeNative) last(t *testing.T) SessionConfig {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.configs)
	return f.configs[len(f.configs)-1]
}

type fakeRooms struct {
	res *room.Result
	err error
	url string
}

func (f *fakeRooms) Connect(ctx context.Context, code, password string, localPort uint16) (*room.Result, error) {
	return f.res, f.err
}

type harness struct {
	c      *Controller
	store  *store.MemoryStore
	stun   *fakeSTUN
	native *fakeNative
	rooms  *fakeRooms
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  store.NewMemoryStore(),
		stun:   &fakeSTUN{ep: hostPublic},
		native: &fakeNative{},
		rooms:  &fakeRooms{},
	}
	c, err := NewController(Config{
		Store:  h.store,
		STUN:   h.stun,
		Native: h.native,
		Rooms: func(url string) RoomConnector {
			h.rooms.url = url
			return h.rooms
		},
		LocalIP:      func() string { return "192.168.1.20" },
		PollInterval: time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	h.c = c
	return h
}

func await(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("operation did not finish")
		return nil
	}
}

func (h *harness) saved(t *testing.T) store.Parameters {
	t.Helper()
	p, err := h.store.Load()
	require.NoError(t, err)
	return p
}

func joinCode(t *testing.T) string {
	t.Helper()
	text, err := code.Encode(code.Invite{Public: hostPublic, LAN: types.Endpoint{Host: "192.168.1.20", Port: 7000}})
	require.NoError(t, err)
	return text
}

func TestNewControllerRequiresCollaborators(t *testing.T) {
	_, err := NewController(Config{Store: store.NewMemoryStore()})
	assert.Error(t, err)
}

func TestControllerStartsIdleWithSavedSession(t *testing.T) {
	s := store.NewMemoryStore()
	_, err := s.Update(func(p *store.Parameters) {
		p.NetplayEnabled = true
		p.Role = types.RoleJoin
		p.RemoteHost = "203.0.113.5"
		p.RemotePort = 7000
		p.ConnectionCode = "abc"
	})
	require.NoError(t, err)

	c, err := NewController(Config{Store: s, STUN: &fakeSTUN{}, Native: &fakeNative{}})
	require.NoError(t, err)
	defer c.Close()

	snap := c.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.True(t, snap.NetplayEnabled)
	assert.Equal(t, types.RoleJoin, snap.Role)
	assert.Equal(t, "203.0.113.5:7000", snap.Remote)
	assert.Equal(t, "abc", snap.Code)
}

func TestStartHost(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, await(t, h.c.StartHost(HostOptions{LocalPort: 7000})))

	snap := h.c.Snapshot()
	assert.Equal(t, StateHostReady, snap.State)
	assert.True(t, snap.NetplayEnabled)
	assert.False(t, snap.Busy)
	assert.Equal(t, "203.0.113.5:7000", snap.SelfEndpoint)
	assert.Empty(t, snap.Status)
	assert.Equal(t, code.InviteLink(snap.Code), snap.InviteLink)

	decoded, err := code.Decode(snap.Code)
	require.NoError(t, err)
	assert.Equal(t, hostPublic, decoded.Public)
	assert.Equal(t, types.Endpoint{Host: "192.168.1.20", Port: 7000}, decoded.LAN)

	p := h.saved(t)
	assert.True(t, p.NetplayEnabled)
	assert.Equal(t, uint16(7000), p.LocalPort)
	assert.Equal(t, types.RoleHost, p.Role)
	assert.Equal(t, snap.Code, p.ConnectionCode)
	assert.True(t, p.Remote().IsZero())
}

func TestStartHostWithSecretUsesPlainCode(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, await(t, h.c.StartHost(HostOptions{LocalPort: 7000, Secret: "hunter2"})))

	snap := h.c.Snapshot()
	assert.Equal(t, "203.0.113.5:7000:hunter2", snap.Code)
	assert.Equal(t, "hunter2", h.saved(t).Secret)
}

func TestStartHostFailures(t *testing.T) {
	t.Run("bad port", func(t *testing.T) {
		h := newHarness(t)
		err := await(t, h.c.StartHost(HostOptions{LocalPort: 0}))
		require.ErrorIs(t, err, ErrInvalidPort)
		assert.Equal(t, "Host: local UDP port must be 1..65535", h.c.Snapshot().Status)
		assert.Zero(t, h.stun.calls.Load())
	})

	t.Run("stun", func(t *testing.T) {
		h := newHarness(t)
		h.stun.err = errors.New("all servers timed out")
		err := await(t, h.c.StartHost(HostOptions{LocalPort: 7000}))
		require.ErrorIs(t, err, ErrDiscovery)

		snap := h.c.Snapshot()
		assert.Equal(t, StateIdle, snap.State)
		assert.True(t, strings.HasPrefix(snap.Status, "Host failed: STUN failed"), snap.Status)
		assert.Empty(t, h.saved(t).ConnectionCode)
	})

	t.Run("stun invalid port", func(t *testing.T) {
		h := newHarness(t)
		h.stun.ep = types.Endpoint{Host: "203.0.113.5"}
		err := await(t, h.c.StartHost(HostOptions{LocalPort: 7000}))
		require.Error(t, err)
		assert.Equal(t, "Host failed: STUN returned invalid port", h.c.Snapshot().Status)
	})

	t.Run("while joining", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, await(t, h.c.JoinIntent()))
		err := await(t, h.c.StartHost(HostOptions{LocalPort: 7000}))
		require.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, StateJoinInput, h.c.Snapshot().State)
	})
}

func TestBusyRejectsSecondOperation(t *testing.T) {
	h := newHarness(t)
	h.stun.block = make(chan struct{})

	first := h.c.StartHost(HostOptions{LocalPort: 7000})
	require.Eventually(t, func() bool { return h.c.Snapshot().Busy }, time.Second, time.Millisecond)
	assert.Equal(t, "Discovering public endpoint...", h.c.Snapshot().Status)

	assert.ErrorIs(t, await(t, h.c.StartHost(HostOptions{LocalPort: 7000})), ErrBusy)
	assert.ErrorIs(t, await(t, h.c.JoinIntent()), ErrBusy)
	assert.ErrorIs(t, await(t, h.c.Launch(LaunchOptions{CorePath: "core", ROMPath: "rom"})), ErrBusy)
	assert.EqualValues(t, 1, h.stun.calls.Load())

	close(h.stun.block)
	require.NoError(t, await(t, first))
	assert.False(t, h.c.Snapshot().Busy)
}

func TestOperationsRunBackToBack(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, await(t, h.c.StartHost(HostOptions{LocalPort: 7000})))
	assert.False(t, h.c.Snapshot().Busy)
	assert.Equal(t, StateHostReady, h.c.Snapshot().State)

	require.NoError(t, await(t, h.c.StartHost(HostOptions{LocalPort: 7000})))
	assert.False(t, h.c.Snapshot().Busy)
	assert.EqualValues(t, 2, h.stun.calls.Load())

	require.NoError(t, await(t, h.c.JoinIntent()))
	assert.False(t, h.c.Snapshot().Busy)

	require.NoError(t, await(t, h.c.SubmitCode(joinCode(t), 7001)))
	snap := h.c.Snapshot()
	assert.False(t, snap.Busy)
	assert.Equal(t, StateJoinReady, snap.State)

	h.native.status.Store(int32(StatusReady))
	require.NoError(t, await(t, h.c.Launch(LaunchOptions{CorePath: "core", ROMPath: "rom"})))
	assert.False(t, h.c.Snapshot().Busy)
	assert.True(t, h.c.Snapshot().Launched)
}

func TestJoinFlow(t *testing.T) {
	h := newHarness(t)
	text := joinCode(t)

	require.NoError(t, await(t, h.c.JoinIntent()))
	snap := h.c.Snapshot()
	assert.Equal(t, StateJoinInput, snap.State)
	assert.Equal(t, "Paste the code", snap.Status)
	assert.Equal(t, types.RoleJoin, snap.Role)

	// a second press stays in code-paste mode
	require.NoError(t, await(t, h.c.JoinIntent()))
	assert.Equal(t, StateJoinInput, h.c.Snapshot().State)

	require.NoError(t, await(t, h.c.SubmitCode("  "+text+"\n", 7001)))
	snap = h.c.Snapshot()
	assert.Equal(t, StateJoinReady, snap.State)
	assert.Equal(t, "203.0.113.5:7000", snap.Remote)
	assert.Empty(t, snap.Status)

	p := h.saved(t)
	assert.Equal(t, types.RoleJoin, p.Role)
	assert.Equal(t, hostPublic, p.Remote())
	assert.Equal(t, uint16(7001), p.LocalPort)
	assert.Equal(t, text, p.ConnectionCode)
	assert.True(t, p.NetplayEnabled)
}

func TestSubmitCodeFailures(t *testing.T) {
	t.Run("not in join input", func(t *testing.T) {
		h := newHarness(t)
		err := await(t, h.c.SubmitCode(joinCode(t), 7000))
		require.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, StateIdle, h.c.Snapshot().State)
	})

	t.Run("empty", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, await(t, h.c.JoinIntent()))
		err := await(t, h.c.SubmitCode("   ", 7000))
		require.ErrorIs(t, err, code.ErrEmpty)
		assert.Equal(t, "Paste the connection code from Player 1", h.c.Snapshot().Status)
	})

	t.Run("bad port", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, await(t, h.c.JoinIntent()))
		err := await(t, h.c.SubmitCode(joinCode(t), 0))
		require.ErrorIs(t, err, ErrInvalidPort)
		assert.Equal(t, "Join: local UDP port must be 1..65535", h.c.Snapshot().Status)
	})

	t.Run("garbage", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, await(t, h.c.JoinIntent()))
		err := await(t, h.c.SubmitCode("SNO2:!!!", 7000))
		require.Error(t, err)

		snap := h.c.Snapshot()
		assert.Equal(t, StateJoinInput, snap.State)
		assert.True(t, strings.HasPrefix(snap.Status, "Join failed: "), snap.Status)
		assert.True(t, h.saved(t).Remote().IsZero())
	})
}

func TestHandleInviteLink(t *testing.T) {
	t.Run("valid from host ready", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, await(t, h.c.StartHost(HostOptions{LocalPort: 7000})))

		require.NoError(t, await(t, h.c.HandleInviteLink(code.InviteLink(joinCode(t)))))
		snap := h.c.Snapshot()
		assert.Equal(t, StateJoinReady, snap.State)
		assert.Equal(t, types.RoleJoin, snap.Role)
		assert.Equal(t, hostPublic, h.saved(t).Remote())
	})

	t.Run("bad code", func(t *testing.T) {
		h := newHarness(t)
		err := await(t, h.c.HandleInviteLink("snesonline://join?code=SNO2:zzz"))
		require.Error(t, err)

		snap := h.c.Snapshot()
		assert.Equal(t, StateJoinInput, snap.State)
		assert.Equal(t, "SNO2:zzz", snap.Code)
		assert.True(t, strings.HasPrefix(snap.Status, "Invalid invite link: "), snap.Status)
	})

	t.Run("foreign link ignored", func(t *testing.T) {
		h := newHarness(t)
		err := await(t, h.c.HandleInviteLink("https://example.com/join?code=x"))
		require.ErrorIs(t, err, code.ErrNotInvite)
		assert.Equal(t, StateIdle, h.c.Snapshot().State)
		assert.Empty(t, h.c.Snapshot().Status)
	})
}

func TestCancelClearsSession(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, await(t, h.c.JoinIntent()))
	require.NoError(t, await(t, h.c.SubmitCode(joinCode(t), 7000)))

	require.NoError(t, h.c.Cancel())
	snap := h.c.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.Code)
	assert.Empty(t, snap.Remote)
	assert.Equal(t, types.RoleHost, snap.Role)

	p := h.saved(t)
	assert.Empty(t, p.ConnectionCode)
	assert.Equal(t, types.RoleHost, p.Role)
	assert.True(t, p.Remote().IsZero())
	assert.Empty(t, p.Secret)
}

func TestCancelDropsInFlightResult(t *testing.T) {
	h := newHarness(t)
	h.stun.block = make(chan struct{})

	pending := h.c.StartHost(HostOptions{LocalPort: 7000})
	require.Eventually(t, func() bool { return h.c.Snapshot().Busy }, time.Second, time.Millisecond)

	require.NoError(t, h.c.Cancel())
	assert.ErrorIs(t, await(t, pending), ErrCancelled)

	snap := h.c.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.False(t, snap.Busy)
	assert.Empty(t, snap.Code)
	assert.Empty(t, h.saved(t).ConnectionCode)
}

func TestSetNetplayEnabledOffForcesIdle(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, await(t, h.c.JoinIntent()))
	require.NoError(t, await(t, h.c.SubmitCode(joinCode(t), 7000)))

	require.NoError(t, h.c.SetNetplayEnabled(false))
	snap := h.c.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.False(t, snap.NetplayEnabled)
	assert.False(t, h.saved(t).NetplayEnabled)

	require.NoError(t, h.c.SetNetplayEnabled(true))
	assert.Equal(t, StateIdle, h.c.Snapshot().State)
	assert.True(t, h.c.Snapshot().NetplayEnabled)
}

func TestConnectRoom(t *testing.T) {
	t.Run("host", func(t *testing.T) {
		h := newHarness(t)
		h.rooms.res = &room.Result{Role: types.RoleHost, Endpoint: hostPublic, Code: "ABCD1234"}

		err := await(t, h.c.ConnectRoom(RoomOptions{ServerURL: "http://rooms.example/", Code: "abcd1234", Password: "pw12", LocalPort: 7000}))
		require.NoError(t, err)
		assert.Equal(t, "http://rooms.example", h.rooms.url)

		snap := h.c.Snapshot()
		assert.Equal(t, StateHostReady, snap.State)
		assert.Equal(t, "ABCD1234", snap.RoomCode)
		assert.Equal(t, "203.0.113.5:7000", snap.SelfEndpoint)

		p := h.saved(t)
		assert.Equal(t, types.RoleHost, p.Role)
		assert.Equal(t, "http://rooms.example", p.RoomServerURL)
		assert.Equal(t, "pw12", p.RoomPassword)
	})

	t.Run("join", func(t *testing.T) {
		h := newHarness(t)
		h.rooms.res = &room.Result{Role: types.RoleJoin, Endpoint: hostPublic, Code: "ABCD1234"}

		require.NoError(t, await(t, h.c.ConnectRoom(RoomOptions{ServerURL: "http://rooms.example", Code: "ABCD1234", Password: "pw12", LocalPort: 7000})))
		assert.Equal(t, StateJoinReady, h.c.Snapshot().State)
		assert.Equal(t, hostPublic, h.saved(t).Remote())
	})

	t.Run("failure", func(t *testing.T) {
		h := newHarness(t)
		h.rooms.err = &room.ServerError{Status: 403, Code: "wrong_password"}

		err := await(t, h.c.ConnectRoom(RoomOptions{ServerURL: "http://rooms.example", Code: "ABCD1234", Password: "nope", LocalPort: 7000}))
		require.Error(t, err)
		snap := h.c.Snapshot()
		assert.Equal(t, StateIdle, snap.State)
		assert.Equal(t, "Room failed: wrong_password", snap.Status)
	})

	t.Run("no server", func(t *testing.T) {
		h := newHarness(t)
		err := await(t, h.c.ConnectRoom(RoomOptions{Code: "ABCD1234", LocalPort: 7000}))
		require.ErrorIs(t, err, ErrNoRoomServer)
	})
}

func TestLaunchWithoutNetplay(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, await(t, h.c.Launch(LaunchOptions{CorePath: "/core.so", ROMPath: "/game.sfc"})))

	cfg := h.native.last(t)
	assert.False(t, cfg.EnableNetplay)
	assert.Equal(t, 1, cfg.LocalPlayerNum)
	assert.True(t, h.c.Snapshot().Playing)
	assert.Equal(t, "/game.sfc", h.saved(t).ROMPath)
}

func TestLaunchRefusals(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(t *testing.T, h *harness)
		opts   LaunchOptions
		status string
	}{
		{"no core", nil, LaunchOptions{ROMPath: "rom"}, "Core not ready yet"},
		{"no rom", nil, LaunchOptions{CorePath: "core"}, "Pick a ROM"},
		{
			"host without code",
			func(t *testing.T, h *harness) { require.NoError(t, h.c.SetNetplayEnabled(true)) },
			LaunchOptions{CorePath: "core", ROMPath: "rom"},
			"Press Start connection first",
		},
		{
			"join without code",
			func(t *testing.T, h *harness) { require.NoError(t, await(t, h.c.JoinIntent())) },
			LaunchOptions{CorePath: "core", ROMPath: "rom"},
			"Paste the code and press Join connection",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.setup != nil {
				tt.setup(t, h)
			}
			err := await(t, h.c.Launch(tt.opts))
			require.ErrorIs(t, err, ErrRefused)
			assert.Equal(t, tt.status, h.c.Snapshot().Status)
			h.native.mu.Lock()
			assert.Empty(t, h.native.configs)
			h.native.mu.Unlock()
		})
	}
}

func TestLaunchHostPollsUntilReady(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, await(t, h.c.StartHost(HostOptions{LocalPort: 7000, Secret: "s3cret"})))

	h.native.status.Store(int32(StatusConnecting))
	require.NoError(t, await(t, h.c.Launch(LaunchOptions{CorePath: "core", ROMPath: "rom"})))

	cfg := h.native.last(t)
	assert.True(t, cfg.EnableNetplay)
	assert.Equal(t, 1, cfg.LocalPlayerNum)
	assert.Equal(t, "s3cret", cfg.Secret)
	assert.Equal(t, uint16(7000), cfg.LocalPort)

	require.Eventually(t, func() bool {
		return h.c.Snapshot().Status == "Waiting for peer to connect to your port 203.0.113.5:7000"
	}, time.Second, time.Millisecond)
	assert.False(t, h.c.Snapshot().Playing)

	h.native.status.Store(int32(StatusReady))
	require.Eventually(t, func() bool { return h.c.Snapshot().Playing }, time.Second, time.Millisecond)
	snap := h.c.Snapshot()
	assert.Empty(t, snap.Status)
	assert.Equal(t, StatusReady, snap.NetplayStatus)
}

func TestLaunchJoinUsesRemote(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, await(t, h.c.JoinIntent()))
	require.NoError(t, await(t, h.c.SubmitCode(joinCode(t), 7002)))

	h.native.status.Store(int32(StatusReady))
	require.NoError(t, await(t, h.c.Launch(LaunchOptions{CorePath: "core", ROMPath: "rom"})))

	cfg := h.native.last(t)
	assert.True(t, cfg.EnableNetplay)
	assert.Equal(t, 2, cfg.LocalPlayerNum)
	assert.Equal(t, hostPublic, cfg.Remote)
	assert.Equal(t, uint16(7002), cfg.LocalPort)
	require.Eventually(t, func() bool { return h.c.Snapshot().Playing }, time.Second, time.Millisecond)
}

func TestLaunchSessionFailure(t *testing.T) {
	h := newHarness(t)
	h.native.err = errors.New("core crashed")
	err := await(t, h.c.Launch(LaunchOptions{CorePath: "core", ROMPath: "rom"}))
	require.Error(t, err)
	assert.Equal(t, "Session failed: core crashed", h.c.Snapshot().Status)
	assert.False(t, h.c.Snapshot().Launched)
}

func TestSubscribeSeesLatestState(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	var last Snapshot
	var count int
	unsubscribe := h.c.Subscribe(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		last = s
		count++
	})
	defer unsubscribe()

	require.NoError(t, await(t, h.c.StartHost(HostOptions{LocalPort: 7000})))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last.State == StateHostReady && !last.Busy
	}, time.Second, time.Millisecond)

	unsubscribe()
	mu.Lock()
	seen := count
	mu.Unlock()
	require.NoError(t, h.c.Cancel())
	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, seen, count)
	mu.Unlock()
}

func TestClosedControllerRejectsOperations(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.Close())
	assert.ErrorIs(t, await(t, h.c.JoinIntent()), ErrClosed)
	assert.ErrorIs(t, h.c.Cancel(), ErrClosed)
}

func TestSnapshotCanLaunch(t *testing.T) {
	assert.True(t, Snapshot{}.CanLaunch())
	assert.False(t, Snapshot{Busy: true}.CanLaunch())
	assert.False(t, Snapshot{NetplayEnabled: true, State: StateJoinInput}.CanLaunch())
	assert.True(t, Snapshot{NetplayEnabled: true, State: StateHostReady}.CanLaunch())
}
