// Package room is the client side of the room rendezvous protocol: two
// players share a room code and password, the server assigns the host and
// join roles and hands the joiner the host's endpoint.
package room

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/saintparish4/rendezvous/pkg/netutil"
	"github.com/saintparish4/rendezvous/pkg/types"
)

const (
	DefaultPollInterval = 250 * time.Millisecond
	DefaultDeadline     = 15 * time.Second

	connectTimeout = 4 * time.Second
	readTimeout    = 6 * time.Second
	maxBodyBytes   = 64 << 10
)

var (
	ErrCodeRequired     = errors.New("room code is required")
	ErrPasswordRequired = errors.New("room password is required")
	ErrTimeout          = errors.New("timed out waiting for host")
	ErrNoRole           = errors.New("room server did not assign a role")
	ErrInvalidEndpoint  = errors.New("room server returned invalid host endpoint")
	ErrDiscovery        = errors.New("STUN failed (cannot discover public UDP port)")
)

// PortDiscoverer maps a local UDP port to its public port
type PortDiscoverer interface {
	PublicUDPPort(ctx context.Context, localPort uint16) (uint16, error)
}

// Clock is the time source for the join poll loop
type Clock interface {
	Now() time.Time
	// Sleep returns early with ctx.Err() when ctx is done
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Result is the terminal outcome of a rendezvous
type Result struct {
	Role     types.Role
	Endpoint types.Endpoint
	Code     string
}

// Client talks to one room server
type Client struct {
	BaseURL string
	HTTP    *http.Client
	STUN    PortDiscoverer
	// LocalIP supplies the LAN hint sent with every request
	LocalIP func() string

	PollInterval time.Duration
	Deadline     time.Duration
	Clock        Clock
	Logger       *slog.Logger
}

// NewClient creates a client with the protocol's default timings
func NewClient(baseURL string, stun PortDiscoverer) *Client {
	return &Client{
		BaseURL:      TrimBaseURL(baseURL),
		HTTP:         DefaultHTTPClient(),
		STUN:         stun,
		LocalIP:      netutil.LANIPv4,
		PollInterval: DefaultPollInterval,
		Deadline:     DefaultDeadline,
		Clock:        realClock{},
	}
}

// DefaultHTTPClient bounds the dial and the wait for response headers
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
			TLSHandshakeTimeout:   connectTimeout,
			ResponseHeaderTimeout: readTimeout,
		},
		Timeout: connectTimeout + readTimeout,
	}
}

// Connect runs the rendezvous for one room. The first connector becomes the
// host and finalises the room with its public port; the second polls until
// that port appears or the deadline passes.
func (c *Client) Connect(ctx context.Context, code, password string, localPort uint16) (*Result, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, ErrCodeRequired
	}
	if strings.TrimSpace(password) == "" {
		return nil, ErrPasswordRequired
	}

	log := c.logger().With("code", code)

	resp, err := c.post(ctx, Request{Code: code, Password: password})
	if err != nil {
		return nil, err
	}
	log.Debug("room connect", "role", resp.Role, "waiting", resp.Waiting)

	switch resp.Role {
	case int(types.RoleHost):
		return c.finalizeHost(ctx, log, code, password, localPort, resp)
	case int(types.RoleJoin):
		return c.awaitHost(ctx, log, code, password, resp)
	default:
		return nil, ErrNoRole
	}
}

func (c *Client) finalizeHost(ctx context.Context, log *slog.Logger, code, password string, localPort uint16, resp *Response) (*Result, error) {
	room := resp.Room
	port := roomPort(room)

	if port == 0 {
		if c.STUN == nil {
			return nil, ErrDiscovery
		}
		publicPort, err := c.STUN.PublicUDPPort(ctx, localPort)
		if err != nil || publicPort == 0 {
			log.Debug("stun failed", "err", err)
			return nil, ErrDiscovery
		}

		fin, err := c.post(ctx, Request{
			Code:         code,
			Password:     password,
			Port:         int(publicPort),
			CreatorToken: resp.CreatorToken,
		})
		if err != nil {
			return nil, err
		}
		room = fin.Room
		port = int(publicPort)
		if p := roomPort(room); p != 0 {
			port = p
		}
		log.Debug("room finalised", "port", port)
	}

	ep, err := resolve(room.Host(), port)
	if err != nil {
		return nil, err
	}
	return &Result{Role: types.RoleHost, Endpoint: ep, Code: code}, nil
}

func (c *Client) awaitHost(ctx context.Context, log *slog.Logger, code, password string, resp *Response) (*Result, error) {
	clock := c.clock()
	deadline := clock.Now().Add(c.deadline())

	for resp.Waiting || roomPort(resp.Room) == 0 {
		if clock.Now().After(deadline) {
			return nil, ErrTimeout
		}
		if err := clock.Sleep(ctx, c.pollInterval()); err != nil {
			return nil, err
		}

		next, err := c.post(ctx, Request{Code: code, Password: password})
		if err != nil {
			return nil, err
		}
		resp = next
	}

	ep, err := resolve(resp.Room.Host(), resp.Room.Port)
	if err != nil {
		return nil, err
	}
	log.Debug("host endpoint received", "endpoint", ep.String())
	return &Result{Role: types.RoleJoin, Endpoint: ep, Code: code}, nil
}

func (c *Client) post(ctx context.Context, req Request) (*Response, error) {
	if c.LocalIP != nil {
		req.LocalIP = c.LocalIP()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, TrimBaseURL(c.BaseURL)+ConnectPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json; charset=utf-8")

	hc := c.HTTP
	if hc == nil {
		hc = DefaultHTTPClient()
	}
	httpResp, err := hc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("room server: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	ok2xx := httpResp.StatusCode >= 200 && httpResp.StatusCode < 300
	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		if !ok2xx {
			return nil, newServerError(httpResp.StatusCode, "")
		}
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if !ok2xx || !out.OK {
		return nil, newServerError(httpResp.StatusCode, out.Error)
	}
	return &out, nil
}

func (c *Client) clock() Clock {
	if c.Clock != nil {
		return c.Clock
	}
	return realClock{}
}

func (c *Client) pollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return DefaultPollInterval
}

func (c *Client) deadline() time.Duration {
	if c.Deadline > 0 {
		return c.Deadline
	}
	return DefaultDeadline
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func roomPort(r *RoomInfo) int {
	if r == nil {
		return 0
	}
	return r.Port
}

func resolve(host string, port int) (types.Endpoint, error) {
	if host == "" || !types.ValidPort(port) {
		return types.Endpoint{}, ErrInvalidEndpoint
	}
	return types.Endpoint{Host: host, Port: uint16(port)}, nil
}
