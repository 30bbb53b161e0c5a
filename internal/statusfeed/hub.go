package statusfeed

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/saintparish4/rendezvous/pkg/netplay"
)

const maxInbound = 4 * 1024

// Message is what every client receives: the latest snapshot plus the
// derived fields a UI would otherwise have to compute.
type Message struct {
	Type      string           `json:"type"`
	State     string           `json:"state"`
	CanLaunch bool             `json:"canLaunch"`
	Snapshot  netplay.Snapshot `json:"snapshot"`
}

func encode(s netplay.Snapshot) ([]byte, error) {
	return json.Marshal(Message{
		Type:      "status",
		State:     s.State.String(),
		CanLaunch: s.CanLaunch(),
		Snapshot:  s,
	})
}

// Hub fans snapshots out to every connected client. A client that connects
// late gets the latest snapshot first.
type Hub struct {
	upgrader Upgrader

	WriteTimeout time.Duration
	PingInterval time.Duration
	PongWait     time.Duration
	Logger       *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	latest  []byte
	closed  bool
}

func NewHub(upgrader Upgrader) *Hub {
	return &Hub{
		upgrader:     upgrader,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		PongWait:     60 * time.Second,
		clients:      make(map[string]*Client),
	}
}

// Publish replaces the latest snapshot and pushes it to every client.
// Clients whose write fails are dropped.
func (h *Hub) Publish(s netplay.Snapshot) {
	data, err := encode(s)
	if err != nil {
		h.logger().Error("encode snapshot failed", "err", err)
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.latest = data
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if err := c.Send(data); err != nil {
			h.logger().Debug("push failed", "client", c.ID, "err", err)
			h.remove(c)
		}
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.upgrader == nil {
		http.Error(w, "websocket upgrader not configured", http.StatusInternalServerError)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger().Debug("upgrade failed", "err", err)
		return
	}

	c, ok := h.add(conn)
	if !ok {
		conn.Close()
		return
	}
	h.logger().Debug("status client connected", "client", c.ID, "remote", r.RemoteAddr)
	defer func() {
		h.remove(c)
		h.logger().Debug("status client disconnected", "client", c.ID)
	}()

	done := make(chan struct{})
	defer close(done)
	go h.pingLoop(c, done)

	conn.SetReadLimit(maxInbound)
	conn.SetReadDeadline(time.Now().Add(h.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.PongWait))
		c.touch()
		return nil
	})
	h.readLoop(c, conn)
}

// add registers conn and sends it the latest snapshot under the lock so a
// concurrent Publish cannot be delivered before it.
func (h *Hub) add(conn Conn) (*Client, bool) {
	c := newClient(uuid.NewString(), conn, h.WriteTimeout)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	if h.latest != nil {
		if err := c.Send(h.latest); err != nil {
			return nil, false
		}
	}
	h.clients[c.ID] = c
	return c, true
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.ID)
	h.mu.Unlock()
	c.Close()
}

// readLoop only keeps deadlines fresh; inbound frames are ignored
func (h *Hub) readLoop(c *Client, conn Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		c.touch()
	}
}

func (h *Hub) pingLoop(c *Client, done <-chan struct{}) {
	ticker := time.NewTicker(h.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client; later connections are refused
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}

func (h *Hub) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
