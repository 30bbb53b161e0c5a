package statusfeed

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is one connected viewer. Writes are serialised.
type Client struct {
	ID string

	conn         Conn
	writeTimeout time.Duration

	mu       sync.Mutex
	closed   bool
	lastSeen time.Time
}

func newClient(id string, conn Conn, writeTimeout time.Duration) *Client {
	return &Client{ID: id, conn: conn, writeTimeout: writeTimeout, lastSeen: time.Now()}
}

// Send writes one text frame
func (c *Client) Send(data []byte) error {
	return c.write(websocket.TextMessage, data)
}

func (c *Client) ping() error {
	return c.write(websocket.PingMessage, nil)
}

func (c *Client) write(kind int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("client %s is closed", c.ID)
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(kind, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *Client) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}
