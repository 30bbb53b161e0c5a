// Package statusfeed pushes controller snapshots to WebSocket clients so a
// separate UI can mirror the connection panel.
package statusfeed

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the part of *websocket.Conn the feed uses
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
}

// Upgrader turns an HTTP request into a Conn
type Upgrader interface {
	Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (Conn, error)
}

// GorillaUpgrader adapts websocket.Upgrader to Upgrader
type GorillaUpgrader struct {
	*websocket.Upgrader
}

// NewGorillaUpgrader accepts any origin. The feed is meant for a UI on the
// same machine.
func NewGorillaUpgrader() *GorillaUpgrader {
	return &GorillaUpgrader{
		Upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (g *GorillaUpgrader) Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (Conn, error) {
	conn, err := g.Upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
