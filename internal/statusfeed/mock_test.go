package statusfeed

import (
	"errors"
	"net/http"
	"sync"
	"time"
)

type mockConn struct {
	mu       sync.Mutex
	closed   bool
	written  [][]byte
	kinds    []int
	writeErr error
	reads    chan []byte
}

func newMockConn() *mockConn {
	return &mockConn{reads: make(chan []byte)}
}

func (m *mockConn) WriteMessage(kind int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("connection closed")
	}
	if m.writeErr != nil {
		return m.writeErr
	}
	m.written = append(m.written, append([]byte(nil), data...))
	m.kinds = append(m.kinds, kind)
	return nil
}

// ReadMessage blocks until a frame is queued or the conn is closed
func (m *mockConn) ReadMessage() (int, []byte, error) {
	data, ok := <-m.reads
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return 1, data, nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.reads)
	}
	return nil
}

func (m *mockConn) SetWriteDeadline(time.Time) error { return nil }
func (m *mockConn) SetReadDeadline(time.Time) error { return nil }
func (m *mockConn) SetReadLimit(int64) {}
func (m *mockConn) SetPongHandler(func(appData string) error) {}

func (m *mockConn) Written() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.written...)
}

func (m *mockConn) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockConn) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

type mockUpgrader struct {
	conns chan *mockConn
}

func (u *mockUpgrader) Upgrade(http.ResponseWriter, *http.Request, http.Header) (Conn, error) {
	c := newMockConn()
	u.conns <- c
	return c, nil
}
