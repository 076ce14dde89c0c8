package session

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the client transport a session writes to. Implementations must be
// safe for concurrent use.
type Conn interface {
	WriteText(data []byte) error
	Ping() error
	Close(code int, reason string) error
}

// WSConn adapts a gorilla connection to Conn. All writes share one mutex and
// carry a deadline so a stuck peer cannot block a sender indefinitely.
type WSConn struct {
	conn         *websocket.Conn
	mu           sync.Mutex
	writeTimeout time.Duration
}

// NewWSConn wraps conn.
func NewWSConn(conn *websocket.Conn, writeTimeout time.Duration) *WSConn {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &WSConn{conn: conn, writeTimeout: writeTimeout}
}

func (c *WSConn) WriteText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *WSConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *WSConn) Close(code int, reason string) error {
	c.mu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.conn.Close()
}
