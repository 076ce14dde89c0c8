package router

import (
	"time"

	"github.com/gorilla/websocket"
)

// DefaultPongWait is the maximum time to wait for any frame, pongs included,
// from the peer.
const DefaultPongWait = 75 * time.Second

// armReadDeadline sets a read deadline and installs a pong handler that
// extends it. Pings are sent by the registry heartbeat.
func armReadDeadline(conn *websocket.Conn, wait time.Duration) {
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})
}
