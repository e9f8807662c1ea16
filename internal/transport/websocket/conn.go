package websocket

import (
	"errors"
	"sync"
	"sync/atomic"

	gorillaws "github.com/gorilla/websocket"
)

// ErrClosed is returned by Send after the connection has been torn down.
var ErrClosed = errors.New("websocket: connection closed")

// Conn wraps a gorilla connection behind the registry's Conn interface.
//
// gorilla permits only one concurrent writer, but sends arrive from both the
// read-loop goroutine (replies) and the timer run goroutine (notifications,
// dispense commands) — hence the write mutex.
type Conn struct {
	mu     sync.Mutex
	ws     *gorillaws.Conn
	closed atomic.Bool
}

func newConn(ws *gorillaws.Conn) *Conn {
	return &Conn{ws: ws}
}

// Send writes v as one JSON text frame. Safe for concurrent use.
func (c *Conn) Send(v any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.WriteJSON(v); err != nil {
		c.closed.Store(true)
		return err
	}
	return nil
}

// Open reports whether the transport is still usable.
func (c *Conn) Open() bool { return !c.closed.Load() }

// Close marks the connection dead and closes the underlying socket.
// Idempotent.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.ws.Close()
}
