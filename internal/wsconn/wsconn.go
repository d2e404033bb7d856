// Package wsconn is the shared duplex-connection shape every backend
// transport (ProxyEndpoint, ClientEndpoint, LauncherEndpoint) is built
// on: a reader task that deserializes inbound frames and a writer task
// that serializes an in-process channel of outbound frames onto the
// socket: each physical connection is driven by two cooperating tasks.
// The pattern is grounded in go-memsh's
// WebSocketIO (cmd/webshell/main.go): a background goroutine owns
// conn.ReadMessage in a loop, and all writes are serialized through one
// path, since gorilla/websocket forbids concurrent writers on a single
// connection.
package wsconn

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Conn wraps a gorilla websocket connection for the reader/writer task
// split. It holds no protocol knowledge; callers decode/dispatch frames
// themselves.
type Conn struct {
	ws          *websocket.Conn
	idleTimeout time.Duration
}

// New wraps an already-upgraded websocket connection.
func New(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// SetIdleTimeout arms a read deadline that ReadLoop refreshes after
// every frame it receives: if no frame arrives within d, the next read
// fails with a deadline-exceeded error and ReadLoop returns it, ending
// the connection. Passing 0 disables the deadline. Used for heartbeat
// based dead-link detection.
func (c *Conn) SetIdleTimeout(d time.Duration) {
	c.idleTimeout = d
	if d > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(d))
	} else {
		_ = c.ws.SetReadDeadline(time.Time{})
	}
}

// ReadLoop reads text frames until the connection errors or closes,
// invoking onMessage for each. It returns the terminal read error (nil
// on a clean close). onMessage runs on this goroutine and must not
// block on anything but channel sends to bounded buffers.
func (c *Conn) ReadLoop(onMessage func(data []byte) error) error {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if c.idleTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.idleTimeout))
		}
		if err := onMessage(data); err != nil {
			return err
		}
	}
}

// WritePump drains out, writing each frame as a text message, until out
// is closed or ctx is cancelled or a write fails. This is the only
// goroutine that may call WriteMessage on ws — concurrent writers on one
// gorilla/websocket connection are not safe.
func (c *Conn) WritePump(ctx context.Context, out <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-out:
			if !ok {
				return nil
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return fmt.Errorf("wsconn: write: %w", err)
			}
		}
	}
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}
