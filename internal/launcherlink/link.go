// Package launcherlink is the launcher agent's WebSocket client
// connection to the backend's launcher-registration endpoint. It mirrors
// internal/backendlink's Dial/Serve shape: one Dial performs the
// LauncherRegister handshake, and Serve then drains backend->launcher
// frames (LaunchSession, StopSession, ListDirectories) until the
// connection drops, handing each to the caller's Handlers.
package launcherlink

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meawoppl/claude-code-portal-sub000/internal/protocol"
	"github.com/meawoppl/claude-code-portal-sub000/internal/reconnect"
	"github.com/meawoppl/claude-code-portal-sub000/internal/wsconn"
)

// outBuffer bounds the client-side outbound channel.
const outBuffer = 64

// Handlers dispatches backend->launcher frames a Link receives while
// serving. Each is optional; a nil handler silently ignores that frame
// type.
type Handlers struct {
	OnLaunchSession   func(protocol.LaunchSession)
	OnStopSession     func(protocol.StopSession)
	OnListDirectories func(protocol.ListDirectories)
}

// Link is one registered WebSocket connection to the backend's
// LauncherEndpoint.
type Link struct {
	conn *wsconn.Conn
	out  chan []byte
}

// Dial connects to url, sends reg as the first frame, and blocks for the
// backend's LauncherRegisterAck. A rejected registration is wrapped with
// reconnect.Unrecoverable since retrying the same bad registration would
// only fail the same way.
func Dial(ctx context.Context, url string, reg protocol.LauncherRegister, ackTimeout time.Duration) (*Link, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		return nil, err
	}

	data, err := protocol.Marshal(reg)
	if err != nil {
		ws.Close()
		return nil, err
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		ws.Close()
		return nil, err
	}

	conn := wsconn.New(ws)
	ackCh := make(chan protocol.LauncherRegisterAck, 1)
	errCh := make(chan error, 1)

	go func() {
		err := conn.ReadLoop(func(data []byte) error {
			typ, err := protocol.PeekType(data)
			if err != nil {
				return err
			}
			if typ != protocol.TypeLauncherRegisterAck {
				return errors.New("launcherlink: expected LauncherRegisterAck as first frame, got " + typ)
			}
			var ack protocol.LauncherRegisterAck
			if err := json.Unmarshal(data, &ack); err != nil {
				return err
			}
			ackCh <- ack
			return errStopReadLoop
		})
		if err != nil && !errors.Is(err, errStopReadLoop) {
			select {
			case errCh <- err:
			default:
			}
		}
	}()

	if ackTimeout <= 0 {
		ackTimeout = 10 * time.Second
	}

	select {
	case <-ctx.Done():
		ws.Close()
		return nil, ctx.Err()
	case err := <-errCh:
		ws.Close()
		return nil, err
	case <-time.After(ackTimeout):
		ws.Close()
		return nil, errors.New("launcherlink: timed out waiting for LauncherRegisterAck")
	case ack := <-ackCh:
		if !ack.Success {
			ws.Close()
			return nil, reconnect.Unrecoverable(errors.New("launcherlink: register rejected: " + ack.Error))
		}
		return &Link{conn: conn, out: make(chan []byte, outBuffer)}, nil
	}
}

var errStopReadLoop = errors.New("launcherlink: register ack received")

func (l *Link) send(ctx context.Context, v any) error {
	data, err := protocol.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case l.out <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendHeartbeat reports the launcher's currently running session ids.
func (l *Link) SendHeartbeat(ctx context.Context, launcherID string, running []string, uptime time.Duration) error {
	return l.send(ctx, protocol.LauncherHeartbeat{
		Type:            protocol.TypeLauncherHeartbeat,
		LauncherID:      launcherID,
		RunningSessions: running,
		UptimeSecs:      int64(uptime.Seconds()),
	})
}

// SendLaunchSessionResult answers a LaunchSession request.
func (l *Link) SendLaunchSessionResult(ctx context.Context, res protocol.LaunchSessionResult) error {
	res.Type = protocol.TypeLaunchSessionResult
	return l.send(ctx, res)
}

// SendListDirectoriesResult answers a ListDirectories request.
func (l *Link) SendListDirectoriesResult(ctx context.Context, res protocol.ListDirectoriesResult) error {
	res.Type = protocol.TypeListDirectoriesResult
	return l.send(ctx, res)
}

// SendProxyLog relays one log line observed from a spawned proxy process.
func (l *Link) SendProxyLog(ctx context.Context, sessionID, level, message string) error {
	return l.send(ctx, protocol.ProxyLog{Type: protocol.TypeProxyLog, SessionID: sessionID, Level: level, Message: message})
}

// SendSessionExited reports a spawned proxy process's exit code.
func (l *Link) SendSessionExited(ctx context.Context, sessionID string, exitCode int) error {
	return l.send(ctx, protocol.SessionExited{Type: protocol.TypeSessionExited, SessionID: sessionID, ExitCode: exitCode})
}

// Serve drains frames from the backend until the connection ends,
// dispatching to h, and concurrently drains the outbound queue onto the
// socket. It returns the terminal error: nil on clean close, or the
// underlying read/write failure otherwise.
func (l *Link) Serve(ctx context.Context, h Handlers) error {
	writeDone := make(chan error, 1)
	go func() { writeDone <- l.conn.WritePump(ctx, l.out) }()

	readErr := l.conn.ReadLoop(func(data []byte) error {
		return l.dispatch(data, h)
	})

	<-writeDone
	return readErr
}

func (l *Link) dispatch(data []byte, h Handlers) error {
	typ, err := protocol.PeekType(data)
	if err != nil {
		return err
	}

	switch typ {
	case protocol.TypeLaunchSession:
		var req protocol.LaunchSession
		if err := json.Unmarshal(data, &req); err != nil {
			return err
		}
		if h.OnLaunchSession != nil {
			h.OnLaunchSession(req)
		}

	case protocol.TypeStopSession:
		var req protocol.StopSession
		if err := json.Unmarshal(data, &req); err != nil {
			return err
		}
		if h.OnStopSession != nil {
			h.OnStopSession(req)
		}

	case protocol.TypeListDirectories:
		var req protocol.ListDirectories
		if err := json.Unmarshal(data, &req); err != nil {
			return err
		}
		if h.OnListDirectories != nil {
			h.OnListDirectories(req)
		}

	case protocol.TypeLauncherRegisterAck:
		// Ack for the register frame this Link already sent; nothing to do.
	}

	return nil
}

// Close closes the underlying connection.
func (l *Link) Close() error {
	return l.conn.Close()
}
