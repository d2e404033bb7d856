// Package backendlink is the proxy's WebSocket client connection to the
// backend's proxy-registration endpoint: one Dial performs the Register
// handshake, and Serve then drains backend->proxy frames until the
// connection drops, handing each to the caller's Handlers. A Link
// implements shim.Backend directly, so ShimBridge can send through it
// without knowing it's a WebSocket at all.
package backendlink

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

// outBuffer bounds the client-side outbound channel; it mirrors the
// backend's per-connection Sender buffer size.
const outBuffer = 64

// Handlers dispatches backend->proxy frames a Link receives while
// serving. Each is optional; a nil handler silently ignores that frame
// type.
type Handlers struct {
	OnInput              func(protocol.SequencedInput)
	OnLegacyInput        func(protocol.ClaudeInput)
	OnPermissionResponse func(protocol.PermissionResponse)
	OnFileUpload         func(protocol.FileUpload)
}

// Link is one registered WebSocket connection to the backend's
// ProxyEndpoint.
type Link struct {
	conn *wsconn.Conn
	out  chan []byte
}

// Dial connects to url, sends reg as the first frame, and blocks for the
// backend's RegisterAck. A RegisterAck with Success=false is wrapped with
// reconnect.Unrecoverable since retrying the same bad registration would
// only fail the same way.
func Dial(ctx context.Context, url string, reg protocol.ProxyRegister, ackTimeout time.Duration) (*Link, error) {
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
	ackCh := make(chan protocol.RegisterAck, 1)
	errCh := make(chan error, 1)

	go func() {
		err := conn.ReadLoop(func(data []byte) error {
			typ, err := protocol.PeekType(data)
			if err != nil {
				return err
			}
			if typ != protocol.TypeRegisterAck {
				return errors.New("backendlink: expected RegisterAck as first frame, got " + typ)
			}
			var ack protocol.RegisterAck
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
		// A RegisterAck timeout is treated as an implicit successful
		// ack, for bidirectional compatibility with older backends that
		// never send one. Force the handshake reader goroutine to give
		// up the connection's single reader slot before handing the
		// socket to Serve.
		_ = ws.SetReadDeadline(time.Now())
		_ = ws.SetReadDeadline(time.Time{})
		return &Link{conn: conn, out: make(chan []byte, outBuffer)}, nil
	case ack := <-ackCh:
		if !ack.Success {
			ws.Close()
			return nil, reconnect.Unrecoverable(errors.New("backendlink: register rejected: " + ack.Error))
		}
		return &Link{conn: conn, out: make(chan []byte, outBuffer)}, nil
	}
}

var errStopReadLoop = errors.New("backendlink: register ack received")

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

// SendOutput implements shim.Backend.
func (l *Link) SendOutput(ctx context.Context, out protocol.SequencedOutput) error {
	return l.send(ctx, out)
}

// SendPermissionRequest implements shim.Backend.
func (l *Link) SendPermissionRequest(ctx context.Context, req protocol.PermissionRequest) error {
	return l.send(ctx, req)
}

// SendInputAck tells the backend it can delete PendingInput rows up to
// ackSeq.
func (l *Link) SendInputAck(ctx context.Context, sessionID string, ackSeq int64) error {
	return l.send(ctx, protocol.InputAck{Type: protocol.TypeInputAck, SessionID: sessionID, AckSeq: ackSeq})
}

// SendSessionStatus reports an informational status change.
func (l *Link) SendSessionStatus(ctx context.Context, sessionID, status string) error {
	return l.send(ctx, protocol.SessionStatus{Type: protocol.TypeSessionStatus, SessionID: sessionID, Status: status})
}

// SendSessionUpdate reports a git-branch or PR-URL change.
func (l *Link) SendSessionUpdate(ctx context.Context, upd protocol.SessionUpdate) error {
	upd.Type = protocol.TypeSessionUpdate
	return l.send(ctx, upd)
}

// SendHeartbeat sends a Heartbeat frame.
func (l *Link) SendHeartbeat(ctx context.Context) error {
	return l.send(ctx, protocol.Heartbeat{Type: protocol.TypeHeartbeat})
}

// StartHeartbeat arms the connection's read-side idle timeout at
// timeout (so Serve's ReadLoop gives up and returns once the backend
// has been silent that long, forcing a reconnect) and, if interval is
// positive, spawns a goroutine sending a Heartbeat frame every interval
// until ctx is done. Call once per Serve call, before or concurrently
// with it.
func (l *Link) StartHeartbeat(ctx context.Context, interval, timeout time.Duration) {
	if timeout > 0 {
		l.conn.SetIdleTimeout(timeout)
	}
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.SendHeartbeat(ctx); err != nil {
					return
				}
			}
		}
	}()
}

// Serve drains frames from the backend until the connection ends,
// dispatching to h, and concurrently drains the outbound queue onto the
// socket. It returns the terminal error: nil on clean close, a
// *reconnect.ShutdownNotice if the backend asked for an orderly
// reconnect, or the underlying read/write failure otherwise.
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
	case protocol.TypeSequencedInput:
		var in protocol.SequencedInput
		if err := json.Unmarshal(data, &in); err != nil {
			return err
		}
		if h.OnInput != nil {
			h.OnInput(in)
		}

	case protocol.TypeClaudeInput:
		var in protocol.ClaudeInput
		if err := json.Unmarshal(data, &in); err != nil {
			return err
		}
		if h.OnLegacyInput != nil {
			h.OnLegacyInput(in)
		}

	case protocol.TypePermissionResponse:
		var resp protocol.PermissionResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return err
		}
		if h.OnPermissionResponse != nil {
			h.OnPermissionResponse(resp)
		}

	case protocol.TypeFileUpload:
		var upload protocol.FileUpload
		if err := json.Unmarshal(data, &upload); err != nil {
			return err
		}
		if h.OnFileUpload != nil {
			h.OnFileUpload(upload)
		}

	case protocol.TypeHeartbeat:
		select {
		case l.out <- mustMarshal(protocol.Heartbeat{Type: protocol.TypeHeartbeat}):
		default:
		}

	case protocol.TypeOutputAck, protocol.TypeRegisterAck:
		// Acks for frames this Link already sent; nothing to do.

	case protocol.TypeServerShutdown:
		var sd protocol.ServerShutdown
		if err := json.Unmarshal(data, &sd); err != nil {
			return err
		}
		return &reconnect.ShutdownNotice{Reason: sd.Reason, Delay: time.Duration(sd.ReconnectDelayMs) * time.Millisecond}
	}

	return nil
}

func mustMarshal(v any) []byte {
	data, _ := protocol.Marshal(v)
	return data
}

// Close closes the underlying connection.
func (l *Link) Close() error {
	return l.conn.Close()
}
