package backendlink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meawoppl/claude-code-portal-sub000/internal/protocol"
	"github.com/meawoppl/claude-code-portal-sub000/internal/reconnect"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialSendsRegisterAndWaitsForAck(t *testing.T) {
	var gotRegister protocol.ProxyRegister
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &gotRegister))

		ack, _ := protocol.Marshal(protocol.RegisterAck{Type: protocol.TypeRegisterAck, Success: true, SessionID: gotRegister.SessionID})
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, ack))

		time.Sleep(50 * time.Millisecond)
		ws.Close()
	}))
	defer srv.Close()

	reg := protocol.ProxyRegister{Type: protocol.TypeRegister, SessionID: "sess-1", WorkingDirectory: "/tmp"}
	link, err := Dial(context.Background(), wsURL(srv), reg, time.Second)
	require.NoError(t, err)
	defer link.Close()

	assert.Equal(t, "sess-1", gotRegister.SessionID)
}

func TestDialReturnsUnrecoverableOnRejectedRegister(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		_, _, err = ws.ReadMessage()
		require.NoError(t, err)

		ack, _ := protocol.Marshal(protocol.RegisterAck{Type: protocol.TypeRegisterAck, Success: false, Error: "bad token"})
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, ack))
	}))
	defer srv.Close()

	reg := protocol.ProxyRegister{Type: protocol.TypeRegister, SessionID: "sess-1"}
	_, err := Dial(context.Background(), wsURL(srv), reg, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, reconnect.ErrUnrecoverable)
}

// TestDialTreatsAckTimeoutAsSuccess covers the backward-compatibility case
// where the backend never sends a RegisterAck at all: Dial must hand back
// a usable Link instead of erroring, and that Link must still be safe to
// Serve (the handshake's background reader must have relinquished the
// connection's single reader slot).
func TestDialTreatsAckTimeoutAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		_, _, err = ws.ReadMessage()
		require.NoError(t, err)

		content, _ := json.Marshal("hello")
		in, _ := protocol.Marshal(protocol.SequencedInput{Type: protocol.TypeSequencedInput, SessionID: "sess-1", Seq: 1, Content: content})
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, in))

		time.Sleep(100 * time.Millisecond)
		ws.Close()
	}))
	defer srv.Close()

	reg := protocol.ProxyRegister{Type: protocol.TypeRegister, SessionID: "sess-1"}
	link, err := Dial(context.Background(), wsURL(srv), reg, 50*time.Millisecond)
	require.NoError(t, err)
	defer link.Close()

	var gotInput protocol.SequencedInput
	done := make(chan struct{})
	go func() {
		_ = link.Serve(context.Background(), Handlers{
			OnInput: func(in protocol.SequencedInput) {
				gotInput = in
				close(done)
			},
		})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch after ack-timeout dial")
	}
	assert.Equal(t, int64(1), gotInput.Seq)
}

func TestStartHeartbeatSendsOnInterval(t *testing.T) {
	received := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		_, _, err = ws.ReadMessage()
		require.NoError(t, err)
		ack, _ := protocol.Marshal(protocol.RegisterAck{Type: protocol.TypeRegisterAck, Success: true})
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, ack))

		for i := 0; i < 2; i++ {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			typ, _ := protocol.PeekType(data)
			if typ == protocol.TypeHeartbeat {
				received <- struct{}{}
			}
		}
	}))
	defer srv.Close()

	reg := protocol.ProxyRegister{Type: protocol.TypeRegister, SessionID: "sess-1"}
	link, err := Dial(context.Background(), wsURL(srv), reg, time.Second)
	require.NoError(t, err)
	defer link.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	link.StartHeartbeat(ctx, 20*time.Millisecond, 0)
	go func() { _ = link.Serve(ctx, Handlers{}) }()

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for periodic heartbeat")
		}
	}
}

func TestServeDispatchesInputAndPermissionResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		_, _, err = ws.ReadMessage()
		require.NoError(t, err)

		ack, _ := protocol.Marshal(protocol.RegisterAck{Type: protocol.TypeRegisterAck, Success: true})
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, ack))

		content, _ := json.Marshal("hello")
		in, _ := protocol.Marshal(protocol.SequencedInput{Type: protocol.TypeSequencedInput, SessionID: "sess-1", Seq: 1, Content: content})
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, in))

		resp, _ := protocol.Marshal(protocol.PermissionResponse{Type: protocol.TypePermissionResponse, RequestID: "req-1", Allow: true})
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, resp))

		time.Sleep(50 * time.Millisecond)
		ws.Close()
	}))
	defer srv.Close()

	reg := protocol.ProxyRegister{Type: protocol.TypeRegister, SessionID: "sess-1"}
	link, err := Dial(context.Background(), wsURL(srv), reg, time.Second)
	require.NoError(t, err)
	defer link.Close()

	var gotInput protocol.SequencedInput
	var gotResp protocol.PermissionResponse
	done := make(chan struct{})

	go func() {
		_ = link.Serve(context.Background(), Handlers{
			OnInput: func(in protocol.SequencedInput) {
				gotInput = in
			},
			OnPermissionResponse: func(resp protocol.PermissionResponse) {
				gotResp = resp
				close(done)
			},
		})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch")
	}

	assert.Equal(t, int64(1), gotInput.Seq)
	assert.Equal(t, "req-1", gotResp.RequestID)
	assert.True(t, gotResp.Allow)
}

func TestServeTranslatesServerShutdownIntoShutdownNotice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		_, _, err = ws.ReadMessage()
		require.NoError(t, err)

		ack, _ := protocol.Marshal(protocol.RegisterAck{Type: protocol.TypeRegisterAck, Success: true})
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, ack))

		sd, _ := protocol.Marshal(protocol.ServerShutdown{Type: protocol.TypeServerShutdown, Reason: "deploy", ReconnectDelayMs: 2000})
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, sd))
	}))
	defer srv.Close()

	reg := protocol.ProxyRegister{Type: protocol.TypeRegister, SessionID: "sess-1"}
	link, err := Dial(context.Background(), wsURL(srv), reg, time.Second)
	require.NoError(t, err)
	defer link.Close()

	err = link.Serve(context.Background(), Handlers{})

	var notice *reconnect.ShutdownNotice
	require.ErrorAs(t, err, &notice)
	assert.Equal(t, "deploy", notice.Reason)
	assert.Equal(t, 2*time.Second, notice.Delay)
}

func TestSendOutputBlocksUntilContextCancelWhenQueueFull(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		_, _, err = ws.ReadMessage()
		require.NoError(t, err)
		ack, _ := protocol.Marshal(protocol.RegisterAck{Type: protocol.TypeRegisterAck, Success: true})
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, ack))
		// No WritePump running on the other side; the client's out
		// channel fills up and never drains.
		select {}
	}))
	defer srv.Close()

	reg := protocol.ProxyRegister{Type: protocol.TypeRegister, SessionID: "sess-1"}
	link, err := Dial(context.Background(), wsURL(srv), reg, time.Second)
	require.NoError(t, err)
	defer link.Close()

	for i := 0; i < outBuffer; i++ {
		require.NoError(t, link.SendOutput(context.Background(), protocol.SequencedOutput{Type: protocol.TypeSequencedOutput, Seq: int64(i)}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = link.SendOutput(ctx, protocol.SequencedOutput{Type: protocol.TypeSequencedOutput, Seq: 999})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
