package proxyendpoint

import (
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meawoppl/claude-code-portal-sub000/internal/authtoken"
	"github.com/meawoppl/claude-code-portal-sub000/internal/config"
	"github.com/meawoppl/claude-code-portal-sub000/internal/protocol"
	"github.com/meawoppl/claude-code-portal-sub000/internal/repository"
	"github.com/meawoppl/claude-code-portal-sub000/internal/sessionmanager"
)

func newTestEndpoint(t *testing.T) (*Endpoint, repository.Repository, *sessionmanager.Manager) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	repo, err := repository.NewSQLiteRepository(path)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	mgr := sessionmanager.New(sessionmanager.DefaultMaxPendingMessagesPerSession, sessionmanager.DefaultMaxPendingMessageAge)
	cfg := config.Default()
	cfg.RegisterAckTimeout = 2 * time.Second
	e := New(repo, mgr, authtoken.NewDevVerifier(), nil, cfg)
	return e, repo, mgr
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRegisterHandshakeSucceeds(t *testing.T) {
	e, repo, _ := newTestEndpoint(t)
	srv := httptest.NewServer(e.Router())
	defer srv.Close()

	client := dial(t, srv)

	reg := protocol.ProxyRegister{
		Type:             protocol.TypeRegister,
		SessionID:        "sess-1",
		WorkingDirectory: "/home/dev/my-project",
		AuthToken:        "tok",
	}
	data, err := protocol.Marshal(reg)
	require.NoError(t, err)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, data))

	_, msg, err := client.ReadMessage()
	require.NoError(t, err)
	var ack protocol.RegisterAck
	require.NoError(t, json.Unmarshal(msg, &ack))
	assert.True(t, ack.Success)
	assert.Equal(t, "sess-1", ack.SessionID)

	require.Eventually(t, func() bool {
		s, err := repo.GetSession(t.Context(), "sess-1")
		return err == nil && s != nil
	}, time.Second, 10*time.Millisecond)

	sess, err := repo.GetSession(t.Context(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "my-project", sess.Name)
}

func TestRegisterRejectsEmptyAuthToken(t *testing.T) {
	e, _, _ := newTestEndpoint(t)
	srv := httptest.NewServer(e.Router())
	defer srv.Close()

	client := dial(t, srv)
	reg := protocol.ProxyRegister{Type: protocol.TypeRegister, SessionID: "sess-1", AuthToken: ""}
	data, err := protocol.Marshal(reg)
	require.NoError(t, err)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, data))

	_, msg, err := client.ReadMessage()
	require.NoError(t, err)
	var ack protocol.RegisterAck
	require.NoError(t, json.Unmarshal(msg, &ack))
	assert.False(t, ack.Success)
}

func TestSequencedOutputBroadcastsAndAcks(t *testing.T) {
	e, _, mgr := newTestEndpoint(t)
	srv := httptest.NewServer(e.Router())
	defer srv.Close()

	client := dial(t, srv)
	reg := protocol.ProxyRegister{Type: protocol.TypeRegister, SessionID: "sess-1", AuthToken: "tok"}
	data, _ := protocol.Marshal(reg)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, data))
	_, _, err := client.ReadMessage() // RegisterAck
	require.NoError(t, err)

	sub := sessionmanager.NewSender(10)
	mgr.SubscribeSession("sess-1", sub)

	out := protocol.SequencedOutput{Type: protocol.TypeSequencedOutput, Seq: 1, Content: json.RawMessage(`{"a":1}`)}
	outData, _ := protocol.Marshal(out)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, outData))

	select {
	case got := <-sub.Out():
		var decoded protocol.SequencedOutput
		require.NoError(t, json.Unmarshal(got, &decoded))
		assert.Equal(t, int64(1), decoded.Seq)
	case <-time.After(time.Second):
		t.Fatal("expected broadcast to subscriber")
	}

	client.SetReadDeadline(time.Now().Add(time.Second))
	_, ackMsg, err := client.ReadMessage()
	require.NoError(t, err)
	var ack protocol.OutputAck
	require.NoError(t, json.Unmarshal(ackMsg, &ack))
	assert.Equal(t, int64(1), ack.AckSeq)
}

func TestSequencedOutputPersistsMessage(t *testing.T) {
	e, repo, _ := newTestEndpoint(t)
	srv := httptest.NewServer(e.Router())
	defer srv.Close()

	client := dial(t, srv)
	reg := protocol.ProxyRegister{Type: protocol.TypeRegister, SessionID: "sess-1", AuthToken: "tok"}
	data, _ := protocol.Marshal(reg)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, data))
	_, _, err := client.ReadMessage() // RegisterAck
	require.NoError(t, err)

	out := protocol.SequencedOutput{Type: protocol.TypeSequencedOutput, Seq: 1, Content: json.RawMessage(`{"type":"result","text":"done"}`)}
	outData, _ := protocol.Marshal(out)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, outData))

	client.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = client.ReadMessage() // OutputAck
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs, err := repo.QueryMessagesAfter(t.Context(), "sess-1", nil)
		return err == nil && len(msgs) == 1
	}, time.Second, 10*time.Millisecond)

	msgs, err := repo.QueryMessagesAfter(t.Context(), "sess-1", nil)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "result", string(msgs[0].Role))
}

func TestPermissionRequestIsTrackedAsPending(t *testing.T) {
	e, _, mgr := newTestEndpoint(t)
	srv := httptest.NewServer(e.Router())
	defer srv.Close()

	client := dial(t, srv)
	reg := protocol.ProxyRegister{Type: protocol.TypeRegister, SessionID: "sess-1", AuthToken: "tok"}
	data, _ := protocol.Marshal(reg)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, data))
	_, _, err := client.ReadMessage()
	require.NoError(t, err)

	req := protocol.PermissionRequest{Type: protocol.TypePermissionRequest, RequestID: "r1", ToolName: "bash"}
	reqData, _ := protocol.Marshal(req)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, reqData))

	require.Eventually(t, func() bool {
		_, ok := mgr.PendingPermission("sess-1")
		return ok
	}, time.Second, 10*time.Millisecond)
}
