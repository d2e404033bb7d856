package clientendpoint

import (
	"context"
	"encoding/base64"
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
	"github.com/meawoppl/claude-code-portal-sub000/internal/model"
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
	e := New(repo, mgr, authtoken.NewDevVerifier(), nil, cfg)
	return e, repo, mgr
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?auth_token=" + token
	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func seedSession(t *testing.T, repo repository.Repository, sessionID, userID string) {
	t.Helper()
	sess := &model.Session{ID: sessionID, OwnerUserID: userID, Status: model.StatusActive}
	_, err := repo.UpsertSession(context.Background(), sess)
	require.NoError(t, err)
	require.NoError(t, repo.EnsureOwnerMembership(context.Background(), sessionID, userID))
}

func TestRegisterRejectsAccessWithoutMembership(t *testing.T) {
	e, _, _ := newTestEndpoint(t)
	srv := httptest.NewServer(e.Router())
	defer srv.Close()

	client := dial(t, srv, "tok")
	reg := protocol.ClientRegister{Type: protocol.TypeClientRegister, SessionID: "sess-1"}
	data, err := protocol.Marshal(reg)
	require.NoError(t, err)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, data))

	_, msg, err := client.ReadMessage()
	require.NoError(t, err)
	var errFrame protocol.ErrorFrame
	require.NoError(t, json.Unmarshal(msg, &errFrame))
	assert.Equal(t, "Access denied", errFrame.Message)
}

func TestRegisterSucceedsAndReplaysHistory(t *testing.T) {
	e, repo, _ := newTestEndpoint(t)
	srv := httptest.NewServer(e.Router())
	defer srv.Close()

	seedSession(t, repo, "sess-1", "dev-tok")
	require.NoError(t, repo.InsertMessage(context.Background(), &model.Message{
		SessionID: "sess-1",
		Role:      model.RoleAssistant,
		Content:   json.RawMessage(`{"type":"assistant","text":"hi"}`),
	}))

	client := dial(t, srv, "tok")
	reg := protocol.ClientRegister{Type: protocol.TypeClientRegister, SessionID: "sess-1"}
	data, err := protocol.Marshal(reg)
	require.NoError(t, err)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, data))

	client.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := client.ReadMessage()
	require.NoError(t, err)
	var batch protocol.HistoryBatch
	require.NoError(t, json.Unmarshal(msg, &batch))
	require.Len(t, batch.Messages, 1)
}

func TestRegisterReplaysOutstandingPermissionRequest(t *testing.T) {
	e, repo, mgr := newTestEndpoint(t)
	srv := httptest.NewServer(e.Router())
	defer srv.Close()

	seedSession(t, repo, "sess-1", "dev-tok")
	mgr.SetPendingPermission("sess-1", []byte(`{"type":"PermissionRequest","request_id":"r1"}`))

	client := dial(t, srv, "tok")
	reg := protocol.ClientRegister{Type: protocol.TypeClientRegister, SessionID: "sess-1"}
	data, err := protocol.Marshal(reg)
	require.NoError(t, err)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, data))

	client.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = client.ReadMessage() // HistoryBatch
	require.NoError(t, err)

	_, msg, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), "PermissionRequest")
}

func TestClaudeInputIsSequencedAndForwardedToProxy(t *testing.T) {
	e, repo, mgr := newTestEndpoint(t)
	srv := httptest.NewServer(e.Router())
	defer srv.Close()

	seedSession(t, repo, "sess-1", "dev-tok")
	sub := sessionmanager.NewSender(10)
	mgr.RegisterProxy("sess-1", sub)

	client := dial(t, srv, "tok")
	reg := protocol.ClientRegister{Type: protocol.TypeClientRegister, SessionID: "sess-1"}
	data, _ := protocol.Marshal(reg)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, data))
	client.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := client.ReadMessage() // HistoryBatch
	require.NoError(t, err)

	in := protocol.ClaudeInput{Type: protocol.TypeClaudeInput, Content: json.RawMessage(`{"text":"go"}`)}
	inData, _ := protocol.Marshal(in)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, inData))

	select {
	case got := <-sub.Out():
		var seqIn protocol.SequencedInput
		require.NoError(t, json.Unmarshal(got, &seqIn))
		assert.Equal(t, int64(1), seqIn.Seq)
	case <-time.After(time.Second):
		t.Fatal("expected sequenced input forwarded to proxy")
	}
}

func TestPermissionResponseClearsPendingAndForwards(t *testing.T) {
	e, repo, mgr := newTestEndpoint(t)
	srv := httptest.NewServer(e.Router())
	defer srv.Close()

	seedSession(t, repo, "sess-1", "dev-tok")
	sub := sessionmanager.NewSender(10)
	mgr.RegisterProxy("sess-1", sub)
	mgr.SetPendingPermission("sess-1", []byte(`{"request_id":"r1"}`))

	client := dial(t, srv, "tok")
	reg := protocol.ClientRegister{Type: protocol.TypeClientRegister, SessionID: "sess-1"}
	data, _ := protocol.Marshal(reg)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, data))
	client.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := client.ReadMessage() // HistoryBatch
	require.NoError(t, err)
	_, _, err = client.ReadMessage() // replayed PermissionRequest
	require.NoError(t, err)

	resp := protocol.PermissionResponse{Type: protocol.TypePermissionResponse, RequestID: "r1", Allow: true}
	respData, _ := protocol.Marshal(resp)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, respData))

	select {
	case <-sub.Out():
	case <-time.After(time.Second):
		t.Fatal("expected permission response forwarded to proxy")
	}

	require.Eventually(t, func() bool {
		_, ok := mgr.PendingPermission("sess-1")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestFileUploadRejectsOversizedPayload(t *testing.T) {
	e, repo, _ := newTestEndpoint(t)
	e.cfg.MaxUploadBase64Len = 4
	srv := httptest.NewServer(e.Router())
	defer srv.Close()

	seedSession(t, repo, "sess-1", "dev-tok")

	client := dial(t, srv, "tok")
	reg := protocol.ClientRegister{Type: protocol.TypeClientRegister, SessionID: "sess-1"}
	data, _ := protocol.Marshal(reg)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, data))
	client.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := client.ReadMessage() // HistoryBatch
	require.NoError(t, err)

	upload := protocol.FileUpload{
		Type:     protocol.TypeFileUpload,
		Filename: "notes.txt",
		Data:     base64.StdEncoding.EncodeToString([]byte("way too much data")),
	}
	uploadData, _ := protocol.Marshal(upload)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, uploadData))

	_, msg, err := client.ReadMessage()
	require.NoError(t, err)
	var errFrame protocol.ErrorFrame
	require.NoError(t, json.Unmarshal(msg, &errFrame))
	assert.Contains(t, errFrame.Message, "exceeds maximum size")
}

func TestFileUploadSanitizesFilenameAndForwards(t *testing.T) {
	e, repo, mgr := newTestEndpoint(t)
	srv := httptest.NewServer(e.Router())
	defer srv.Close()

	seedSession(t, repo, "sess-1", "dev-tok")
	sub := sessionmanager.NewSender(10)
	mgr.RegisterProxy("sess-1", sub)

	client := dial(t, srv, "tok")
	reg := protocol.ClientRegister{Type: protocol.TypeClientRegister, SessionID: "sess-1"}
	data, _ := protocol.Marshal(reg)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, data))
	client.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := client.ReadMessage() // HistoryBatch
	require.NoError(t, err)

	upload := protocol.FileUpload{
		Type:     protocol.TypeFileUpload,
		Filename: "../../etc/passwd",
		Data:     base64.StdEncoding.EncodeToString([]byte("hi")),
	}
	uploadData, _ := protocol.Marshal(upload)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, uploadData))

	select {
	case got := <-sub.Out():
		var fwd protocol.FileUpload
		require.NoError(t, json.Unmarshal(got, &fwd))
		assert.Equal(t, "passwd", fwd.Filename)
	case <-time.After(time.Second):
		t.Fatal("expected sanitized upload forwarded to proxy")
	}
}
