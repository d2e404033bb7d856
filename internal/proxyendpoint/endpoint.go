// Package proxyendpoint is the backend's WebSocket terminus for proxy
// connections: it runs the Register handshake, relays a
// proxy's sequenced output to every subscribed web client, tracks the
// single outstanding permission request per session, and falls back to
// SessionManager's pending queue whenever the proxy link is down.
package proxyendpoint

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/meawoppl/claude-code-portal-sub000/internal/authtoken"
	"github.com/meawoppl/claude-code-portal-sub000/internal/config"
	"github.com/meawoppl/claude-code-portal-sub000/internal/event"
	"github.com/meawoppl/claude-code-portal-sub000/internal/logging"
	"github.com/meawoppl/claude-code-portal-sub000/internal/metrics"
	"github.com/meawoppl/claude-code-portal-sub000/internal/model"
	"github.com/meawoppl/claude-code-portal-sub000/internal/protocol"
	"github.com/meawoppl/claude-code-portal-sub000/internal/repository"
	"github.com/meawoppl/claude-code-portal-sub000/internal/sessionmanager"
	"github.com/meawoppl/claude-code-portal-sub000/internal/wsconn"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Endpoint wires the proxy-facing WebSocket route to the backend's
// persistence and routing layers.
type Endpoint struct {
	repo     repository.Repository
	mgr      *sessionmanager.Manager
	verifier authtoken.Verifier
	bus      *event.Bus
	cfg      *config.Config
	mtx      *metrics.Registry
}

// New builds an Endpoint. bus may be nil, in which case lifecycle events
// are not published.
func New(repo repository.Repository, mgr *sessionmanager.Manager, verifier authtoken.Verifier, bus *event.Bus, cfg *config.Config) *Endpoint {
	return &Endpoint{repo: repo, mgr: mgr, verifier: verifier, bus: bus, cfg: cfg}
}

// WithMetrics attaches a metrics registry used to count routed frames and
// persisted messages. Returns the receiver for chaining onto New.
func (e *Endpoint) WithMetrics(mtx *metrics.Registry) *Endpoint {
	e.mtx = mtx
	return e
}

// Router returns the chi route for the proxy WebSocket upgrade.
func (e *Endpoint) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/", e.handleUpgrade)
	return r
}

func (e *Endpoint) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("proxyendpoint: upgrade failed")
		return
	}
	conn := wsconn.New(ws)
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sender := sessionmanager.NewSender(sessionmanager.DefaultSenderBuffer)
	writeDone := make(chan error, 1)
	go func() { writeDone <- conn.WritePump(ctx, sender.Out()) }()

	sessionID, err := e.awaitRegister(ctx, conn, sender)
	if err != nil {
		logging.Warn().Err(err).Msg("proxyendpoint: register handshake failed")
		sender.Close()
		<-writeDone
		return
	}

	defer func() {
		e.mgr.UnregisterProxy(sessionID)
		if err := e.repo.UpdateSessionStatus(context.Background(), sessionID, model.StatusDisconnected); err != nil {
			logging.Warn().Err(err).Str("session_id", sessionID).Msg("proxyendpoint: failed to mark session disconnected")
		}
		e.publish(event.ProxyDisconnected, sessionID)
		sender.Close()
		<-writeDone
	}()

	if e.cfg != nil && e.cfg.HeartbeatTimeout > 0 {
		conn.SetIdleTimeout(e.cfg.HeartbeatTimeout)
	}

	readErr := conn.ReadLoop(func(data []byte) error {
		return e.handleFrame(ctx, sessionID, data)
	})
	if readErr != nil && !isCleanClose(readErr) {
		logging.Debug().Err(readErr).Str("session_id", sessionID).Msg("proxyendpoint: connection read loop ended")
	}
}

func isCleanClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, context.Canceled)
}

// awaitRegister blocks for the proxy's first frame, which must be a
// Register. It installs the proxy link, upserts the session row, replies
// with RegisterAck, and replays outstanding PendingInput rows in seq
// order.
func (e *Endpoint) awaitRegister(ctx context.Context, conn *wsconn.Conn, sender *sessionmanager.Sender) (string, error) {
	type result struct {
		reg protocol.ProxyRegister
		err error
	}
	frames := make(chan result, 1)

	go func() {
		err := conn.ReadLoop(func(data []byte) error {
			typ, err := protocol.PeekType(data)
			if err != nil {
				return err
			}
			if typ != protocol.TypeRegister {
				return errors.New("proxyendpoint: expected Register as first frame, got " + typ)
			}
			var reg protocol.ProxyRegister
			if err := json.Unmarshal(data, &reg); err != nil {
				return err
			}
			frames <- result{reg: reg}
			return errStopReadLoop
		})
		if err != nil && !errors.Is(err, errStopReadLoop) {
			select {
			case frames <- result{err: err}:
			default:
			}
		}
	}()

	timeout := e.cfg.RegisterAckTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(timeout):
		// A silent RegisterAck timeout is treated as success rather than
		// a hard failure; but with no frame at all
		// there is no session to register, so this is still an error.
		return "", errors.New("proxyendpoint: timed out waiting for Register")
	case res := <-frames:
		if res.err != nil {
			return "", res.err
		}
		return e.handleRegister(ctx, sender, res.reg)
	}
}

// errStopReadLoop is a sentinel used to unwind the one-shot ReadLoop
// call inside awaitRegister once the Register frame has arrived; it
// never propagates past awaitRegister.
var errStopReadLoop = errors.New("proxyendpoint: register received")

func (e *Endpoint) handleRegister(ctx context.Context, sender *sessionmanager.Sender, reg protocol.ProxyRegister) (string, error) {
	sessionName := reg.SessionName
	if sessionName == "" && reg.WorkingDirectory != "" {
		sessionName = filepath.Base(strings.TrimRight(reg.WorkingDirectory, "/"))
	}

	userID, err := e.verifier.Verify(ctx, reg.AuthToken)
	if err != nil {
		ack := protocol.RegisterAck{Type: protocol.TypeRegisterAck, Success: false, SessionID: reg.SessionID, Error: "authentication failed"}
		if data, merr := protocol.Marshal(ack); merr == nil {
			sender.Send(data)
		}
		return "", err
	}

	if reg.Resuming {
		existing, err := e.repo.GetSession(ctx, reg.SessionID)
		if err != nil {
			return "", err
		}
		if existing == nil && e.cfg.RejectUnknownResume {
			ack := protocol.RegisterAck{Type: protocol.TypeRegisterAck, Success: false, SessionID: reg.SessionID, Error: "unknown session for resume"}
			if data, merr := protocol.Marshal(ack); merr == nil {
				sender.Send(data)
			}
			return "", errors.New("proxyendpoint: resume for unknown session rejected")
		}
		if existing == nil {
			logging.Warn().Str("session_id", reg.SessionID).Msg("proxyendpoint: resuming unknown session, creating fresh row")
		}
	}

	sess := &model.Session{
		ID:               reg.SessionID,
		OwnerUserID:      userID,
		Name:             sessionName,
		WorkingDirectory: reg.WorkingDirectory,
		Hostname:         reg.Hostname,
		Status:           model.StatusActive,
		GitBranch:        reg.GitBranch,
		LauncherID:       reg.LauncherID,
	}
	if _, err := e.repo.UpsertSession(ctx, sess); err != nil {
		return "", err
	}
	if err := e.repo.EnsureOwnerMembership(ctx, reg.SessionID, userID); err != nil {
		return "", err
	}

	if reg.ReplacesSessionID != "" {
		e.transferLauncherOwnership(ctx, reg.ReplacesSessionID, reg.LauncherID)
	}

	e.mgr.RegisterProxy(reg.SessionID, sender)
	e.publish(event.ProxyConnected, reg.SessionID)

	ack := protocol.RegisterAck{Type: protocol.TypeRegisterAck, Success: true, SessionID: reg.SessionID}
	if data, err := protocol.Marshal(ack); err == nil {
		sender.Send(data)
	}

	pending, err := e.repo.QueryPendingInputs(ctx, reg.SessionID)
	if err != nil {
		logging.Warn().Err(err).Str("session_id", reg.SessionID).Msg("proxyendpoint: failed to load pending inputs for replay")
		return reg.SessionID, nil
	}
	for _, p := range pending {
		in := protocol.SequencedInput{
			Type:      protocol.TypeSequencedInput,
			SessionID: reg.SessionID,
			Seq:       p.SeqNum,
			Content:   p.Content,
		}
		if data, err := protocol.Marshal(in); err == nil {
			sender.Send(data)
		}
	}

	return reg.SessionID, nil
}

// transferLauncherOwnership moves launcher ownership from a replaced
// session onto the newly registering one: a
// proxy that reconnects under a fresh session id (e.g. after the CLI
// itself restarted) still belongs to the launcher that started the
// predecessor.
func (e *Endpoint) transferLauncherOwnership(ctx context.Context, replacedSessionID, launcherID string) {
	replaced, err := e.repo.GetSession(ctx, replacedSessionID)
	if err != nil || replaced == nil {
		if err != nil {
			logging.Warn().Err(err).Str("session_id", replacedSessionID).Msg("proxyendpoint: failed to load replaced session for launcher transfer")
		}
		return
	}
	replaced.LauncherID = ""
	if _, err := e.repo.UpsertSession(ctx, replaced); err != nil {
		logging.Warn().Err(err).Str("session_id", replacedSessionID).Msg("proxyendpoint: failed to clear replaced session's launcher ownership")
	}
}

// handleFrame dispatches a single proxy->backend frame once the session
// is registered.
func (e *Endpoint) handleFrame(ctx context.Context, sessionID string, data []byte) error {
	typ, err := protocol.PeekType(data)
	if err != nil {
		return err
	}
	if e.mtx != nil {
		e.mtx.FramesRouted.WithLabelValues(typ).Inc()
	}

	switch typ {
	case protocol.TypeSequencedOutput:
		var out protocol.SequencedOutput
		if err := json.Unmarshal(data, &out); err != nil {
			return err
		}
		e.persistOutput(ctx, sessionID, out.Content)
		e.mgr.BroadcastToSession(sessionID, data)
		e.mgr.RecordAck(sessionID, out.Seq)
		ack := protocol.OutputAck{Type: protocol.TypeOutputAck, SessionID: sessionID, AckSeq: out.Seq}
		if ackData, err := protocol.Marshal(ack); err == nil {
			e.mgr.SendToProxy(sessionID, ackData)
		}

	case protocol.TypeClaudeOutput:
		var out protocol.ClaudeOutput
		if err := json.Unmarshal(data, &out); err != nil {
			return err
		}
		e.persistOutput(ctx, sessionID, out.Content)
		e.mgr.BroadcastToSession(sessionID, data)

	case protocol.TypeHeartbeat:
		if hbData, err := protocol.Marshal(protocol.Heartbeat{Type: protocol.TypeHeartbeat}); err == nil {
			e.mgr.SendToProxy(sessionID, hbData)
		}

	case protocol.TypePermissionRequest:
		e.mgr.SetPendingPermission(sessionID, data)
		e.mgr.BroadcastToSession(sessionID, data)
		e.publish(event.PermissionRequired, sessionID)

	case protocol.TypeSessionUpdate:
		var upd protocol.SessionUpdate
		if err := json.Unmarshal(data, &upd); err != nil {
			return err
		}
		if err := e.repo.UpdateSessionGitInfo(ctx, sessionID, upd.GitBranch, upd.PRUrl); err != nil {
			logging.Warn().Err(err).Str("session_id", sessionID).Msg("proxyendpoint: failed to persist git info")
		}
		e.mgr.BroadcastToSession(sessionID, data)
		e.publish(event.SessionUpdated, sessionID)

	case protocol.TypeInputAck:
		var ack protocol.InputAck
		if err := json.Unmarshal(data, &ack); err != nil {
			return err
		}
		if err := e.repo.DeletePendingInputsUpTo(ctx, sessionID, ack.AckSeq); err != nil {
			logging.Warn().Err(err).Str("session_id", sessionID).Msg("proxyendpoint: failed to delete acked pending inputs")
		}

	case protocol.TypeSessionStatus:
		var status protocol.SessionStatus
		if err := json.Unmarshal(data, &status); err != nil {
			return err
		}
		if err := e.repo.UpdateSessionStatus(ctx, sessionID, model.SessionStatus(status.Status)); err != nil {
			logging.Warn().Err(err).Str("session_id", sessionID).Msg("proxyendpoint: failed to persist session status")
		}

	default:
		logging.Debug().Str("session_id", sessionID).Str("type", typ).Msg("proxyendpoint: ignoring unrecognized frame type")
	}

	return nil
}

func (e *Endpoint) publish(typ event.EventType, sessionID string) {
	if e.bus == nil {
		return
	}
	e.bus.PublishSync(event.Event{Type: typ, Data: map[string]string{"session_id": sessionID}})
}

// persistOutput stores a CLI output payload as a Message, derives its
// role from the payload's "type" field (defaulting to assistant),
// queues the 100-message truncation for the periodic
// background task, and touches the session's last_activity.
func (e *Endpoint) persistOutput(ctx context.Context, sessionID string, content json.RawMessage) {
	role := model.RoleAssistant
	var tagged struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(content, &tagged); err == nil {
		switch tagged.Type {
		case "user":
			role = model.RoleUser
		case "result":
			role = model.RoleResult
		case "system":
			role = model.RoleSystem
		}
	}

	msg := &model.Message{SessionID: sessionID, Role: role, Content: content}
	if err := e.repo.InsertMessage(ctx, msg); err != nil {
		logging.Warn().Err(err).Str("session_id", sessionID).Msg("proxyendpoint: failed to persist output message")
		return
	}
	e.mgr.QueueTruncation(sessionID)
	e.publish(event.MessageCreated, sessionID)
	if e.mtx != nil {
		e.mtx.SessionMessagesSent.Inc()
	}

	if err := e.repo.UpdateSessionStatus(ctx, sessionID, model.StatusActive); err != nil {
		logging.Warn().Err(err).Str("session_id", sessionID).Msg("proxyendpoint: failed to touch last_activity")
	}
}
