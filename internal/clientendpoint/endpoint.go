// Package clientendpoint is the backend's WebSocket terminus for web
// clients: it authorizes session access via membership, replays stored
// transcript and any outstanding permission request on
// attach, and turns client input into sequenced, persisted PendingInput
// rows relayed to the proxy through SessionManager.
package clientendpoint

import (
	"context"
	"encoding/base64"
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

// Endpoint wires the client-facing WebSocket route to the backend's
// persistence and routing layers.
type Endpoint struct {
	repo     repository.Repository
	mgr      *sessionmanager.Manager
	verifier authtoken.Verifier
	bus      *event.Bus
	cfg      *config.Config
	mtx      *metrics.Registry
}

func New(repo repository.Repository, mgr *sessionmanager.Manager, verifier authtoken.Verifier, bus *event.Bus, cfg *config.Config) *Endpoint {
	return &Endpoint{repo: repo, mgr: mgr, verifier: verifier, bus: bus, cfg: cfg}
}

// WithMetrics attaches a metrics registry used to count routed frames.
// Returns the receiver for chaining onto New.
func (e *Endpoint) WithMetrics(mtx *metrics.Registry) *Endpoint {
	e.mtx = mtx
	return e
}

// Router returns the chi route for the client WebSocket upgrade. The
// bearer token is taken from the Authorization header or an "auth_token"
// query parameter, mirroring the signed-cookie authentication an
// external collaborator is expected to provide.
func (e *Endpoint) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/", e.handleUpgrade)
	return r
}

func (e *Endpoint) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	userID, err := e.verifier.Verify(r.Context(), token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("clientendpoint: upgrade failed")
		return
	}
	conn := wsconn.New(ws)
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sender := sessionmanager.NewSender(sessionmanager.DefaultSenderBuffer)
	writeDone := make(chan error, 1)
	go func() { writeDone <- conn.WritePump(ctx, sender.Out()) }()

	sessionID, unsubscribe, err := e.awaitRegister(ctx, conn, sender, userID)
	if err != nil {
		logging.Debug().Err(err).Msg("clientendpoint: register handshake failed")
		sender.Close()
		<-writeDone
		return
	}

	defer func() {
		unsubscribe()
		sender.Close()
		<-writeDone
		e.publish(event.ClientUnsubscribed, sessionID)
	}()

	readErr := conn.ReadLoop(func(data []byte) error {
		return e.handleFrame(ctx, sessionID, userID, data)
	})
	if readErr != nil && !isCleanClose(readErr) {
		logging.Debug().Err(readErr).Str("session_id", sessionID).Msg("clientendpoint: connection read loop ended")
	}
}

func isCleanClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, context.Canceled)
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("auth_token")
}

// awaitRegister blocks for the client's Register frame, authorizes
// access, subscribes to the session fan-out, replays transcript history
// and any outstanding permission request.
func (e *Endpoint) awaitRegister(ctx context.Context, conn *wsconn.Conn, sender *sessionmanager.Sender, userID string) (string, func(), error) {
	type result struct {
		reg protocol.ClientRegister
		err error
	}
	frames := make(chan result, 1)

	go func() {
		err := conn.ReadLoop(func(data []byte) error {
			typ, err := protocol.PeekType(data)
			if err != nil {
				return err
			}
			if typ != protocol.TypeClientRegister {
				return errors.New("clientendpoint: expected Register as first frame, got " + typ)
			}
			var reg protocol.ClientRegister
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

	select {
	case <-ctx.Done():
		return "", func() {}, ctx.Err()
	case res := <-frames:
		if res.err != nil {
			return "", func() {}, res.err
		}
		return e.handleRegister(ctx, sender, userID, res.reg)
	}
}

var errStopReadLoop = errors.New("clientendpoint: register received")

func (e *Endpoint) handleRegister(ctx context.Context, sender *sessionmanager.Sender, userID string, reg protocol.ClientRegister) (string, func(), error) {
	membership, err := e.repo.GetSessionMembership(ctx, reg.SessionID, userID)
	if err != nil {
		return "", func() {}, err
	}
	if membership == nil {
		errFrame, _ := protocol.Marshal(protocol.ErrorFrame{Type: protocol.TypeErrorFrame, Message: "Access denied"})
		sender.Send(errFrame)
		return "", func() {}, errors.New("clientendpoint: access denied for session " + reg.SessionID)
	}

	unsubSession := e.mgr.SubscribeSession(reg.SessionID, sender)
	unsubUser := e.mgr.SubscribeUser(userID, sender)
	unsubscribe := func() {
		unsubSession()
		unsubUser()
	}

	var after *time.Time
	if reg.ReplayAfter != "" {
		if t, err := time.Parse(time.RFC3339, reg.ReplayAfter); err == nil {
			after = &t
		}
	}
	messages, err := e.repo.QueryMessagesAfter(ctx, reg.SessionID, after)
	if err != nil {
		logging.Warn().Err(err).Str("session_id", reg.SessionID).Msg("clientendpoint: failed to load history")
	} else {
		raw := make([]json.RawMessage, 0, len(messages))
		for _, m := range messages {
			raw = append(raw, m.Content)
		}
		batch := protocol.HistoryBatch{Type: protocol.TypeHistoryBatch, Messages: raw}
		if data, err := protocol.Marshal(batch); err == nil {
			sender.Send(data)
		}
	}

	if pending, ok := e.mgr.PendingPermission(reg.SessionID); ok {
		sender.Send(pending)
	}

	e.publish(event.ClientSubscribed, reg.SessionID)
	return reg.SessionID, unsubscribe, nil
}

func (e *Endpoint) handleFrame(ctx context.Context, sessionID, userID string, data []byte) error {
	typ, err := protocol.PeekType(data)
	if err != nil {
		return err
	}
	if e.mtx != nil {
		e.mtx.FramesRouted.WithLabelValues(typ).Inc()
	}

	switch typ {
	case protocol.TypeClaudeInput:
		var in protocol.ClaudeInput
		if err := json.Unmarshal(data, &in); err != nil {
			return err
		}
		seq, err := e.repo.IncrementInputSeqAndInsertPending(ctx, sessionID, in.Content)
		if err != nil {
			logging.Warn().Err(err).Str("session_id", sessionID).Msg("clientendpoint: failed to sequence input")
			return nil
		}
		seqIn := protocol.SequencedInput{
			Type:      protocol.TypeSequencedInput,
			SessionID: sessionID,
			Seq:       seq,
			Content:   in.Content,
			SendMode:  in.SendMode,
		}
		if seqData, err := protocol.Marshal(seqIn); err == nil {
			e.mgr.SendToProxy(sessionID, seqData)
		}

	case protocol.TypePermissionResponse:
		e.mgr.ClearPendingPermission(sessionID)
		e.mgr.SendToProxy(sessionID, data)
		e.publish(event.PermissionResolved, sessionID)

	case protocol.TypeFileUpload:
		var upload protocol.FileUpload
		if err := json.Unmarshal(data, &upload); err != nil {
			return err
		}
		if err := e.validateUpload(&upload); err != nil {
			errFrame, _ := protocol.Marshal(protocol.ErrorFrame{Type: protocol.TypeErrorFrame, Message: err.Error()})
			e.mgr.BroadcastToSession(sessionID, errFrame)
			return nil
		}
		if uploadData, err := protocol.Marshal(upload); err == nil {
			e.mgr.SendToProxy(sessionID, uploadData)
		}

	default:
		logging.Debug().Str("session_id", sessionID).Str("type", typ).Msg("clientendpoint: ignoring unrecognized frame type")
	}

	return nil
}

// validateUpload enforces the upload size cap and sanitizes the
// filename.
func (e *Endpoint) validateUpload(upload *protocol.FileUpload) error {
	if len(upload.Data) > e.cfg.MaxUploadBase64Len {
		return errors.New("upload exceeds maximum size")
	}
	if _, err := base64.StdEncoding.DecodeString(upload.Data); err != nil {
		return errors.New("upload data is not valid base64")
	}

	name := filepath.Base(strings.ReplaceAll(upload.Filename, "\x00", ""))
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		return errors.New("invalid filename")
	}
	upload.Filename = name
	return nil
}

func (e *Endpoint) publish(typ event.EventType, sessionID string) {
	if e.bus == nil {
		return
	}
	e.bus.PublishSync(event.Event{Type: typ, Data: map[string]string{"session_id": sessionID}})
}
