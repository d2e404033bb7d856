// Package launcherendpoint is the backend's WebSocket terminus for
// launcher agents: it runs a Register handshake mirroring
// ProxyEndpoint's, maintains the launcher registry, and correlates
// request/result pairs (LaunchSession, ListDirectories) issued by a
// REST-facing caller against the launcher's asynchronous replies.
package launcherendpoint

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
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
	"github.com/meawoppl/claude-code-portal-sub000/internal/sessionmanager"
	"github.com/meawoppl/claude-code-portal-sub000/internal/wsconn"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Endpoint wires the launcher-facing WebSocket route to SessionManager's
// launcher registry and correlates outstanding launch/list requests.
type Endpoint struct {
	mgr      *sessionmanager.Manager
	verifier authtoken.Verifier
	bus      *event.Bus
	cfg      *config.Config
	mtx      *metrics.Registry

	mu       sync.Mutex
	waiters  map[string]chan json.RawMessage
}

// WithMetrics attaches a metrics registry used to count routed frames.
// Returns the receiver for chaining onto New.
func (e *Endpoint) WithMetrics(mtx *metrics.Registry) *Endpoint {
	e.mtx = mtx
	return e
}

func New(mgr *sessionmanager.Manager, verifier authtoken.Verifier, bus *event.Bus, cfg *config.Config) *Endpoint {
	return &Endpoint{
		mgr:      mgr,
		verifier: verifier,
		bus:      bus,
		cfg:      cfg,
		waiters:  make(map[string]chan json.RawMessage),
	}
}

func (e *Endpoint) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/", e.handleUpgrade)
	return r
}

func (e *Endpoint) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("launcherendpoint: upgrade failed")
		return
	}
	conn := wsconn.New(ws)
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sender := sessionmanager.NewSender(sessionmanager.DefaultSenderBuffer)
	writeDone := make(chan error, 1)
	go func() { writeDone <- conn.WritePump(ctx, sender.Out()) }()

	launcherID, err := e.awaitRegister(ctx, sender, conn)
	if err != nil {
		logging.Warn().Err(err).Msg("launcherendpoint: register handshake failed")
		sender.Close()
		<-writeDone
		return
	}

	defer func() {
		e.mgr.UnregisterLauncher(launcherID)
		sender.Close()
		<-writeDone
	}()

	readErr := conn.ReadLoop(func(data []byte) error {
		return e.handleFrame(launcherID, data)
	})
	if readErr != nil && !isCleanClose(readErr) {
		logging.Debug().Err(readErr).Str("launcher_id", launcherID).Msg("launcherendpoint: connection read loop ended")
	}
}

func isCleanClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, context.Canceled)
}

var errStopReadLoop = errors.New("launcherendpoint: register received")

func (e *Endpoint) awaitRegister(ctx context.Context, sender *sessionmanager.Sender, conn *wsconn.Conn) (string, error) {
	type result struct {
		reg protocol.LauncherRegister
		err error
	}
	frames := make(chan result, 1)

	go func() {
		err := conn.ReadLoop(func(data []byte) error {
			typ, err := protocol.PeekType(data)
			if err != nil {
				return err
			}
			if typ != protocol.TypeLauncherRegister {
				return errors.New("launcherendpoint: expected LauncherRegister as first frame, got " + typ)
			}
			var reg protocol.LauncherRegister
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
		return "", errors.New("launcherendpoint: timed out waiting for LauncherRegister")
	case res := <-frames:
		if res.err != nil {
			return "", res.err
		}
		return e.handleRegister(ctx, sender, res.reg)
	}
}

func (e *Endpoint) handleRegister(ctx context.Context, sender *sessionmanager.Sender, reg protocol.LauncherRegister) (string, error) {
	userID, err := e.verifier.Verify(ctx, reg.AuthToken)
	if err != nil {
		ack := protocol.LauncherRegisterAck{Type: protocol.TypeLauncherRegisterAck, Success: false, LauncherID: reg.LauncherID, Error: "authentication failed"}
		if data, merr := protocol.Marshal(ack); merr == nil {
			sender.Send(data)
		}
		return "", err
	}

	conn := model.LauncherConnection{
		LauncherID:  reg.LauncherID,
		OwnerUserID: userID,
		Hostname:    reg.Hostname,
	}
	e.mgr.RegisterLauncher(reg.LauncherID, conn, sender)

	ack := protocol.LauncherRegisterAck{Type: protocol.TypeLauncherRegisterAck, Success: true, LauncherID: reg.LauncherID}
	if data, err := protocol.Marshal(ack); err == nil {
		sender.Send(data)
	}
	return reg.LauncherID, nil
}

func (e *Endpoint) handleFrame(launcherID string, data []byte) error {
	typ, err := protocol.PeekType(data)
	if err != nil {
		return err
	}
	if e.mtx != nil {
		e.mtx.FramesRouted.WithLabelValues(typ).Inc()
	}

	switch typ {
	case protocol.TypeLaunchSessionResult:
		var res protocol.LaunchSessionResult
		if err := json.Unmarshal(data, &res); err != nil {
			return err
		}
		e.resolve(res.RequestID, data)
		e.broadcastToOwner(launcherID, data)

	case protocol.TypeLauncherHeartbeat:
		var hb protocol.LauncherHeartbeat
		if err := json.Unmarshal(data, &hb); err != nil {
			return err
		}
		e.mgr.UpdateLauncherRunningSessions(launcherID, hb.RunningSessions)

	case protocol.TypeProxyLog:
		var pl protocol.ProxyLog
		if err := json.Unmarshal(data, &pl); err != nil {
			return err
		}
		e.forwardLog(launcherID, pl)

	case protocol.TypeSessionExited:
		var ex protocol.SessionExited
		if err := json.Unmarshal(data, &ex); err != nil {
			return err
		}
		e.broadcastToOwner(launcherID, data)
		e.publish(event.SessionUpdated, ex.SessionID)

	case protocol.TypeListDirectoriesResult:
		var res protocol.ListDirectoriesResult
		if err := json.Unmarshal(data, &res); err != nil {
			return err
		}
		e.resolve(res.RequestID, data)

	default:
		logging.Debug().Str("launcher_id", launcherID).Str("type", typ).Msg("launcherendpoint: ignoring unrecognized frame type")
	}

	return nil
}

func (e *Endpoint) publish(typ event.EventType, sessionID string) {
	if e.bus == nil {
		return
	}
	e.bus.PublishSync(event.Event{Type: typ, Data: map[string]string{"session_id": sessionID}})
}

func (e *Endpoint) broadcastToOwner(launcherID string, data []byte) {
	entry, ok := e.mgr.Launcher(launcherID)
	if !ok {
		return
	}
	e.mgr.BroadcastToUser(entry.Conn.OwnerUserID, data)
}

func (e *Endpoint) forwardLog(launcherID string, pl protocol.ProxyLog) {
	ev := logging.Info()
	switch pl.Level {
	case "warn", "warning":
		ev = logging.Warn()
	case "error":
		ev = logging.Error()
	case "debug":
		ev = logging.Debug()
	}
	ev.Str("launcher_id", launcherID).Str("session_id", pl.SessionID).Msg(pl.Message)
}

// RequestLaunch asks launcherID to start a new session and blocks until
// the launcher's LaunchSessionResult for req.RequestID arrives or ctx is
// cancelled. Used by the REST layer that accepts a user's "new session"
// request (not built here).
func (e *Endpoint) RequestLaunch(ctx context.Context, launcherID string, req protocol.LaunchSession) (protocol.LaunchSessionResult, error) {
	var result protocol.LaunchSessionResult
	data, err := e.await(ctx, launcherID, req.RequestID, req)
	if err != nil {
		return result, err
	}
	err = json.Unmarshal(data, &result)
	return result, err
}

// RequestListDirectories asks launcherID to enumerate a directory on its
// host and blocks for the matching ListDirectoriesResult.
func (e *Endpoint) RequestListDirectories(ctx context.Context, launcherID string, req protocol.ListDirectories) (protocol.ListDirectoriesResult, error) {
	var result protocol.ListDirectoriesResult
	data, err := e.await(ctx, launcherID, req.RequestID, req)
	if err != nil {
		return result, err
	}
	err = json.Unmarshal(data, &result)
	return result, err
}

// await registers a one-shot waiter for requestID, sends req to
// launcherID's sender, and blocks until resolve delivers a reply or ctx
// is cancelled. Mirrors the Register/Resolve shape of internal/permission's
// Tracker, specialized here for a request that has exactly one non-racing
// answerer (the launcher itself).
func (e *Endpoint) await(ctx context.Context, launcherID, requestID string, req any) (json.RawMessage, error) {
	entry, ok := e.mgr.Launcher(launcherID)
	if !ok {
		return nil, errors.New("launcherendpoint: launcher not connected: " + launcherID)
	}

	ch := make(chan json.RawMessage, 1)
	e.mu.Lock()
	e.waiters[requestID] = ch
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.waiters, requestID)
		e.mu.Unlock()
	}()

	data, err := protocol.Marshal(req)
	if err != nil {
		return nil, err
	}
	if closed := entry.Sender.Send(data); closed {
		return nil, errors.New("launcherendpoint: launcher connection closed: " + launcherID)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-ch:
		return result, nil
	}
}

func (e *Endpoint) resolve(requestID string, data []byte) {
	e.mu.Lock()
	ch, ok := e.waiters[requestID]
	if ok {
		delete(e.waiters, requestID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	ch <- json.RawMessage(data)
}
