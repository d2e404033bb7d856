package sessionmanager

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/meawoppl/claude-code-portal-sub000/internal/logging"
	"github.com/meawoppl/claude-code-portal-sub000/internal/model"
)

// Defaults for the pending-queue size and age bounds. A Manager
// can be built with different values via New for tests.
const (
	DefaultMaxPendingMessagesPerSession = 256
	DefaultMaxPendingMessageAge         = 5 * time.Minute
	DefaultSenderBuffer                 = 64
)

// LauncherEntry pairs a launcher's in-memory record with its outbound
// sender, the value type of the launchers mapping.
type LauncherEntry struct {
	Conn   model.LauncherConnection
	Sender *Sender
}

// Manager is the single routing table shared by every endpoint. All
// eight mappings are guarded by one mutex: the table is small and
// operations are brief (map lookups plus, at most, a bounded slice
// scan), so a single lock is simpler than per-mapping locks and never
// shows up as a bottleneck at this scale.
type Manager struct {
	mu sync.RWMutex

	proxyLinks         map[string]*Sender
	sessionSubscribers map[string][]*Sender
	userSubscribers    map[string][]*Sender
	pendingForSession  map[string][]model.PendingMessage
	lastAckSeq         map[string]int64
	pendingTruncations map[string]struct{}
	launchers          map[string]*LauncherEntry
	pendingPermission  map[string]json.RawMessage

	maxPending    int
	maxPendingAge time.Duration
}

// New builds an empty Manager. maxPending bounds pending_for_session's
// per-session FIFO; maxPendingAge is the eviction threshold applied at
// drain time.
func New(maxPending int, maxPendingAge time.Duration) *Manager {
	return &Manager{
		proxyLinks:         make(map[string]*Sender),
		sessionSubscribers: make(map[string][]*Sender),
		userSubscribers:    make(map[string][]*Sender),
		pendingForSession:  make(map[string][]model.PendingMessage),
		lastAckSeq:         make(map[string]int64),
		pendingTruncations: make(map[string]struct{}),
		launchers:          make(map[string]*LauncherEntry),
		pendingPermission:  make(map[string]json.RawMessage),
		maxPending:         maxPending,
		maxPendingAge:      maxPendingAge,
	}
}

// RegisterProxy installs sender as the session's proxy link and drains
// any messages queued while the proxy was disconnected. Drain stops at
// the first send that reports the sender closed, re-queuing the
// undelivered tail (plus anything enqueued concurrently by SendToProxy
// during the drain) ahead of newer arrivals. Messages older than
// maxPendingAge are dropped rather than delivered.
func (m *Manager) RegisterProxy(sessionID string, sender *Sender) {
	m.mu.Lock()
	pending := m.pendingForSession[sessionID]
	delete(m.pendingForSession, sessionID)
	m.proxyLinks[sessionID] = sender
	m.mu.Unlock()

	now := time.Now()
	i := 0
	for ; i < len(pending); i++ {
		msg := pending[i]
		if msg.Expired(m.maxPendingAge, now) {
			logging.Warn().Str("session_id", sessionID).Msg("dropped pending message, exceeded max age")
			continue
		}
		if closed := sender.Send(msg.Content); closed {
			break
		}
	}

	if i < len(pending) {
		tail := append([]model.PendingMessage(nil), pending[i:]...)
		m.mu.Lock()
		m.pendingForSession[sessionID] = append(tail, m.pendingForSession[sessionID]...)
		m.mu.Unlock()
	}
}

// UnregisterProxy removes the session's proxy link. Idempotent.
func (m *Manager) UnregisterProxy(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.proxyLinks, sessionID)
}

// SubscribeSession appends sender to the session's web-client fan-out
// and returns an unsubscribe func.
func (m *Manager) SubscribeSession(sessionID string, sender *Sender) func() {
	m.mu.Lock()
	m.sessionSubscribers[sessionID] = append(m.sessionSubscribers[sessionID], sender)
	m.mu.Unlock()
	return func() { m.unsubscribeSession(sessionID, sender) }
}

func (m *Manager) unsubscribeSession(sessionID string, sender *Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionSubscribers[sessionID] = removeSender(m.sessionSubscribers[sessionID], sender)
	if len(m.sessionSubscribers[sessionID]) == 0 {
		delete(m.sessionSubscribers, sessionID)
	}
}

// SubscribeUser appends sender to the user's per-user fan-out (launcher
// results, cross-session notifications) and returns an unsubscribe func.
func (m *Manager) SubscribeUser(userID string, sender *Sender) func() {
	m.mu.Lock()
	m.userSubscribers[userID] = append(m.userSubscribers[userID], sender)
	m.mu.Unlock()
	return func() { m.unsubscribeUser(userID, sender) }
}

func (m *Manager) unsubscribeUser(userID string, sender *Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userSubscribers[userID] = removeSender(m.userSubscribers[userID], sender)
	if len(m.userSubscribers[userID]) == 0 {
		delete(m.userSubscribers, userID)
	}
}

// BroadcastToSession sends msg to every subscriber of sessionID, pruning
// any that report closed. The prune and the iteration happen under the
// same lock acquisition, so a concurrent Subscribe/unsubscribe can't
// observe a half-pruned slice.
func (m *Manager) BroadcastToSession(sessionID string, msg []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionSubscribers[sessionID] = m.sendAndPrune(m.sessionSubscribers[sessionID], msg)
	if len(m.sessionSubscribers[sessionID]) == 0 {
		delete(m.sessionSubscribers, sessionID)
	}
}

// BroadcastToUser sends msg to every subscriber of userID, pruning
// closed senders the same way BroadcastToSession does.
func (m *Manager) BroadcastToUser(userID string, msg []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userSubscribers[userID] = m.sendAndPrune(m.userSubscribers[userID], msg)
	if len(m.userSubscribers[userID]) == 0 {
		delete(m.userSubscribers, userID)
	}
}

// BroadcastToAll sends msg to every session subscriber across every
// session, for system-wide notices (e.g. an operator-issued shutdown
// warning). Per-user fan-outs are untouched since broadcast_to_user
// already covers the per-user case; a system-wide notice is modeled as
// "every live transcript viewer sees it," not "every user does."
func (m *Manager) BroadcastToAll(msg []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sessionID, subs := range m.sessionSubscribers {
		pruned := m.sendAndPrune(subs, msg)
		if len(pruned) == 0 {
			delete(m.sessionSubscribers, sessionID)
		} else {
			m.sessionSubscribers[sessionID] = pruned
		}
	}
}

// sendAndPrune must be called with m.mu held.
func (m *Manager) sendAndPrune(subs []*Sender, msg []byte) []*Sender {
	if len(subs) == 0 {
		return subs
	}
	live := subs[:0]
	for _, s := range subs {
		if closed := s.Send(msg); !closed {
			live = append(live, s)
		}
	}
	return live
}

// SendToProxy delivers msg to the session's proxy link if one is
// registered and accepting; otherwise it enqueues msg into
// pending_for_session, evicting the oldest entry if the bound is
// exceeded. It always returns true. A message is lost when it is the
// oldest entry evicted from a full queue, or when the proxy's Sender is
// open but its buffer is full (Sender.Send drops it and reports not
// closed, so it is not queued either).
func (m *Manager) SendToProxy(sessionID string, msg []byte) bool {
	m.mu.Lock()
	sender := m.proxyLinks[sessionID]
	if sender != nil {
		m.mu.Unlock()
		if closed := sender.Send(msg); !closed {
			return true
		}
		m.mu.Lock()
	}

	q := m.pendingForSession[sessionID]
	q = append(q, model.PendingMessage{Content: msg, EnqueuedAt: time.Now()})
	if len(q) > m.maxPending {
		dropped := len(q) - m.maxPending
		q = q[dropped:]
		logging.Warn().Str("session_id", sessionID).Int("dropped", dropped).Msg("pending_for_session overflow, evicted oldest")
	}
	m.pendingForSession[sessionID] = q
	m.mu.Unlock()
	return true
}

// AckSeq returns the highest output seq acknowledged by any client for
// sessionID.
func (m *Manager) AckSeq(sessionID string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastAckSeq[sessionID]
}

// RecordAck updates last_ack_seq[sessionID] to max(existing, ackSeq).
func (m *Manager) RecordAck(sessionID string, ackSeq int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ackSeq > m.lastAckSeq[sessionID] {
		m.lastAckSeq[sessionID] = ackSeq
	}
}

// Stats reports point-in-time counts of registered connections, for
// metrics gauges.
type Stats struct {
	Proxies            int
	SessionSubscribers int
	Launchers          int
}

// Stats returns a snapshot of the routing table's connection counts.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subscribers := 0
	for _, subs := range m.sessionSubscribers {
		subscribers += len(subs)
	}

	return Stats{
		Proxies:            len(m.proxyLinks),
		SessionSubscribers: subscribers,
		Launchers:          len(m.launchers),
	}
}

// SetLimits updates the pending-queue bound and eviction age applied by
// SendToProxy/RegisterProxy, letting a config hot-reload take effect
// without restarting the process.
func (m *Manager) SetLimits(maxPending int, maxPendingAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxPending = maxPending
	m.maxPendingAge = maxPendingAge
}

// QueueTruncation marks sessionID as awaiting the 100-message cap.
func (m *Manager) QueueTruncation(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingTruncations[sessionID] = struct{}{}
}

// DrainPendingTruncations returns and clears the set of sessions
// awaiting truncation, for consumption by a periodic background task.
func (m *Manager) DrainPendingTruncations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pendingTruncations) == 0 {
		return nil
	}
	out := make([]string, 0, len(m.pendingTruncations))
	for id := range m.pendingTruncations {
		out = append(out, id)
	}
	m.pendingTruncations = make(map[string]struct{})
	return out
}

// RegisterLauncher installs a launcher's registry entry.
func (m *Manager) RegisterLauncher(launcherID string, conn model.LauncherConnection, sender *Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.launchers[launcherID] = &LauncherEntry{Conn: conn, Sender: sender}
}

// UnregisterLauncher removes a launcher's registry entry. Idempotent.
func (m *Manager) UnregisterLauncher(launcherID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.launchers, launcherID)
}

// Launcher returns a launcher's registry entry, or (nil, false) if it
// isn't connected.
func (m *Manager) Launcher(launcherID string) (*LauncherEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.launchers[launcherID]
	return e, ok
}

// UpdateLauncherRunningSessions replaces a launcher's running-sessions
// list, applied from a LauncherHeartbeat.
func (m *Manager) UpdateLauncherRunningSessions(launcherID string, running []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.launchers[launcherID]; ok {
		e.Conn.RunningSessions = running
	}
}

// LaunchersForUser returns every launcher entry owned by userID, used to
// pick a target for a new LaunchSession request from the REST layer.
func (m *Manager) LaunchersForUser(userID string) []*LauncherEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*LauncherEntry
	for _, e := range m.launchers {
		if e.Conn.OwnerUserID == userID {
			out = append(out, e)
		}
	}
	return out
}

// SetPendingPermission records the raw PermissionRequest frame currently
// awaiting an answer for sessionID, so a web client that attaches after
// the request was raised can be caught up immediately. Only one request
// can be outstanding per session at a time; a
// second call overwrites the first.
func (m *Manager) SetPendingPermission(sessionID string, frame json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingPermission[sessionID] = frame
}

// PendingPermission returns the raw frame set by SetPendingPermission, or
// (nil, false) if no request is outstanding for sessionID.
func (m *Manager) PendingPermission(sessionID string) (json.RawMessage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	frame, ok := m.pendingPermission[sessionID]
	return frame, ok
}

// ClearPendingPermission removes sessionID's outstanding request marker,
// called once a PermissionResponse has been relayed to the proxy.
func (m *Manager) ClearPendingPermission(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pendingPermission, sessionID)
}

func removeSender(subs []*Sender, target *Sender) []*Sender {
	for i, s := range subs {
		if s == target {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}
