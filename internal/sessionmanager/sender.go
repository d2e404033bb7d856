// Package sessionmanager holds the backend's process-resident routing
// table: per-session proxy links, per-session and
// per-user web-client fan-outs, a disconnected-proxy pending queue, and
// the ack-watermark and truncation-request sets. Every mapping supports
// concurrent lookups and point mutations under a single mutex; the
// per-session subscriber-slice-behind-a-map shape follows jwm4-platform's
// agui_store.go sessionBroadcast (map[int]chan string pruned on
// unsubscribe), generalized here to three mapping families instead of
// one and to a "reports closed" contract instead of silent best-effort
// drops.
package sessionmanager

import "sync"

// Sender is a non-owning handle to an outbound connection's write side.
// The connection's own goroutine owns the channel's read end and the
// underlying transport; SessionManager only ever pushes onto Out() or
// observes that the sender has been closed.
type Sender struct {
	ch chan []byte

	mu     sync.Mutex
	closed bool
}

// NewSender creates a Sender backed by a channel of the given buffer
// size. The caller (a ProxyEndpoint/ClientEndpoint/LauncherEndpoint
// connection task) reads from Out() and writes each frame to its
// transport.
func NewSender(buffer int) *Sender {
	return &Sender{ch: make(chan []byte, buffer)}
}

// Out returns the channel a connection task should range over.
func (s *Sender) Out() <-chan []byte { return s.ch }

// Send attempts a non-blocking delivery of msg. It reports closed=true
// if the sender has already been closed, in which case the caller must
// treat this sender as dead (prune it from a subscriber list, or queue
// the message as pending for a proxy). A full-but-open channel silently
// drops msg rather than reporting closed: a slow subscriber loses
// messages, it doesn't get evicted.
func (s *Sender) Send(msg []byte) (closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- msg:
	default:
	}
	return false
}

// Close marks the sender dead and closes its channel, unblocking a
// connection task that is ranging over Out(). Idempotent.
func (s *Sender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
