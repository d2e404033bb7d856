package permission

import (
	"context"
	"sync"
)

// entry tracks one outstanding Request. resolved guards against the two
// concurrent answer paths (ShimBridge's IDE stdin reader and its backend
// WebSocket reader) both completing the same request: whichever Resolve
// call arrives first wins, the second is a silent no-op.
type entry struct {
	resp     chan Response
	resolved bool
}

// Tracker deduplicates answers to in-flight permission requests. A single
// Tracker is shared by a CliSession's two intake paths so that a request
// answered locally (by the IDE) and remotely (by a web client) at nearly
// the same time only resolves once.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]*entry
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{pending: make(map[string]*entry)}
}

// Register records req as outstanding and returns a function that blocks
// until the request is resolved (via Resolve) or ctx is cancelled. Calling
// Register twice for the same RequestID replaces the prior waiter; callers
// are expected to Register once per Request.
func (t *Tracker) Register(req Request) func(ctx context.Context) (Response, error) {
	e := &entry{resp: make(chan Response, 1)}

	t.mu.Lock()
	t.pending[req.RequestID] = e
	t.mu.Unlock()

	return func(ctx context.Context) (Response, error) {
		defer func() {
			t.mu.Lock()
			if t.pending[req.RequestID] == e {
				delete(t.pending, req.RequestID)
			}
			t.mu.Unlock()
		}()

		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case resp := <-e.resp:
			if !resp.Allow {
				return resp, &RejectedError{
					RequestID: req.RequestID,
					ToolName:  req.ToolName,
					Reason:    resp.Reason,
				}
			}
			return resp, nil
		}
	}
}

// Resolve delivers resp to the request's waiter. It is safe to call
// concurrently from both the IDE-stdin path and the web-client path; only
// the first call for a given RequestID has any effect, so a permission
// prompt answered from either side only ever resolves once.
func (t *Tracker) Resolve(resp Response) bool {
	t.mu.Lock()
	e, ok := t.pending[resp.RequestID]
	if !ok || e.resolved {
		t.mu.Unlock()
		return false
	}
	e.resolved = true
	t.mu.Unlock()

	e.resp <- resp
	return true
}

// Pending reports whether a request is still awaiting resolution.
func (t *Tracker) Pending(requestID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.pending[requestID]
	return ok && !e.resolved
}

// Cancel discards a pending request without resolving it, used when its
// owning CliSession exits before an answer arrives.
func (t *Tracker) Cancel(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, requestID)
}
