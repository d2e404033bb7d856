// Package shim implements ShimBridge: the proxy's optional
// transparent-proxy mode, used when an IDE expects to talk directly to the
// AI CLI's own stdin/stdout protocol. The proxy sits between the IDE and
// the CLI child, mirroring everything to the backend while deduplicating
// echoed user messages and permission responses that can arrive from
// either side. The permission dedup map is internal/permission's Tracker,
// driven here by two independent intake paths (IDE stdin and backend
// WebSocket).
package shim

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/meawoppl/claude-code-portal-sub000/internal/clisession"
	"github.com/meawoppl/claude-code-portal-sub000/internal/logging"
	"github.com/meawoppl/claude-code-portal-sub000/internal/outputbuffer"
	"github.com/meawoppl/claude-code-portal-sub000/internal/permission"
	"github.com/meawoppl/claude-code-portal-sub000/internal/protocol"
)

// Backend is the subset of the proxy<->backend connection the bridge
// needs. A real implementation writes frames to the WebSocket; tests use
// an in-memory fake.
type Backend interface {
	SendOutput(ctx context.Context, out protocol.SequencedOutput) error
	SendPermissionRequest(ctx context.Context, req protocol.PermissionRequest) error
}

// ExitResult reports how the CLI-facing pipeline ended.
type ExitResult struct {
	ExitCode        int
	SessionNotFound bool
}

// Bridge wires one CliSession to an IDE's stdio and a Backend.
type Bridge struct {
	sessionID string
	cli       *clisession.CliSession
	buffer    *outputbuffer.Buffer
	tracker   *permission.Tracker
	ideOut    io.Writer

	mu           sync.Mutex
	filterActive bool
	portalTexts  []string
}

// New builds a Bridge. buf is the session's OutputBuffer, already loaded
// from disk by the caller; ideOut is the IDE's stdin pipe
// (written to transparently and for de-duplicated user-message echoes).
func New(sessionID string, cli *clisession.CliSession, buf *outputbuffer.Buffer, ideOut io.Writer) *Bridge {
	return &Bridge{
		sessionID: sessionID,
		cli:       cli,
		buffer:    buf,
		tracker:   permission.NewTracker(),
		ideOut:    ideOut,
	}
}

// RunCLIToIDEAndBackend is pipeline 1: CLI stdout → IDE stdout + backend.
// It consumes cli.Events() until the CLI exits or is found to have no
// matching conversation, forwarding non-suppressed lines to the IDE and
// pushing every regular message into the OutputBuffer for backend replay.
func (b *Bridge) RunCLIToIDEAndBackend(ctx context.Context, backend Backend) (*ExitResult, error) {
	for ev := range b.cli.Events() {
		switch ev.Kind {
		case clisession.EventOutput:
			b.handleOutput(ctx, backend, ev.Output)

		case clisession.EventPermissionRequest:
			if err := b.handlePermissionRequest(ctx, backend, ev); err != nil {
				logging.Warn().Err(err).Str("session_id", b.sessionID).Msg("failed to forward permission request")
			}

		case clisession.EventSessionNotFound:
			return &ExitResult{SessionNotFound: true}, nil

		case clisession.EventExited:
			return &ExitResult{ExitCode: ev.ExitCode}, nil

		case clisession.EventError:
			logging.Warn().Err(ev.Err).Str("session_id", b.sessionID).Msg("cli session error")
		}
	}
	return &ExitResult{}, fmt.Errorf("shim: cli event stream closed without an exit event")
}

func (b *Bridge) handleOutput(ctx context.Context, backend Backend, line json.RawMessage) {
	if text, isEcho := clisession.ExtractUserEchoText(line); isEcho {
		if b.shouldForwardEcho(text) {
			b.writeToIDE(line)
		}
	} else {
		b.writeToIDE(line)
	}

	seq, evicted := b.buffer.Push(line)
	if len(evicted) > 0 {
		logging.Warn().Str("session_id", b.sessionID).Int("evicted", len(evicted)).Msg("shim output buffer overflow")
	}
	if err := backend.SendOutput(ctx, protocol.SequencedOutput{
		Type:    protocol.TypeSequencedOutput,
		Seq:     seq,
		Content: line,
	}); err != nil {
		logging.Warn().Err(err).Str("session_id", b.sessionID).Msg("failed to forward output to backend")
	}
}

func (b *Bridge) handlePermissionRequest(ctx context.Context, backend Backend, ev clisession.Event) error {
	req := *ev.Request
	req.SessionID = b.sessionID

	// Transparent pipe: the IDE expects to see the control_request on its
	// own stdin, exactly as if it were talking to the CLI directly.
	b.writeToIDE(ev.Output)

	waiter := b.tracker.Register(req)
	go b.awaitAndRespond(req.RequestID, waiter)

	suggestions := make([]protocol.PermissionSuggestion, 0, len(req.Suggestions))
	for _, s := range req.Suggestions {
		suggestions = append(suggestions, protocol.PermissionSuggestion{Description: s})
	}
	return backend.SendPermissionRequest(ctx, protocol.PermissionRequest{
		Type:                  protocol.TypePermissionRequest,
		RequestID:             req.RequestID,
		ToolName:              req.ToolName,
		Input:                 req.Input,
		PermissionSuggestions: suggestions,
	})
}

// awaitAndRespond is the single place that writes a control_response to
// the CLI's stdin, regardless of whether the winning answer came from the
// IDE (via RunIDEToCLI's control_response handling) or the backend (via
// ResolvePermissionFromBackend). This
// centralization is what makes "first resolve wins" actually produce
// exactly one write to the CLI.
func (b *Bridge) awaitAndRespond(requestID string, waiter func(context.Context) (permission.Response, error)) {
	resp, err := waiter(context.Background())
	if err != nil && !permission.IsRejectedError(err) {
		return
	}
	if werr := b.cli.RespondPermission(requestID, resp); werr != nil {
		logging.Warn().Err(werr).Str("request_id", requestID).Msg("failed to write control response to cli")
	}
}

// RunIDEToCLI is pipeline 2: IDE stdin → CLI stdin. Every line is
// forwarded transparently except a control_response, which is routed
// through the dedup tracker instead of being written directly (the
// tracker's winning resolution is what actually reaches the CLI, via
// awaitAndRespond).
func (b *Bridge) RunIDEToCLI(ideIn io.Reader) error {
	scanner := bufio.NewScanner(ideIn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	first := true
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if first {
			b.activateFilter()
			first = false
		}

		if resp, requestID, ok := parseControlResponse(line); ok {
			resp.RequestID = requestID
			b.tracker.Resolve(resp)
			continue
		}

		cp := make([]byte, len(line))
		copy(cp, line)
		if err := b.cli.WriteRaw(cp); err != nil {
			return fmt.Errorf("shim: write to cli stdin: %w", err)
		}
	}
	return scanner.Err()
}

// SendUserInput is half of pipeline 3: Backend → CLI stdin. text is
// wrapped as a user-message turn and recorded as portal-originated so the
// dedup filter can recognize its eventual echo.
func (b *Bridge) SendUserInput(text string) error {
	b.recordPortalText(text)
	return b.cli.SendInput(b.sessionID, text)
}

// ResolvePermissionFromBackend is the other half of pipeline 3: it answers
// a permission request with a decision that arrived over the backend
// WebSocket rather than IDE stdin, subject to the same first-wins dedup
// as pipeline 2's control_response handling.
func (b *Bridge) ResolvePermissionFromBackend(resp permission.Response) {
	b.tracker.Resolve(resp)
}

// ReplayBuffer sends every still-pending OutputBuffer entry to backend, in
// seq order, for use after a reconnect re-registers the session.
func (b *Bridge) ReplayBuffer(ctx context.Context, backend Backend) error {
	for _, p := range b.buffer.Pending() {
		if err := backend.SendOutput(ctx, protocol.SequencedOutput{
			Type:    protocol.TypeSequencedOutput,
			Seq:     p.Seq,
			Content: p.Content,
		}); err != nil {
			return fmt.Errorf("shim: replay seq %d: %w", p.Seq, err)
		}
	}
	return nil
}

// SendPortalNotice pushes a system-authored notice (e.g. the "Proxy
// reconnected after …" banner) into the OutputBuffer and forwards it to
// backend exactly like a regular CLI output line, so it persists,
// replays, and broadcasts to subscribed clients the same way.
func (b *Bridge) SendPortalNotice(ctx context.Context, backend Backend, text string) error {
	content, err := json.Marshal(struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{Type: "system", Text: text})
	if err != nil {
		return fmt.Errorf("shim: marshal portal notice: %w", err)
	}

	seq, evicted := b.buffer.Push(content)
	if len(evicted) > 0 {
		logging.Warn().Str("session_id", b.sessionID).Int("evicted", len(evicted)).Msg("shim output buffer overflow")
	}
	return backend.SendOutput(ctx, protocol.SequencedOutput{
		Type:    protocol.TypeSequencedOutput,
		Seq:     seq,
		Content: content,
	})
}

func (b *Bridge) writeToIDE(line json.RawMessage) {
	out := append(append([]byte(nil), line...), '\n')
	if _, err := b.ideOut.Write(out); err != nil {
		logging.Warn().Err(err).Str("session_id", b.sessionID).Msg("failed to write to ide stdout")
	}
}

func (b *Bridge) activateFilter() {
	b.mu.Lock()
	b.filterActive = true
	b.mu.Unlock()
}

func (b *Bridge) recordPortalText(text string) {
	b.mu.Lock()
	b.portalTexts = append(b.portalTexts, text)
	b.mu.Unlock()
}

// shouldForwardEcho implements the user-echo dedup rule: while the filter
// is inactive (resume replay phase), forward unconditionally; once
// active, forward only if text matches the oldest recorded
// portal-originated text, consuming it.
func (b *Bridge) shouldForwardEcho(text string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.filterActive {
		return true
	}
	if len(b.portalTexts) > 0 && b.portalTexts[0] == text {
		b.portalTexts = b.portalTexts[1:]
		return true
	}
	return false
}

type controlResponseLine struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Response  struct {
		Subtype string          `json:"subtype"`
		Input   json.RawMessage `json:"input,omitempty"`
		Reason  string          `json:"reason,omitempty"`
	} `json:"response"`
}

func parseControlResponse(line []byte) (permission.Response, string, bool) {
	var cr controlResponseLine
	if err := json.Unmarshal(line, &cr); err != nil || cr.Type != "control_response" {
		return permission.Response{}, "", false
	}
	return permission.Response{
		Allow:  cr.Response.Subtype == "allow",
		Input:  cr.Response.Input,
		Reason: cr.Response.Reason,
	}, cr.RequestID, true
}
