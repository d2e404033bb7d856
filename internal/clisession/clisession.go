// Package clisession owns the AI CLI subprocess the proxy wraps. It
// spawns the CLI in print/stream-json mode, decodes its
// line-delimited stdout into a typed, single-consumer event stream, and
// exposes send_input/respond_permission for driving it. The channel-backed
// read loop mirrors go-memsh's WebSocketIO.readLoop pattern
// (cmd/webshell/main.go), adapted from a websocket connection to a
// subprocess's stdout pipe.
package clisession

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/meawoppl/claude-code-portal-sub000/internal/logging"
	"github.com/meawoppl/claude-code-portal-sub000/internal/permission"
)

// State is the CliSession state machine: Running ⇄ WaitingForPermission →
// Exited.
type State int

const (
	StateRunning State = iota
	StateWaitingForPermission
	StateExited
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateWaitingForPermission:
		return "waiting_for_permission"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// EventKind discriminates Event's payload: Output | PermissionRequest |
// SessionNotFound | Exited | Error.
type EventKind int

const (
	EventOutput EventKind = iota
	EventPermissionRequest
	EventSessionNotFound
	EventExited
	EventError
)

// Event is one item on CliSession's single-consumer event stream. Only the
// field matching Kind is populated. Output carries the original stdout
// line verbatim for both EventOutput and EventPermissionRequest, so a
// caller bridging stdout transparently elsewhere (ShimBridge) can forward
// the exact bytes instead of re-encoding.
type Event struct {
	Kind     EventKind
	Output   json.RawMessage
	Request  *permission.Request
	ExitCode int
	Err      error
}

// Options configures Spawn.
type Options struct {
	// Path to the CLI binary, e.g. "claude".
	BinaryPath string
	// SessionID is passed as --resume or --session-id depending on Resuming.
	SessionID string
	Resuming  bool
	// WorkingDirectory becomes the child process's current directory.
	WorkingDirectory string
	// ExtraArgs are appended verbatim after the conceptual flags.
	ExtraArgs []string
	// ReplayUserMessages adds --replay-user-messages, used by ShimBridge
	// so the CLI re-echoes accepted user messages.
	ReplayUserMessages bool
}

func (o Options) buildArgs() []string {
	args := []string{
		"--print",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--permission-prompt-tool", "stdio",
	}
	if o.Resuming {
		args = append(args, "--resume", o.SessionID)
	} else {
		args = append(args, "--session-id", o.SessionID)
	}
	if o.ReplayUserMessages {
		args = append(args, "--replay-user-messages")
	}
	args = append(args, o.ExtraArgs...)
	return args
}

// CliSession owns one AI CLI child process.
type CliSession struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan Event

	mu                sync.Mutex
	state             State
	pendingPermission *permission.Request
}

// Spawn starts the CLI child process and begins decoding its stdout. The
// returned CliSession is in StateRunning. Stderr is forwarded to stderrW
// (portal-proxy passes its own stderr, in shim mode too).
func Spawn(ctx context.Context, opts Options, stderrW io.Writer) (*CliSession, error) {
	cmd := exec.CommandContext(ctx, opts.BinaryPath, opts.buildArgs()...)
	cmd.Dir = opts.WorkingDirectory
	cmd.Stderr = stderrW

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("clisession: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("clisession: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("clisession: spawn %s: %w", opts.BinaryPath, err)
	}

	s := &CliSession{
		cmd:    cmd,
		stdin:  stdin,
		events: make(chan Event, 64),
		state:  StateRunning,
	}

	go s.readLoop(stdout)

	return s, nil
}

// Events returns the session's single-consumer event channel. It is
// closed after an Exited event has been emitted, or right after a
// SessionNotFound event, which no Exited event follows.
func (s *CliSession) Events() <-chan Event { return s.events }

// State returns the current state-machine state.
func (s *CliSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// cliEnvelope is the subset of the CLI's own stream-json line shape this
// package inspects before deciding how to classify a line.
type cliEnvelope struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
	Errors  json.RawMessage `json:"errors,omitempty"`

	// control_request
	RequestID string          `json:"request_id,omitempty"`
	Request   *controlRequest `json:"request,omitempty"`
}

type controlRequest struct {
	Subtype               string          `json:"subtype"`
	ToolName               string          `json:"tool_name,omitempty"`
	Input                  json.RawMessage `json:"input,omitempty"`
	PermissionSuggestions  []string        `json:"permission_suggestions,omitempty"`
}

const noConversationFoundMarker = "No conversation found"

func (s *CliSession) readLoop(stdout io.Reader) {
	defer close(s.events)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var env cliEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			s.emit(Event{Kind: EventError, Err: fmt.Errorf("clisession: decode line: %w", err)})
			continue
		}

		switch {
		case env.Type == "result" && bytes.Contains(env.Errors, []byte(noConversationFoundMarker)):
			s.emit(Event{Kind: EventSessionNotFound})
			return

		case env.Type == "control_request" && env.Request != nil && env.Request.Subtype == "can_use_tool":
			requestID := env.RequestID
			if requestID == "" {
				// Assumption-free fallback: nothing in the CLI's own
				// control_request format guarantees request_id is set.
				requestID = ulid.Make().String()
			}
			req := &permission.Request{
				RequestID:   requestID,
				ToolName:    env.Request.ToolName,
				Input:       env.Request.Input,
				Suggestions: env.Request.PermissionSuggestions,
			}
			s.mu.Lock()
			s.pendingPermission = req
			s.state = StateWaitingForPermission
			s.mu.Unlock()
			raw := make(json.RawMessage, len(line))
			copy(raw, line)
			s.emit(Event{Kind: EventPermissionRequest, Request: req, Output: raw})

		case env.Type == "control_response":
			// suppressed: acks for our own control-responses never reach
			// the consumer.

		default:
			raw := make(json.RawMessage, len(line))
			copy(raw, line)
			s.emit(Event{Kind: EventOutput, Output: raw})
		}
	}

	if err := scanner.Err(); err != nil {
		s.emit(Event{Kind: EventError, Err: err})
	}

	s.finish()
}

// finish waits for the child to exit and emits the terminal Exited event.
// Wait must not be called until stdout has been fully drained (exec.Cmd's
// StdoutPipe documents this), so it runs at the tail of readLoop rather
// than in a separately started goroutine.
func (s *CliSession) finish() {
	err := s.cmd.Wait()
	s.mu.Lock()
	s.state = StateExited
	s.mu.Unlock()

	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			logging.Warn().Err(err).Msg("cli session wait error")
			code = -1
		}
	}
	s.emit(Event{Kind: EventExited, ExitCode: code})
}

// emit is a best-effort send: if the consumer has stopped reading (e.g.
// the session is being torn down), it must not block process exit.
func (s *CliSession) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		logging.Warn().Msg("cli session event dropped, consumer not keeping up")
	}
}

// userMessage is the envelope the CLI expects on stdin for a turn of user
// input: the text wrapped as a user message keyed by session id.
type userMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Message   struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
}

// SendInput writes text to the CLI's stdin as a user-message turn.
func (s *CliSession) SendInput(sessionID, text string) error {
	msg := userMessage{Type: "user"}
	msg.SessionID = sessionID
	msg.Message.Role = "user"
	msg.Message.Content = text
	return s.writeLine(msg)
}

// controlResponseMsg is written to the CLI's stdin to answer a control_request.
type controlResponseMsg struct {
	Type      string                `json:"type"`
	RequestID string                `json:"request_id"`
	Response  controlResponsePayload `json:"response"`
}

type controlResponsePayload struct {
	Subtype string          `json:"subtype"`
	Input   json.RawMessage `json:"input,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// RespondPermission answers the currently pending permission request. It
// verifies requestID matches pendingPermission, writes the control
// response, clears pending state, and transitions back to Running. A
// mismatched or absent pending request is reported as an error without
// touching the subprocess, so a second answer for an already-answered
// request writes nothing at this layer (the caller, permission.Tracker,
// is responsible for first-wins dedup).
func (s *CliSession) RespondPermission(requestID string, resp permission.Response) error {
	s.mu.Lock()
	pending := s.pendingPermission
	if pending == nil || pending.RequestID != requestID {
		s.mu.Unlock()
		return fmt.Errorf("clisession: no pending permission request %q", requestID)
	}
	s.pendingPermission = nil
	s.state = StateRunning
	s.mu.Unlock()

	msg := controlResponseMsg{Type: "control_response", RequestID: requestID}
	if resp.Allow {
		msg.Response = controlResponsePayload{Subtype: "allow", Input: resp.Input}
	} else {
		msg.Response = controlResponsePayload{Subtype: "deny", Reason: resp.Reason}
	}
	return s.writeLine(msg)
}

// WriteRaw writes line to the CLI's stdin verbatim (appending a newline if
// missing), for ShimBridge's transparent IDE-stdin passthrough.
func (s *CliSession) WriteRaw(line []byte) error {
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line = append(line, '\n')
	}
	_, err := s.stdin.Write(line)
	return err
}

func (s *CliSession) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("clisession: marshal: %w", err)
	}
	data = append(data, '\n')
	_, err = s.stdin.Write(data)
	return err
}

// Close closes stdin, signaling the CLI to stop reading input, but leaves
// the child running so it can flush any in-flight turn.
func (s *CliSession) Close() error {
	return s.stdin.Close()
}

// ExtractUserEchoText reports whether a raw output line is the CLI's
// re-echo of an accepted user message, for ShimBridge's dedup filter. It
// extracts the textual content of a top-level "user" message.
func ExtractUserEchoText(line []byte) (text string, ok bool) {
	var probe struct {
		Type    string `json:"type"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return "", false
	}
	if probe.Type != "user" || probe.Message.Role != "user" {
		return "", false
	}
	return strings.TrimSpace(probe.Message.Content), true
}
