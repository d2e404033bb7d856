// Package protocol defines the JSON wire messages exchanged over the
// proxy<->backend, client<->backend, and launcher<->backend WebSocket
// connections. Every frame is a single JSON object carrying
// a "type" discriminator; Envelope carries that discriminator and a
// json.RawMessage payload so handlers can dispatch before fully decoding.
package protocol

import "encoding/json"

// Envelope is the outer shape of every frame on every connection: a type
// tag plus the remaining fields, decoded twice (once to read Type, again
// into the concrete payload struct once the type is known).
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// PermissionSuggestion is a CLI-suggested grant accompanying a
// PermissionRequest, echoed back verbatim in the matching response.
type PermissionSuggestion struct {
	Description string `json:"description,omitempty"`
	Scope       string `json:"scope,omitempty"`
}

// SendMode distinguishes normal client input from the "Wiggum" mode used
// by automated/scripted clients; it is forwarded verbatim to the CLI.
type SendMode string

const (
	SendModeNormal SendMode = "Normal"
	SendModeWiggum SendMode = "Wiggum"
)

// --- Proxy -> Backend -------------------------------------------------

const (
	TypeRegister       = "Register"
	TypeClaudeOutput   = "ClaudeOutput"
	TypeSequencedOutput = "SequencedOutput"
	TypeHeartbeat      = "Heartbeat"
	TypePermissionRequest = "PermissionRequest"
	TypeSessionUpdate  = "SessionUpdate"
	TypeInputAck       = "InputAck"
	TypeSessionStatus  = "SessionStatus"
)

// ProxyRegister is the Register handshake frame a proxy sends on connect.
type ProxyRegister struct {
	Type              string `json:"type"`
	SessionID         string `json:"session_id"`
	SessionName       string `json:"session_name"`
	AuthToken         string `json:"auth_token,omitempty"`
	WorkingDirectory  string `json:"working_directory"`
	Resuming          bool   `json:"resuming"`
	GitBranch         string `json:"git_branch,omitempty"`
	ReplayAfter       string `json:"replay_after,omitempty"`
	ClientVersion     string `json:"client_version,omitempty"`
	ReplacesSessionID string `json:"replaces_session_id,omitempty"`
	Hostname          string `json:"hostname,omitempty"`
	LauncherID        string `json:"launcher_id,omitempty"`
}

// ClaudeOutput is the legacy, unsequenced proxy output frame.
type ClaudeOutput struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// SequencedOutput is the preferred proxy output frame; the backend
// replies with an OutputAck carrying the same seq.
type SequencedOutput struct {
	Type    string          `json:"type"`
	Seq     int64           `json:"seq"`
	Content json.RawMessage `json:"content"`
}

// Heartbeat carries no payload; it is sent and echoed by both sides.
type Heartbeat struct {
	Type string `json:"type"`
}

// PermissionRequest is a proxy->backend frame surfacing a CLI tool-use
// authorization prompt.
type PermissionRequest struct {
	Type                  string                 `json:"type"`
	RequestID             string                 `json:"request_id"`
	ToolName              string                 `json:"tool_name"`
	Input                 json.RawMessage        `json:"input"`
	PermissionSuggestions []PermissionSuggestion `json:"permission_suggestions,omitempty"`
}

// SessionUpdate reports git-branch / PR-URL changes observed by the proxy.
type SessionUpdate struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	GitBranch string `json:"git_branch,omitempty"`
	PRUrl     string `json:"pr_url,omitempty"`
}

// InputAck tells the backend it's safe to delete PendingInput rows with
// seq_num <= AckSeq.
type InputAck struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	AckSeq    int64  `json:"ack_seq"`
}

// SessionStatus is an informational proxy->backend status report.
type SessionStatus struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// --- Backend -> Proxy ---------------------------------------------------

const (
	TypeRegisterAck     = "RegisterAck"
	TypeClaudeInput     = "ClaudeInput"
	TypeSequencedInput  = "SequencedInput"
	TypePermissionResponse = "PermissionResponse"
	TypeOutputAck       = "OutputAck"
	TypeServerShutdown  = "ServerShutdown"
	TypeFileUpload      = "FileUpload"
)

// RegisterAck answers a proxy's Register frame.
type RegisterAck struct {
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	SessionID string `json:"session_id"`
	Error     string `json:"error,omitempty"`
}

// ClaudeInput is the legacy, unsequenced backend->proxy input frame.
type ClaudeInput struct {
	Type     string          `json:"type"`
	Content  json.RawMessage `json:"content"`
	SendMode SendMode        `json:"send_mode,omitempty"`
}

// SequencedInput is the preferred backend->proxy input frame, replayed in
// seq order on reconnect.
type SequencedInput struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Seq       int64           `json:"seq"`
	Content   json.RawMessage `json:"content"`
	SendMode  SendMode        `json:"send_mode,omitempty"`
}

// PermissionResponse answers a PermissionRequest, from either a web
// client or an IDE.
type PermissionResponse struct {
	Type        string          `json:"type"`
	RequestID   string          `json:"request_id"`
	Allow       bool            `json:"allow"`
	Input       json.RawMessage `json:"input,omitempty"`
	Permissions []string        `json:"permissions,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

// OutputAck acknowledges a SequencedOutput up to AckSeq.
type OutputAck struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	AckSeq    int64  `json:"ack_seq"`
}

// ServerShutdown instructs the proxy to reconnect after a server-chosen
// delay instead of applying its own backoff.
type ServerShutdown struct {
	Type             string `json:"type"`
	Reason           string `json:"reason"`
	ReconnectDelayMs int64  `json:"reconnect_delay_ms"`
}

// FileUpload carries a base64-encoded file from a client, relayed to the
// proxy's CLI child.
type FileUpload struct {
	Type        string `json:"type"`
	Filename    string `json:"filename"`
	Data        string `json:"data"`
	ContentType string `json:"content_type"`
}

const (
	TypeErrorFrame = "Error"
)

// ErrorFrame is a generic typed error frame sent to any connection kind
// before closing it.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
