package protocol

import "encoding/json"

// --- Web client -> Backend ----------------------------------------------

const (
	TypeClientRegister = "Register"
)

// ClientRegister is a web client's Register handshake frame.
type ClientRegister struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id"`
	SessionName string `json:"session_name,omitempty"`
	ReplayAfter string `json:"replay_after,omitempty"`
}

// --- Backend -> Web client -----------------------------------------------

const (
	TypeHistoryBatch = "HistoryBatch"
)

// HistoryBatch replays a session's stored transcript to a newly
// subscribed client in a single frame.
type HistoryBatch struct {
	Type     string            `json:"type"`
	Messages []json.RawMessage `json:"messages"`
}
