package event

// The structs below describe a typed payload for each event type. The
// backend's endpoints do not publish them: their events carry a
// map[string]string with only a "session_id" key.

// SessionCreatedData is published when a Register handshake creates a new
// session row.
type SessionCreatedData struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// SessionUpdatedData is published on session status transitions
// (connected/disconnected/exited).
type SessionUpdatedData struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// SessionDeletedData is published when a session is pruned.
type SessionDeletedData struct {
	SessionID string `json:"session_id"`
}

// ProxyConnectionData is published on ProxyEndpoint register/unregister.
type ProxyConnectionData struct {
	SessionID string `json:"session_id"`
	ProxyID   string `json:"proxy_id"`
}

// ClientSubscriptionData is published when a web client subscribes to or
// unsubscribes from a session's output stream.
type ClientSubscriptionData struct {
	SessionID string `json:"session_id"`
	ClientID  string `json:"client_id"`
	UserID    string `json:"user_id"`
}

// MessageCreatedData is published when a message is persisted to the
// backend's repository.
type MessageCreatedData struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
}

// MessageTruncatedData is published when a session's message history is
// truncated to MaxMessagesPerSession.
type MessageTruncatedData struct {
	SessionID string `json:"session_id"`
	Removed   int    `json:"removed"`
}

// PermissionRequiredData is published when a CliSession surfaces a
// PermissionRequest to both answer paths.
type PermissionRequiredData struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
	ToolName  string `json:"tool_name"`
}

// PermissionResolvedData is published once a PermissionRequest's Tracker
// has been resolved, regardless of which path answered it.
type PermissionResolvedData struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
	Allowed   bool   `json:"allowed"`
}
