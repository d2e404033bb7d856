// Package model defines the core data types shared across the backend,
// proxy, and launcher: Session, Message, and the pending-delivery records
// that back the reliable-delivery fabric shared by every endpoint.
package model

import "time"

// SessionStatus is a Session's connectivity state.
type SessionStatus string

const (
	StatusActive       SessionStatus = "active"
	StatusInactive     SessionStatus = "inactive"
	StatusDisconnected SessionStatus = "disconnected"
)

// Session is the persistent record of a single AI-CLI conversation. Its ID
// never changes across reconnects; InputSeq is the monotonic counter used
// to order client-originated input.
type Session struct {
	ID               string        `json:"id"`
	OwnerUserID      string        `json:"owner_user_id"`
	Name             string        `json:"name"`
	WorkingDirectory string        `json:"working_directory"`
	Hostname         string        `json:"hostname"`
	Status           SessionStatus `json:"status"`
	GitBranch        string        `json:"git_branch,omitempty"`
	PullRequestURL   string        `json:"pr_url,omitempty"`
	LauncherID       string        `json:"launcher_id,omitempty"`
	InputSeq         int64         `json:"input_seq"`
	CreatedAt        time.Time     `json:"created_at"`
	LastActivity     time.Time     `json:"last_activity"`
}

// MessageRole is the role label on a stored transcript entry.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleResult    MessageRole = "result"
	RoleSystem    MessageRole = "system"
)

// Message is a stored transcript entry. Content is the verbatim JSON
// payload produced by the CLI or the user; MAX_MESSAGES_PER_SESSION rows
// are retained per session, oldest deleted first.
type Message struct {
	ID        int64       `json:"id"`
	SessionID string      `json:"session_id"`
	Role      MessageRole `json:"role"`
	Content   []byte      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}

// PendingInput is a web-originated input not yet acknowledged by the
// proxy. (SessionID, SeqNum) is unique; rows are deleted once an
// InputAck with ack_seq >= SeqNum arrives.
type PendingInput struct {
	SessionID string    `json:"session_id"`
	SeqNum    int64     `json:"seq_num"`
	Content   []byte    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// MembershipRole is a user's access level on a session.
type MembershipRole string

const (
	RoleOwner  MembershipRole = "owner"
	RoleEditor MembershipRole = "editor"
	RoleViewer MembershipRole = "viewer"
)

// SessionMembership grants a user a role on a session. Exactly one Owner
// membership exists per session.
type SessionMembership struct {
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	Role      MembershipRole `json:"role"`
}
