package model

import "time"

// PendingOutput is a proxy-local (never persisted to the database) entry
// in the OutputBuffer: an output awaiting acknowledgment by the backend.
type PendingOutput struct {
	Seq     int64  `json:"seq"`
	Content []byte `json:"content"`
}

// PendingMessage is a backend-in-memory record of a message destined for
// a currently-disconnected proxy. A bounded FIFO per session; oldest
// dropped on overflow, entries expire by age.
type PendingMessage struct {
	Content   []byte
	EnqueuedAt time.Time
}

// Expired reports whether the message has been queued longer than maxAge.
func (m PendingMessage) Expired(maxAge time.Duration, now time.Time) bool {
	return now.Sub(m.EnqueuedAt) > maxAge
}

// LauncherConnection is the backend's in-memory record of a connected
// launcher agent.
type LauncherConnection struct {
	LauncherID       string
	OwnerUserID      string
	Hostname         string
	RunningSessions  []string
}
