// Package repository is the thin persistence boundary the core talks to;
// relational storage internals never leak past this interface. It
// assumes only a small fixed operation set: upsert_session,
// insert_message, truncate_session_messages,
// increment_input_seq_and_insert_pending, delete_pending_inputs_up_to,
// query_messages_after, and get_session_membership. Any backing store
// that supports a monotonic increment with a returning clause suffices;
// the sqlite implementation here is one such store.
package repository

import (
	"context"
	"time"

	"github.com/meawoppl/claude-code-portal-sub000/internal/model"
)

// Repository is the persistence interface consumed by ProxyEndpoint,
// ClientEndpoint, and the backend's periodic truncation task.
type Repository interface {
	// UpsertSession creates the session row if absent, or updates status,
	// last_activity, working_directory, hostname, and launcher_id if it
	// already exists. Returns the resulting row.
	UpsertSession(ctx context.Context, s *model.Session) (*model.Session, error)

	// GetSession returns the session row, or (nil, nil) if absent.
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)

	// UpdateSessionStatus sets a session's status and last_activity.
	UpdateSessionStatus(ctx context.Context, sessionID string, status model.SessionStatus) error

	// UpdateSessionGitInfo writes git_branch / pr_url for a session.
	UpdateSessionGitInfo(ctx context.Context, sessionID, gitBranch, prURL string) error

	// InsertMessage appends a transcript entry.
	InsertMessage(ctx context.Context, msg *model.Message) error

	// TruncateSessionMessages deletes all but the most recent keep rows
	// for a session, returning the number removed.
	TruncateSessionMessages(ctx context.Context, sessionID string, keep int) (int, error)

	// QueryMessagesAfter returns a session's messages ordered by
	// created_at, optionally filtered to those strictly after `after`.
	QueryMessagesAfter(ctx context.Context, sessionID string, after *time.Time) ([]*model.Message, error)

	// IncrementInputSeqAndInsertPending atomically increments the
	// session's input_seq and inserts a PendingInput row carrying the new
	// value, returning that value.
	IncrementInputSeqAndInsertPending(ctx context.Context, sessionID string, content []byte) (int64, error)

	// DeletePendingInputsUpTo deletes PendingInput rows for sessionID with
	// seq_num <= ackSeq.
	DeletePendingInputsUpTo(ctx context.Context, sessionID string, ackSeq int64) error

	// QueryPendingInputs returns a session's outstanding PendingInput rows
	// in seq_num ascending order, for Register-time replay.
	QueryPendingInputs(ctx context.Context, sessionID string) ([]*model.PendingInput, error)

	// GetSessionMembership returns a user's role on a session, or
	// (nil, nil) if the user has no membership.
	GetSessionMembership(ctx context.Context, sessionID, userID string) (*model.SessionMembership, error)

	// EnsureOwnerMembership creates an Owner membership row if none
	// exists yet for the session, used the first time a session is
	// registered.
	EnsureOwnerMembership(ctx context.Context, sessionID, userID string) error

	Close() error
}
