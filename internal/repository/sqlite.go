package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/meawoppl/claude-code-portal-sub000/internal/model"
)

// SQLiteRepository implements Repository on top of modernc.org/sqlite
// (pure Go, no cgo), matching the teacher's single-writer WAL-mode
// connection pattern.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens (creating if needed) the sqlite database at
// path and ensures its schema exists.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	r := &SQLiteRepository{db: db}
	if err := r.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *SQLiteRepository) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		working_directory TEXT NOT NULL DEFAULT '',
		hostname TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		git_branch TEXT NOT NULL DEFAULT '',
		pr_url TEXT NOT NULL DEFAULT '',
		launcher_id TEXT NOT NULL DEFAULT '',
		input_seq INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		last_activity INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);

	CREATE TABLE IF NOT EXISTS pending_inputs (
		session_id TEXT NOT NULL,
		seq_num INTEGER NOT NULL,
		content BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, seq_num)
	);

	CREATE TABLE IF NOT EXISTS session_memberships (
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		PRIMARY KEY (session_id, user_id)
	);
	`
	_, err := r.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("repository: init schema: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) UpsertSession(ctx context.Context, s *model.Session) (*model.Session, error) {
	existing, err := r.GetSession(ctx, s.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if existing == nil {
		if s.CreatedAt.IsZero() {
			s.CreatedAt = now
		}
		s.LastActivity = now
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO sessions (id, owner_user_id, name, working_directory, hostname, status, git_branch, pr_url, launcher_id, input_seq, created_at, last_activity)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, s.ID, s.OwnerUserID, s.Name, s.WorkingDirectory, s.Hostname, string(s.Status), s.GitBranch, s.PullRequestURL, s.LauncherID, s.InputSeq, s.CreatedAt.Unix(), s.LastActivity.Unix())
		if err != nil {
			return nil, fmt.Errorf("repository: insert session: %w", err)
		}
		return s, nil
	}

	if s.WorkingDirectory != "" {
		existing.WorkingDirectory = s.WorkingDirectory
	}
	if s.Hostname != "" {
		existing.Hostname = s.Hostname
	}
	if s.LauncherID != "" {
		existing.LauncherID = s.LauncherID
	}
	existing.Status = s.Status
	existing.LastActivity = now

	_, err = r.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, working_directory = ?, hostname = ?, launcher_id = ?, last_activity = ?
		WHERE id = ?
	`, string(existing.Status), existing.WorkingDirectory, existing.Hostname, existing.LauncherID, existing.LastActivity.Unix(), existing.ID)
	if err != nil {
		return nil, fmt.Errorf("repository: update session: %w", err)
	}
	return existing, nil
}

func (r *SQLiteRepository) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, owner_user_id, name, working_directory, hostname, status, git_branch, pr_url, launcher_id, input_seq, created_at, last_activity
		FROM sessions WHERE id = ?
	`, sessionID)

	var s model.Session
	var status string
	var createdAt, lastActivity int64
	err := row.Scan(&s.ID, &s.OwnerUserID, &s.Name, &s.WorkingDirectory, &s.Hostname, &status, &s.GitBranch, &s.PullRequestURL, &s.LauncherID, &s.InputSeq, &createdAt, &lastActivity)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: get session: %w", err)
	}
	s.Status = model.SessionStatus(status)
	s.CreatedAt = time.Unix(createdAt, 0)
	s.LastActivity = time.Unix(lastActivity, 0)
	return &s, nil
}

func (r *SQLiteRepository) UpdateSessionStatus(ctx context.Context, sessionID string, status model.SessionStatus) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, last_activity = ? WHERE id = ?
	`, string(status), time.Now().Unix(), sessionID)
	if err != nil {
		return fmt.Errorf("repository: update status: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) UpdateSessionGitInfo(ctx context.Context, sessionID, gitBranch, prURL string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET git_branch = ?, pr_url = ? WHERE id = ?
	`, gitBranch, prURL, sessionID)
	if err != nil {
		return fmt.Errorf("repository: update git info: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) InsertMessage(ctx context.Context, msg *model.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)
	`, msg.SessionID, string(msg.Role), msg.Content, msg.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("repository: insert message: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) TruncateSessionMessages(ctx context.Context, sessionID string, keep int) (int, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE session_id = ? AND id NOT IN (
			SELECT id FROM messages WHERE session_id = ? ORDER BY created_at DESC LIMIT ?
		)
	`, sessionID, sessionID, keep)
	if err != nil {
		return 0, fmt.Errorf("repository: truncate messages: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("repository: truncate messages rows affected: %w", err)
	}
	return int(n), nil
}

func (r *SQLiteRepository) QueryMessagesAfter(ctx context.Context, sessionID string, after *time.Time) ([]*model.Message, error) {
	var rows *sql.Rows
	var err error
	if after != nil {
		rows, err = r.db.QueryContext(ctx, `
			SELECT id, session_id, role, content, created_at FROM messages
			WHERE session_id = ? AND created_at > ? ORDER BY created_at ASC
		`, sessionID, after.UnixNano())
	} else {
		rows, err = r.db.QueryContext(ctx, `
			SELECT id, session_id, role, content, created_at FROM messages
			WHERE session_id = ? ORDER BY created_at ASC
		`, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("repository: query messages: %w", err)
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		var m model.Message
		var role string
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("repository: scan message: %w", err)
		}
		m.Role = model.MessageRole(role)
		m.CreatedAt = time.Unix(0, createdAt)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) IncrementInputSeqAndInsertPending(ctx context.Context, sessionID string, content []byte) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("repository: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE sessions SET input_seq = input_seq + 1 WHERE id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("repository: increment input_seq: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("repository: no such session %q", sessionID)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT input_seq FROM sessions WHERE id = ?`, sessionID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("repository: read input_seq: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pending_inputs (session_id, seq_num, content, created_at) VALUES (?, ?, ?, ?)
	`, sessionID, seq, content, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("repository: insert pending input: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("repository: commit: %w", err)
	}
	return seq, nil
}

func (r *SQLiteRepository) DeletePendingInputsUpTo(ctx context.Context, sessionID string, ackSeq int64) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM pending_inputs WHERE session_id = ? AND seq_num <= ?
	`, sessionID, ackSeq)
	if err != nil {
		return fmt.Errorf("repository: delete pending inputs: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) QueryPendingInputs(ctx context.Context, sessionID string) ([]*model.PendingInput, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, seq_num, content, created_at FROM pending_inputs
		WHERE session_id = ? ORDER BY seq_num ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("repository: query pending inputs: %w", err)
	}
	defer rows.Close()

	var out []*model.PendingInput
	for rows.Next() {
		var p model.PendingInput
		var createdAt int64
		if err := rows.Scan(&p.SessionID, &p.SeqNum, &p.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("repository: scan pending input: %w", err)
		}
		p.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) GetSessionMembership(ctx context.Context, sessionID, userID string) (*model.SessionMembership, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, role FROM session_memberships WHERE session_id = ? AND user_id = ?
	`, sessionID, userID)

	var m model.SessionMembership
	var role string
	err := row.Scan(&m.SessionID, &m.UserID, &role)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: get membership: %w", err)
	}
	m.Role = model.MembershipRole(role)
	return &m, nil
}

func (r *SQLiteRepository) EnsureOwnerMembership(ctx context.Context, sessionID, userID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO session_memberships (session_id, user_id, role)
		SELECT ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM session_memberships WHERE session_id = ? AND role = ?
		)
		ON CONFLICT (session_id, user_id) DO NOTHING
	`, sessionID, userID, string(model.RoleOwner), sessionID, string(model.RoleOwner))
	if err != nil {
		return fmt.Errorf("repository: ensure owner membership: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}
