package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	SessionCreating SessionStatus = "creating"
	SessionRunning  SessionStatus = "running"
	SessionStopped  SessionStatus = "stopped"
	SessionFailed   SessionStatus = "failed"
	SessionArchived SessionStatus = "archived"
)

// Status changes are monotonic except for the running/stopped cycle.
// Archived is terminal.
var allowedTransitions = map[SessionStatus]map[SessionStatus]struct{}{
	SessionCreating: {
		SessionRunning:  {},
		SessionStopped:  {},
		SessionFailed:   {},
		SessionArchived: {},
	},
	SessionRunning: {
		SessionStopped:  {},
		SessionFailed:   {},
		SessionArchived: {},
	},
	SessionStopped: {
		SessionRunning:  {},
		SessionFailed:   {},
		SessionArchived: {},
	},
	SessionFailed: {
		SessionRunning:  {},
		SessionStopped:  {},
		SessionArchived: {},
	},
}

// CanTransition reports whether a session may move from one status to another.
func CanTransition(from, to SessionStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

type Session struct {
	ID            string        `json:"id"`
	RepoURL       string        `json:"repo_url"`
	BaseBranch    string        `json:"base_branch"`
	WorkBranch    string        `json:"work_branch"`
	WorkspacePath string        `json:"workspace_path"`
	SocketPath    string        `json:"socket_path"`
	SandboxID     string        `json:"sandbox_id,omitempty"`
	VolumeName    string        `json:"volume_name,omitempty"`
	Status        SessionStatus `json:"status"`
	StatusMessage string        `json:"status_message,omitempty"`
	InitialPrompt string        `json:"initial_prompt,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	ArchivedAt    *time.Time    `json:"archived_at,omitempty"`
}

const sessionColumns = `id, repo_url, base_branch, work_branch, workspace_path, socket_path,
	sandbox_id, volume_name, status, status_message, initial_prompt, created_at, updated_at, archived_at`

func scanSession(scanFn func(dest ...any) error, sess *Session) error {
	var sandboxID sql.NullString
	var archivedAt sql.NullTime
	if err := scanFn(
		&sess.ID,
		&sess.RepoURL,
		&sess.BaseBranch,
		&sess.WorkBranch,
		&sess.WorkspacePath,
		&sess.SocketPath,
		&sandboxID,
		&sess.VolumeName,
		&sess.Status,
		&sess.StatusMessage,
		&sess.InitialPrompt,
		&sess.CreatedAt,
		&sess.UpdatedAt,
		&archivedAt,
	); err != nil {
		return err
	}
	sess.SandboxID = sandboxID.String
	if archivedAt.Valid {
		t := archivedAt.Time
		sess.ArchivedAt = &t
	}
	return nil
}

// CreateSession inserts a new session in the creating state. An empty ID is
// replaced by a fresh UUID. The stored record is returned.
func (s *Store) CreateSession(ctx context.Context, sess Session) (Session, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	} else if _, err := uuid.Parse(sess.ID); err != nil {
		return Session{}, fmt.Errorf("invalid session_id: %w", err)
	}
	if sess.Status == "" {
		sess.Status = SessionCreating
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, repo_url, base_branch, work_branch, workspace_path, socket_path,
			volume_name, status, status_message, initial_prompt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, sess.ID, sess.RepoURL, sess.BaseBranch, sess.WorkBranch, sess.WorkspacePath, sess.SocketPath,
		sess.VolumeName, sess.Status, sess.StatusMessage, sess.InitialPrompt)
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return s.GetSession(ctx, sess.ID)
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var sess Session
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?;`, sessionID)
	if err := scanSession(row.Scan, &sess); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		return Session{}, fmt.Errorf("select session: %w", err)
	}
	return sess, nil
}

// ListSessions returns the most recently created sessions first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		ORDER BY created_at DESC, id
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	return collectSessions(rows)
}

// ListSessionsByStatus returns every session currently in the given status.
func (s *Store) ListSessionsByStatus(ctx context.Context, status SessionStatus) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE status = ?
		ORDER BY created_at ASC, id;
	`, status)
	if err != nil {
		return nil, fmt.Errorf("query sessions by status: %w", err)
	}
	return collectSessions(rows)
}

func collectSessions(rows *sql.Rows) ([]Session, error) {
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var sess Session
		if err := scanSession(rows.Scan, &sess); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session rows: %w", err)
	}
	return out, nil
}

// TransitionSession moves a session to a new status and records the status
// message. Re-applying the current status only updates the message. The
// previous status is returned alongside the updated record.
func (s *Store) TransitionSession(ctx context.Context, sessionID string, to SessionStatus, message string) (Session, SessionStatus, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, "", fmt.Errorf("begin transition tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current SessionStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?;`, sessionID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, "", fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		return Session{}, "", fmt.Errorf("select session status: %w", err)
	}
	if current != to && !CanTransition(current, to) {
		return Session{}, current, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current, to)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?,
			status_message = ?,
			archived_at = CASE WHEN ? = 'archived' THEN CURRENT_TIMESTAMP ELSE archived_at END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, to, message, to, sessionID); err != nil {
		return Session{}, current, fmt.Errorf("update session status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Session{}, current, fmt.Errorf("commit transition tx: %w", err)
	}
	sess, err := s.GetSession(ctx, sessionID)
	return sess, current, err
}

// SetSandbox records the sandbox container for a session. An empty
// sandboxID clears it.
func (s *Store) SetSandbox(ctx context.Context, sessionID, sandboxID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET sandbox_id = NULLIF(?, ''), updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, sandboxID, sessionID)
	if err != nil {
		return fmt.Errorf("update sandbox id: %w", err)
	}
	return expectOneRow(res, sessionID)
}

// SetWorkspace records where the session's repository and agent socket live.
func (s *Store) SetWorkspace(ctx context.Context, sessionID, volumeName, workspacePath, workBranch, socketPath string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET volume_name = ?, workspace_path = ?, work_branch = ?, socket_path = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, volumeName, workspacePath, workBranch, socketPath, sessionID)
	if err != nil {
		return fmt.Errorf("update workspace: %w", err)
	}
	return expectOneRow(res, sessionID)
}

// DeleteSession removes a session and its entire message history.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?;`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return expectOneRow(res, sessionID)
}

func expectOneRow(res sql.Result, sessionID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}
