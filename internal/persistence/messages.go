package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Message types written by the control process itself. Agent-emitted
// messages keep whatever type the agent reported.
const (
	MessageTypeUser      = "user"
	MessageTypeAssistant = "assistant"
	MessageTypeSystem    = "system"
	MessageTypeResult    = "result"
)

// Message is one durable, sequence-numbered conversation event.
type Message struct {
	SessionID string `json:"session_id"`
	Sequence  int64  `json:"sequence"`
	UUID      string `json:"uuid"`
	Type      string `json:"type"`
	// AgentSequence is the sequence the in-sandbox agent server assigned,
	// or 0 for messages that originated in the control process. It is only
	// meaningful within AgentLogID.
	AgentSequence int64           `json:"agent_sequence,omitempty"`
	AgentLogID    string          `json:"agent_log_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Interrupted   bool            `json:"interrupted,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// NewMessage describes a message to append. Sequence numbers are assigned
// by the store.
type NewMessage struct {
	SessionID     string
	UUID          string
	Type          string
	Payload       json.RawMessage
	AgentSequence int64
	AgentLogID    string
}

// Page is one slice of history in chronological order.
type Page struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

const messageColumns = `session_id, seq, uuid, type, COALESCE(agent_seq, 0), agent_log_id, payload, interrupted, created_at`

func scanMessage(scanFn func(dest ...any) error, msg *Message) error {
	var payload string
	var interrupted int
	if err := scanFn(
		&msg.SessionID,
		&msg.Sequence,
		&msg.UUID,
		&msg.Type,
		&msg.AgentSequence,
		&msg.AgentLogID,
		&payload,
		&interrupted,
		&msg.CreatedAt,
	); err != nil {
		return err
	}
	msg.Payload = json.RawMessage(payload)
	msg.Interrupted = interrupted != 0
	return nil
}

// Append records a message and returns its assigned sequence.
func (s *Store) Append(ctx context.Context, sessionID, msgType string, payload json.RawMessage) (int64, error) {
	msg, _, err := s.AppendMessage(ctx, NewMessage{SessionID: sessionID, Type: msgType, Payload: payload})
	if err != nil {
		return 0, err
	}
	return msg.Sequence, nil
}

// AppendMessage records a message with the next gap-free sequence for its
// session. If a message with the same UUID is already recorded the
// existing row is returned and created is false; duplicate delivery is not
// an error.
func (s *Store) AppendMessage(ctx context.Context, in NewMessage) (msg Message, created bool, err error) {
	if in.SessionID == "" {
		return Message{}, false, fmt.Errorf("append message: empty session id")
	}
	if in.Type == "" {
		return Message{}, false, fmt.Errorf("append message: empty type")
	}
	if in.UUID == "" {
		in.UUID = uuid.NewString()
	}
	if len(in.Payload) == 0 {
		in.Payload = json.RawMessage(`{}`)
	}
	if !json.Valid(in.Payload) {
		return Message{}, false, fmt.Errorf("append message: payload is not valid JSON")
	}
	agentSeq := sql.NullInt64{Int64: in.AgentSequence, Valid: in.AgentSequence > 0}

	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		existing, err := getMessageByUUIDTx(ctx, tx, in.SessionID, in.UUID)
		if err == nil {
			msg, created = existing, false
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		var next int64
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?;
		`, in.SessionID).Scan(&next); err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (session_id, seq, uuid, type, agent_seq, agent_log_id, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, in.SessionID, next, in.UUID, in.Type, agentSeq, in.AgentLogID, string(in.Payload)); err != nil {
			if isUniqueViolation(err) {
				// Lost a race with another writer for the same UUID.
				_ = tx.Rollback()
				existing, getErr := s.getMessageByUUID(ctx, in.SessionID, in.UUID)
				if getErr != nil {
					return fmt.Errorf("insert message: %w", err)
				}
				msg, created = existing, false
				return nil
			}
			return fmt.Errorf("insert message: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit append tx: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return Message{}, false, err
	}
	if created {
		msg, err = s.getMessageByUUID(ctx, in.SessionID, in.UUID)
		if err != nil {
			return Message{}, false, err
		}
	}
	return msg, created, nil
}

func getMessageByUUIDTx(ctx context.Context, tx *sql.Tx, sessionID, id string) (Message, error) {
	var msg Message
	row := tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE session_id = ? AND uuid = ?;`, sessionID, id)
	if err := scanMessage(row.Scan, &msg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("select message: %w", err)
	}
	return msg, nil
}

func (s *Store) getMessageByUUID(ctx context.Context, sessionID, id string) (Message, error) {
	var msg Message
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE session_id = ? AND uuid = ?;`, sessionID, id)
	if err := scanMessage(row.Scan, &msg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("select message: %w", err)
	}
	return msg, nil
}

// ReadAfter returns messages with a sequence greater than afterSeq in
// ascending order. A limit of zero or less returns everything.
func (s *Store) ReadAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE session_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?;
	`, sessionID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	return collectMessages(rows)
}

// PageAfter returns up to limit messages after the cursor, oldest first.
func (s *Store) PageAfter(ctx context.Context, sessionID string, cursor int64, limit int) (Page, error) {
	limit = normalizePageLimit(limit)
	msgs, err := s.ReadAfter(ctx, sessionID, cursor, limit+1)
	if err != nil {
		return Page{}, err
	}
	page := Page{Messages: msgs}
	if len(msgs) > limit {
		page.Messages = msgs[:limit]
		page.HasMore = true
	}
	return page, nil
}

// PageBefore returns up to limit messages before the cursor in
// chronological order. A cursor of zero or less pages back from the newest
// message.
func (s *Store) PageBefore(ctx context.Context, sessionID string, cursor int64, limit int) (Page, error) {
	limit = normalizePageLimit(limit)
	var rows *sql.Rows
	var err error
	if cursor > 0 {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE session_id = ? AND seq < ?
			ORDER BY seq DESC
			LIMIT ?;
		`, sessionID, cursor, limit+1)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE session_id = ?
			ORDER BY seq DESC
			LIMIT ?;
		`, sessionID, limit+1)
	}
	if err != nil {
		return Page{}, fmt.Errorf("query messages: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return Page{}, err
	}
	page := Page{}
	if len(msgs) > limit {
		msgs = msgs[:limit]
		page.HasMore = true
	}
	slices.Reverse(msgs)
	page.Messages = msgs
	return page, nil
}

func normalizePageLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var msg Message
		if err := scanMessage(rows.Scan, &msg); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message rows: %w", err)
	}
	return out, nil
}

// LastSequence returns the highest sequence recorded for a session, or 0.
func (s *Store) LastSequence(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id = ?;
	`, sessionID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last sequence: %w", err)
	}
	return seq, nil
}

// LastAgentSequence returns the highest sequence recorded for a session
// from the agent log identified by logID, or 0 when nothing from that log
// has been persisted.
func (s *Store) LastAgentSequence(ctx context.Context, sessionID, logID string) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(agent_seq), 0) FROM messages WHERE session_id = ? AND agent_log_id = ?;
	`, sessionID, logID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last agent sequence: %w", err)
	}
	return seq, nil
}

// MarkLastInterrupted flags the most recent non-user message of a session
// as interrupted. It reports whether a message was updated.
func (s *Store) MarkLastInterrupted(ctx context.Context, sessionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET interrupted = 1
		WHERE id = (
			SELECT id FROM messages
			WHERE session_id = ? AND type != ?
			ORDER BY seq DESC
			LIMIT 1
		);
	`, sessionID, MessageTypeUser)
	if err != nil {
		return false, fmt.Errorf("mark interrupted: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark interrupted rows: %w", err)
	}
	return affected > 0, nil
}

// CountMessages returns the number of durable messages for a session.
func (s *Store) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages WHERE session_id = ?;`, sessionID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}
