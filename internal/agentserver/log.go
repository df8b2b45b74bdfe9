package agentserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/basket/clawbox/internal/agentproto"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Log is the agent server's own durable message log. It lives on the
// sandbox's tmpfs, so a container restart starts it over at sequence 1
// under a new id.
type Log struct {
	db *sql.DB
	id string
}

func OpenLog(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY,
			uuid TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS log_meta (
			singleton INTEGER PRIMARY KEY CHECK (singleton = 1),
			log_id TEXT NOT NULL
		);`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init log schema: %w", err)
		}
	}
	if _, err := db.Exec(`INSERT OR IGNORE INTO log_meta (singleton, log_id) VALUES (1, ?);`, uuid.NewString()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init log id: %w", err)
	}
	var id string
	if err := db.QueryRow(`SELECT log_id FROM log_meta WHERE singleton = 1;`).Scan(&id); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("read log id: %w", err)
	}
	return &Log{db: db, id: id}, nil
}

// ID identifies this log for as long as its file exists.
func (l *Log) ID() string {
	return l.id
}

func (l *Log) Close() error {
	return l.db.Close()
}

// Append records a message under the next sequence. A repeated UUID
// returns the existing entry with created=false.
func (l *Log) Append(ctx context.Context, id, msgType string, payload json.RawMessage) (agentproto.Message, bool, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return agentproto.Message{}, false, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := l.scan(tx.QueryRowContext(ctx,
		`SELECT seq, uuid, type, payload, created_at FROM messages WHERE uuid = ?;`, id).Scan)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return agentproto.Message{}, false, fmt.Errorf("lookup message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (seq, uuid, type, payload)
		VALUES ((SELECT COALESCE(MAX(seq), 0) + 1 FROM messages), ?, ?, ?);
	`, id, msgType, string(payload)); err != nil {
		return agentproto.Message{}, false, fmt.Errorf("insert message: %w", err)
	}
	msg, err := l.scan(tx.QueryRowContext(ctx,
		`SELECT seq, uuid, type, payload, created_at FROM messages WHERE uuid = ?;`, id).Scan)
	if err != nil {
		return agentproto.Message{}, false, fmt.Errorf("read back message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return agentproto.Message{}, false, fmt.Errorf("commit append: %w", err)
	}
	return msg, true, nil
}

// After returns every message with a sequence greater than seq, ascending.
func (l *Log) After(ctx context.Context, seq int64) ([]agentproto.Message, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, uuid, type, payload, created_at
		FROM messages WHERE seq > ? ORDER BY seq ASC;
	`, seq)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	out := []agentproto.Message{}
	for rows.Next() {
		msg, err := l.scan(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (l *Log) LastSequence(ctx context.Context) (int64, error) {
	var seq int64
	if err := l.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM messages;`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last sequence: %w", err)
	}
	return seq, nil
}

func (l *Log) scan(scan func(dest ...any) error) (agentproto.Message, error) {
	msg := agentproto.Message{LogID: l.id}
	var payload string
	if err := scan(&msg.Sequence, &msg.UUID, &msg.Type, &payload, &msg.CreatedAt); err != nil {
		return agentproto.Message{}, err
	}
	msg.Payload = json.RawMessage(payload)
	return msg, nil
}
