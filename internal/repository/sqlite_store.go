package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"storefront-agent/internal/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	started_at TEXT NOT NULL,
	ended_at   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	conversation_id TEXT    NOT NULL REFERENCES conversations(id),
	seq             INTEGER NOT NULL,
	role            TEXT    NOT NULL,
	content         TEXT    NOT NULL,
	created_at      TEXT    NOT NULL,
	PRIMARY KEY (conversation_id, seq)
);
CREATE INDEX IF NOT EXISTS conversations_session ON conversations(session_id);
`

// SQLiteStore is the relational durable store, for single-node deployments
// and local runs.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("repository: sqlite path must not be empty")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("repository: open sqlite: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases coherent.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InsertConversation(ctx context.Context, sessionID string, startedAt, endedAt time.Time) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", errors.New("repository: InsertConversation: session id is required")
	}
	id := newUUID()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, session_id, started_at, ended_at) VALUES (?, ?, ?, ?)`,
		id, sessionID, formatTime(startedAt), formatTime(endedAt),
	)
	if err != nil {
		return "", fmt.Errorf("repository: InsertConversation: %w", err)
	}
	return id, nil
}

// InsertMessages writes all messages in one transaction.
func (s *SQLiteStore) InsertMessages(ctx context.Context, conversationID string, messages []domain.MessageRecord) error {
	if strings.TrimSpace(conversationID) == "" {
		return errors.New("repository: InsertMessages: conversation id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repository: InsertMessages begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages (conversation_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("repository: InsertMessages prepare: %w", err)
	}
	defer stmt.Close()

	for i, m := range messages {
		if _, err := stmt.ExecContext(ctx, conversationID, i, string(m.Role), m.Content, formatTime(m.CreatedAt)); err != nil {
			return fmt.Errorf("repository: InsertMessages row %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("repository: InsertMessages commit: %w", err)
	}
	return nil
}

// Conversation reads back a stored conversation and its messages in order.
func (s *SQLiteStore) Conversation(ctx context.Context, conversationID string) (domain.ConversationRecord, []domain.MessageRecord, error) {
	var rec domain.ConversationRecord
	var started, ended string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, started_at, ended_at FROM conversations WHERE id = ?`, conversationID,
	).Scan(&rec.ID, &rec.SessionID, &started, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ConversationRecord{}, nil, ErrNotFound
	}
	if err != nil {
		return domain.ConversationRecord{}, nil, fmt.Errorf("repository: Conversation: %w", err)
	}
	if rec.StartedAt, err = parseTime(started); err != nil {
		return domain.ConversationRecord{}, nil, err
	}
	if rec.EndedAt, err = parseTime(ended); err != nil {
		return domain.ConversationRecord{}, nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, created_at FROM messages WHERE conversation_id = ? ORDER BY seq`, conversationID)
	if err != nil {
		return domain.ConversationRecord{}, nil, fmt.Errorf("repository: Conversation messages: %w", err)
	}
	defer rows.Close()

	var msgs []domain.MessageRecord
	for rows.Next() {
		var m domain.MessageRecord
		var role, created string
		if err := rows.Scan(&role, &m.Content, &created); err != nil {
			return domain.ConversationRecord{}, nil, fmt.Errorf("repository: Conversation scan: %w", err)
		}
		m.Role = domain.Role(role)
		if m.CreatedAt, err = parseTime(created); err != nil {
			return domain.ConversationRecord{}, nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return domain.ConversationRecord{}, nil, fmt.Errorf("repository: Conversation rows: %w", err)
	}
	return rec, msgs, nil
}

// ErrNotFound is returned when a stored conversation does not exist.
var ErrNotFound = errors.New("repository: not found")

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse time %q: %w", s, err)
	}
	return t, nil
}
