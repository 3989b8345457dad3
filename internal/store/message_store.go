// Package store holds the SQL persistence adapters for entities whose
// contract (not schema) matters to the CORE: today, just Messages. Streaming
// chunks are never persisted individually (spec.md §3) — only the final
// aggregated Message per Task, written once the Executor's report_message
// notification carries a terminal event_type.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/agor/agor/internal/model"
)

// MessageStore persists and retrieves a Task's final, ordered Messages.
type MessageStore interface {
	Append(ctx context.Context, msg *model.Message) error
	List(ctx context.Context, taskID string) ([]*model.Message, error)
	Delete(ctx context.Context, taskID string) error
}

// SQLiteMessageStore implements MessageStore on top of database/sql, driven
// by mattn/go-sqlite3 in cmd/orchestratord's default configuration (pgx/v5
// serves the same interface for the postgres dialect named in SPEC_FULL.md).
type SQLiteMessageStore struct {
	db *sql.DB
}

// NewSQLiteMessageStore wraps an already-open database connection.
func NewSQLiteMessageStore(db *sql.DB) *SQLiteMessageStore {
	return &SQLiteMessageStore{db: db}
}

// Append inserts msg, stamping a fresh id if one was not already assigned.
func (s *SQLiteMessageStore) Append(ctx context.Context, msg *model.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, task_id, sequence, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.TaskID, msg.Sequence, string(msg.Role), msg.Content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// List returns every Message belonging to taskID in sequence order.
func (s *SQLiteMessageStore) List(ctx context.Context, taskID string) ([]*model.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, sequence, role, content, created_at
		FROM messages
		WHERE task_id = ?
		ORDER BY sequence ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var result []*model.Message
	for rows.Next() {
		msg := &model.Message{}
		var role string
		if err := rows.Scan(&msg.ID, &msg.TaskID, &msg.Sequence, &role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = model.MessageRole(role)
		result = append(result, msg)
	}
	return result, rows.Err()
}

// Delete removes every Message for taskID.
func (s *SQLiteMessageStore) Delete(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}

// Schema is the DDL SQLiteMessageStore expects. cmd/orchestratord applies it
// when it opens the message store, and tests apply it to an in-memory
// database; every statement is CREATE … IF NOT EXISTS.
const Schema = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_task_id ON messages(task_id, sequence);
`
