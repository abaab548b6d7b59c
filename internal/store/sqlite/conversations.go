// Package sqlite implements store.ConversationStore on a local SQLite file.
// Used when no Postgres DSN is configured; the schema is created on open so
// local mode needs no migration step.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zm-bad/dagchat/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS t_conversations (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	title      TEXT NOT NULL DEFAULT '',
	model      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_user ON t_conversations(user_id, updated_at);
`

// ConversationStore is the SQLite-backed store.ConversationStore.
type ConversationStore struct {
	db *sql.DB
}

// Open opens (and if needed creates) the database at path.
func Open(path string) (*ConversationStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent chat finalizations.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &ConversationStore{db: db}, nil
}

func (s *ConversationStore) Create(ctx context.Context, userID, model string) (*store.Conversation, error) {
	conv := store.NewConversation(userID, model)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO t_conversations (id, user_id, title, model, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.Title, store.JoinModels(conv.Models), conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

func (s *ConversationStore) Get(ctx context.Context, id string) (*store.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, model, created_at, updated_at
		 FROM t_conversations WHERE id = ?`, id)
	return scanConversation(row)
}

func (s *ConversationStore) List(ctx context.Context, userID string, page, pageSize int) ([]*store.Conversation, int64, error) {
	offset := (page - 1) * pageSize

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, model, created_at, updated_at
		 FROM t_conversations
		 WHERE user_id = ?
		 ORDER BY updated_at DESC, id
		 LIMIT ? OFFSET ?`,
		userID, pageSize, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*store.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}

	var total int64
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM t_conversations WHERE user_id = ?`, userID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}
	return out, total, nil
}

func (s *ConversationStore) Rename(ctx context.Context, id, userID, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE t_conversations SET title = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		title, time.Now().UTC(), id, userID)
	if err != nil {
		return fmt.Errorf("rename conversation: %w", err)
	}
	return requireRow(res)
}

func (s *ConversationStore) Delete(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM t_conversations WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return requireRow(res)
}

func (s *ConversationStore) Touch(ctx context.Context, id, model string) error {
	var joined string
	err := s.db.QueryRowContext(ctx,
		`SELECT model FROM t_conversations WHERE id = ?`, id).Scan(&joined)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}

	models := store.SplitModels(joined)
	if model != "" && !containsModel(models, model) {
		models = append(models, model)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE t_conversations SET model = ?, updated_at = ? WHERE id = ?`,
		store.JoinModels(models), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return requireRow(res)
}

func (s *ConversationStore) SetTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE t_conversations SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set title: %w", err)
	}
	return requireRow(res)
}

func (s *ConversationStore) ListUpdatedSince(ctx context.Context, since time.Time, page, pageSize int) ([]*store.Conversation, error) {
	offset := (page - 1) * pageSize

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, model, created_at, updated_at
		 FROM t_conversations
		 WHERE updated_at >= ?
		 ORDER BY updated_at, id
		 LIMIT ? OFFSET ?`,
		since, pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("list updated conversations: %w", err)
	}
	defer rows.Close()

	var out []*store.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list updated conversations: %w", err)
	}
	return out, nil
}

func (s *ConversationStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*store.Conversation, error) {
	var (
		conv   store.Conversation
		joined string
	)
	err := row.Scan(&conv.ID, &conv.UserID, &conv.Title, &joined, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	conv.Models = store.SplitModels(joined)
	return &conv, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func containsModel(models []string, m string) bool {
	for _, v := range models {
		if strings.EqualFold(v, m) {
			return true
		}
	}
	return false
}
