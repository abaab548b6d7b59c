// Package pg implements store.ConversationStore on Postgres via the pgx
// stdlib driver. Schema lives in migrations/.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/zm-bad/dagchat/internal/store"
)

// OpenDB opens a pooled connection to Postgres and verifies it.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// ConversationStore is the Postgres-backed store.ConversationStore.
type ConversationStore struct {
	db *sql.DB
}

// NewConversationStore wraps an open database handle.
func NewConversationStore(db *sql.DB) *ConversationStore {
	return &ConversationStore{db: db}
}

func (s *ConversationStore) Create(ctx context.Context, userID, model string) (*store.Conversation, error) {
	conv := store.NewConversation(userID, model)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO t_conversations (id, user_id, title, model, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
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
		 FROM t_conversations WHERE id = $1`, id)
	return scanConversation(row)
}

func (s *ConversationStore) List(ctx context.Context, userID string, page, pageSize int) ([]*store.Conversation, int64, error) {
	offset := (page - 1) * pageSize

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, model, created_at, updated_at
		 FROM t_conversations
		 WHERE user_id = $1
		 ORDER BY updated_at DESC, id
		 LIMIT $2 OFFSET $3`,
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
		`SELECT COUNT(*) FROM t_conversations WHERE user_id = $1`, userID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}
	return out, total, nil
}

func (s *ConversationStore) Rename(ctx context.Context, id, userID, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE t_conversations SET title = $1, updated_at = $2 WHERE id = $3 AND user_id = $4`,
		title, time.Now().UTC(), id, userID)
	if err != nil {
		return fmt.Errorf("rename conversation: %w", err)
	}
	return requireRow(res)
}

func (s *ConversationStore) Delete(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM t_conversations WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return requireRow(res)
}

func (s *ConversationStore) Touch(ctx context.Context, id, model string) error {
	// Read-modify-write on the comma-joined model list. Lost updates are
	// tolerable here: both writers append the same model or disjoint ones,
	// and the reconciling read on the next Touch converges the list.
	var joined string
	err := s.db.QueryRowContext(ctx,
		`SELECT model FROM t_conversations WHERE id = $1`, id).Scan(&joined)
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
		`UPDATE t_conversations SET model = $1, updated_at = $2 WHERE id = $3`,
		store.JoinModels(models), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return requireRow(res)
}

func (s *ConversationStore) SetTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE t_conversations SET title = $1, updated_at = $2 WHERE id = $3`,
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
		 WHERE updated_at >= $1
		 ORDER BY updated_at, id
		 LIMIT $2 OFFSET $3`,
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
