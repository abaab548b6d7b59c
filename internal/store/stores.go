package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that miss, and by ownership-scoped
// writes that match no row (the caller cannot tell the two apart by design).
var ErrNotFound = errors.New("not found")

// Stores is the top-level container for the two storage backends.
type Stores struct {
	Conversations ConversationStore
	Messages      MessageStore
}

// StoreConfig selects and configures the backends.
type StoreConfig struct {
	PostgresDSN   string // when set, conversations live in Postgres
	SQLitePath    string // fallback backend for local mode
	MongoURI      string
	MongoDatabase string
}

// ConversationStore persists conversation metadata. All user-initiated
// writes are scoped by (id, user_id) so one user can never mutate another's
// conversation; Touch and SetTitle are server-internal and scoped by id only.
type ConversationStore interface {
	// Create inserts a new conversation with an empty title.
	Create(ctx context.Context, userID, model string) (*Conversation, error)

	Get(ctx context.Context, id string) (*Conversation, error)

	// List returns one page of the user's conversations ordered by
	// updated_at DESC, plus the total count.
	List(ctx context.Context, userID string, page, pageSize int) ([]*Conversation, int64, error)

	Rename(ctx context.Context, id, userID, title string) error

	Delete(ctx context.Context, id, userID string) error

	// Touch bumps updated_at and appends model to the conversation's model
	// list if it is not already present.
	Touch(ctx context.Context, id, model string) error

	SetTitle(ctx context.Context, id, title string) error

	// ListUpdatedSince returns one page of conversations touched at or
	// after the cutoff, ordered by updated_at ascending. Used by the edge
	// reconciler to sweep recently active conversations.
	ListUpdatedSince(ctx context.Context, since time.Time, page, pageSize int) ([]*Conversation, error)

	Close() error
}

// MessageStore persists DAG nodes. IDs are assigned by the store on insert.
type MessageStore interface {
	// Insert writes the node and returns its assigned ID.
	Insert(ctx context.Context, node *MessageNode) (string, error)

	// AppendChild adds childID to the parent's children set. Idempotent;
	// concurrent calls for the same parent converge to set union.
	AppendChild(ctx context.Context, parentID, childID string) error

	Get(ctx context.Context, id string) (*MessageNode, error)

	// GetMany fetches a batch of nodes keyed by ID. Missing IDs are
	// silently skipped, never an error.
	GetMany(ctx context.Context, ids []string) (map[string]*MessageNode, error)

	// ListByConversation returns every node of the conversation ordered by
	// created_at ascending.
	ListByConversation(ctx context.Context, conversationID string) ([]*MessageNode, error)

	// DeleteByConversation bulk-removes the conversation's nodes and
	// returns how many were deleted.
	DeleteByConversation(ctx context.Context, conversationID string) (int64, error)

	// ReplaceChildren overwrites the node's children set. Used only by the
	// edge reconciler; parent_ids stays the source of truth.
	ReplaceChildren(ctx context.Context, id string, children []string) error

	Close(ctx context.Context) error
}
