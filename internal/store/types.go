package store

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message roles. The engine knows no others.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// MaxTitleLen bounds conversation titles, in runes.
const MaxTitleLen = 64

// Conversation is one row of relational metadata. Models holds every model
// identifier ever used in the conversation, in first-use order.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Models    []string  `json:"models"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageNode is one node of a conversation DAG. ParentIDs is the
// authoritative edge set; Children is a denormalized reverse index kept for
// client rendering and repaired by the reconciler when it diverges.
type MessageNode struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Reasoning      string    `json:"reasoning,omitempty"`
	Model          string    `json:"model,omitempty"`
	ParentIDs      []string  `json:"parent_ids"`
	Children       []string  `json:"children"`
	CreatedAt      time.Time `json:"created_at"`
}

// IsRoot reports whether the node has no parents.
func (n *MessageNode) IsRoot() bool { return len(n.ParentIDs) == 0 }

// NewConversation builds a fresh conversation row with a UUIDv4 ID and an
// empty title. model may be empty.
func NewConversation(userID, model string) *Conversation {
	now := time.Now().UTC()
	conv := &Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Models:    []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if model != "" {
		conv.Models = append(conv.Models, model)
	}
	return conv
}

// JoinModels flattens the first-use-ordered model list into the relational
// column representation.
func JoinModels(models []string) string { return strings.Join(models, ",") }

// SplitModels parses the relational column back into the ordered list.
func SplitModels(joined string) []string {
	var out []string
	for _, m := range strings.Split(joined, ",") {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}
