// Package inmem provides in-memory store implementations used by tests and
// by local runs without a database. Message IDs are ObjectID-shaped hex
// strings minted from a counter so orderings are deterministic.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zm-bad/dagchat/internal/store"
)

// MessageStore is a map-backed store.MessageStore.
type MessageStore struct {
	mu    sync.RWMutex
	nodes map[string]*store.MessageNode
	seq   int
	now   func() time.Time
}

// NewMessageStore returns an empty message store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		nodes: make(map[string]*store.MessageNode),
		now:   time.Now,
	}
}

// SetClock replaces the timestamp source. Tests use it to force distinct,
// deterministic created_at values.
func (s *MessageStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MessageStore) nextID() string {
	s.seq++
	// 24 hex chars, same shape as a Mongo ObjectID.
	return fmt.Sprintf("%024x", s.seq)
}

func (s *MessageStore) Insert(ctx context.Context, node *store.MessageNode) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *node
	cp.ID = s.nextID()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	cp.ParentIDs = append([]string(nil), node.ParentIDs...)
	cp.Children = append([]string(nil), node.Children...)
	s.nodes[cp.ID] = &cp
	return cp.ID, nil
}

func (s *MessageStore) AppendChild(ctx context.Context, parentID, childID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.nodes[parentID]
	if !ok {
		return store.ErrNotFound
	}
	for _, c := range parent.Children {
		if c == childID {
			return nil
		}
	}
	parent.Children = append(parent.Children, childID)
	return nil
}

func (s *MessageStore) Get(ctx context.Context, id string) (*store.MessageNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.nodes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *node
	return &cp, nil
}

func (s *MessageStore) GetMany(ctx context.Context, ids []string) (map[string]*store.MessageNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*store.MessageNode, len(ids))
	for _, id := range ids {
		if node, ok := s.nodes[id]; ok {
			cp := *node
			out[id] = &cp
		}
	}
	return out, nil
}

func (s *MessageStore) ListByConversation(ctx context.Context, conversationID string) ([]*store.MessageNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.MessageNode
	for _, node := range s.nodes {
		if node.ConversationID == conversationID {
			cp := *node
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MessageStore) DeleteByConversation(ctx context.Context, conversationID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, node := range s.nodes {
		if node.ConversationID == conversationID {
			delete(s.nodes, id)
			n++
		}
	}
	return n, nil
}

func (s *MessageStore) ReplaceChildren(ctx context.Context, id string, children []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return store.ErrNotFound
	}
	node.Children = append([]string(nil), children...)
	return nil
}

func (s *MessageStore) Close(ctx context.Context) error { return nil }

// Put inserts a node with a caller-chosen ID, bypassing ID assignment.
// Test hook: lets scenario tests inject malformed graphs (e.g. cycles).
func (s *MessageStore) Put(node *store.MessageNode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *node
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.nodes[cp.ID] = &cp
}

// ConversationStore is a map-backed store.ConversationStore.
type ConversationStore struct {
	mu    sync.RWMutex
	convs map[string]*store.Conversation
	now   func() time.Time
}

// NewConversationStore returns an empty conversation store.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{
		convs: make(map[string]*store.Conversation),
		now:   time.Now,
	}
}

func (s *ConversationStore) Create(ctx context.Context, userID, model string) (*store.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	conv := &store.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Models:    []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if model != "" {
		conv.Models = append(conv.Models, model)
	}
	s.convs[conv.ID] = conv
	cp := *conv
	return &cp, nil
}

func (s *ConversationStore) Get(ctx context.Context, id string) (*store.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.convs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *conv
	return &cp, nil
}

func (s *ConversationStore) List(ctx context.Context, userID string, page, pageSize int) ([]*store.Conversation, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*store.Conversation
	for _, conv := range s.convs {
		if conv.UserID == userID {
			cp := *conv
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].UpdatedAt.Equal(all[j].UpdatedAt) {
			return all[i].UpdatedAt.After(all[j].UpdatedAt)
		}
		return all[i].ID < all[j].ID
	})

	total := int64(len(all))
	start := (page - 1) * pageSize
	if start >= len(all) {
		return nil, total, nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

func (s *ConversationStore) Rename(ctx context.Context, id, userID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[id]
	if !ok || conv.UserID != userID {
		return store.ErrNotFound
	}
	conv.Title = title
	conv.UpdatedAt = s.now()
	return nil
}

func (s *ConversationStore) Delete(ctx context.Context, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[id]
	if !ok || conv.UserID != userID {
		return store.ErrNotFound
	}
	delete(s.convs, id)
	return nil
}

func (s *ConversationStore) Touch(ctx context.Context, id, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[id]
	if !ok {
		return store.ErrNotFound
	}
	if model != "" && !contains(conv.Models, model) {
		conv.Models = append(conv.Models, model)
	}
	conv.UpdatedAt = s.now()
	return nil
}

func (s *ConversationStore) SetTitle(ctx context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[id]
	if !ok {
		return store.ErrNotFound
	}
	conv.Title = title
	conv.UpdatedAt = s.now()
	return nil
}

func (s *ConversationStore) ListUpdatedSince(ctx context.Context, since time.Time, page, pageSize int) ([]*store.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*store.Conversation
	for _, conv := range s.convs {
		if !conv.UpdatedAt.Before(since) {
			cp := *conv
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].UpdatedAt.Equal(all[j].UpdatedAt) {
			return all[i].UpdatedAt.Before(all[j].UpdatedAt)
		}
		return all[i].ID < all[j].ID
	})

	start := (page - 1) * pageSize
	if start >= len(all) {
		return nil, nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

func (s *ConversationStore) Close() error { return nil }

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
