package inmem

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zm-bad/dagchat/internal/store"
)

func TestMessageStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMessageStore()

	id, err := s.Insert(ctx, &store.MessageNode{
		ConversationID: "c1", Role: store.RoleUser, Content: "hi",
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if len(id) != 24 {
		t.Errorf("id = %q, want 24 hex chars", id)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content != "hi" || got.CreatedAt.IsZero() {
		t.Errorf("node = %+v", got)
	}

	if _, err := s.Get(ctx, "ffffffffffffffffffffffff"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAppendChildIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMessageStore()

	parent, _ := s.Insert(ctx, &store.MessageNode{ConversationID: "c1", Role: store.RoleUser, Content: "q"})

	for range 3 {
		if err := s.AppendChild(ctx, parent, "child-1"); err != nil {
			t.Fatalf("AppendChild: %v", err)
		}
	}
	got, _ := s.Get(ctx, parent)
	if len(got.Children) != 1 {
		t.Errorf("children = %v, want set semantics", got.Children)
	}

	if err := s.AppendChild(ctx, "missing", "x"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestGetManySkipsUnknown(t *testing.T) {
	ctx := context.Background()
	s := NewMessageStore()

	id, _ := s.Insert(ctx, &store.MessageNode{ConversationID: "c1", Role: store.RoleUser, Content: "q"})

	got, err := s.GetMany(ctx, []string{id, "not-there"})
	if err != nil {
		t.Fatalf("GetMany: %v", err)
	}
	if len(got) != 1 || got[id] == nil {
		t.Errorf("got = %v", got)
	}
}

func TestConversationListOrderAndPaging(t *testing.T) {
	ctx := context.Background()
	s := NewConversationStore()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	var ids []string
	for range 5 {
		conv, err := s.Create(ctx, "u1", "deepseek")
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, conv.ID)
	}

	page1, total, err := s.List(ctx, "u1", 1, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 5 || len(page1) != 2 {
		t.Fatalf("total = %d, page len = %d", total, len(page1))
	}
	// Most recently updated first.
	if page1[0].ID != ids[4] || page1[1].ID != ids[3] {
		t.Errorf("page1 = [%s %s], want newest first", page1[0].ID, page1[1].ID)
	}

	page3, _, _ := s.List(ctx, "u1", 3, 2)
	if len(page3) != 1 {
		t.Errorf("page3 len = %d", len(page3))
	}
	empty, _, _ := s.List(ctx, "u1", 4, 2)
	if len(empty) != 0 {
		t.Errorf("page past the end returned %d items", len(empty))
	}

	// Touch moves a conversation to the front.
	if err := s.Touch(ctx, ids[0], "kimi"); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	page1, _, _ = s.List(ctx, "u1", 1, 2)
	if page1[0].ID != ids[0] {
		t.Errorf("touched conversation not first: %s", page1[0].ID)
	}
}

func TestTouchModelList(t *testing.T) {
	ctx := context.Background()
	s := NewConversationStore()

	conv, _ := s.Create(ctx, "u1", "deepseek")

	_ = s.Touch(ctx, conv.ID, "deepseek")
	_ = s.Touch(ctx, conv.ID, "kimi")
	_ = s.Touch(ctx, conv.ID, "deepseek")

	got, _ := s.Get(ctx, conv.ID)
	want := []string{"deepseek", "kimi"}
	if len(got.Models) != len(want) || got.Models[0] != want[0] || got.Models[1] != want[1] {
		t.Errorf("models = %v, want %v (distinct, first-use order)", got.Models, want)
	}
}

func TestOwnershipScopedWrites(t *testing.T) {
	ctx := context.Background()
	s := NewConversationStore()

	conv, _ := s.Create(ctx, "u1", "")

	if err := s.Rename(ctx, conv.ID, "intruder", "stolen"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("foreign rename err = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, conv.ID, "intruder"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("foreign delete err = %v, want ErrNotFound", err)
	}
	if err := s.Rename(ctx, conv.ID, "u1", "mine"); err != nil {
		t.Fatalf("owner rename: %v", err)
	}
	got, _ := s.Get(ctx, conv.ID)
	if got.Title != "mine" {
		t.Errorf("title = %q", got.Title)
	}
}
