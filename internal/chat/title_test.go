package chat

import (
	"context"
	"strings"
	"testing"

	"github.com/zm-bad/dagchat/internal/providers"
	"github.com/zm-bad/dagchat/internal/store/inmem"
)

func TestSanitizeTitle(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Weather talk", "Weather talk"},
		{"whitespace", "  Weather talk \n", "Weather talk"},
		{"quoted", `"Weather talk"`, "Weather talk"},
		{"cjk quoted", "「天气」", "天气"},
		{"multiline", "First line\nSecond line", "First line"},
		{"empty", "   ", ""},
		{"overlong", strings.Repeat("a", 100), strings.Repeat("a", 64)},
		{"overlong cjk", strings.Repeat("天", 100), strings.Repeat("天", 64)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeTitle(tt.in); got != tt.want {
				t.Errorf("SanitizeTitle(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// TestTitlerFallbackModel uses the default model's adapter when the
// request's model cannot title.
func TestTitlerFallbackModel(t *testing.T) {
	cs := inmem.NewConversationStore()
	registry := providers.NewRegistry()

	broken := &fakeAdapter{name: "broken"} // GenerateTitle errors
	fallback := &fakeAdapter{name: "fallback", title: "From fallback"}
	if err := registry.Register(broken); err != nil {
		t.Fatal(err)
	}
	if err := registry.Register(fallback); err != nil {
		t.Fatal(err)
	}

	conv, _ := cs.Create(context.Background(), "u1", "broken")

	titler := NewTitler(cs, registry, "fallback", nil)
	titler.Schedule(conv.ID, "broken", "question", "answer")
	titler.Wait()

	got, _ := cs.Get(context.Background(), conv.ID)
	if got.Title != "From fallback" {
		t.Errorf("title = %q, want From fallback", got.Title)
	}
}

// TestTitlerAnswerFallback falls back to the truncated answer when no
// adapter can produce a title.
func TestTitlerAnswerFallback(t *testing.T) {
	cs := inmem.NewConversationStore()
	registry := providers.NewRegistry()
	if err := registry.Register(&fakeAdapter{name: "broken"}); err != nil {
		t.Fatal(err)
	}

	conv, _ := cs.Create(context.Background(), "u1", "broken")

	titler := NewTitler(cs, registry, "broken", nil)
	titler.Schedule(conv.ID, "broken", "question", strings.Repeat("long answer ", 20))
	titler.Wait()

	got, _ := cs.Get(context.Background(), conv.ID)
	if got.Title == "" {
		t.Fatal("title empty, want answer-derived fallback")
	}
	if n := len([]rune(got.Title)); n > 64 {
		t.Errorf("title length = %d runes, want <= 64", n)
	}
}
