package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/zm-bad/dagchat/internal/providers"
	"github.com/zm-bad/dagchat/internal/store"
)

// Titler generates conversation titles from the first question/answer pair.
// Jobs run detached from the HTTP response; a failure leaves the title empty
// rather than surfacing to the client.
type Titler struct {
	conversations store.ConversationStore
	registry      *providers.Registry
	defaultModel  string
	timeout       time.Duration
	log           *slog.Logger

	wg sync.WaitGroup
}

// NewTitler wires the title generator. defaultModel is the fallback adapter
// when the request's own model cannot produce a title.
func NewTitler(conversations store.ConversationStore, registry *providers.Registry, defaultModel string, log *slog.Logger) *Titler {
	if log == nil {
		log = slog.Default()
	}
	return &Titler{
		conversations: conversations,
		registry:      registry,
		defaultModel:  defaultModel,
		timeout:       30 * time.Second,
		log:           log,
	}
}

// Schedule starts a detached titling job.
func (t *Titler) Schedule(conversationID, model, question, answer string) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.run(conversationID, model, question, answer)
	}()
}

// Wait blocks until every scheduled job has finished. Used by shutdown and
// by tests to synchronize on completion.
func (t *Titler) Wait() { t.wg.Wait() }

func (t *Titler) run(conversationID, model, question, answer string) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	title := t.generate(ctx, model, question, answer)
	if title == "" {
		// Last resort: the answer's opening words beat an empty title.
		title = SanitizeTitle(answer)
	}
	if title == "" {
		return
	}

	if err := t.conversations.SetTitle(ctx, conversationID, title); err != nil {
		t.log.Warn("set conversation title", "conversation_id", conversationID, "error", err)
		return
	}
	t.log.Info("conversation titled", "conversation_id", conversationID, "title", title)
}

// generate tries the request's adapter, then the default model's.
func (t *Titler) generate(ctx context.Context, model, question, answer string) string {
	for _, name := range []string{model, t.defaultModel} {
		if name == "" {
			continue
		}
		adapter, err := t.registry.Get(name)
		if err != nil {
			continue
		}
		raw, err := adapter.GenerateTitle(ctx, question, answer)
		if err != nil {
			t.log.Warn("generate title", "model", name, "error", err)
			continue
		}
		if title := SanitizeTitle(raw); title != "" {
			return title
		}
	}
	return ""
}

// SanitizeTitle collapses a model reply into a storable title: first line
// only, surrounding quotes stripped, bounded to the column width in runes.
func SanitizeTitle(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, `"'“”「」`)
	s = strings.TrimSpace(s)

	if utf8.RuneCountInString(s) > store.MaxTitleLen {
		runes := []rune(s)
		s = string(runes[:store.MaxTitleLen])
	}
	return s
}
