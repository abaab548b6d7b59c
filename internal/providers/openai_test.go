package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func compatStub(t *testing.T, handler http.HandlerFunc) *OpenAICompat {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p := NewOpenAICompat(CompatSpec{
		Name:        "stub",
		DisplayName: "Stub",
		APIKey:      "test-key",
		APIBase:     srv.URL,
		ChatModel:   "stub-chat",
	})
	p.retry = RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	return p
}

func writeSSE(w http.ResponseWriter, lines ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, l := range lines {
		fmt.Fprintf(w, "%s\n\n", l)
	}
}

func TestOpenAICompatStreamChat(t *testing.T) {
	p := compatStub(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body["model"] != "stub-chat" {
			t.Errorf("model = %v", body["model"])
		}
		if body["stream"] != true {
			t.Errorf("stream = %v", body["stream"])
		}
		writeSSE(w,
			`data: {"choices":[{"delta":{"reasoning_content":"let me think"}}]}`,
			`data: {"choices":[{"delta":{"content":"Hello"}}]}`,
			`data: {"choices":[{"delta":{"content":" world"}}]}`,
			`data: [DONE]`,
		)
	})

	var events []ChatEvent
	err := p.StreamChat(context.Background(), []Message{{Role: "user", Content: "hi"}}, Options{}, func(ev ChatEvent) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}

	var reasoning, content strings.Builder
	var done bool
	for _, ev := range events {
		reasoning.WriteString(ev.Reasoning)
		content.WriteString(ev.Content)
		if ev.Done {
			done = true
		}
	}
	if reasoning.String() != "let me think" {
		t.Errorf("reasoning = %q", reasoning.String())
	}
	if content.String() != "Hello world" {
		t.Errorf("content = %q", content.String())
	}
	if !done {
		t.Error("missing Done event")
	}
}

func TestOpenAICompatStreamError(t *testing.T) {
	p := compatStub(t, func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w,
			`data: {"choices":[{"delta":{"content":"partial"}}]}`,
			`data: {"error":{"message":"content filter triggered"}}`,
		)
	})

	var errEvent string
	err := p.StreamChat(context.Background(), nil, Options{}, func(ev ChatEvent) {
		if ev.Err != "" {
			errEvent = ev.Err
		}
	})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	if errEvent != "content filter triggered" {
		t.Errorf("err event = %q", errEvent)
	}
}

func TestOpenAICompatRetriesConnection(t *testing.T) {
	var calls atomic.Int32
	p := compatStub(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeSSE(w, `data: {"choices":[{"delta":{"content":"ok"}}]}`, `data: [DONE]`)
	})

	var content string
	err := p.StreamChat(context.Background(), nil, Options{}, func(ev ChatEvent) {
		content += ev.Content
	})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	if content != "ok" {
		t.Errorf("content = %q", content)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestOpenAICompatNoRetryOnAuthFailure(t *testing.T) {
	var calls atomic.Int32
	p := compatStub(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	err := p.StreamChat(context.Background(), nil, Options{}, func(ChatEvent) {})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401 HTTPError", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestOpenAICompatThinkingModel(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotModel, _ = body["model"].(string)
		writeSSE(w, `data: [DONE]`)
	}))
	defer srv.Close()

	p := NewOpenAICompat(CompatSpec{
		Name: "stub", APIBase: srv.URL,
		ChatModel: "chat", ThinkingModel: "reasoner",
	})

	if err := p.StreamChat(context.Background(), nil, Options{DeepThinking: true}, func(ChatEvent) {}); err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	if gotModel != "reasoner" {
		t.Errorf("model = %q, want reasoner", gotModel)
	}
}

func TestOpenAICompatGenerateTitle(t *testing.T) {
	p := compatStub(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] == true {
			t.Error("title generation must not stream")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "Greetings"}},
			},
		})
	})

	title, err := p.GenerateTitle(context.Background(), "hi there", "hello")
	if err != nil {
		t.Fatalf("GenerateTitle: %v", err)
	}
	if title != "Greetings" {
		t.Errorf("title = %q", title)
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"5", 5 * time.Second},
		{"0", 0},
		{"-3", 0},
		{"soon", 0},
	}
	for _, tt := range tests {
		if got := ParseRetryAfter(tt.in); got != tt.want {
			t.Errorf("ParseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	deepseek := NewDeepSeek("k", "")
	kimi := NewKimi("k", "")
	if err := r.Register(deepseek); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(kimi); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(NewDeepSeek("k2", "")); err == nil {
		t.Error("duplicate Register succeeded")
	}

	a, err := r.Get("deepseek")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a != deepseek {
		t.Error("Get returned wrong adapter")
	}

	if _, err := r.Get("gpt-13"); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("err = %v, want ErrUnknownModel", err)
	}

	list := r.List()
	if len(list) != 2 || list[0].Name != "deepseek" || list[1].Name != "kimi" {
		t.Errorf("List = %+v", list)
	}
	if list[0].DisplayName != "DeepSeek" {
		t.Errorf("display name = %q", list[0].DisplayName)
	}
}
