package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/zm-bad/dagchat/internal/chat"
	"github.com/zm-bad/dagchat/internal/config"
	"github.com/zm-bad/dagchat/internal/providers"
	"github.com/zm-bad/dagchat/internal/store"
	"github.com/zm-bad/dagchat/internal/store/inmem"
)

// scriptedAdapter replays fixed events for end-to-end tests.
type scriptedAdapter struct {
	events []providers.ChatEvent
}

func (a *scriptedAdapter) Name() string        { return "scripted" }
func (a *scriptedAdapter) DisplayName() string { return "Scripted" }

func (a *scriptedAdapter) StreamChat(ctx context.Context, history []providers.Message, opts providers.Options, onEvent func(providers.ChatEvent)) error {
	for _, ev := range a.events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		onEvent(ev)
	}
	return nil
}

func (a *scriptedAdapter) GenerateTitle(ctx context.Context, question, answer string) (string, error) {
	return "Scripted title", nil
}

type testAPI struct {
	srv    *httptest.Server
	stores *store.Stores
}

func newTestAPI(t *testing.T, adapter providers.Adapter) *testAPI {
	t.Helper()

	stores := &store.Stores{
		Conversations: inmem.NewConversationStore(),
		Messages:      inmem.NewMessageStore(),
	}
	registry := providers.NewRegistry()
	if err := registry.Register(adapter); err != nil {
		t.Fatalf("register adapter: %v", err)
	}

	orch := chat.NewOrchestrator(stores, registry, nil, chat.Config{}, nil)
	server := NewServer(config.Default(), stores, registry, orch, nil)

	srv := httptest.NewServer(server.BuildMux())
	t.Cleanup(srv.Close)
	return &testAPI{srv: srv, stores: stores}
}

func (a *testAPI) postJSON(t *testing.T, path string, body any) envelope {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(a.srv.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	return decodeEnvelope(t, resp)
}

func (a *testAPI) do(t *testing.T, method, path string) envelope {
	t.Helper()
	req, _ := http.NewRequest(method, a.srv.URL+path, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	return decodeEnvelope(t, resp)
}

func decodeEnvelope(t *testing.T, resp *http.Response) envelope {
	t.Helper()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func (a *testAPI) createConversation(t *testing.T, userID, model string) string {
	t.Helper()
	env := a.postJSON(t, "/api/v1/create-conversation", map[string]string{
		"user_id": userID, "model": model,
	})
	if env.Code != codeOK {
		t.Fatalf("create-conversation code = %d: %s", env.Code, env.Message)
	}
	data := env.Data.(map[string]any)
	return data["conversation_id"].(string)
}

// streamChat posts to /chat and parses every data: frame.
func (a *testAPI) streamChat(t *testing.T, req chat.Request) []chat.Event {
	t.Helper()
	data, _ := json.Marshal(req)
	resp, err := http.Post(a.srv.URL+"/api/v1/chat", "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST /chat: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	var events []chat.Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev chat.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad frame %q: %v", line, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t, &scriptedAdapter{})

	resp, err := http.Get(api.srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestChatStreamFrameOrder(t *testing.T) {
	api := newTestAPI(t, &scriptedAdapter{events: []providers.ChatEvent{
		{Reasoning: "hmm"},
		{Content: "Hello"},
		{Content: "!"},
		{Done: true},
	}})
	convID := api.createConversation(t, "u1", "scripted")

	events := api.streamChat(t, chat.Request{
		ConversationID: convID, UserID: "u1", Model: "scripted", Message: "hi",
	})

	if len(events) < 3 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].UserMessageID == "" {
		t.Errorf("first frame = %+v, want user_message_id", events[0])
	}
	last := events[len(events)-1]
	if !last.Complete || last.MessageID == "" {
		t.Errorf("last frame = %+v, want terminal", last)
	}
	// reasoning frames never follow content frames
	seenContent := false
	for _, ev := range events {
		if ev.Content != "" {
			seenContent = true
		}
		if ev.Reasoning != "" && seenContent {
			t.Errorf("reasoning after content: %+v", events)
		}
	}
}

func TestChatUnknownModelIsErrorFrame(t *testing.T) {
	api := newTestAPI(t, &scriptedAdapter{})
	convID := api.createConversation(t, "u1", "")

	events := api.streamChat(t, chat.Request{
		ConversationID: convID, UserID: "u1", Model: "gpt-13", Message: "hi",
	})
	if len(events) != 1 || events[0].Error == "" {
		t.Fatalf("events = %+v, want single error frame", events)
	}
}

func TestChatMissingFieldsEnvelope(t *testing.T) {
	api := newTestAPI(t, &scriptedAdapter{})

	env := api.postJSON(t, "/api/v1/chat", map[string]string{"model": "scripted"})
	if env.Code != codeInvalidRequest {
		t.Errorf("code = %d, want %d", env.Code, codeInvalidRequest)
	}
}

func TestConversationLifecycle(t *testing.T) {
	api := newTestAPI(t, &scriptedAdapter{events: []providers.ChatEvent{
		{Content: "answer"}, {Done: true},
	}})
	convID := api.createConversation(t, "u1", "scripted")

	api.streamChat(t, chat.Request{
		ConversationID: convID, UserID: "u1", Model: "scripted", Message: "q1",
	})

	// list
	env := api.do(t, http.MethodGet, "/api/v1/dialogue/list?user_id=u1&page=1&page_size=10")
	if env.Code != codeOK {
		t.Fatalf("list code = %d", env.Code)
	}
	data := env.Data.(map[string]any)
	if data["total"].(float64) != 1 {
		t.Errorf("total = %v", data["total"])
	}

	// history: flat list with DAG fields
	env = api.do(t, http.MethodGet, "/api/v1/dialogue/history?dialogue_id="+convID)
	if env.Code != codeOK {
		t.Fatalf("history code = %d", env.Code)
	}
	nodes := env.Data.([]any)
	if len(nodes) != 2 {
		t.Fatalf("history nodes = %d, want 2", len(nodes))
	}
	first := nodes[0].(map[string]any)
	for _, field := range []string{"id", "role", "content", "parent_ids", "children"} {
		if _, ok := first[field]; !ok {
			t.Errorf("history node missing %q: %v", field, first)
		}
	}

	// rename
	env = api.do(t, http.MethodPut,
		"/api/v1/dialogue/rename?conversation_id="+convID+"&user_id=u1&new_title=Renamed")
	if env.Code != codeOK {
		t.Fatalf("rename code = %d: %s", env.Code, env.Message)
	}

	// rename bounds
	long := strings.Repeat("x", 65)
	env = api.do(t, http.MethodPut,
		"/api/v1/dialogue/rename?conversation_id="+convID+"&user_id=u1&new_title="+long)
	if env.Code != codeInvalidRequest {
		t.Errorf("overlong rename code = %d", env.Code)
	}

	// foreign user cannot rename
	env = api.do(t, http.MethodPut,
		"/api/v1/dialogue/rename?conversation_id="+convID+"&user_id=intruder&new_title=Mine")
	if env.Code != codeNotFound {
		t.Errorf("foreign rename code = %d, want %d", env.Code, codeNotFound)
	}

	// delete cascades
	env = api.do(t, http.MethodDelete,
		"/api/v1/dialogue/delete?conversation_id="+convID+"&user_id=u1")
	if env.Code != codeOK {
		t.Fatalf("delete code = %d: %s", env.Code, env.Message)
	}

	nodesLeft, _ := api.stores.Messages.ListByConversation(context.Background(), convID)
	if len(nodesLeft) != 0 {
		t.Errorf("messages left after delete: %d", len(nodesLeft))
	}

	env = api.do(t, http.MethodGet, "/api/v1/dialogue/history?dialogue_id="+convID)
	if env.Code != codeNotFound {
		t.Errorf("history of deleted conversation code = %d", env.Code)
	}
}

func TestDeleteForeignConversation(t *testing.T) {
	api := newTestAPI(t, &scriptedAdapter{})
	convID := api.createConversation(t, "u1", "")

	env := api.do(t, http.MethodDelete,
		"/api/v1/dialogue/delete?conversation_id="+convID+"&user_id=intruder")
	if env.Code != codeNotFound {
		t.Errorf("code = %d, want %d", env.Code, codeNotFound)
	}

	// Still there for the owner.
	env = api.do(t, http.MethodGet, "/api/v1/dialogue/history?dialogue_id="+convID)
	if env.Code != codeOK {
		t.Errorf("owner history code = %d", env.Code)
	}
}

func TestCreateConversationUnknownModel(t *testing.T) {
	api := newTestAPI(t, &scriptedAdapter{})

	env := api.postJSON(t, "/api/v1/create-conversation", map[string]string{
		"user_id": "u1", "model": "gpt-13",
	})
	if env.Code != codeUnknownModel {
		t.Errorf("code = %d, want %d", env.Code, codeUnknownModel)
	}
}

func TestModels(t *testing.T) {
	api := newTestAPI(t, &scriptedAdapter{})

	env := api.do(t, http.MethodGet, "/api/v1/models")
	if env.Code != codeOK {
		t.Fatalf("code = %d", env.Code)
	}
	data := env.Data.(map[string]any)
	models := data["models"].([]any)
	if len(models) != 1 {
		t.Fatalf("models = %v", models)
	}
	m := models[0].(map[string]any)
	if m["name"] != "scripted" || m["display_name"] != "Scripted" {
		t.Errorf("model entry = %v", m)
	}
}

func TestListValidation(t *testing.T) {
	api := newTestAPI(t, &scriptedAdapter{})

	for _, q := range []string{
		"/api/v1/dialogue/list",                              // missing user_id
		"/api/v1/dialogue/list?user_id=u1&page=0",            // bad page
		"/api/v1/dialogue/list?user_id=u1&page_size=1000",    // oversized page
		"/api/v1/dialogue/list?user_id=u1&page=not-a-number", // junk
	} {
		env := api.do(t, http.MethodGet, q)
		if env.Code != codeInvalidRequest {
			t.Errorf("%s: code = %d, want %d", q, env.Code, codeInvalidRequest)
		}
	}
}
