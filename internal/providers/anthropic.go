package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 8192
	// Extended thinking needs a token budget below max_tokens.
	anthropicThinkingBudget = 4096
)

// Anthropic is an Adapter for the Anthropic Messages API. Unlike the
// OpenAI-compatible vendors it tags stream frames with SSE event names and
// delivers reasoning as thinking_delta blocks.
type Anthropic struct {
	name        string
	displayName string
	apiKey      string
	apiBase     string
	model       string
	client      *http.Client
	retry       RetryConfig
}

// NewAnthropic builds the claude adapter.
func NewAnthropic(apiKey, apiBase string) *Anthropic {
	if apiBase == "" {
		apiBase = "https://api.anthropic.com/v1"
	}
	return &Anthropic{
		name:        "claude",
		displayName: "Claude",
		apiKey:      apiKey,
		apiBase:     strings.TrimRight(apiBase, "/"),
		model:       "claude-sonnet-4-5",
		client:      &http.Client{},
		retry:       DefaultRetryConfig(),
	}
}

func (p *Anthropic) Name() string        { return p.name }
func (p *Anthropic) DisplayName() string { return p.displayName }

func (p *Anthropic) buildBody(history []Message, opts Options, stream bool) map[string]any {
	body := map[string]any{
		"model":      p.model,
		"messages":   history,
		"max_tokens": anthropicMaxTokens,
		"stream":     stream,
	}
	if opts.MaxTokens > 0 {
		body["max_tokens"] = opts.MaxTokens
	}
	if opts.Temperature > 0 {
		body["temperature"] = opts.Temperature
	}
	if opts.DeepThinking {
		body["thinking"] = map[string]any{
			"type":          "enabled",
			"budget_tokens": anthropicThinkingBudget,
		}
	}
	return body
}

func (p *Anthropic) StreamChat(ctx context.Context, history []Message, opts Options, onEvent func(ChatEvent)) error {
	body := p.buildBody(history, opts, true)

	respBody, err := RetryDo(ctx, p.retry, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, body)
	})
	if err != nil {
		return err
	}
	defer respBody.Close()

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var currentEvent string
	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch currentEvent {
		case "content_block_delta":
			var ev anthropicDeltaEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				onEvent(ChatEvent{Content: ev.Delta.Text})
			case "thinking_delta":
				onEvent(ChatEvent{Reasoning: ev.Delta.Thinking})
			}

		case "error":
			var ev anthropicErrorEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			onEvent(ChatEvent{Err: fmt.Sprintf("%s: %s", ev.Error.Type, ev.Error.Message)})
			return nil

		case "message_stop":
			onEvent(ChatEvent{Done: true})
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: read stream: %w", p.name, err)
	}

	// Stream ended without message_stop; treat as clean EOF.
	onEvent(ChatEvent{Done: true})
	return nil
}

func (p *Anthropic) GenerateTitle(ctx context.Context, question, answer string) (string, error) {
	prompt := fmt.Sprintf(
		"Summarize the following exchange as a title of at most 16 characters. Reply with the title only.\nUser: %s\nAI: %s",
		question, answer)
	body := map[string]any{
		"model":      p.model,
		"messages":   []Message{{Role: "user", Content: prompt}},
		"max_tokens": 30,
	}

	respBody, err := RetryDo(ctx, p.retry, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, body)
	})
	if err != nil {
		return "", err
	}
	defer respBody.Close()

	var resp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
		return "", fmt.Errorf("%s: decode response: %w", p.name, err)
	}
	for _, block := range resp.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("%s: empty completion", p.name)
}

func (p *Anthropic) doRequest(ctx context.Context, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", p.name, err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("%s: %s", p.name, string(respBody)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

type anthropicDeltaEvent struct {
	Delta struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Thinking string `json:"thinking"`
	} `json:"delta"`
}

type anthropicErrorEvent struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
