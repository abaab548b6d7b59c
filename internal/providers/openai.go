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

// OpenAICompat is an Adapter for OpenAI-compatible chat-completions APIs
// (DeepSeek, Moonshot/Kimi, Zhipu/GLM, DashScope/Qwen, ...). Reasoning
// tokens arrive as delta.reasoning_content, the convention all of these
// vendors share.
type OpenAICompat struct {
	name        string
	displayName string
	apiKey      string
	apiBase     string
	chatPath    string

	chatModel     string // model for plain requests and title generation
	thinkingModel string // model when deep thinking is requested ("" = chatModel)

	// extras mutates the request body with vendor-specific knobs
	// (thinking toggles, search tools). May be nil.
	extras func(opts Options, body map[string]any)

	client *http.Client
	retry  RetryConfig
}

// CompatSpec describes one OpenAI-compatible vendor.
type CompatSpec struct {
	Name          string
	DisplayName   string
	APIKey        string
	APIBase       string
	ChatPath      string // default "/chat/completions"
	ChatModel     string
	ThinkingModel string
	Extras        func(opts Options, body map[string]any)
}

// NewOpenAICompat builds an adapter from a vendor spec.
func NewOpenAICompat(spec CompatSpec) *OpenAICompat {
	chatPath := spec.ChatPath
	if chatPath == "" {
		chatPath = "/chat/completions"
	}
	return &OpenAICompat{
		name:          spec.Name,
		displayName:   spec.DisplayName,
		apiKey:        spec.APIKey,
		apiBase:       strings.TrimRight(spec.APIBase, "/"),
		chatPath:      chatPath,
		chatModel:     spec.ChatModel,
		thinkingModel: spec.ThinkingModel,
		extras:        spec.Extras,
		client:        &http.Client{}, // per-request deadlines come from ctx
		retry:         DefaultRetryConfig(),
	}
}

func (p *OpenAICompat) Name() string        { return p.name }
func (p *OpenAICompat) DisplayName() string { return p.displayName }

func (p *OpenAICompat) modelFor(opts Options) string {
	if opts.DeepThinking && p.thinkingModel != "" {
		return p.thinkingModel
	}
	return p.chatModel
}

func (p *OpenAICompat) StreamChat(ctx context.Context, history []Message, opts Options, onEvent func(ChatEvent)) error {
	body := map[string]any{
		"model":    p.modelFor(opts),
		"messages": history,
		"stream":   true,
	}
	if opts.Temperature > 0 {
		body["temperature"] = opts.Temperature
	}
	if opts.MaxTokens > 0 {
		body["max_tokens"] = opts.MaxTokens
	}
	if p.extras != nil {
		p.extras(opts, body)
	}

	// Retry only the connection phase; once streaming starts, no retry.
	respBody, err := RetryDo(ctx, p.retry, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, body)
	})
	if err != nil {
		return err
	}
	defer respBody.Close()

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024) // large reasoning chunks

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			onEvent(ChatEvent{Err: chunk.Error.Message})
			return nil
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.ReasoningContent != "" {
			onEvent(ChatEvent{Reasoning: delta.ReasoningContent})
		}
		if delta.Content != "" {
			onEvent(ChatEvent{Content: delta.Content})
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: read stream: %w", p.name, err)
	}

	onEvent(ChatEvent{Done: true})
	return nil
}

func (p *OpenAICompat) GenerateTitle(ctx context.Context, question, answer string) (string, error) {
	prompt := fmt.Sprintf(
		"Summarize the following exchange as a title of at most 16 characters. Reply with the title only.\nUser: %s\nAI: %s",
		question, answer)
	body := map[string]any{
		"model":       p.chatModel,
		"messages":    []Message{{Role: "user", Content: prompt}},
		"temperature": 0.3,
		"max_tokens":  30,
	}

	respBody, err := RetryDo(ctx, p.retry, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, body)
	})
	if err != nil {
		return "", err
	}
	defer respBody.Close()

	var resp completionResponse
	if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
		return "", fmt.Errorf("%s: decode response: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s: empty completion", p.name)
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *OpenAICompat) doRequest(ctx context.Context, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+p.chatPath, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

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

// Wire types for the chat-completions protocol, reduced to the fields the
// engine consumes.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Vendor constructors mirror the services of the original deployment.

// NewDeepSeek talks to the DeepSeek API; deep thinking switches to the
// reasoner model.
func NewDeepSeek(apiKey, apiBase string) *OpenAICompat {
	if apiBase == "" {
		apiBase = "https://api.deepseek.com/v1"
	}
	return NewOpenAICompat(CompatSpec{
		Name:          "deepseek",
		DisplayName:   "DeepSeek",
		APIKey:        apiKey,
		APIBase:       apiBase,
		ChatModel:     "deepseek-chat",
		ThinkingModel: "deepseek-reasoner",
	})
}

// NewKimi talks to the Moonshot API.
func NewKimi(apiKey, apiBase string) *OpenAICompat {
	if apiBase == "" {
		apiBase = "https://api.moonshot.cn/v1"
	}
	return NewOpenAICompat(CompatSpec{
		Name:          "kimi",
		DisplayName:   "Kimi",
		APIKey:        apiKey,
		APIBase:       apiBase,
		ChatModel:     "kimi-k2-turbo-preview",
		ThinkingModel: "kimi-k2-thinking-turbo",
	})
}

// NewGLM talks to the Zhipu API. Thinking is a per-request toggle rather
// than a separate model, and live search rides on the web_search tool.
func NewGLM(apiKey, apiBase string) *OpenAICompat {
	if apiBase == "" {
		apiBase = "https://open.bigmodel.cn/api/paas/v4"
	}
	return NewOpenAICompat(CompatSpec{
		Name:        "glm",
		DisplayName: "GLM",
		APIKey:      apiKey,
		APIBase:     apiBase,
		ChatModel:   "glm-4.6",
		Extras: func(opts Options, body map[string]any) {
			if opts.DeepThinking {
				body["thinking"] = map[string]any{"type": "enabled"}
			} else {
				body["thinking"] = map[string]any{"type": "disabled"}
			}
			if opts.SearchEnabled {
				body["tools"] = []map[string]any{{
					"type":       "web_search",
					"web_search": map[string]any{"enable": true},
				}}
			}
		},
	})
}

// NewQwen talks to the DashScope OpenAI-compatible endpoint. Thinking is
// requested with the enable_thinking passthrough key.
func NewQwen(apiKey, apiBase string) *OpenAICompat {
	if apiBase == "" {
		apiBase = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	}
	return NewOpenAICompat(CompatSpec{
		Name:        "qwen",
		DisplayName: "Qwen",
		APIKey:      apiKey,
		APIBase:     apiBase,
		ChatModel:   "qwen-plus",
		Extras: func(opts Options, body map[string]any) {
			if opts.DeepThinking {
				body["enable_thinking"] = true
			}
			if opts.SearchEnabled {
				body["enable_search"] = true
			}
		},
	})
}
