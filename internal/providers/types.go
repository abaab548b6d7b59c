package providers

import (
	"context"
	"errors"
)

// ErrUnknownModel is returned by the registry for unregistered model names.
var ErrUnknownModel = errors.New("unknown model")

// Message is one role-tagged entry of the history sent to a model.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// ChatEvent is one unit of a streaming reply. Exactly one of the fields is
// meaningful: Reasoning and Content carry incremental tokens, Err is a
// terminal failure, Done is the clean terminal marker.
type ChatEvent struct {
	Reasoning string
	Content   string
	Err       string
	Done      bool
}

// Options tunes a single StreamChat call. Adapters silently ignore the
// capabilities they do not support.
type Options struct {
	DeepThinking  bool    // request the reasoning trace
	SearchEnabled bool    // request live-search augmentation
	Temperature   float64 // 0 = provider default
	MaxTokens     int     // 0 = provider default
}

// Adapter is the uniform streaming chat capability over one vendor API.
// Implementations must be safe for concurrent use and must abandon the
// upstream connection when ctx is canceled.
type Adapter interface {
	// Name returns the public model identifier this adapter serves.
	Name() string

	// DisplayName returns the human-readable model name.
	DisplayName() string

	// StreamChat sends history to the vendor and forwards events in
	// arrival order. onEvent is called from a single goroutine. A nil
	// return means a terminal Done or Err event was delivered;
	// transport-level failures are returned as errors without a
	// preceding Err event.
	StreamChat(ctx context.Context, history []Message, opts Options, onEvent func(ChatEvent)) error

	// GenerateTitle produces a short conversation title from the first
	// question and answer.
	GenerateTitle(ctx context.Context, question, answer string) (string, error)
}

// ModelInfo is the public listing entry for one registered model.
type ModelInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}
