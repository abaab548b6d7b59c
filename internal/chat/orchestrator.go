// Package chat runs the streaming question/answer pipeline: validate the
// request, persist the user node, stream the model reply while buffering it,
// and finalize the assistant node so the question/answer pair lands atomically
// from the client's point of view.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zm-bad/dagchat/internal/dag"
	"github.com/zm-bad/dagchat/internal/providers"
	"github.com/zm-bad/dagchat/internal/store"
)

var (
	// ErrParentNotFound means a requested parent message does not exist or
	// belongs to a different conversation.
	ErrParentNotFound = errors.New("parent message not found")

	// ErrIdleTimeout means the model stopped producing tokens for longer
	// than the configured inter-token window.
	ErrIdleTimeout = errors.New("model idle timeout")
)

// finalizeTimeout bounds the post-stream writes. They run on a detached
// context so a client disconnect after the last token cannot orphan the
// answer.
const finalizeTimeout = 10 * time.Second

// Request is one /chat invocation.
type Request struct {
	ConversationID string   `json:"conversation_id"`
	UserID         string   `json:"user_id"`
	Model          string   `json:"model"`
	Message        string   `json:"message"`
	ParentIDs      []string `json:"parent_ids"`
	DeepThinking   bool     `json:"deep_thinking"`
	SearchEnabled  bool     `json:"search_enabled"`
}

// Event is one frame of the chat stream. Exactly one field group is set per
// event; zero-valued fields are omitted on the wire.
type Event struct {
	Reasoning     string `json:"reasoning,omitempty"`
	Content       string `json:"content,omitempty"`
	UserMessageID string `json:"user_message_id,omitempty"`
	MessageID     string `json:"message_id,omitempty"`
	Complete      bool   `json:"complete,omitempty"`
	Error         string `json:"error,omitempty"`
}

// EmitFunc delivers one event to the client. A non-nil return means the
// client is gone; the orchestrator stops streaming and skips further emits.
type EmitFunc func(Event) error

// Config tunes the orchestrator.
type Config struct {
	TotalTimeout    time.Duration // whole adapter call, default 120s
	IdleTimeout     time.Duration // between consecutive tokens, default 30s
	PreservePartial bool          // keep a partial answer on cancellation
}

// Orchestrator coordinates stores, the DAG engine and model adapters for
// streaming chat.
type Orchestrator struct {
	stores   *store.Stores
	registry *providers.Registry
	titler   *Titler
	cfg      Config
	tracer   trace.Tracer
	log      *slog.Logger
}

// NewOrchestrator wires the pipeline. titler may be nil to disable
// auto-titling.
func NewOrchestrator(stores *store.Stores, registry *providers.Registry, titler *Titler, cfg Config, log *slog.Logger) *Orchestrator {
	if cfg.TotalTimeout <= 0 {
		cfg.TotalTimeout = 120 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		stores:   stores,
		registry: registry,
		titler:   titler,
		cfg:      cfg,
		tracer:   otel.Tracer("dagchat/chat"),
		log:      log,
	}
}

// Stream runs the full chat pipeline, delivering events through emit. The
// returned error reports what ended the run; by the time it returns, every
// event the client should see (including a terminal {error} frame when the
// connection was still open) has been emitted.
func (o *Orchestrator) Stream(ctx context.Context, req Request, emit EmitFunc) error {
	ctx, span := o.tracer.Start(ctx, "chat.stream", trace.WithAttributes(
		attribute.String("conversation.id", req.ConversationID),
		attribute.String("model", req.Model),
		attribute.Int("parents", len(req.ParentIDs)),
	))
	defer span.End()

	adapter, err := o.registry.Get(req.Model)
	if err != nil {
		o.emitError(emit, err)
		return err
	}
	if req.Message == "" {
		err := errors.New("empty message")
		o.emitError(emit, err)
		return err
	}

	if err := o.validateParents(ctx, req); err != nil {
		o.emitError(emit, err)
		return err
	}

	history, err := o.buildHistory(ctx, req)
	if err != nil {
		o.emitError(emit, err)
		return err
	}

	userID, err := o.persistUserNode(ctx, req)
	if err != nil {
		o.emitError(emit, err)
		return err
	}

	// A failed emit means the client hung up; cancel the adapter rather
	// than streaming into the void.
	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	clientGone := false
	send := func(ev Event) {
		if clientGone {
			return
		}
		if err := emit(ev); err != nil {
			clientGone = true
			cancelStream()
		}
	}

	send(Event{UserMessageID: userID})

	var content, reasoning string
	streamErr := o.streamReply(streamCtx, adapter, history, req, func(ev providers.ChatEvent) {
		if ev.Reasoning != "" {
			reasoning += ev.Reasoning
			send(Event{Reasoning: ev.Reasoning})
		}
		if ev.Content != "" {
			content += ev.Content
			send(Event{Content: ev.Content})
		}
	})
	if clientGone && streamErr == nil {
		streamErr = context.Canceled
	}

	if streamErr != nil {
		o.log.Warn("chat stream aborted",
			"conversation_id", req.ConversationID,
			"model", req.Model,
			"buffered", len(content),
			"error", streamErr)

		// The user node stays either way; the client must still see its
		// question after a failed answer.
		if o.cfg.PreservePartial && content != "" {
			if _, err := o.persistAssistantNode(ctx, req, userID, content, reasoning); err != nil {
				o.log.Error("persist partial answer", "error", err)
			}
		}
		if !clientGone {
			send(Event{Error: streamErr.Error()})
		}
		return streamErr
	}

	messageID, err := o.persistAssistantNode(ctx, req, userID, content, reasoning)
	if err != nil {
		o.emitError(emit, err)
		return err
	}
	send(Event{MessageID: messageID, Complete: true})

	o.maybeScheduleTitle(ctx, req, content)
	return nil
}

// validateParents requires every requested parent to exist and to belong to
// the request's conversation. An empty parent set is the first question.
func (o *Orchestrator) validateParents(ctx context.Context, req Request) error {
	if len(req.ParentIDs) == 0 {
		return nil
	}
	nodes, err := o.stores.Messages.GetMany(ctx, req.ParentIDs)
	if err != nil {
		return fmt.Errorf("fetch parents: %w", err)
	}
	for _, pid := range req.ParentIDs {
		node, ok := nodes[pid]
		if !ok || node.ConversationID != req.ConversationID {
			return fmt.Errorf("%w: %s", ErrParentNotFound, pid)
		}
	}
	return nil
}

func (o *Orchestrator) buildHistory(ctx context.Context, req Request) ([]providers.Message, error) {
	var history []providers.Message
	if len(req.ParentIDs) > 0 {
		var err error
		history, err = dag.BuildHistory(ctx, o.stores.Messages, req.ParentIDs)
		if err != nil {
			return nil, fmt.Errorf("build history: %w", err)
		}
	}
	return append(history, providers.Message{Role: store.RoleUser, Content: req.Message}), nil
}

func (o *Orchestrator) persistUserNode(ctx context.Context, req Request) (string, error) {
	id, err := o.stores.Messages.Insert(ctx, &store.MessageNode{
		ConversationID: req.ConversationID,
		Role:           store.RoleUser,
		Content:        req.Message,
		ParentIDs:      req.ParentIDs,
	})
	if err != nil {
		return "", fmt.Errorf("insert user node: %w", err)
	}
	for _, pid := range req.ParentIDs {
		if err := o.stores.Messages.AppendChild(ctx, pid, id); err != nil {
			return "", fmt.Errorf("link parent %s: %w", pid, err)
		}
	}
	return id, nil
}

// streamReply runs the adapter under the total and idle timeouts, pumping
// events through onEvent in arrival order.
func (o *Orchestrator) streamReply(ctx context.Context, adapter providers.Adapter, history []providers.Message, req Request, onEvent func(providers.ChatEvent)) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.TotalTimeout)
	defer cancel()

	opts := providers.Options{
		DeepThinking:  req.DeepThinking,
		SearchEnabled: req.SearchEnabled,
	}

	events := make(chan providers.ChatEvent, 16)
	errCh := make(chan error, 1)
	go func() {
		err := adapter.StreamChat(ctx, history, opts, func(ev providers.ChatEvent) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		})
		close(events)
		errCh <- err
	}()

	idle := time.NewTimer(o.cfg.IdleTimeout)
	defer idle.Stop()

	var streamErr error
	done := false
loop:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(o.cfg.IdleTimeout)

			if ev.Err != "" {
				streamErr = fmt.Errorf("adapter: %s", ev.Err)
				break loop
			}
			if ev.Done {
				done = true
				continue
			}
			onEvent(ev)

		case <-idle.C:
			streamErr = ErrIdleTimeout
			break loop

		case <-ctx.Done():
			streamErr = ctx.Err()
			break loop
		}
	}

	cancel()
	adapterErr := <-errCh

	if streamErr != nil {
		return streamErr
	}
	if adapterErr != nil {
		return adapterErr
	}
	if !done {
		return errors.New("adapter stream ended without completion")
	}
	return nil
}

// persistAssistantNode writes the answer and its edges on a detached context:
// once streaming succeeded the pair must land even if the client is gone.
func (o *Orchestrator) persistAssistantNode(ctx context.Context, req Request, userNodeID, content, reasoning string) (string, error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	id, err := o.stores.Messages.Insert(wctx, &store.MessageNode{
		ConversationID: req.ConversationID,
		Role:           store.RoleAssistant,
		Content:        content,
		Reasoning:      reasoning,
		Model:          req.Model,
		ParentIDs:      []string{userNodeID},
	})
	if err != nil {
		return "", fmt.Errorf("insert assistant node: %w", err)
	}
	if err := o.stores.Messages.AppendChild(wctx, userNodeID, id); err != nil {
		return "", fmt.Errorf("link user node: %w", err)
	}
	if err := o.stores.Conversations.Touch(wctx, req.ConversationID, req.Model); err != nil {
		// The pair is durable; a failed touch only stales the listing order.
		o.log.Warn("touch conversation", "conversation_id", req.ConversationID, "error", err)
	}
	return id, nil
}

// maybeScheduleTitle kicks off auto-titling after the first completed Q/A of
// an untitled conversation.
func (o *Orchestrator) maybeScheduleTitle(ctx context.Context, req Request, answer string) {
	if o.titler == nil || len(req.ParentIDs) != 0 {
		return
	}
	conv, err := o.stores.Conversations.Get(ctx, req.ConversationID)
	if err != nil {
		o.log.Warn("load conversation for titling", "conversation_id", req.ConversationID, "error", err)
		return
	}
	if conv.Title != "" {
		return
	}
	o.titler.Schedule(req.ConversationID, req.Model, req.Message, answer)
}

func (o *Orchestrator) emitError(emit EmitFunc, err error) {
	if emitErr := emit(Event{Error: err.Error()}); emitErr != nil {
		o.log.Debug("emit error frame", "error", emitErr)
	}
}
