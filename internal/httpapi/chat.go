package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/zm-bad/dagchat/internal/chat"
)

// handleChat runs one streaming question/answer round. Everything after the
// headers is SSE: even validation failures arrive as {error} frames, never
// as envelopes.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chat.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, codeInvalidRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ConversationID == "" || req.Model == "" || req.Message == "" {
		writeErr(w, codeInvalidRequest, "conversation_id, model and message are required")
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeErr(w, codeInternal, err.Error())
		return
	}
	defer sse.Close()

	// The request context cancels on client disconnect, which the
	// orchestrator translates into dropping the partial answer.
	err = s.orch.Stream(r.Context(), req, func(ev chat.Event) error {
		return sse.WriteEvent(ev)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("chat request failed",
			"conversation_id", req.ConversationID,
			"model", req.Model,
			"error", err)
	}
}
