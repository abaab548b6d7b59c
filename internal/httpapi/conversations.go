package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/zm-bad/dagchat/internal/store"
)

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  string `json:"user_id"`
		Model   string `json:"model"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, codeInvalidRequest, "invalid request body: "+err.Error())
		return
	}
	if req.UserID == "" {
		writeErr(w, codeInvalidRequest, "user_id is required")
		return
	}
	if req.Model != "" && !s.registry.Has(req.Model) {
		writeErr(w, codeUnknownModel, "unknown model: "+req.Model)
		return
	}

	// Creates metadata only; the client sends the first message via /chat.
	conv, err := s.stores.Conversations.Create(r.Context(), req.UserID, req.Model)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]string{"conversation_id": conv.ID})
}

func (s *Server) handleDialogueList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	if userID == "" {
		writeErr(w, codeInvalidRequest, "user_id is required")
		return
	}
	page := queryInt(q.Get("page"), 1)
	pageSize := queryInt(q.Get("page_size"), 20)
	if page < 1 || pageSize < 1 || pageSize > 100 {
		writeErr(w, codeInvalidRequest, "invalid page or page_size")
		return
	}

	convs, total, err := s.stores.Conversations.List(r.Context(), userID, page, pageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	if convs == nil {
		convs = []*store.Conversation{}
	}
	writeOK(w, map[string]any{
		"list":      convs,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// handleDialogueHistory returns the conversation's nodes as a flat list; the
// client rebuilds the DAG from each node's parent_ids and children.
func (s *Server) handleDialogueHistory(w http.ResponseWriter, r *http.Request) {
	dialogueID := r.URL.Query().Get("dialogue_id")
	if dialogueID == "" {
		writeErr(w, codeInvalidRequest, "dialogue_id is required")
		return
	}

	if _, err := s.stores.Conversations.Get(r.Context(), dialogueID); err != nil {
		writeError(w, err)
		return
	}

	nodes, err := s.stores.Messages.ListByConversation(r.Context(), dialogueID)
	if err != nil {
		writeError(w, err)
		return
	}
	if nodes == nil {
		nodes = []*store.MessageNode{}
	}
	writeOK(w, nodes)
}

func (s *Server) handleDialogueRename(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	conversationID := q.Get("conversation_id")
	userID := q.Get("user_id")
	newTitle := q.Get("new_title")

	if conversationID == "" || userID == "" {
		writeErr(w, codeInvalidRequest, "conversation_id and user_id are required")
		return
	}
	if n := utf8.RuneCountInString(newTitle); n == 0 || n > store.MaxTitleLen {
		writeErr(w, codeInvalidRequest, "new_title must be 1..64 characters")
		return
	}

	if err := s.stores.Conversations.Rename(r.Context(), conversationID, userID, newTitle); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

// handleDialogueDelete cascades messages first: if their deletion fails the
// conversation row survives, so a client retry can finish the job.
func (s *Server) handleDialogueDelete(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	conversationID := q.Get("conversation_id")
	userID := q.Get("user_id")
	if conversationID == "" || userID == "" {
		writeErr(w, codeInvalidRequest, "conversation_id and user_id are required")
		return
	}

	// Ownership check up front so a foreign user cannot purge messages.
	conv, err := s.stores.Conversations.Get(r.Context(), conversationID)
	if err != nil {
		writeError(w, err)
		return
	}
	if conv.UserID != userID {
		writeErr(w, codeNotFound, "conversation not found")
		return
	}

	deleted, err := s.stores.Messages.DeleteByConversation(r.Context(), conversationID)
	if err != nil {
		s.log.Error("cascade delete failed, conversation retained",
			"conversation_id", conversationID, "deleted", deleted, "error", err)
		writeError(w, err)
		return
	}
	if err := s.stores.Conversations.Delete(r.Context(), conversationID, userID); err != nil {
		writeError(w, err)
		return
	}

	s.log.Info("conversation deleted", "conversation_id", conversationID, "messages", deleted)
	writeOK(w, nil)
}

func queryInt(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}
