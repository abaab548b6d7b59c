// Package httpapi exposes the engine over JSON/HTTP plus SSE for the chat
// stream. Every non-streaming response uses the {code, message, data}
// envelope; business errors ride HTTP 200 with a non-zero code.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/zm-bad/dagchat/internal/chat"
	"github.com/zm-bad/dagchat/internal/config"
	"github.com/zm-bad/dagchat/internal/providers"
	"github.com/zm-bad/dagchat/internal/store"
)

// Server is the HTTP front of the conversation engine.
type Server struct {
	cfg      *config.Config
	stores   *store.Stores
	registry *providers.Registry
	orch     *chat.Orchestrator
	log      *slog.Logger

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer wires the handlers.
func NewServer(cfg *config.Config, stores *store.Stores, registry *providers.Registry, orch *chat.Orchestrator, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		stores:   stores,
		registry: registry,
		orch:     orch,
		log:      log,
	}
}

// BuildMux registers all routes.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/v1/chat", s.handleChat)
	mux.HandleFunc("POST /api/v1/create-conversation", s.handleCreateConversation)
	mux.HandleFunc("GET /api/v1/dialogue/list", s.handleDialogueList)
	mux.HandleFunc("GET /api/v1/dialogue/history", s.handleDialogueHistory)
	mux.HandleFunc("PUT /api/v1/dialogue/rename", s.handleDialogueRename)
	mux.HandleFunc("DELETE /api/v1/dialogue/delete", s.handleDialogueDelete)
	mux.HandleFunc("GET /api/v1/models", s.handleModels)

	s.mux = mux
	return mux
}

// Start begins listening and blocks until ctx ends, then drains in-flight
// requests.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.API.Host, s.cfg.API.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	s.log.Info("api server starting", "addr", addr, "models", s.registry.Names())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
