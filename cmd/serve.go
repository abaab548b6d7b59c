package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zm-bad/dagchat/internal/chat"
	"github.com/zm-bad/dagchat/internal/config"
	"github.com/zm-bad/dagchat/internal/httpapi"
	"github.com/zm-bad/dagchat/internal/providers"
	"github.com/zm-bad/dagchat/internal/store"
	"github.com/zm-bad/dagchat/internal/store/inmem"
	"github.com/zm-bad/dagchat/internal/store/mongo"
	"github.com/zm-bad/dagchat/internal/store/pg"
	"github.com/zm-bad/dagchat/internal/store/sqlite"
	"github.com/zm-bad/dagchat/internal/telemetry"
)

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("failed to init telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTelemetry(shutdownCtx)
	}()

	stores, closeStores, err := buildStores(ctx, cfg)
	if err != nil {
		slog.Error("failed to open stores", "error", err)
		os.Exit(1)
	}
	defer closeStores()

	registry, err := buildRegistry(cfg)
	if err != nil {
		slog.Error("failed to build model registry", "error", err)
		os.Exit(1)
	}
	if len(registry.Names()) == 0 {
		slog.Warn("no model adapters configured; /chat will reject every model")
	}

	titler := chat.NewTitler(stores.Conversations, registry, cfg.Chat.DefaultModel, nil)
	orch := chat.NewOrchestrator(stores, registry, titler, chat.Config{
		TotalTimeout:    cfg.Chat.TotalTimeout(),
		IdleTimeout:     cfg.Chat.IdleTimeout(),
		PreservePartial: cfg.Chat.PreservePartial,
	}, nil)

	reconciler := chat.NewReconciler(stores, cfg.Reconcile.Cron, nil)
	go reconciler.Run(ctx)

	server := httpapi.NewServer(cfg, stores, registry, orch, nil)
	if err := server.Start(ctx); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}

	// Let detached title jobs finish before the stores close.
	titler.Wait()
	slog.Info("shutdown complete")
}

// buildStores opens the configured backends: Postgres or SQLite for
// conversations, Mongo or memory for messages.
func buildStores(ctx context.Context, cfg *config.Config) (*store.Stores, func(), error) {
	var conversations store.ConversationStore
	switch {
	case cfg.Database.PostgresDSN != "":
		db, err := pg.OpenDB(cfg.Database.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		conversations = pg.NewConversationStore(db)
		slog.Info("conversation store: postgres")
	default:
		cs, err := sqlite.Open(cfg.Database.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		conversations = cs
		slog.Info("conversation store: sqlite", "path", cfg.Database.SQLitePath)
	}

	var messages store.MessageStore
	if cfg.Database.MongoURI != "" {
		ms, err := mongo.New(ctx, mongo.Options{
			URI:      cfg.Database.MongoURI,
			Database: cfg.Database.MongoDatabase,
		})
		if err != nil {
			conversations.Close()
			return nil, nil, err
		}
		messages = ms
		slog.Info("message store: mongodb", "database", cfg.Database.MongoDatabase)
	} else {
		messages = inmem.NewMessageStore()
		slog.Warn("message store: in-memory, messages are lost on restart")
	}

	stores := &store.Stores{Conversations: conversations, Messages: messages}
	closeAll := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := messages.Close(closeCtx); err != nil {
			slog.Warn("close message store", "error", err)
		}
		if err := conversations.Close(); err != nil {
			slog.Warn("close conversation store", "error", err)
		}
	}
	return stores, closeAll, nil
}

// buildRegistry registers one adapter per vendor with a configured API key.
func buildRegistry(cfg *config.Config) (*providers.Registry, error) {
	registry := providers.NewRegistry()

	add := func(enabled bool, adapter providers.Adapter) error {
		if !enabled {
			return nil
		}
		return registry.Register(adapter)
	}

	a := cfg.Adapters
	if err := add(a.DeepSeek.Enabled(), providers.NewDeepSeek(a.DeepSeek.APIKey, a.DeepSeek.APIBase)); err != nil {
		return nil, err
	}
	if err := add(a.Kimi.Enabled(), providers.NewKimi(a.Kimi.APIKey, a.Kimi.APIBase)); err != nil {
		return nil, err
	}
	if err := add(a.GLM.Enabled(), providers.NewGLM(a.GLM.APIKey, a.GLM.APIBase)); err != nil {
		return nil, err
	}
	if err := add(a.Qwen.Enabled(), providers.NewQwen(a.Qwen.APIKey, a.Qwen.APIBase)); err != nil {
		return nil, err
	}
	if err := add(a.Anthropic.Enabled(), providers.NewAnthropic(a.Anthropic.APIKey, a.Anthropic.APIBase)); err != nil {
		return nil, err
	}
	return registry, nil
}
