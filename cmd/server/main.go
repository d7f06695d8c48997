// deepsearch - conversational research agent server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/deepsearch/internal/agent"
	"github.com/ashureev/deepsearch/internal/api"
	"github.com/ashureev/deepsearch/internal/config"
	"github.com/ashureev/deepsearch/internal/identity"
	"github.com/ashureev/deepsearch/internal/middleware"
	"github.com/ashureev/deepsearch/internal/store"
	"github.com/ashureev/deepsearch/internal/tools"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(os.Stdout, cfg.LogFormat, cfg.IsDevelopment())
	slog.SetDefault(logger)
	if envErr != nil {
		slog.Info("No .env file found, using environment variables")
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Warn("Failed to close conversation logger", "error", closeErr)
		}
	}()

	// Chat needs both a search provider and an inference service (optional).
	var controller *agent.Controller
	//nolint:nestif // Startup wiring is intentionally sequential to keep dependency setup explicit.
	if cfg.ChatEnabled() {
		slog.Info("Connecting to inference service via gRPC", "address", cfg.Inference.Address)
		model, err := agent.NewGrpcModel(agent.GrpcModelConfig{
			Address:          cfg.Inference.Address,
			ConnectTimeout:   cfg.Inference.ConnectTimeout,
			KeepaliveTime:    cfg.Inference.KeepaliveTime,
			KeepaliveTimeout: cfg.Inference.KeepaliveTimeout,
		}, logger)
		if err != nil {
			slog.Warn("Failed to connect to inference service, chat will be disabled", "error", err)
		} else {
			defer model.Close()

			controller, err = newController(cfg, model, repo, logger)
			if err != nil {
				slog.Error("Failed to initialize agent controller", "error", err)
				os.Exit(1)
			}
		}
	}
	if controller == nil {
		slog.Info("Chat disabled (INFERENCE_ADDR or SERPER_API_KEY not set, or connection failed)")
	}

	handler := api.NewHandler(repo, controller, conversationLogger, cfg, logger)
	defer handler.Close()

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))
	r.Use(identity.Middleware(repo, identity.Options{
		AllowAnonymous: cfg.Identity.AllowAnonymous,
		TrustedHeader:  cfg.Identity.TrustedHeader,
		IsDev:          cfg.IsDevelopment(),
		Logger:         logger,
	}))

	handler.RegisterRoutes(r)

	// SSE and WebSocket turns are bounded by CHAT_MAX_DURATION, not WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Agent.ChatMaxDuration+5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return
	}

	slog.Info("Server stopped successfully")
}

func newController(cfg *config.Config, model agent.Model, repo store.Repository, logger *slog.Logger) (*agent.Controller, error) {
	serper, err := tools.NewSerperClient(tools.SerperConfig{
		APIKey:   cfg.Search.APIKey,
		Endpoint: cfg.Search.Endpoint,
		Timeout:  cfg.Search.Timeout,
	})
	if err != nil {
		return nil, err
	}
	search, err := tools.NewSearchTool(serper, cfg.Search.ResultCount)
	if err != nil {
		return nil, err
	}
	registry, err := tools.NewRegistry(search)
	if err != nil {
		return nil, err
	}
	return agent.NewController(model, registry, repo, agent.Config{
		MaxSteps:       cfg.Agent.MaxSteps,
		SystemPrompt:   cfg.Agent.SystemPrompt,
		PersistTimeout: cfg.Agent.PersistTimeout,
	}, logger)
}
