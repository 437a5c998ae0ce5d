// chatdesk - dialogue session engine server
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/chatdesk/internal/api"
	"github.com/ashureev/chatdesk/internal/classifier"
	"github.com/ashureev/chatdesk/internal/config"
	"github.com/ashureev/chatdesk/internal/dialogue"
	"github.com/ashureev/chatdesk/internal/identity"
	"github.com/ashureev/chatdesk/internal/interactions"
	"github.com/ashureev/chatdesk/internal/knowledge"
	"github.com/ashureev/chatdesk/internal/middleware"
	"github.com/ashureev/chatdesk/internal/sentiment"
	"github.com/ashureev/chatdesk/internal/session"
	"github.com/ashureev/chatdesk/internal/store"
	"github.com/ashureev/chatdesk/internal/tracing"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "session_backend", cfg.SessionBackend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing := tracing.Init(ctx, tracing.Config{
		Enabled:  cfg.Tracing.Enabled,
		Endpoint: cfg.Tracing.Endpoint,
	})
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("Failed to flush traces", "error", err)
		}
	}()

	// Initialize dependencies.
	repo, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Store health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Store connected")

	kb := knowledge.New()
	if err := kb.Reload(cfg.KnowledgeBasePath); err != nil {
		slog.Warn("Knowledge base not loaded, starting empty", "path", cfg.KnowledgeBasePath, "error", err)
	}

	intents, model, closeModels := openModels(cfg, kb, logger)
	defer closeModels()

	sink, err := openSink(ctx, cfg, repo, logger)
	if err != nil {
		slog.Error("Failed to initialize interaction log", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := sink.Close(); closeErr != nil {
			slog.Warn("Failed to close interaction log", "error", closeErr)
		}
	}()

	sessions := session.NewManager(repo,
		session.WithTimeout(cfg.SessionTimeout),
		session.WithLogger(logger),
	)
	engine := dialogue.New(dialogue.Deps{
		Sessions:          sessions,
		Knowledge:         kb,
		Classifier:        intents,
		Sentiment:         sentiment.NewAnalyzer(model, cfg.ClassifierTimeout, logger),
		Sink:              sink,
		ClassifierTimeout: cfg.ClassifierTimeout,
		Logger:            logger,
	})

	// Initialize handlers.
	conns := api.NewConnections()
	identityMW := identity.Middleware(repo, !cfg.IsDevelopment())

	handler := api.NewHandler(engine, repo, cfg.KnowledgeBasePath, logger)
	handler.SetIdentity(identityMW)
	handler.SetConnections(conns)
	wsHandler := api.NewWebSocketHandler(engine, conns, cfg.AllowedOrigins, logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	handler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.With(identityMW).Get("/ws/chat", wsHandler.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived
		IdleTimeout:  120 * time.Second,
	}

	session.StartSweeper(ctx, sessions, cfg.SweepInterval, conns.ExpireSession)
	slog.Info("Session sweeper started", "session_timeout", cfg.SessionTimeout, "interval", cfg.SweepInterval)

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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// openStore builds the repository for the configured session backend.
// With Redis, sessions live in Redis and users and history stay in SQLite.
func openStore(ctx context.Context, cfg *config.Config) (store.Repository, error) {
	switch cfg.SessionBackend {
	case config.BackendMemory:
		return store.NewMemory(), nil
	case config.BackendRedis:
		records, err := store.NewSQLite(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		sessions, err := store.NewRedisSessionStore(ctx, cfg.RedisURL, cfg.RedisRetention)
		if err != nil {
			_ = records.Close()
			return nil, err
		}
		return store.NewSplit(sessions, records), nil
	default:
		return store.NewSQLite(cfg.DBPath)
	}
}

// openModels returns the intent classifier and sentiment model. The remote
// model service is used when configured and reachable; otherwise the local
// pattern classifier and lexicon model serve.
func openModels(cfg *config.Config, kb *knowledge.Base, logger *slog.Logger) (classifier.IntentClassifier, classifier.SentimentModel, func()) {
	if cfg.ModelServiceAddr != "" {
		slog.Info("Connecting to model service via gRPC", "address", cfg.ModelServiceAddr)
		client, err := classifier.NewGRPCClient(classifier.DefaultGRPCConfig(cfg.ModelServiceAddr), logger)
		if err == nil {
			return client, client, client.Close
		}
		slog.Warn("Model service unavailable, using local models", "error", err)
	}
	slog.Info("Using local pattern classifier and lexicon sentiment model")
	return classifier.NewPatternClassifier(kb), classifier.LexiconModel{}, func() {}
}

// openSink builds the asynchronous interaction log over every configured writer.
func openSink(ctx context.Context, cfg *config.Config, repo store.Repository, logger *slog.Logger) (*interactions.AsyncSink, error) {
	writers := interactions.MultiWriter{interactions.NewRepositoryWriter(repo)}

	if cfg.InteractionLog.Enabled {
		fw, err := interactions.NewFileWriter(interactions.FileConfig{
			Path:       cfg.InteractionLog.Path,
			MaxSizeMB:  cfg.InteractionLog.MaxSizeMB,
			MaxBackups: cfg.InteractionLog.MaxBackups,
			MaxAgeDays: cfg.InteractionLog.MaxAgeDays,
			Compress:   cfg.InteractionLog.Compress,
		})
		if err != nil {
			return nil, fmt.Errorf("open interaction log file: %w", err)
		}
		writers = append(writers, fw)
	}

	if cfg.NATSURL != "" {
		nw, err := interactions.NewNATSWriter(ctx, cfg.NATSURL)
		if err != nil {
			slog.Warn("NATS unavailable, interactions will not be published", "error", err)
		} else {
			writers = append(writers, nw)
		}
	}

	return interactions.NewAsyncSink(writers, cfg.InteractionLog.QueueSize, logger), nil
}
