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

	"github.com/jeffleyd/laragrep/internal/api"
	"github.com/jeffleyd/laragrep/internal/auth"
	"github.com/jeffleyd/laragrep/internal/config"
	"github.com/jeffleyd/laragrep/internal/conversation"
	"github.com/jeffleyd/laragrep/internal/database"
	"github.com/jeffleyd/laragrep/internal/engine"
	"github.com/jeffleyd/laragrep/internal/llm"
	"github.com/jeffleyd/laragrep/internal/observability"
)

func main() {
	cfg, err := config.LoadFromEnv("laragrep-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	pool := database.NewPool()
	defer func() { _ = pool.Close() }()

	defaultDB, err := pool.Get(context.Background(), database.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to open default database", slog.Any("error", err))
		os.Exit(1)
	}

	client := llm.NewHTTPClient(llm.Config{
		BaseURL:     cfg.Model.BaseURL,
		APIKey:      cfg.Model.APIKey,
		Model:       cfg.Model.Model,
		Temperature: cfg.Model.Temperature,
		Timeout:     cfg.Model.Timeout,
	})

	var conversations engine.ConversationStore
	if cfg.Conversation.Enabled {
		conversations = conversation.NewStore(
			defaultDB,
			database.DialectFor(cfg.Database.Driver),
			cfg.Conversation.Table,
			cfg.Conversation.MaxMessages,
			cfg.Conversation.TTLDays,
		)
	}

	questionEngine := engine.New(cfg, logger, client, pool, conversations)

	deps := api.Dependencies{
		Logger:            logger,
		Engine:            questionEngine,
		Readiness:         api.CheckDatabase(defaultDB.PingContext),
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
