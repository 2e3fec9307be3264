package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/tgcode/internal/api"
	"github.com/ashureev/tgcode/internal/bridge"
	"github.com/ashureev/tgcode/internal/config"
	"github.com/ashureev/tgcode/internal/events"
	"github.com/ashureev/tgcode/internal/guard"
	"github.com/ashureev/tgcode/internal/health"
	"github.com/ashureev/tgcode/internal/middleware"
	"github.com/ashureev/tgcode/internal/opencode"
	"github.com/ashureev/tgcode/internal/pending"
	"github.com/ashureev/tgcode/internal/projects"
	"github.com/ashureev/tgcode/internal/sentry"
	"github.com/ashureev/tgcode/internal/store"
	"github.com/ashureev/tgcode/internal/telegram"
	"github.com/ashureev/tgcode/internal/transport"
	"github.com/ashureev/tgcode/internal/webchat"
	"github.com/ashureev/tgcode/web"
)

// shutdownTimeout bounds the HTTP drain and the wait for running prompts.
const shutdownTimeout = 15 * time.Second

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := slog.New(sentry.NewHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})))
	slog.SetDefault(logger)

	if err := sentry.Init(cfg.Sentry.DSN, cfg.Sentry.Environment, version); err != nil {
		logger.Warn("Failed to initialize Sentry", "error", err)
	}
	defer sentry.RecoverPanic()

	logger.Info("Starting tgcode", "version", version, "port", cfg.Port,
		"telegram", cfg.Telegram.Enabled(), "webchat", cfg.Webchat)

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			logger.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	logger.Info("Database connected", "path", cfg.DBPath)

	catalog, err := config.LoadCatalog(cfg.ProjectsFile)
	if err != nil {
		return err
	}
	if catalog.Len() == 0 {
		logger.Warn("No projects configured; prompts will be refused", "file", cfg.ProjectsFile)
	}
	resolver := projects.NewResolver(catalog, repo)

	client, err := opencode.NewClient(opencode.Config{
		BaseURL:  cfg.Opencode.URL,
		Username: cfg.Opencode.Username,
		Password: cfg.Opencode.Password,
	}, logger)
	if err != nil {
		return err
	}

	// Transports. Telegram, when enabled, serves every conversation the
	// webchat hub has not claimed.
	var bot *telegram.Bot
	var fallback transport.Transport
	if cfg.Telegram.Enabled() {
		bot, err = telegram.New(telegram.Config{
			Token:   cfg.Telegram.Token,
			Allowed: cfg.Telegram.Allowed,
		}, logger)
		if err != nil {
			return err
		}
		fallback = bot
	}
	router := transport.NewRouter(fallback)
	var hub *webchat.Hub
	if cfg.Webchat {
		hub = webchat.NewHub(router, logger)
	}

	registry := pending.NewRegistry(client, logger)
	orch := bridge.New(bridge.Deps{
		Transport: router,
		Backend:   client,
		Store:     repo,
		Projects:  resolver,
		Guard:     guard.New(cfg.PromptTimeout, guard.WithLogger(logger)),
		Registry:  registry,
		Logger:    logger,
	}, bridge.Options{
		ChunkSize:       cfg.MessageChunkSize,
		MaxFileSize:     cfg.MaxFileSize,
		DownloadTimeout: cfg.DownloadTimeout,
	})

	var clients api.ClientCounter
	if hub != nil {
		clients = hub
	}
	apiHandler := api.NewHandler(repo, orch, clients, logger)

	reporters := health.Multi{apiHandler}
	var grpcHealth *health.Server
	if cfg.GRPCHealthAddr != "" {
		grpcHealth = health.NewServer(logger)
		reporters = append(reporters, grpcHealth)
	}

	mux := events.New(client, repo, registry, client, orch,
		events.WithReconnectDelay(cfg.EventReconnectDelay),
		events.WithLogger(logger),
		events.WithStatusReporter(reporters),
	)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	apiHandler.RegisterHealth(r)
	if hub != nil {
		r.Handle("/*", web.ChatHandler())
	}
	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerAuth(cfg.APIToken))
		apiHandler.RegisterRoutes(r)
		if hub != nil {
			r.Get("/ws/chat", webchat.NewWebSocketHandler(hub, orch, cfg.WebchatOrigin, logger).ServeHTTP)
		}
	})

	// WriteTimeout stays 0 for the long-lived webchat sockets.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	store.StartRetentionSweeper(ctx, repo, cfg.SessionRetention, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mux.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if hub != nil {
			hub.CloseAll()
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server forced to shutdown", "error", err)
		}
		return nil
	})
	if grpcHealth != nil {
		g.Go(func() error {
			return grpcHealth.ListenAndServe(gctx, cfg.GRPCHealthAddr)
		})
	}
	if bot != nil {
		g.Go(func() error {
			return bot.Run(gctx, orch)
		})
	}

	err = g.Wait()
	logger.Info("Shutting down gracefully...")
	waitForPrompts(orch, shutdownTimeout, logger)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Server stopped successfully")
	return nil
}

// waitForPrompts gives running prompts a bounded chance to deliver replies.
func waitForPrompts(orch *bridge.Orchestrator, timeout time.Duration, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		orch.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warn("Prompts still running at shutdown", "in_flight", orch.Status().InFlight)
	}
}
