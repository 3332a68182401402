// Relay server — durable chat streaming for coding agents: event log,
// SSE/WebSocket fan-out, follow-up queue, permission dialogs, and
// scheduled tasks.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/codeready-toolchain/relay/pkg/agent"
	"github.com/codeready-toolchain/relay/pkg/api"
	"github.com/codeready-toolchain/relay/pkg/config"
	"github.com/codeready-toolchain/relay/pkg/database"
	"github.com/codeready-toolchain/relay/pkg/events"
	"github.com/codeready-toolchain/relay/pkg/followup"
	"github.com/codeready-toolchain/relay/pkg/kv"
	"github.com/codeready-toolchain/relay/pkg/maintenance"
	"github.com/codeready-toolchain/relay/pkg/permissions"
	"github.com/codeready-toolchain/relay/pkg/sandbox"
	"github.com/codeready-toolchain/relay/pkg/scheduler"
	"github.com/codeready-toolchain/relay/pkg/services"
	"github.com/codeready-toolchain/relay/pkg/stream"
	"github.com/codeready-toolchain/relay/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting relay", "version", version.Full(), "config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize database (runs migrations)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	slog.Info("Connected to PostgreSQL database")

	// 3. Initialize KV store
	kvConfig, err := kv.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load redis config", "error", err)
		os.Exit(1)
	}
	kvClient, err := kv.NewClient(ctx, kvConfig)
	if err != nil {
		slog.Error("Failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := kvClient.Close(); err != nil {
			slog.Error("Error closing redis client", "error", err)
		}
	}()
	slog.Info("Connected to Redis")

	// 4. Domain services
	chatService := services.NewChatService(dbClient)
	messageService := services.NewMessageService(dbClient)
	eventService := services.NewEventService(dbClient)
	tokenService := services.NewTokenService(dbClient)
	taskService := scheduler.NewService(dbClient)
	slog.Info("Services initialized")

	// 5. Streaming infrastructure
	publisher := events.NewPublisher(kvClient)
	subscriber := events.NewSubscriber(kvClient)
	followUps := followup.NewStore(kvClient, cfg.FollowUp.MessageTTL)
	permRegistry := permissions.NewRegistry(kvClient, cfg.Permissions.RequestTTL)

	var sandboxes sandbox.Service = sandbox.Noop{}
	if cfg.Sandbox.BaseURL != "" {
		sandboxes = sandbox.NewClient(cfg.Sandbox)
		slog.Info("Sandbox provider configured", "base_url", cfg.Sandbox.BaseURL)
	} else {
		slog.Info("No sandbox provider configured, chats run without workspaces")
	}

	engine := stream.NewEngine(cfg.Stream, cfg.Agent, stream.Deps{
		Chats:      chatService,
		Messages:   messageService,
		Events:     eventService,
		Publisher:  publisher,
		Subscriber: subscriber,
		Registry:   stream.NewCancellationRegistry(cfg.Stream.CancelPendingTTL),
		FollowUps:  followUps,
		Sandboxes:  sandboxes,
		Agents:     agent.NewSubprocessFactory(cfg.Agent),
		KV:         kvClient,
	})
	engine.Start(ctx)
	slog.Info("Stream engine started")

	// 6. Scheduler runner and maintenance loop
	schedRunner := scheduler.NewRunner(cfg.Scheduler, taskService, chatService, messageService, engine)
	maint := maintenance.NewService(cfg.Maintenance, schedRunner, tokenService, chatService, sandboxes)
	maint.Start(ctx)
	slog.Info("Maintenance loop started", "scheduler_workers", cfg.Scheduler.WorkerCount)

	// 7. HTTP server
	httpServer := api.NewServer(cfg, api.Deps{
		DB:          dbClient,
		KV:          kvClient,
		Chats:       chatService,
		Messages:    messageService,
		Events:      eventService,
		Engine:      engine,
		Resumer:     stream.NewResumer(cfg.Stream, eventService, messageService, subscriber),
		FollowUps:   followUps,
		Permissions: permRegistry,
		Publisher:   publisher,
		Subscriber:  subscriber,
		Scheduler:   taskService,
		Sandboxes:   sandboxes,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()
	slog.Info("Relay started successfully")

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown: stop admitting work, drain streams, then close
	// the listener. Streams that outlive the grace window are interrupted
	// and recovered as orphans on the next start.
	maint.Stop()
	slog.Info("Maintenance loop stopped")

	engine.Stop(30 * time.Second)
	slog.Info("Stream engine stopped")

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
