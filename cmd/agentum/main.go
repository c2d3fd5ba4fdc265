// Agentum is the agent session orchestration service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentum-ai/agentum/pkg/api"
	"github.com/agentum-ai/agentum/pkg/config"
	"github.com/agentum-ai/agentum/pkg/events"
	"github.com/agentum-ai/agentum/pkg/permissions"
	"github.com/agentum-ai/agentum/pkg/runner"
	"github.com/agentum-ai/agentum/pkg/sandbox"
	"github.com/agentum-ai/agentum/pkg/services"
	"github.com/agentum-ai/agentum/pkg/sessionfs"
	"github.com/agentum-ai/agentum/pkg/storage"
	"github.com/agentum-ai/agentum/pkg/version"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configDir := flag.String("config-dir", "config", "configuration directory")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	setupLogging(*logLevel)

	// Optional .env for local development; absence is fine.
	if err := godotenv.Load(); err == nil {
		slog.Debug("Loaded .env file")
	}

	slog.Info("Starting "+version.AppName, "version", version.Full())

	if err := run(*configDir); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func run(configDir string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Initialize(ctx, configDir)
	if err != nil {
		return err
	}

	store, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	fs, err := sessionfs.NewManager(cfg.Sessions.Root, cfg.Sessions.SkillsDir)
	if err != nil {
		return err
	}

	profile, err := permissions.LoadProfile(cfg.PermissionsFile())
	if err != nil {
		return fmt.Errorf("failed to load permission profile: %w", err)
	}

	sandboxCfg, err := sandbox.LoadConfig(cfg.SecurityFile())
	if err != nil {
		return err
	}
	launcher := sandbox.NewLauncher(sandboxCfg, cfg.Sessions.SkillsDir)
	if launcher.Enabled() {
		if !launcher.Available() {
			// Fail-closed policy: runs would be refused anyway, surface it now.
			return fmt.Errorf("sandboxing enabled but %q not found in PATH", sandboxCfg.BwrapPath)
		}
		if missing := launcher.ValidateMountSources(); len(missing) > 0 {
			slog.Warn("Sandbox mount sources missing on this host", "paths", missing)
		}
	} else {
		slog.Warn("Sandboxing is DISABLED; agent processes run unconfined")
	}

	auth, err := services.NewAuthService(store, cfg.SecretsFile())
	if err != nil {
		return err
	}

	hubs := events.NewRegistry(store)
	runs := runner.NewRegistry(cfg.Sessions.MaxConcurrent)
	sup := runner.NewSupervisor(fs, launcher, cfg.Sessions.AgentCommand,
		cfg.Events.MaxLineBytes, cfg.GracePeriod())
	sessions := services.NewSessionService(cfg, store, fs, hubs, runs, sup, profile)

	// Sessions left live by an unclean shutdown are finalized before the
	// server accepts traffic.
	if n, err := sessions.CleanupStale(ctx); err != nil {
		return fmt.Errorf("stale session cleanup failed: %w", err)
	} else if n > 0 {
		slog.Info("Finalized stale sessions", "count", n)
	}

	server := api.NewServer(cfg, auth, sessions, store)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		slog.Error("Session shutdown incomplete", "error", err)
	}
	slog.Info("Shutdown complete")
	return nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
