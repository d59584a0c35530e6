package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/worknow/newsletter/internal/api"
	"github.com/worknow/newsletter/internal/auth"
	"github.com/worknow/newsletter/internal/bootstrap"
	"github.com/worknow/newsletter/internal/config"
	"github.com/worknow/newsletter/internal/pkg/logger"
	"github.com/worknow/newsletter/internal/worker"
)

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("address %s is already in use: %w", addr, err)
	}
	ln.Close()
	return nil
}

func fatal(msg string, err error) {
	logger.Error(msg, "component", "server", "error", err)
	logger.Sync()
	os.Exit(1)
}

func main() {
	cfgPath := "config/config.yaml"
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadFromEnv(cfgPath)
	if err != nil {
		fatal("failed to load config", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetRedactPII(!cfg.Logging.KeepPII)
	defer logger.Sync()

	addr := cfg.Server.Addr()
	if err := checkPortAvailable(addr); err != nil {
		fatal("pre-flight check failed", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.Open(ctx, cfg)
	if err != nil {
		fatal("failed to open backends", err)
	}
	defer app.Close()

	var authManager *auth.AuthManager
	if cfg.Auth.Enabled || cfg.Auth.AdminAPIKey != "" {
		baseURL := "http://" + addr
		if envURL := os.Getenv("AUTH_BASE_URL"); envURL != "" {
			baseURL = envURL
		}
		authManager = auth.NewAuthManager(cfg.Auth, baseURL, app.Sessions)
		logger.Info("admin endpoints enabled", "component", "server",
			"google_oauth", cfg.Auth.Enabled && cfg.Auth.GoogleClientID != "",
			"api_key", cfg.Auth.AdminAPIKey != "")
	} else {
		logger.Warn("admin endpoints disabled: no auth configured", "component", "server")
	}

	// A nil *digest.Service must not reach the handlers as a non-nil interface.
	var digestSvc api.DigestService
	if app.Digest != nil {
		digestSvc = app.Digest
	}
	handlers := api.NewNewsletterHandlers(app.Subscriptions, digestSvc)
	health := api.NewHealthChecker(app.DB, app.Redis, app.OutboxDepth)
	server := api.NewServer(cfg.Server, handlers, health, authManager, app.Limiter)

	// Expired verification requests are purged in-process too, so a
	// single-binary deployment needs no separate worker.
	cleanup := worker.NewDataCleanupWorker(app.Issuer, cfg.Verification.CleanupInterval(), cfg.Verification.Retention())
	if ms, ok := app.Sessions.(*auth.MemorySessions); ok {
		cleanup.SetSessionSweeper(ms)
	}
	go cleanup.Start(ctx)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("starting server", "component", "server", "addr", addr,
			"verification_store", cfg.Verification.Store, "lock", cfg.Verification.Lock,
			"outbox", cfg.Outbox.Type, "digest", app.Digest != nil)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal("server error", err)
		}
	}()

	<-done
	logger.Info("shutting down", "component", "server")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "component", "server", "error", err)
	}
	logger.Info("server stopped", "component", "server")
}
