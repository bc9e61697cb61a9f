package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kcolemangt/ai-proxy/config"
	"github.com/kcolemangt/ai-proxy/handler"
	"github.com/kcolemangt/ai-proxy/logging"
	"go.uber.org/zap"
)

func main() {
	// Initialize command-line flags
	flags := config.InitFlags()

	// Initialize the logger
	logger, err := logging.NewLogger(flags.LogLevel, flags.LogFile)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// Load the configuration
	cfg, err := config.LoadConfig(flags, config.DefaultConfig(), logger)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	server, err := handler.NewServer(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize providers", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ListeningPort),
		Handler:           server.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("Universal AI Proxy running",
			zap.String("addr", srv.Addr),
			zap.String("defaultProvider", string(cfg.DefaultProvider)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
}
