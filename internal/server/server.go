package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sniperbc/subscriptions/internal/config"
	"github.com/sniperbc/subscriptions/internal/logging"
)

var loadConfig = config.Load

// Run starts the subscription HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "subscriptions",
		FilePath:  cfg.LogFile,
	})
	defer logging.Shutdown()

	log.Info().Str("version", version).Msg("Starting subscription service")

	app, err := NewApp(cfg)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	RegisterRoutes(mux, &Deps{
		Config:        cfg,
		Store:         app.Store,
		Subscriptions: app.Subscriptions,
		Engine:        app.Engine,
		Intents:       app.Intents,
		Version:       version,
	})

	addr := cfg.Addr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           RequestID(mux),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Derived context for background goroutines
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	app.StartBackground(ctx)

	go func() {
		log.Info().Str("addr", addr).Msg("Subscription service listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Server failed")
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	// Webhooks are drained; let background distributions finish before the
	// store goes away.
	if err := app.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Store close error")
	}

	cancel()
	log.Info().Msg("Subscription service stopped")
	return nil
}
