package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolyhq/cnc/internal/server"
	"github.com/wolyhq/cnc/internal/store"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	cfg, err := server.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if cfg.LogFormat == "json" {
		log = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	for _, warning := range cfg.Warnings() {
		log.Warn().Msg(warning)
	}

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer func() { _ = db.Close() }()

	// Startup reconciliation: any command left non-terminal by an
	// unclean shutdown is resolved before the server accepts connections.
	reconciled, err := db.ReconcileOnStartup(context.Background(), "reconciled-on-restart", time.Now())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to reconcile commands on startup")
	}
	if reconciled > 0 {
		log.Warn().Int64("count", reconciled).Msg("reconciled non-terminal commands from a prior run")
	}

	srv := server.New(cfg, db, log)

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-shutdownCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			log.Fatal().Err(err).Msg("server error")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
		os.Exit(1)
	}

	log.Info().Msg("server shutdown complete")
}
