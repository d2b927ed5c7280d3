// Copyright 2024-2026 Aiku AI

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/aiku/sessiond/pkg/api"
	"github.com/aiku/sessiond/pkg/config"
	"github.com/aiku/sessiond/pkg/credentials"
	"github.com/aiku/sessiond/pkg/gateway"
	"github.com/aiku/sessiond/pkg/session"
	"github.com/aiku/sessiond/pkg/supervisor"
)

var (
	serveConfigPath string
	serveNoSave     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control surface and restore saved sessions",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "config.yaml", "Path to the config file")
	serveCmd.Flags().BoolVar(&serveNoSave, "no-update", false, "Don't write the upgraded config back to disk")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(serveConfigPath, !serveNoSave)
	if err != nil {
		return err
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Msg("Initializing sessiond")

	store := session.NewStore()
	sup := supervisor.New(
		store,
		gateway.NewDialer(cfg.Gateway.URL, cfg.Gateway.HandshakeTimeout, cfg.Bot.Browser, *log),
		credentials.NewImporter(cfg.CredentialMarker, *log),
		newSinkFactory(cfg, *log),
		supervisorOptions(cfg),
		*log,
	)
	httpServer := api.NewHTTPServer(cfg.ListenAddr, api.NewServer(sup, store, *log).Router(), cfg.FirstOutcomeTimeout)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if _, err := sup.Restore(ctx); err != nil {
			log.Err(err).Msg("Failed to restore sessions")
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("Starting control surface")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var result error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	case err := <-serveErr:
		log.Err(err).Msg("Control surface failed")
		result = multierror.Append(result, err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.TeardownTimeout+5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("control surface shutdown: %w", err))
	}
	if err := sup.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, err)
	}
	log.Info().Msg("Shutdown complete")
	return result
}

func supervisorOptions(cfg *config.Config) supervisor.Options {
	return supervisor.Options{
		Root:                cfg.SessionsRoot,
		FirstOutcomeTimeout: cfg.FirstOutcomeTimeout,
		TeardownTimeout:     cfg.TeardownTimeout,
		RestoreConcurrency:  cfg.RestoreConcurrency,
		Backoff: supervisor.ExponentialBackoff{
			Initial:    cfg.Backoff.Initial,
			Max:        cfg.Backoff.Max,
			Multiplier: cfg.Backoff.Multiplier,
			Jitter:     cfg.Backoff.Jitter,
		},
		Welcome: func(name string) string {
			return cfg.FormatWelcome(config.WelcomeParams{Session: name, Prefix: cfg.Bot.Prefix})
		},
	}
}
