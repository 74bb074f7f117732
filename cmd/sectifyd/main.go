// SPDX-License-Identifier: MIT

// Command sectifyd is the streaming daemon: it owns the HTTP surface,
// the media pipeline, the key alias store and an embedded segment reaper.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sectify/sectify/internal/api"
	"github.com/sectify/sectify/internal/auth"
	"github.com/sectify/sectify/internal/config"
	"github.com/sectify/sectify/internal/hls"
	"github.com/sectify/sectify/internal/keystore"
	"github.com/sectify/sectify/internal/log"
	"github.com/sectify/sectify/internal/pipeline"
	"github.com/sectify/sectify/internal/reaper"
	"github.com/sectify/sectify/internal/store"
)

// sweepInterval is the cadence for expiring key aliases and access grants.
const sweepInterval = 30 * time.Second

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	defer cfg.ZeroSecret()

	log.Configure(log.Config{Level: cfg.LogLevel, Service: "sectify"})
	logger := log.WithComponent("daemon")

	if err := cfg.Validate(); err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "config.invalid").
			Msg("configuration validation failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(cfg.DBURL)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "store.open_failed").
			Msg("cannot open database")
	}
	defer func() { _ = st.Close() }()

	sealer, err := auth.NewSecretSealer(cfg.MasterSecret)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "sealer.init_failed").
			Msg("cannot initialise secret sealer")
	}

	grants := auth.NewGrantTable()
	authSvc := auth.NewService(st, grants, cfg.MasterSecret)
	tokens := auth.NewTokenService(cfg.MasterSecret, cfg.AccessTokenTTL, cfg.MFATokenTTL)
	keys := keystore.New()

	packager := hls.NewPackager(cfg.HLSRoot)
	media := pipeline.NewService(cfg.MasterSecret, cfg.UploadRoot, packager, cfg.Workers, cfg.WorkerQueue)
	defer media.Close()

	// Expired aliases, grants and login sessions are unusable the moment
	// they lapse; the sweeper just reclaims their memory.
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				keys.Sweep()
				grants.Sweep()
				authSvc.SweepLoginSessions()
			}
		}
	}()

	rp, err := reaper.New(reaper.Config{
		Root:     cfg.HLSRoot,
		Age:      cfg.ReaperAge,
		Interval: cfg.ReaperInterval,
	})
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "reaper.config_invalid").
			Msg("invalid reaper configuration")
	}
	go func() { _ = rp.Run(ctx) }()

	server := api.NewServer(st, authSvc, tokens, sealer, media, keys)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("listen_addr", cfg.ListenAddr).
			Str(log.FieldEvent, "daemon.started").
			Msg("sectifyd listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().
			Str(log.FieldEvent, "daemon.shutdown").
			Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().
				Err(err).
				Str(log.FieldEvent, "daemon.serve_failed").
				Msg("http server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().
			Err(err).
			Str(log.FieldEvent, "daemon.shutdown_failed").
			Msg("graceful shutdown incomplete")
		os.Exit(1)
	}

	logger.Info().
		Str(log.FieldEvent, "daemon.stopped").
		Msg("sectifyd stopped")
}
