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

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vulnwatch/jvulnsync/internal/api"
	"github.com/vulnwatch/jvulnsync/internal/checkpoint"
	"github.com/vulnwatch/jvulnsync/internal/config"
	"github.com/vulnwatch/jvulnsync/internal/database"
	"github.com/vulnwatch/jvulnsync/internal/fetchers/nvd"
	"github.com/vulnwatch/jvulnsync/internal/fetchers/osv"
	"github.com/vulnwatch/jvulnsync/internal/mapper"
	"github.com/vulnwatch/jvulnsync/internal/store"
	"github.com/vulnwatch/jvulnsync/internal/syncer"
)

func main() {
	setupLogging()

	log.Info().Msg("starting java vulnerability sync")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	log.Info().
		Str("db_host", cfg.Database.Host).
		Str("nvd_base_url", cfg.NVD.BaseURL).
		Bool("nvd_api_key", cfg.NVD.APIKey != "").
		Str("run_mode", cfg.RunMode).
		Msg("configuration loaded")

	db, err := database.New(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to bootstrap schema")
	}

	epoch, err := cfg.Epoch()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid epoch configuration")
	}

	cp := checkpoint.New(db)
	records := store.New(db)
	orchestrator := syncer.New(
		cp,
		nvd.New(cfg.NVD),
		osv.New(cfg.OSV),
		records,
		mapper.Map,
		epoch,
		cfg.MaxWindow(),
	)

	// Status server is optional; long anonymous runs benefit from it.
	var httpServer *http.Server
	if cfg.Server.Port > 0 {
		apiServer := api.NewServer(db, cp, records, orchestrator)
		httpServer = &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      apiServer.Router(),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		}

		go func() {
			log.Info().Int("port", cfg.Server.Port).Msg("starting status server")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("status server failed")
			}
		}()
	}

	exitCode := 0
	switch cfg.RunMode {
	case "daemon":
		runDaemon(ctx, cfg, orchestrator)
	default:
		if _, err := orchestrator.Run(ctx); err != nil {
			log.Error().Err(err).Msg("sync run failed")
			exitCode = 1
		}
	}

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("status server shutdown failed")
		}
	}

	log.Info().Int("exit_code", exitCode).Msg("java vulnerability sync stopped")
	os.Exit(exitCode)
}

// runDaemon runs the sync on a cron schedule until the context is
// cancelled by SIGINT/SIGTERM. A failed run is logged and retried at the
// next tick; the checkpoint makes re-running safe.
func runDaemon(ctx context.Context, cfg *config.Config, orchestrator *syncer.Orchestrator) {
	c := cron.New()

	runOnce := func() {
		_, err := orchestrator.Run(ctx)
		switch {
		case errors.Is(err, syncer.ErrRunInProgress):
			// A long backlog can outlast the interval; skip the tick.
			log.Warn().Msg("previous sync run still in progress, skipping")
		case err != nil:
			log.Error().Err(err).Msg("scheduled sync run failed")
		}
	}

	if _, err := c.AddFunc(cfg.Scheduling.SyncInterval, runOnce); err != nil {
		log.Fatal().
			Err(err).
			Str("interval", cfg.Scheduling.SyncInterval).
			Msg("invalid sync interval")
	}

	log.Info().
		Str("interval", cfg.Scheduling.SyncInterval).
		Msg("daemon mode: sync scheduled")

	// Run immediately on start, then on schedule.
	go runOnce()

	c.Start()
	<-ctx.Done()

	log.Info().Msg("shutdown signal received")
	stopCtx := c.Stop()
	<-stopCtx.Done()
}

func setupLogging() {
	// Human-readable output outside production
	if os.Getenv("ENVIRONMENT") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	logLevel := zerolog.InfoLevel
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		if parsedLevel, err := zerolog.ParseLevel(level); err == nil {
			logLevel = parsedLevel
		}
	}
	zerolog.SetGlobalLevel(logLevel)
}
