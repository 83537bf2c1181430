/*
main.go - Application entry point

STARTUP SEQUENCE:
  1. Load configuration (file + MANCHENGO_ environment)
  2. Open the SQLite store, migrate schema
  3. Assemble the application context (stock, production, sync)
  4. Start the background scheduler
  5. Serve HTTP with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections, drain active requests (30s)
  2. Stop the scheduler and wait for in-flight ticks
  3. Close the database

EXAMPLES:
  # Default config, local database
  ./server

  # Explicit config file
  ./server -config=./manchengo.yaml

  # Environment overrides
  MANCHENGO_SERVER_PORT=9000 MANCHENGO_SYNC_ENABLED=true ./server
*/
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Mokksdz/manchengo/api"
	"github.com/Mokksdz/manchengo/app"
	"github.com/Mokksdz/manchengo/config"
	"github.com/Mokksdz/manchengo/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "config file path (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("load config")
	}

	log := newLogger(cfg.Log)

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Database.Path).Msg("open database")
	}

	appCtx := app.New(cfg, store, log)
	defer appCtx.Close()

	handler := api.NewHandler(appCtx)
	scheduler := api.NewScheduler(appCtx, log)
	scheduler.Start()

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", server.Addr).
			Str("device_id", appCtx.DeviceID).
			Bool("sync_enabled", cfg.Sync.Enabled).
			Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}

	scheduler.Stop()
	log.Info().Msg("server stopped")
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var log zerolog.Logger
	if cfg.Pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Logger()
}
