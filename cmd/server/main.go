package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/CedrosPay/ticketing/pkg/ticketing"
)

func main() {
	configPath := flag.String("config", "", "path to config yaml (environment variables override it)")
	envFile := flag.String("env-file", ".env", "optional dotenv file loaded before the config")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatal().Err(err).Str("file", *envFile).Msg("server.env_file_failed")
	}

	cfg, err := ticketing.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("server.config_failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := ticketing.NewApp(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("server.init_failed")
	}
	logger := app.Logger

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("address", cfg.Server.Address).Msg("server.listening")
		serveErr <- app.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("server.shutting_down")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server.listen_failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server.shutdown_failed")
	}
	if err := app.Close(); err != nil {
		logger.Error().Err(err).Msg("server.close_failed")
	}
	logger.Info().Msg("server.stopped")
}
