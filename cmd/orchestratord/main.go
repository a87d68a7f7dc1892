package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/casarerpa/orchestrator/internal/app"
	"github.com/casarerpa/orchestrator/internal/logging"
	"github.com/casarerpa/orchestrator/internal/server"
)

func main() {
	configPath := os.Getenv("ORCHESTRATOR_CONFIG")

	ctx := context.Background()
	a, err := app.New(ctx, configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize orchestrator: %v\n", err)
		os.Exit(1)
	}

	logging.PrintBanner(a.Config, a.Logger)

	a.Start()

	srv := server.NewServer(a)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			a.Logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	a.Logger.Info().
		Str("addr", fmt.Sprintf("%s:%d", a.Config.Server.Host, a.Config.Server.Port)).
		Msg("orchestrator ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	a.Logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	logging.PrintShutdownBanner(a.Logger)
	a.Close()
	a.Logger.Info().Msg("orchestrator stopped")
}
