package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hyakulive/hyakulive/internal/config"
	"github.com/hyakulive/hyakulive/internal/server"
)

func main() {
	config.LoadEnv()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	cfg := config.ServerFromEnv()
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	hub := server.NewHub(clockwork.NewRealClock(), rand.New(rand.NewSource(time.Now().UnixNano())), cfg.MaxPlayers)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Port),
		Handler: server.NewServer(hub).Handler(),
		// No global read/write timeouts: WebSocket connections are
		// long-lived and pace their own deadlines.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Int("rooms", server.FixedRoomCount).Msg("room server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("room server shutdown complete")
}
