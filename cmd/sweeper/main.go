package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/keakon/delayed/internal/api"
	"github.com/keakon/delayed/internal/config"
	"github.com/keakon/delayed/internal/logger"
	"github.com/keakon/delayed/internal/queue"
	"github.com/keakon/delayed/internal/sweeper"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")

	log := logger.Get()
	log.Info().Strs("queues", cfg.Sweeper.Queues).Msg("Starting sweeper...")

	client, err := queue.NewClient(&cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer client.Close()

	queues := make([]*queue.Queue, 0, len(cfg.Sweeper.Queues))
	for _, name := range cfg.Sweeper.Queues {
		queues = append(queues, queue.New(client, name))
	}

	adminSrv := api.NewServer(cfg, client, queues)
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sw := sweeper.New(client, &cfg.Sweeper)
	sw.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down sweeper...")
	sw.Stop()
	log.Info().Msg("Sweeper stopped")
}
