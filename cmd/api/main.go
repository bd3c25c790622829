package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	api "zipball-packager/internal/api"
	"zipball-packager/internal/config"
	"zipball-packager/internal/jobs"
	"zipball-packager/internal/logger"
	"zipball-packager/internal/queue"
	"zipball-packager/internal/ratelimit"
	"zipball-packager/internal/storage"
	"zipball-packager/internal/store"
)

func main() {
	cfg := config.Load()
	logger.Init("api", cfg.LogLevel)
	log := logger.Logger

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	client := queue.NewRedisClient(cfg)
	q := queue.NewRedisQueue(client, cfg)
	limiter := ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	publisher, err := storage.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init artifact publisher")
	}
	svc := jobs.NewService(st, q, publisher, cfg)

	server := api.New(svc, q, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info().Str("port", cfg.HTTPPort).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
