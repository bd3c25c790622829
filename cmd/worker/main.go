package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"zipball-packager/internal/collector"
	"zipball-packager/internal/config"
	"zipball-packager/internal/logger"
	"zipball-packager/internal/models"
	"zipball-packager/internal/queue"
	"zipball-packager/internal/storage"
	"zipball-packager/internal/store"
	"zipball-packager/internal/telemetry"
	workerproc "zipball-packager/internal/worker"
)

func main() {
	cfg := config.Load()
	logger.Init("worker", cfg.LogLevel)
	log := logger.Logger

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
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

	q := queue.NewRedisQueue(queue.NewRedisClient(cfg), cfg)

	publisher, err := storage.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init artifact publisher")
	}

	dispatcher, err := workerproc.NewDispatcher(map[models.JobType]workerproc.Handler{
		models.JobTypeFetchable: workerproc.NewPipeline(st, models.JobTypeFetchable,
			workerproc.NewFetchable(cfg, collector.New(cfg), publisher)).WithClaimLease(cfg.VisibilityTimeout),
		models.JobTypeStandalone: workerproc.NewPipeline(st, models.JobTypeStandalone,
			workerproc.NewStandalone(cfg, publisher)).WithClaimLease(cfg.VisibilityTimeout),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("init dispatcher")
	}

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor := workerproc.NewProcessor(cfg, q, dispatcher, workerID)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Str("worker_id", workerID).
		Dur("visibility", cfg.VisibilityTimeout).
		Dur("backoff_initial", cfg.BackoffInitial).
		Str("out_dir", cfg.OutDir).
		Msg("worker started")
	if err := processor.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("worker stopped")
	}
}
