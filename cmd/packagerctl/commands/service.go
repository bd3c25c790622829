package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"zipball-packager/internal/config"
	"zipball-packager/internal/jobs"
	"zipball-packager/internal/logger"
	"zipball-packager/internal/queue"
	"zipball-packager/internal/storage"
	"zipball-packager/internal/store"
)

// openService connects to the configured store and queue. The returned func
// releases them.
var openService = func(ctx context.Context) (*jobs.Service, func(), error) {
	cfg := config.Load()
	logger.Init("packagerctl", cfg.LogLevel)

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	client := queue.NewRedisClient(cfg)
	publisher, err := storage.New(ctx, cfg)
	if err != nil {
		st.Close()
		_ = client.Close()
		return nil, nil, fmt.Errorf("init artifact publisher: %w", err)
	}
	svc := jobs.NewService(st, queue.NewRedisQueue(client, cfg), publisher, cfg)
	return svc, func() {
		_ = client.Close()
		st.Close()
	}, nil
}

func withService(ctx context.Context, fn func(*jobs.Service) error) error {
	svc, closeFn, err := openService(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(svc)
}

func printJSON(w io.Writer, v any) error {
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("error formatting response: %w", err)
	}
	_, err = fmt.Fprintln(w, string(pretty))
	return err
}
