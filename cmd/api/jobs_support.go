package main

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/YashwanthKothakota9/file-converter/internal/config"
	"github.com/YashwanthKothakota9/file-converter/internal/document"
	"github.com/YashwanthKothakota9/file-converter/internal/jobs"
	"github.com/YashwanthKothakota9/file-converter/internal/progress"
)

// newRegistry は設定に応じた進捗ストアを返します。返り値の関数で接続を閉じます。
func newRegistry(cfg *config.Config) (progress.Registry, func(), error) {
	if cfg.ProgressBackend != config.ProgressBackendRedis {
		return progress.NewMemoryRegistry(), func() {}, nil
	}

	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ttl := time.Duration(cfg.ProgressTTLMinutes) * time.Minute
	return progress.NewRedisRegistry(client, ttl), func() { _ = client.Close() }, nil
}

// setupQueue は asynq キューを作成し、変換を同じプロセスのワーカーで処理させます。
func setupQueue(cfg *config.Config, svc *document.Service, logger *zap.Logger) (*jobs.Manager, error) {
	manager, err := jobs.NewManager(jobs.ManagerOptions{
		RedisURL:       cfg.QueueRedisURL,
		Concurrency:    cfg.ConvertWorkers,
		ConvertTimeout: cfg.ConvertTimeout,
	}, svc, logger)
	if err != nil {
		return nil, err
	}
	svc.UseScheduler(manager)
	manager.StartWorkers()
	return manager, nil
}
