// Package app wires configuration into a connected prism for the binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/Prismadic/magnet/core/config"
	"github.com/Prismadic/magnet/internal/bus"
	"github.com/Prismadic/magnet/internal/bus/jetstream"
	"github.com/Prismadic/magnet/internal/bus/miniostore"
	"github.com/Prismadic/magnet/internal/prism"
	"github.com/Prismadic/magnet/internal/status"
)

type App struct {
	Config config.Config
	Prism  *prism.Prism
	Redis  *redis.Client // nil unless STATUS_REDIS_URL is set
}

// New builds the dialer (object stores on MinIO when configured), the
// status sinks and the prism. It does not connect; call Align.
func New(ctx context.Context, cfg config.Config, name string) (*App, error) {
	var dialer bus.Dialer = jetstream.NewDialer(cfg.Bus, name)
	if cfg.Objects.Backend == config.ObjectStoreMinIO {
		store, err := miniostore.New(cfg.Objects)
		if err != nil {
			return nil, fmt.Errorf("minio: %w", err)
		}
		dialer = bus.WithObjectStoresDialer(dialer, store)
		slog.InfoContext(ctx, "object stores on minio", "endpoint", cfg.Objects.MinIOEndpoint)
	}

	sinks := []status.Sink{status.NewSlogSink(nil)}
	var redisClient *redis.Client
	if cfg.Status.RedisEnabled() {
		opts, err := redis.ParseURL(cfg.Status.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			_ = redisClient.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		sinks = append(sinks, status.NewRedisSink(redisClient, cfg.Status.Stream, name))
		slog.InfoContext(ctx, "redis connected", "stream", cfg.Status.Stream)
	}

	p := prism.New(cfg.Bus, dialer,
		prism.WithStatus(status.Multi(sinks...)),
		prism.WithAlign(cfg.Align),
	)
	return &App{Config: cfg, Prism: p, Redis: redisClient}, nil
}

func (a *App) Align(ctx context.Context) error {
	return a.Prism.Align(ctx)
}

func (a *App) Close(ctx context.Context) {
	if err := a.Prism.Off(ctx); err != nil {
		slog.WarnContext(ctx, "bus close error", "error", err)
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
}
