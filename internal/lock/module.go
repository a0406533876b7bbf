package lock

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/ronappleton/growth-orchestrator/internal/config"
	"github.com/ronappleton/growth-orchestrator/internal/store"
)

func processID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "growth"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func Module() fx.Option {
	return fx.Module("lock",
		fx.Provide(func(lc fx.Lifecycle, cfg config.Config, gw store.Gateway, logger *zap.Logger) (*Service, error) {
			if cfg.Locks.Backend != "redis" {
				return NewService(NewStoreBackend(gw), processID(), logger), nil
			}
			client := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					if err := client.Ping(ctx).Err(); err != nil {
						return fmt.Errorf("redis lock backend: %w", err)
					}
					logger.Info("redis lock backend connected", zap.String("addr", cfg.Redis.Addr))
					return nil
				},
				OnStop: func(context.Context) error {
					return client.Close()
				},
			})
			return NewService(NewRedisBackend(client, "growth:"), processID(), logger), nil
		}),
	)
}
