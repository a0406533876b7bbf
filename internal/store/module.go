package store

import (
	"context"

	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/ronappleton/growth-orchestrator/internal/config"
)

type Params struct {
	fx.In

	Config    config.Config
	Clock     clockwork.Clock
	Logger    *zap.Logger
	Lifecycle fx.Lifecycle
}

// Open builds the gateway selected by database.driver.
func Open(ctx context.Context, cfg config.DatabaseConfig, clock clockwork.Clock, logger *zap.Logger) (Gateway, error) {
	switch cfg.Driver {
	case DriverPostgres, DriverSQLite:
		return OpenSQL(ctx, cfg.Driver, cfg.DSN, clock, logger)
	default:
		logger.Warn("using in-memory store, state will not survive a restart")
		return NewMemoryStore(clock), nil
	}
}

func Module() fx.Option {
	return fx.Module("store",
		fx.Provide(
			func(p Params) (Gateway, error) {
				gw, err := Open(context.Background(), p.Config.Database, p.Clock, p.Logger)
				if err != nil {
					return nil, err
				}
				p.Lifecycle.Append(fx.Hook{
					OnStop: func(context.Context) error {
						return gw.Close()
					},
				})
				return gw, nil
			},
			func(gw Gateway, cfg config.Config) *DefinitionCache {
				return NewDefinitionCache(gw, cfg.Definitions.CacheSize, cfg.Definitions.CacheTTL)
			},
		),
	)
}
