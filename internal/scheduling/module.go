package scheduling

import (
	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/ronappleton/growth-orchestrator/internal/config"
	"github.com/ronappleton/growth-orchestrator/internal/store"
)

// Module provides the Scheduler and Poller. Their lifecycles are driven by
// the engine so that recovery runs before either trigger path fires.
func Module() fx.Option {
	return fx.Module("scheduling",
		fx.Provide(func(gw store.Gateway, clock clockwork.Clock, cfg config.Config, logger *zap.Logger) *Scheduler {
			return New(gw, clock, Options{
				BaseBackoff:     cfg.Scheduler.BaseBackoff,
				MaxBackoff:      cfg.Scheduler.MaxBackoff,
				ContentionRetry: cfg.Scheduler.ContentionRetry,
			}, logger.Named("scheduler"))
		}),
		fx.Provide(func(gw store.Gateway, sched *Scheduler, clock clockwork.Clock, cfg config.Config, logger *zap.Logger) *Poller {
			return NewPoller(gw, sched, clock, PollerOptions{
				Spec:        cfg.Scheduler.PollSpec,
				BatchSize:   cfg.Scheduler.BatchSize,
				Concurrency: cfg.Scheduler.PollConcurrency,
			}, logger.Named("poller"))
		}),
	)
}
