package recovery

import (
	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/ronappleton/growth-orchestrator/internal/config"
	"github.com/ronappleton/growth-orchestrator/internal/lock"
	"github.com/ronappleton/growth-orchestrator/internal/scheduling"
	"github.com/ronappleton/growth-orchestrator/internal/store"
)

func Module() fx.Option {
	return fx.Provide(func(gw store.Gateway, defs *store.DefinitionCache, locks *lock.Service, sched *scheduling.Scheduler, clock clockwork.Clock, cfg config.Config, logger *zap.Logger) *Service {
		return New(gw, defs, locks, sched, clock, Options{
			StepTTL:     cfg.Locks.StepTTL,
			WaitTimeout: cfg.Locks.WaitTimeout,
			Concurrency: cfg.Scheduler.RecoveryConcurrency,
		}, logger.Named("recovery"))
	})
}
