package execution

import (
	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/ronappleton/growth-orchestrator/internal/collaborator"
	"github.com/ronappleton/growth-orchestrator/internal/config"
)

func Module() fx.Option {
	return fx.Provide(func(actions collaborator.Actions, cfg config.Config, clock clockwork.Clock, logger *zap.Logger) *Executor {
		return New(actions, Timeouts{
			Content:    cfg.Collaborators.ContentTimeout,
			Batch:      cfg.Collaborators.BatchTimeout,
			Continuous: cfg.Collaborators.ContinuousTimeout,
		}, logger.Named("execution"), WithClock(clock))
	})
}
