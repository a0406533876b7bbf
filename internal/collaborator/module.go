package collaborator

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/ronappleton/growth-orchestrator/internal/config"
)

func New(cfg config.CollaboratorsConfig, logger *zap.Logger) Actions {
	if cfg.BaseURL == "" {
		logger.Warn("no collaborator base url configured, actions run dry")
		return Dry{Logger: logger}
	}
	return NewGuard(NewHTTPClient(cfg.BaseURL), BreakerSettings{
		MaxRequests:      cfg.Breaker.MaxRequests,
		Interval:         cfg.Breaker.Interval,
		Timeout:          cfg.Breaker.Timeout,
		MinRequests:      cfg.Breaker.MinRequests,
		FailureThreshold: cfg.Breaker.FailureThreshold,
	}, logger)
}

func Module() fx.Option {
	return fx.Provide(func(cfg config.Config, logger *zap.Logger) Actions {
		return New(cfg.Collaborators, logger)
	})
}
