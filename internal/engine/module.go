package engine

import (
	"net/http"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/ronappleton/growth-orchestrator/internal/config"
	"github.com/ronappleton/growth-orchestrator/internal/execution"
	"github.com/ronappleton/growth-orchestrator/internal/lock"
	"github.com/ronappleton/growth-orchestrator/internal/monitoring"
	"github.com/ronappleton/growth-orchestrator/internal/recovery"
	"github.com/ronappleton/growth-orchestrator/internal/scheduling"
	"github.com/ronappleton/growth-orchestrator/internal/store"
)

type Params struct {
	fx.In

	Lifecycle   fx.Lifecycle
	Config      config.Config
	Logger      *zap.Logger
	Clock       clockwork.Clock
	Gateway     store.Gateway
	Definitions *store.DefinitionCache
	Locks       *lock.Service
	Executor    *execution.Executor
	Scheduler   *scheduling.Scheduler
	Poller      *scheduling.Poller
	Recovery    *recovery.Service
	Monitor     *monitoring.Monitor
}

// Provide builds the orchestrator without registering its lifecycle, for
// one-shot commands that drive it directly.
func Provide(p Params) *Orchestrator {
	logger := p.Logger.Named("engine")
	var observers []monitoring.Observer
	if n := p.Config.Notify; n.AuditLogURL != "" || n.EventBusURL != "" {
		client := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
		notifier := NewNotifier(n.AuditLogURL, n.EventBusURL, client, logger.Named("notifier"))
		p.Lifecycle.Append(fx.Hook{OnStop: notifier.Close})
		observers = append(observers, notifier)
	}
	return New(Deps{
		Gateway:     p.Gateway,
		Definitions: p.Definitions,
		Locks:       p.Locks,
		Executor:    p.Executor,
		Scheduler:   p.Scheduler,
		Poller:      p.Poller,
		Recovery:    p.Recovery,
		Monitor:     p.Monitor,
		Observers:   observers,
		Clock:       p.Clock,
	}, Options{
		StartTTL:          p.Config.Locks.StartTTL,
		StepTTL:           p.Config.Locks.StepTTL,
		WaitTimeout:       p.Config.Locks.WaitTimeout,
		DefaultMaxRetries: p.Config.Scheduler.DefaultMaxRetries,
		HealthSpec:        p.Config.Monitoring.HealthSpec,
	}, logger)
}

func Module() fx.Option {
	return fx.Module("engine",
		fx.Provide(Provide),
		fx.Invoke(func(lc fx.Lifecycle, o *Orchestrator) {
			lc.Append(fx.Hook{
				OnStart: o.Initialize,
				OnStop:  o.Shutdown,
			})
		}),
	)
}
