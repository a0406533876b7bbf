package monitoring

import (
	"context"
	"net/http"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/ronappleton/growth-orchestrator/internal/config"
	"github.com/ronappleton/growth-orchestrator/internal/store"
)

// Module provides the Monitor. The health loop itself is started by the
// engine once recovery has finished.
func Module() fx.Option {
	return fx.Module("monitoring",
		fx.Provide(func(lc fx.Lifecycle, gw store.Gateway, clock clockwork.Clock, cfg config.Config, logger *zap.Logger) *Monitor {
			logger = logger.Named("monitoring")
			mc := cfg.Monitoring
			opts := []Option{WithClock(clock)}
			if mc.AlertWebhookURL != "" {
				client := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport), Timeout: mc.AlertFlushInterval}
				sink := NewWebhookSink(mc.AlertWebhookURL, mc.AlertBufferSize, mc.AlertFlushInterval, client, logger)
				lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return sink.Close(ctx) }})
				opts = append(opts, WithSink(sink))
			}
			return New(gw, Thresholds{
				MinSamples:      mc.MinSamples,
				MaxFailureRate:  mc.MaxFailureRate,
				MinSuccessRate:  mc.MinSuccessRate,
				MaxAvgExecution: mc.MaxAvgExecution,
				MaxQueueDepth:   mc.MaxQueueDepth,
			}, mc.MaxAlerts, logger, opts...)
		}),
	)
}
