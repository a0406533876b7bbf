package grpc

import (
	"net"
	"strconv"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ronappleton/growth-orchestrator/internal/config"
	"github.com/ronappleton/growth-orchestrator/internal/monitoring"
)

// ServiceName is the health service key operators query for engine health.
const ServiceName = "growth.Orchestrator"

func NewServer(log *zap.Logger, health *health.Server) *grpc.Server {
	srv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthpb.RegisterHealthServer(srv, health)
	log.Info("grpc health enabled", zap.String("service", ServiceName))
	return srv
}

// NewHealth returns a health server whose engine status tracks the
// monitor's latest report. Degraded still serves; only unhealthy does not.
func NewHealth(mon *monitoring.Monitor) *health.Server {
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	mon.OnReport(func(r monitoring.HealthReport) {
		hs.SetServingStatus(ServiceName, servingStatus(r.Status))
	})
	return hs
}

func servingStatus(s monitoring.HealthStatus) healthpb.HealthCheckResponse_ServingStatus {
	if s == monitoring.StatusUnhealthy {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

func NewListener(cfg config.Config) (net.Listener, error) {
	addr := net.JoinHostPort(cfg.GRPC.Host, strconv.Itoa(cfg.GRPC.Port))
	return net.Listen("tcp", addr)
}
