package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/ronappleton/growth-orchestrator/internal/config"
	"github.com/ronappleton/growth-orchestrator/internal/engine"
)

type Server struct {
	cfg    config.Config
	logger *zap.Logger
	ops    Operator
	srv    *http.Server
}

func Module() fx.Option {
	return fx.Options(
		fx.Provide(
			fx.Annotate(
				func(o *engine.Orchestrator) *engine.Orchestrator { return o },
				fx.As(new(Operator)),
			),
			NewServer,
		),
		fx.Invoke(RegisterHooks),
	)
}

func NewServer(cfg config.Config, ops Operator, logger *zap.Logger) *Server {
	s := &Server{cfg: cfg, logger: logger.Named("http"), ops: ops}
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(s.Routes(), "operator"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleLiveness)
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /v1/statistics", s.handleStatistics)
	mux.HandleFunc("GET /v1/alerts", s.handleAlerts)
	mux.HandleFunc("POST /v1/alerts/{id}/ack", s.handleAcknowledge)
	mux.HandleFunc("GET /v1/workflows", s.handleActive)
	mux.HandleFunc("GET /v1/workflows/{account}", s.handleStatus)
	mux.HandleFunc("GET /v1/workflows/{account}/history", s.handleHistory)
	return mux
}

func RegisterHooks(lc fx.Lifecycle, server *Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			server.logger.Info("http server starting", zap.String("addr", server.srv.Addr))
			go func() {
				if err := server.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					server.logger.Error("http server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			server.logger.Info("http server stopping")
			return server.srv.Shutdown(shutdownCtx)
		},
	})
}
