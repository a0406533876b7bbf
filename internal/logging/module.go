package logging

import (
	"context"
	"errors"
	"syscall"

	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ronappleton/growth-orchestrator/internal/config"
)

func New(cfg config.LoggingConfig, service string) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.Encoding == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("service", service))
	if cfg.SinkURL != "" {
		logger = attachSink(logger, cfg.SinkURL, cfg.SinkAPIKey, service)
	}
	return logger, nil
}

func Module(service string) fx.Option {
	return fx.Options(
		fx.Provide(func(lc fx.Lifecycle, cfg config.Config) (*zap.Logger, error) {
			logger, err := New(cfg.Logging, service)
			if err != nil {
				return nil, err
			}
			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					// stdout/stderr cannot be synced on most platforms
					if err := logger.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) && !errors.Is(err, syscall.ENOTTY) {
						return err
					}
					return nil
				},
			})
			return logger, nil
		}),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			l := &fxevent.ZapLogger{Logger: logger.Named("fx")}
			l.UseLogLevel(zapcore.DebugLevel)
			return l
		}),
	)
}

type cronLogger struct {
	s *zap.SugaredLogger
}

// CronLogger adapts zap to the cron package; cron's chatty info output is
// demoted to debug.
func CronLogger(logger *zap.Logger) cron.Logger {
	return cronLogger{s: logger.Named("cron").Sugar()}
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.s.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.s.With(zap.Error(err)).Errorw(msg, keysAndValues...)
}
