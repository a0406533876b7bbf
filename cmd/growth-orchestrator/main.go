package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"

	"github.com/ronappleton/growth-orchestrator/internal/cli"
	"github.com/ronappleton/growth-orchestrator/internal/collaborator"
	"github.com/ronappleton/growth-orchestrator/internal/config"
	"github.com/ronappleton/growth-orchestrator/internal/definitions"
	"github.com/ronappleton/growth-orchestrator/internal/engine"
	"github.com/ronappleton/growth-orchestrator/internal/execution"
	grpcserver "github.com/ronappleton/growth-orchestrator/internal/grpc"
	"github.com/ronappleton/growth-orchestrator/internal/httpserver"
	"github.com/ronappleton/growth-orchestrator/internal/lock"
	"github.com/ronappleton/growth-orchestrator/internal/logging"
	"github.com/ronappleton/growth-orchestrator/internal/monitoring"
	"github.com/ronappleton/growth-orchestrator/internal/otel"
	"github.com/ronappleton/growth-orchestrator/internal/recovery"
	"github.com/ronappleton/growth-orchestrator/internal/scheduling"
	"github.com/ronappleton/growth-orchestrator/internal/store"
)

const serviceName = "growth-orchestrator"

func main() {
	rootCmd := cli.NewRootCommand(cli.Runner{
		Serve:   serve,
		Recover: recoverOnce,
		Control: control,
	})
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// core is everything but the outer surfaces and the engine lifecycle.
// Definitions are seeded on start, ahead of any engine hook.
func core(configPath string) fx.Option {
	return fx.Options(
		config.Module(configPath),
		logging.Module(serviceName),
		otel.Module(),
		fx.Provide(func() clockwork.Clock { return clockwork.NewRealClock() }),
		store.Module(),
		definitions.Module(),
		lock.Module(),
		collaborator.Module(),
		execution.Module(),
		scheduling.Module(),
		recovery.Module(),
		monitoring.Module(),
	)
}

func serve(configPath string) error {
	app := fx.New(
		core(configPath),
		engine.Module(),
		httpserver.Module(),
		grpcserver.Module,
	)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}

func recoverOnce(ctx context.Context, configPath string) (int, error) {
	var recovered int
	err := runOnce(ctx, configPath, func(ctx context.Context, o *engine.Orchestrator) error {
		n, err := o.Recover(ctx)
		recovered = n
		return err
	})
	return recovered, err
}

func control(ctx context.Context, configPath string, fn func(context.Context, cli.Campaigns) error) error {
	return runOnce(ctx, configPath, func(ctx context.Context, o *engine.Orchestrator) error {
		return fn(ctx, o)
	})
}

// runOnce builds the engine without its trigger loops, runs fn as the start
// hook and shuts everything down again.
func runOnce(ctx context.Context, configPath string, fn func(context.Context, *engine.Orchestrator) error) error {
	app := fx.New(
		core(configPath),
		fx.Provide(engine.Provide),
		fx.Invoke(func(lc fx.Lifecycle, o *engine.Orchestrator) {
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error { return fn(ctx, o) },
				OnStop:  o.Shutdown,
			})
		}),
	)
	if err := app.Err(); err != nil {
		return err
	}
	startCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	startErr := app.Start(startCtx)

	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil && startErr == nil {
		return err
	}
	return startErr
}
