package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ronappleton/growth-orchestrator/internal/logging"
	"github.com/ronappleton/growth-orchestrator/internal/store"
	"github.com/ronappleton/growth-orchestrator/internal/workflow"
)

type PollerOptions struct {
	Spec        string
	BatchSize   int
	Concurrency int
}

// Poller is the durable trigger path: it periodically claims due tasks from
// the store regardless of whether their in-memory timer survived.
type Poller struct {
	gw     store.Gateway
	sched  *Scheduler
	clock  clockwork.Clock
	opts   PollerOptions
	logger *zap.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

func NewPoller(gw store.Gateway, sched *Scheduler, clock clockwork.Clock, opts PollerOptions, logger *zap.Logger) *Poller {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{gw: gw, sched: sched, clock: clock, opts: opts, logger: logger}
}

// RunOnce dispatches one batch of due tasks and reports how many were found.
// Individual dispatch failures are logged, never returned.
func (p *Poller) RunOnce(ctx context.Context) (int, error) {
	tasks, err := p.gw.GetDueTasks(ctx, p.clock.Now(), p.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("load due tasks: %w", err)
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for _, task := range tasks {
		g.Go(func() error {
			err := p.sched.Dispatch(gctx, task, TriggerPoller)
			switch {
			case err == nil:
			case errors.Is(err, workflow.ErrLockContention), errors.Is(err, workflow.ErrStaleTask):
				p.logger.Debug("due task skipped",
					zap.String("task_id", task.TaskID),
					zap.String("account_id", task.AccountID),
					zap.Error(err))
			default:
				p.logger.Warn("due task dispatch failed",
					zap.String("task_id", task.TaskID),
					zap.String("account_id", task.AccountID),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	p.logger.Debug("poll complete", zap.Int("due", len(tasks)))
	return len(tasks), nil
}

// Start schedules RunOnce on the configured cron spec. Overlapping runs are
// skipped.
func (p *Poller) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron != nil {
		return errors.New("poller already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cl := logging.CronLogger(p.logger)
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := c.AddFunc(p.opts.Spec, func() {
		if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("poll failed", zap.Error(err))
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("poller spec %q: %w", p.opts.Spec, err)
	}
	c.Start()
	p.cron = c
	p.cancel = cancel
	p.logger.Info("poller started", zap.String("spec", p.opts.Spec))
	return nil
}

// Stop halts the schedule and waits for a running poll to finish or ctx to
// expire, whichever is first.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	c, cancel := p.cron, p.cancel
	p.cron, p.cancel = nil, nil
	p.mu.Unlock()
	if c == nil {
		return nil
	}
	done := c.Stop()
	select {
	case <-done.Done():
		cancel()
		return nil
	case <-ctx.Done():
		cancel()
		<-done.Done()
		return ctx.Err()
	}
}
