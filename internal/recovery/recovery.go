// Package recovery rebuilds scheduling state after a restart. Persisted
// instances are the source of truth; timers are re-armed from them and work
// whose fire time passed while the process was down runs immediately.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ronappleton/growth-orchestrator/internal/lock"
	"github.com/ronappleton/growth-orchestrator/internal/scheduling"
	"github.com/ronappleton/growth-orchestrator/internal/store"
	"github.com/ronappleton/growth-orchestrator/internal/workflow"
)

type Options struct {
	StepTTL     time.Duration
	WaitTimeout time.Duration
	Concurrency int
}

type Service struct {
	gw     store.Gateway
	defs   *store.DefinitionCache
	locks  *lock.Service
	sched  *scheduling.Scheduler
	clock  clockwork.Clock
	opts   Options
	logger *zap.Logger
}

func New(gw store.Gateway, defs *store.DefinitionCache, locks *lock.Service, sched *scheduling.Scheduler, clock clockwork.Clock, opts Options, logger *zap.Logger) *Service {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{gw: gw, defs: defs, locks: locks, sched: sched, clock: clock, opts: opts, logger: logger}
}

// RecoverAll re-establishes every active or half-recovered instance and
// reports how many completed the pass. An instance that fails keeps its
// recovering status and is retried on the next boot.
func (s *Service) RecoverAll(ctx context.Context) (int, error) {
	insts, err := s.gw.ListRecoverable(ctx)
	if err != nil {
		return 0, fmt.Errorf("list recoverable: %w", err)
	}
	if len(insts) == 0 {
		return 0, nil
	}
	s.logger.Info("recovering workflows", zap.Int("instances", len(insts)))

	var (
		recovered int
		errs      []error
		overdue   []*workflow.ScheduledTask
	)
	for _, inst := range insts {
		due, err := s.recoverOne(ctx, inst)
		if err != nil {
			s.logger.Error("recovery failed",
				zap.String("account_id", inst.AccountID),
				zap.String("instance_id", inst.ID),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", inst.AccountID, err))
			continue
		}
		recovered++
		overdue = append(overdue, due...)
	}

	if len(overdue) > 0 {
		s.logger.Info("executing overdue steps", zap.Int("tasks", len(overdue)))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.opts.Concurrency)
		for _, task := range overdue {
			g.Go(func() error {
				err := s.sched.Dispatch(gctx, task, scheduling.TriggerRecovery)
				if err != nil && !errors.Is(err, workflow.ErrStaleTask) {
					// Contention means another trigger already owns it; the
					// poller covers anything else.
					s.logger.Warn("overdue dispatch failed",
						zap.String("task_id", task.TaskID),
						zap.String("account_id", task.AccountID),
						zap.Error(err))
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	s.logger.Info("recovery complete", zap.Int("recovered", recovered), zap.Int("failed", len(errs)))
	return recovered, errors.Join(errs...)
}

// recoverOne restores a single instance under its step lock and returns the
// tasks that are already due.
func (s *Service) recoverOne(ctx context.Context, inst *workflow.Instance) ([]*workflow.ScheduledTask, error) {
	def, err := s.defs.Get(ctx, inst.WorkflowType)
	if err != nil {
		return nil, fmt.Errorf("load definition %s: %w", inst.WorkflowType, err)
	}

	var overdue, future []*workflow.ScheduledTask
	err = s.locks.WithLockWait(ctx, lock.StepKey(inst.AccountID), s.opts.StepTTL, s.opts.WaitTimeout, func(ctx context.Context) error {
		cur, err := s.gw.GetInstance(ctx, inst.AccountID)
		if err != nil {
			return err
		}
		if cur.ID != inst.ID || !cur.Status.Runnable() {
			return nil
		}
		cur.Status = workflow.StatusRecovering
		if err := s.gw.UpdateInstance(ctx, cur); err != nil {
			return err
		}

		requeued, err := s.gw.RequeueRunningTasks(ctx, cur.ID)
		if err != nil {
			return fmt.Errorf("requeue running tasks: %w", err)
		}
		if requeued > 0 {
			s.logger.Info("requeued interrupted tasks",
				zap.String("account_id", cur.AccountID),
				zap.Int("tasks", requeued))
		}

		now := s.clock.Now().UTC()
		pending, err := s.gw.ListTasks(ctx, cur.ID, workflow.TaskPending)
		if err != nil {
			return fmt.Errorf("list pending tasks: %w", err)
		}

		if cur.Finished() {
			if _, err := s.sched.ScheduleNext(ctx, cur, def); err != nil {
				return err
			}
		} else if !hasTask(pending, cur.NextTaskID) {
			at := now
			if cur.NextActionAt != nil {
				at = *cur.NextActionAt
			}
			task, err := s.sched.Reschedule(ctx, cur, def, at)
			if err != nil {
				return fmt.Errorf("recreate missing task: %w", err)
			}
			s.logger.Warn("recreated missing task",
				zap.String("account_id", cur.AccountID),
				zap.String("step_id", task.StepID))
			pending = append(pending, task)
		}

		for _, task := range pending {
			if task.ScheduledFor.After(now) {
				future = append(future, task)
			} else {
				overdue = append(overdue, task)
			}
		}

		if cur.Status == workflow.StatusRecovering {
			cur.Status = workflow.StatusActive
		}
		cur.RecoveredAt = &now
		return s.gw.UpdateInstance(ctx, cur)
	})
	if err != nil {
		return nil, err
	}

	for _, task := range future {
		s.sched.Arm(task)
	}
	return overdue, nil
}

func hasTask(tasks []*workflow.ScheduledTask, id string) bool {
	if id == "" {
		return false
	}
	for _, t := range tasks {
		if t.TaskID == id && !t.Detached {
			return true
		}
	}
	return false
}
