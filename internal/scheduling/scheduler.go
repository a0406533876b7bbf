// Package scheduling turns a workflow instance's step pointer into durable
// scheduled tasks and fires them. In-memory timers are the fast path; the
// Poller rescans the task table so nothing depends on a timer surviving a
// restart.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ronappleton/growth-orchestrator/internal/store"
	"github.com/ronappleton/growth-orchestrator/internal/workflow"
)

type Trigger string

const (
	TriggerTimer    Trigger = "timer"
	TriggerPoller   Trigger = "poller"
	TriggerRecovery Trigger = "recovery"
)

// DispatchFunc executes a due task. It must be safe to call concurrently for
// the same task from different triggers.
type DispatchFunc func(ctx context.Context, task *workflow.ScheduledTask, trigger Trigger) error

type Options struct {
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	ContentionRetry time.Duration
}

type armed struct {
	instanceID string
	timer      clockwork.Timer
}

type Scheduler struct {
	gw     store.Gateway
	clock  clockwork.Clock
	rand   workflow.RandFunc
	opts   Options
	logger *zap.Logger

	dispatch DispatchFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	timers  map[string]*armed
	stopped bool
	wg      sync.WaitGroup
}

func New(gw store.Gateway, clock clockwork.Clock, opts Options, logger *zap.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		gw:     gw,
		clock:  clock,
		rand:   workflow.DefaultRand,
		opts:   opts,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		timers: make(map[string]*armed),
	}
}

// SetRand replaces the source used for randomized continuous-action delays.
func (s *Scheduler) SetRand(r workflow.RandFunc) { s.rand = r }

// Bind installs the executor of due tasks. It must be called before any
// task is armed or polled.
func (s *Scheduler) Bind(fn DispatchFunc) {
	s.mu.Lock()
	s.dispatch = fn
	s.mu.Unlock()
}

func (s *Scheduler) Dispatch(ctx context.Context, task *workflow.ScheduledTask, trigger Trigger) error {
	s.mu.Lock()
	fn := s.dispatch
	s.mu.Unlock()
	if fn == nil {
		return errors.New("scheduler: no dispatcher bound")
	}
	return fn(ctx, task, trigger)
}

// StepDelay is the fire delay for step. Continuous toggles draw a fresh
// uniform interval on every call.
func (s *Scheduler) StepDelay(step workflow.Step) time.Duration {
	if step.Action.IsContinuousToggle() && step.Params.MaxIntervalMs > 0 {
		ms := workflow.Uniform(s.rand, step.Params.MinIntervalMs, step.Params.MaxIntervalMs)
		return time.Duration(ms) * time.Millisecond
	}
	return time.Duration(step.DelayMs) * time.Millisecond
}

// RetryDelay is min(MaxBackoff, BaseBackoff * 2^attempt).
func (s *Scheduler) RetryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := s.opts.BaseBackoff
	for i := 0; i < attempt; i++ {
		if d >= s.opts.MaxBackoff || d > time.Duration(1<<62) {
			return s.opts.MaxBackoff
		}
		d *= 2
	}
	if s.opts.MaxBackoff > 0 && d > s.opts.MaxBackoff {
		return s.opts.MaxBackoff
	}
	return d
}

// ScheduleNext persists the task for the step at inst.CurrentStepIndex and
// points the instance at it. Parallel steps ahead of the pointer are
// enqueued as detached tasks and skipped over. When the pointer runs off the
// end the instance is marked completed and nothing is scheduled. The caller
// persists inst and arms the returned tasks.
func (s *Scheduler) ScheduleNext(ctx context.Context, inst *workflow.Instance, def workflow.Definition) ([]*workflow.ScheduledTask, error) {
	now := s.clock.Now().UTC()
	var created []*workflow.ScheduledTask

	for inst.CurrentStepIndex < len(def.Steps) && def.Steps[inst.CurrentStepIndex].Parallel {
		step := def.Steps[inst.CurrentStepIndex]
		task := s.newTask(inst, step, inst.CurrentStepIndex, now.Add(s.StepDelay(step)), 0)
		task.Detached = true
		if err := s.gw.CreateScheduledTask(ctx, task); err != nil {
			return created, fmt.Errorf("schedule parallel step %s: %w", step.ID, err)
		}
		created = append(created, task)
		inst.CurrentStepIndex++
	}

	if inst.Finished() || inst.CurrentStepIndex >= len(def.Steps) {
		inst.CurrentStepIndex = inst.TotalSteps
		inst.Status = workflow.StatusCompleted
		inst.CompletedAt = &now
		inst.NextTaskID = ""
		inst.NextActionAt = nil
		return created, nil
	}

	step := def.Steps[inst.CurrentStepIndex]
	task, err := s.schedule(ctx, inst, step, now.Add(s.StepDelay(step)), 0)
	if err != nil {
		return created, err
	}
	return append(created, task), nil
}

// ScheduleRetry re-enqueues the current step after the backoff for attempt.
func (s *Scheduler) ScheduleRetry(ctx context.Context, inst *workflow.Instance, def workflow.Definition, attempt int) (*workflow.ScheduledTask, error) {
	if inst.CurrentStepIndex >= len(def.Steps) {
		return nil, fmt.Errorf("retry past end of %s", def.Type)
	}
	step := def.Steps[inst.CurrentStepIndex]
	return s.schedule(ctx, inst, step, s.clock.Now().UTC().Add(s.RetryDelay(attempt)), attempt)
}

// Reschedule recreates the main task for the current step at the given time.
// Used when a recovered instance has lost its pending task.
func (s *Scheduler) Reschedule(ctx context.Context, inst *workflow.Instance, def workflow.Definition, at time.Time) (*workflow.ScheduledTask, error) {
	if inst.CurrentStepIndex >= len(def.Steps) {
		return nil, fmt.Errorf("reschedule past end of %s", def.Type)
	}
	return s.schedule(ctx, inst, def.Steps[inst.CurrentStepIndex], at.UTC(), inst.RetryCount)
}

func (s *Scheduler) schedule(ctx context.Context, inst *workflow.Instance, step workflow.Step, at time.Time, attempt int) (*workflow.ScheduledTask, error) {
	task := s.newTask(inst, step, inst.CurrentStepIndex, at, attempt)
	if err := s.gw.CreateScheduledTask(ctx, task); err != nil {
		return nil, fmt.Errorf("schedule step %s: %w", step.ID, err)
	}
	inst.NextTaskID = task.TaskID
	inst.NextActionAt = &at
	return task, nil
}

func (s *Scheduler) newTask(inst *workflow.Instance, step workflow.Step, index int, at time.Time, attempt int) *workflow.ScheduledTask {
	return &workflow.ScheduledTask{
		TaskID:       workflow.NewID("task"),
		InstanceID:   inst.ID,
		AccountID:    inst.AccountID,
		StepID:       step.ID,
		StepIndex:    index,
		Action:       step.Action,
		ScheduledFor: at,
		Status:       workflow.TaskPending,
		Payload:      step,
		Attempt:      attempt,
	}
}

// Arm registers an in-memory timer for task. Re-arming a task replaces its
// previous timer.
func (s *Scheduler) Arm(task *workflow.ScheduledTask) {
	s.armAfter(task, task.ScheduledFor.Sub(s.clock.Now()))
}

func (s *Scheduler) armAfter(task *workflow.ScheduledTask, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if prev, ok := s.timers[task.TaskID]; ok {
		prev.timer.Stop()
	}
	entry := &armed{instanceID: task.InstanceID}
	entry.timer = s.clock.AfterFunc(delay, func() { s.fire(task, entry) })
	s.timers[task.TaskID] = entry
}

func (s *Scheduler) fire(task *workflow.ScheduledTask, entry *armed) {
	s.mu.Lock()
	if cur, ok := s.timers[task.TaskID]; !ok || cur != entry || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.timers, task.TaskID)
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	err := s.Dispatch(s.ctx, task, TriggerTimer)
	switch {
	case err == nil, errors.Is(err, workflow.ErrStaleTask):
	case errors.Is(err, workflow.ErrLockContention):
		s.logger.Debug("step lock busy, re-arming",
			zap.String("task_id", task.TaskID),
			zap.String("account_id", task.AccountID))
		s.armAfter(task, s.opts.ContentionRetry)
	default:
		s.logger.Warn("timer dispatch failed",
			zap.String("task_id", task.TaskID),
			zap.String("account_id", task.AccountID),
			zap.Error(err))
	}
}

// Cancel stops every timer armed for the instance and reports how many were
// dropped. Timers that already fired are unaffected; the persisted task
// state is what keeps them from running.
func (s *Scheduler) Cancel(instanceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, a := range s.timers {
		if a.instanceID != instanceID {
			continue
		}
		a.timer.Stop()
		delete(s.timers, id)
		n++
	}
	return n
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop disarms all timers and waits for in-flight timer dispatches. If ctx
// expires first, the dispatch context is cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	for id, a := range s.timers {
		a.timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	defer s.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}
