// Package engine is the workflow orchestrator: it starts, stops, pauses and
// resumes account workflows and owns step-completion handling for every
// trigger path.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ronappleton/growth-orchestrator/internal/execution"
	"github.com/ronappleton/growth-orchestrator/internal/lock"
	"github.com/ronappleton/growth-orchestrator/internal/monitoring"
	"github.com/ronappleton/growth-orchestrator/internal/recovery"
	"github.com/ronappleton/growth-orchestrator/internal/scheduling"
	"github.com/ronappleton/growth-orchestrator/internal/store"
	"github.com/ronappleton/growth-orchestrator/internal/workflow"
)

type Options struct {
	StartTTL          time.Duration
	StepTTL           time.Duration
	WaitTimeout       time.Duration
	DefaultMaxRetries int
	HealthSpec        string
}

// Deps are the collaborating services. Observers receive lifecycle events
// after the monitor.
type Deps struct {
	Gateway     store.Gateway
	Definitions *store.DefinitionCache
	Locks       *lock.Service
	Executor    *execution.Executor
	Scheduler   *scheduling.Scheduler
	Poller      *scheduling.Poller
	Recovery    *recovery.Service
	Monitor     *monitoring.Monitor
	Observers   []monitoring.Observer
	Clock       clockwork.Clock
}

type Statistics struct {
	monitoring.Statistics
	ActiveWorkflows int `json:"active_workflows"`
	ArmedTimers     int `json:"armed_timers"`
	QueueDepth      int `json:"queue_depth"`
}

type Orchestrator struct {
	gw       store.Gateway
	defs     *store.DefinitionCache
	locks    *lock.Service
	exec     *execution.Executor
	sched    *scheduling.Scheduler
	poller   *scheduling.Poller
	recovery *recovery.Service
	monitor  *monitoring.Monitor
	observer monitoring.Observers
	clock    clockwork.Clock
	opts     Options
	logger   *zap.Logger
	tracer   trace.Tracer

	active *activeTable

	mu      sync.Mutex
	running bool
}

func New(d Deps, opts Options, logger *zap.Logger) *Orchestrator {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		gw:       d.Gateway,
		defs:     d.Definitions,
		locks:    d.Locks,
		exec:     d.Executor,
		sched:    d.Scheduler,
		poller:   d.Poller,
		recovery: d.Recovery,
		monitor:  d.Monitor,
		observer: append(monitoring.Observers{d.Monitor}, d.Observers...),
		clock:    d.Clock,
		opts:     opts,
		logger:   logger,
		tracer:   otel.Tracer("github.com/ronappleton/growth-orchestrator/engine"),
		active:   newActiveTable(),
	}
	o.sched.Bind(o.Dispatch)
	return o
}

// Initialize recovers persisted workflows and then starts both trigger paths
// and the health loop. Recovery errors for individual instances are logged;
// those instances are retried on the next boot.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return nil
	}
	n, err := o.recovery.RecoverAll(ctx)
	if err != nil {
		o.logger.Error("recovery incomplete", zap.Int("recovered", n), zap.Error(err))
	}
	if err := o.reconcile(ctx); err != nil {
		return fmt.Errorf("load active workflows: %w", err)
	}
	if err := o.poller.Start(); err != nil {
		return err
	}
	if o.opts.HealthSpec != "" {
		if err := o.monitor.Start(o.opts.HealthSpec); err != nil {
			_ = o.poller.Stop(ctx)
			return err
		}
	}
	o.running = true
	o.logger.Info("orchestrator initialized",
		zap.Int("recovered", n),
		zap.Int("active", o.active.len()))
	return nil
}

// Recover runs a single recovery pass without starting either trigger path.
// Overdue steps execute before it returns; future steps stay armed only
// until Shutdown.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	n, err := o.recovery.RecoverAll(ctx)
	return n, errors.Join(err, o.reconcile(ctx))
}

// Shutdown stops polling and timers, waiting for in-flight steps to finish
// until ctx expires.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
	return errors.Join(
		o.poller.Stop(ctx),
		o.monitor.Stop(ctx),
		o.sched.Stop(ctx),
	)
}

// Start creates and schedules a workflow for the account. A concurrent start
// for the same account fails with workflow.ErrLockContention.
func (o *Orchestrator) Start(ctx context.Context, accountID string, accountData map[string]any, workflowType string) (*workflow.Instance, error) {
	if accountID == "" || workflowType == "" {
		return nil, fmt.Errorf("%w: account id and workflow type are required", workflow.ErrInvalidRequest)
	}

	var (
		inst  *workflow.Instance
		tasks []*workflow.ScheduledTask
	)
	err := o.locks.WithLock(ctx, lock.StartKey(accountID), o.opts.StartTTL, func(ctx context.Context) error {
		existing, err := o.gw.GetInstance(ctx, accountID)
		switch {
		case err == nil && !existing.Status.Terminal():
			return workflow.ErrAlreadyActive
		case err != nil && !errors.Is(err, workflow.ErrNotFound):
			return err
		}
		def, err := o.defs.Get(ctx, workflowType)
		if err != nil {
			return fmt.Errorf("workflow definition %s: %w", workflowType, err)
		}

		return o.locks.WithLock(ctx, lock.StepKey(accountID), o.opts.StepTTL, func(ctx context.Context) error {
			now := o.clock.Now().UTC()
			maxRetries := def.MaxRetries
			if maxRetries <= 0 {
				maxRetries = o.opts.DefaultMaxRetries
			}
			inst = &workflow.Instance{
				ID:               workflow.NewID("wfi"),
				AccountID:        accountID,
				WorkflowType:     def.Type,
				Status:           workflow.StatusActive,
				TotalSteps:       len(def.Steps),
				AccountData:      accountData,
				ExecutionContext: map[string]int{},
				MaxRetries:       maxRetries,
				StartedAt:        now,
				LastActivityAt:   now,
			}
			if err := o.gw.CreateInstance(ctx, inst); err != nil {
				return err
			}
			if tasks, err = o.sched.ScheduleNext(ctx, inst, def); err != nil {
				return err
			}
			return o.gw.UpdateInstance(ctx, inst)
		})
	})
	if err != nil {
		return nil, err
	}

	o.armAll(tasks)
	o.active.track(inst)
	o.logger.Info("workflow started",
		zap.String("account_id", accountID),
		zap.String("instance_id", inst.ID),
		zap.String("workflow_type", inst.WorkflowType))
	o.emit(ctx, o.event(monitoring.EventStarted, inst))
	if inst.Status == workflow.StatusCompleted {
		o.emit(ctx, o.event(monitoring.EventCompleted, inst))
	}
	return inst.Clone(), nil
}

// Stop terminates the account's workflow. A step already executing is
// allowed to finish; nothing scheduled after it will run. When that step
// holds the account's step lock the stop is recorded and applied as the step
// finishes, and the returned instance shows the requested state.
func (o *Orchestrator) Stop(ctx context.Context, accountID string) (*workflow.Instance, error) {
	return o.halt(ctx, accountID, workflow.StatusStopped)
}

// Pause suspends the workflow on its current step. Resume re-schedules it.
// A pause requested during a running step takes effect once that step ends.
func (o *Orchestrator) Pause(ctx context.Context, accountID string) (*workflow.Instance, error) {
	return o.halt(ctx, accountID, workflow.StatusPaused)
}

func (o *Orchestrator) halt(ctx context.Context, accountID string, to workflow.Status) (*workflow.Instance, error) {
	inst, err := o.gw.GetInstance(ctx, accountID)
	if errors.Is(err, workflow.ErrNotFound) {
		return nil, workflow.ErrNotActive
	}
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() || (to == workflow.StatusPaused && inst.Status == workflow.StatusPaused) {
		return nil, workflow.ErrNotActive
	}

	o.sched.Cancel(inst.ID)
	out, applied, err := o.haltLocked(ctx, inst, to)
	if errors.Is(err, workflow.ErrLockContention) {
		if err := o.gw.RequestHalt(ctx, inst.ID, to); err != nil {
			return nil, fmt.Errorf("record halt request: %w", err)
		}
		// The holder may have released the lock since the first attempt.
		out, applied, err = o.haltLocked(ctx, inst, to)
		if errors.Is(err, workflow.ErrLockContention) {
			o.logger.Info("halt deferred to running step",
				zap.String("account_id", accountID),
				zap.String("instance_id", inst.ID),
				zap.String("status", string(to)))
			pending := inst.Clone()
			setHalted(pending, to, o.clock.Now().UTC())
			return pending, nil
		}
	}
	if err != nil {
		return nil, err
	}
	// A step that finished between the first cancel and the lock may have
	// armed its successor; that task is already retired in the store.
	o.sched.Cancel(inst.ID)
	o.active.track(out)
	if applied {
		o.emit(ctx, o.haltedEvent(out))
	}
	return out.Clone(), nil
}

// haltLocked applies the halt under the step lock without waiting for it. A
// pending stop request outranks a pause. applied is false when a finishing
// step already moved the instance to the target state.
func (o *Orchestrator) haltLocked(ctx context.Context, inst *workflow.Instance, to workflow.Status) (*workflow.Instance, bool, error) {
	var (
		out     *workflow.Instance
		applied bool
	)
	err := o.locks.WithLock(ctx, lock.StepKey(inst.AccountID), o.opts.StepTTL, func(ctx context.Context) error {
		cur, err := o.gw.GetInstance(ctx, inst.AccountID)
		if err != nil {
			return err
		}
		if cur.ID != inst.ID {
			return workflow.ErrNotActive
		}
		requested, ok, err := o.gw.TakeHaltRequest(ctx, cur.ID)
		if err != nil {
			return fmt.Errorf("read halt request: %w", err)
		}
		target := to
		if ok && requested == workflow.StatusStopped {
			target = workflow.StatusStopped
		}
		if cur.Status == target {
			out = cur
			return nil
		}
		if cur.Status.Terminal() || (target == workflow.StatusPaused && cur.Status == workflow.StatusPaused) {
			return workflow.ErrNotActive
		}
		if err := o.markHalted(ctx, cur, target); err != nil {
			return err
		}
		if err := o.gw.UpdateInstance(ctx, cur); err != nil {
			return err
		}
		out, applied = cur, true
		return nil
	})
	return out, applied, err
}

// markHalted retires the instance's pending tasks and moves it to a halted
// status. The caller holds the step lock and persists the instance.
func (o *Orchestrator) markHalted(ctx context.Context, inst *workflow.Instance, to workflow.Status) error {
	if _, err := o.gw.CancelPendingTasks(ctx, inst.ID); err != nil {
		return fmt.Errorf("cancel pending tasks: %w", err)
	}
	setHalted(inst, to, o.clock.Now().UTC())
	return nil
}

func setHalted(inst *workflow.Instance, to workflow.Status, now time.Time) {
	inst.Status = to
	inst.NextTaskID = ""
	inst.NextActionAt = nil
	inst.LastActivityAt = now
	if to == workflow.StatusStopped {
		inst.StoppedAt = &now
	}
}

func (o *Orchestrator) haltedEvent(inst *workflow.Instance) monitoring.Event {
	t := monitoring.EventPaused
	if inst.Status == workflow.StatusStopped {
		t = monitoring.EventStopped
	}
	o.logger.Info("workflow "+string(inst.Status),
		zap.String("account_id", inst.AccountID),
		zap.String("instance_id", inst.ID))
	return o.event(t, inst)
}

func (o *Orchestrator) Resume(ctx context.Context, accountID string) (*workflow.Instance, error) {
	var (
		out   *workflow.Instance
		tasks []*workflow.ScheduledTask
	)
	err := o.locks.WithLockWait(ctx, lock.StepKey(accountID), o.opts.StepTTL, o.opts.WaitTimeout, func(ctx context.Context) error {
		cur, err := o.gw.GetInstance(ctx, accountID)
		if errors.Is(err, workflow.ErrNotFound) {
			return workflow.ErrNotPaused
		}
		if err != nil {
			return err
		}
		if cur.Status != workflow.StatusPaused {
			return workflow.ErrNotPaused
		}
		def, err := o.defs.Get(ctx, cur.WorkflowType)
		if err != nil {
			return fmt.Errorf("workflow definition %s: %w", cur.WorkflowType, err)
		}
		cur.Status = workflow.StatusActive
		cur.LastActivityAt = o.clock.Now().UTC()
		if tasks, err = o.sched.ScheduleNext(ctx, cur, def); err != nil {
			return err
		}
		if err := o.gw.UpdateInstance(ctx, cur); err != nil {
			return err
		}
		out = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.armAll(tasks)
	o.active.track(out)
	o.logger.Info("workflow resumed", zap.String("account_id", accountID), zap.String("instance_id", out.ID))
	o.emit(ctx, o.event(monitoring.EventResumed, out))
	if out.Status == workflow.StatusCompleted {
		o.emit(ctx, o.event(monitoring.EventCompleted, out))
	}
	return out.Clone(), nil
}

// Status returns the account's persisted instance and refreshes the active
// table from it.
func (o *Orchestrator) Status(ctx context.Context, accountID string) (*workflow.Instance, error) {
	inst, err := o.gw.GetInstance(ctx, accountID)
	if errors.Is(err, workflow.ErrNotFound) {
		o.active.forget(accountID)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	o.active.track(inst)
	return inst, nil
}

// ListActive returns every non-terminal instance, reconciling the active
// table with the store.
func (o *Orchestrator) ListActive(ctx context.Context) ([]*workflow.Instance, error) {
	if err := o.reconcile(ctx); err != nil {
		return nil, err
	}
	return o.active.list(), nil
}

func (o *Orchestrator) reconcile(ctx context.Context) error {
	insts, err := o.gw.ListInstances(ctx, workflow.StatusActive, workflow.StatusRecovering, workflow.StatusPaused)
	if err != nil {
		return err
	}
	o.active.replace(insts)
	return nil
}

// History returns the execution log of the account's latest instance.
func (o *Orchestrator) History(ctx context.Context, accountID string) ([]workflow.ExecutionLogEntry, error) {
	inst, err := o.gw.GetInstance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return o.gw.ListExecutionLog(ctx, inst.ID)
}

func (o *Orchestrator) Statistics(ctx context.Context) (Statistics, error) {
	depth, err := o.gw.CountPendingTasks(ctx)
	if err != nil {
		return Statistics{}, err
	}
	return Statistics{
		Statistics:      o.monitor.Statistics(),
		ActiveWorkflows: o.active.len(),
		ArmedTimers:     o.sched.Pending(),
		QueueDepth:      depth,
	}, nil
}

// HealthCheck evaluates the thresholds now. Alerts are raised only by the
// periodic health loop.
func (o *Orchestrator) HealthCheck(ctx context.Context) (monitoring.HealthReport, error) {
	return o.monitor.Evaluate(ctx)
}

func (o *Orchestrator) Alerts(unacknowledgedOnly bool) []monitoring.Alert {
	return o.monitor.Alerts(unacknowledgedOnly)
}

func (o *Orchestrator) AcknowledgeAlert(id string) error {
	return o.monitor.AcknowledgeAlert(id)
}

// Dispatch executes a due task. It is the single entry point for the timer,
// poller and recovery paths; the step lock plus the pending to running claim
// make concurrent dispatches of the same task run it at most once.
func (o *Orchestrator) Dispatch(ctx context.Context, task *workflow.ScheduledTask, trigger scheduling.Trigger) error {
	ctx, span := o.tracer.Start(ctx, "workflow.step", trace.WithAttributes(
		attribute.String("account_id", task.AccountID),
		attribute.String("task_id", task.TaskID),
		attribute.String("step_id", task.StepID),
		attribute.String("trigger", string(trigger)),
	))
	defer span.End()

	err := o.runTask(ctx, task)
	switch {
	case err == nil:
	case errors.Is(err, workflow.ErrLockContention):
		span.SetAttributes(attribute.Bool("contended", true))
	case errors.Is(err, workflow.ErrStaleTask):
		o.logger.Debug("stale task discarded",
			zap.String("task_id", task.TaskID),
			zap.String("account_id", task.AccountID),
			zap.String("trigger", string(trigger)))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

type stepOutcome struct {
	inst   *workflow.Instance
	arm    []*workflow.ScheduledTask
	events []monitoring.Event
}

func (o *Orchestrator) runTask(ctx context.Context, task *workflow.ScheduledTask) error {
	var out stepOutcome
	err := o.locks.WithLock(ctx, lock.StepKey(task.AccountID), o.opts.StepTTL, func(ctx context.Context) error {
		claimed, err := o.gw.ClaimScheduledTask(ctx, task.TaskID)
		if errors.Is(err, workflow.ErrNotFound) {
			return workflow.ErrStaleTask
		}
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		if !claimed {
			return nil
		}

		inst, err := o.gw.GetInstance(ctx, task.AccountID)
		if err != nil && !errors.Is(err, workflow.ErrNotFound) {
			return o.finishTask(ctx, task, workflow.TaskFailed, err)
		}
		if err != nil || isStale(inst, task) {
			return o.finishTask(ctx, task, workflow.TaskCompleted, workflow.ErrStaleTask)
		}
		to, requested, err := o.gw.TakeHaltRequest(ctx, inst.ID)
		if err != nil {
			return o.finishTask(ctx, task, workflow.TaskFailed, fmt.Errorf("read halt request: %w", err))
		}
		if requested && !inst.Status.Terminal() {
			if err := o.markHalted(ctx, inst, to); err != nil {
				return o.finishTask(ctx, task, workflow.TaskFailed, err)
			}
			if err := o.gw.UpdateInstance(ctx, inst); err != nil {
				return o.finishTask(ctx, task, workflow.TaskFailed, fmt.Errorf("update instance: %w", err))
			}
			out = stepOutcome{inst: inst, events: []monitoring.Event{o.haltedEvent(inst)}}
			return o.finishTask(ctx, task, workflow.TaskCompleted, nil)
		}
		def, err := o.defs.Get(ctx, inst.WorkflowType)
		if err != nil {
			return o.finishTask(ctx, task, workflow.TaskFailed, fmt.Errorf("workflow definition %s: %w", inst.WorkflowType, err))
		}

		out, err = o.completeStep(ctx, inst, def, task)
		return err
	})
	if err != nil {
		return err
	}
	if out.inst == nil {
		return nil
	}

	o.armAll(out.arm)
	o.active.track(out.inst)
	for _, ev := range out.events {
		o.emit(ctx, ev)
	}
	return nil
}

func (o *Orchestrator) finishTask(ctx context.Context, task *workflow.ScheduledTask, status workflow.TaskStatus, cause error) error {
	if err := o.gw.UpdateScheduledTask(ctx, task.TaskID, status); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// isStale reports whether the task no longer belongs to the instance's
// timeline. Detached tasks may still run after the main timeline completed.
func isStale(inst *workflow.Instance, task *workflow.ScheduledTask) bool {
	if inst.ID != task.InstanceID {
		return true
	}
	if task.Detached {
		return !inst.Status.Runnable() && inst.Status != workflow.StatusCompleted
	}
	return !inst.Status.Runnable() || inst.NextTaskID != task.TaskID
}

// completeStep executes the step and applies the outcome. The execution log
// entry is always written before any state transition.
func (o *Orchestrator) completeStep(ctx context.Context, inst *workflow.Instance, def workflow.Definition, task *workflow.ScheduledTask) (stepOutcome, error) {
	step := task.Payload
	if !task.Detached && task.StepIndex < len(def.Steps) && def.Steps[task.StepIndex].ID == task.StepID {
		step = def.Steps[task.StepIndex]
	}

	res, entry, execErr := o.exec.ExecuteStep(ctx, inst, def, step, task.StepIndex, task.Attempt)
	entry.TaskID = task.TaskID
	if err := o.gw.AppendExecutionLog(ctx, &entry); err != nil {
		return stepOutcome{}, o.finishTask(ctx, task, workflow.TaskFailed, fmt.Errorf("append execution log: %w", err))
	}

	executed := o.event(monitoring.EventStepExecuted, inst)
	executed.StepID = step.ID
	executed.Action = step.Action
	executed.Attempt = task.Attempt
	executed.Success = execErr == nil
	executed.Duration = time.Duration(entry.DurationMs) * time.Millisecond
	if execErr != nil {
		executed.Error = execErr.Error()
	}
	out := stepOutcome{events: []monitoring.Event{executed}}

	taskStatus := workflow.TaskCompleted
	if execErr != nil {
		taskStatus = workflow.TaskFailed
	}

	// A stop or pause recorded while the step ran wins over scheduling.
	to, halted, err := o.gw.TakeHaltRequest(ctx, inst.ID)
	if err != nil {
		return stepOutcome{}, o.finishTask(ctx, task, workflow.TaskFailed, fmt.Errorf("read halt request: %w", err))
	}
	if halted && !inst.Status.Terminal() {
		if !task.Detached {
			if execErr == nil {
				inst.RetryCount = 0
				inst.LastError = ""
				if !res.Redirected {
					inst.CurrentStepIndex++
				}
			} else {
				inst.LastError = workflow.Classify(step.ID, execErr).Error()
			}
		}
		if err := o.markHalted(ctx, inst, to); err != nil {
			return stepOutcome{}, o.finishTask(ctx, task, workflow.TaskFailed, err)
		}
		if err := o.gw.UpdateInstance(ctx, inst); err != nil {
			return stepOutcome{}, o.finishTask(ctx, task, workflow.TaskFailed, fmt.Errorf("update instance: %w", err))
		}
		out.inst = inst
		out.events = append(out.events, o.haltedEvent(inst))
		return out, o.finishTask(ctx, task, taskStatus, nil)
	}
	if task.Detached {
		out.inst = inst
		return out, o.finishTask(ctx, task, taskStatus, nil)
	}

	now := o.clock.Now().UTC()
	inst.LastActivityAt = now
	if execErr == nil {
		inst.RetryCount = 0
		inst.LastError = ""
		if !res.Redirected {
			inst.CurrentStepIndex++
		}
		tasks, err := o.sched.ScheduleNext(ctx, inst, def)
		if err != nil {
			return stepOutcome{}, o.finishTask(ctx, task, workflow.TaskFailed, err)
		}
		out.arm = tasks
	} else {
		se := workflow.Classify(step.ID, execErr)
		inst.LastError = se.Error()
		switch {
		case step.Critical && se.Retryable() && inst.RetryCount < inst.MaxRetries:
			inst.RetryCount++
			retry, err := o.sched.ScheduleRetry(ctx, inst, def, inst.RetryCount)
			if err != nil {
				return stepOutcome{}, o.finishTask(ctx, task, workflow.TaskFailed, err)
			}
			out.arm = []*workflow.ScheduledTask{retry}
			ev := o.event(monitoring.EventRetryScheduled, inst)
			ev.StepID = step.ID
			ev.Action = step.Action
			ev.Attempt = inst.RetryCount
			ev.Error = se.Error()
			out.events = append(out.events, ev)
		case !step.Critical:
			inst.RetryCount = 0
			inst.CurrentStepIndex++
			tasks, err := o.sched.ScheduleNext(ctx, inst, def)
			if err != nil {
				return stepOutcome{}, o.finishTask(ctx, task, workflow.TaskFailed, err)
			}
			out.arm = tasks
		default:
			inst.Status = workflow.StatusFailed
			inst.FailedAt = &now
			inst.FinalError = se.Error()
			inst.NextTaskID = ""
			inst.NextActionAt = nil
			ev := o.event(monitoring.EventFailed, inst)
			ev.StepID = step.ID
			ev.Error = se.Error()
			out.events = append(out.events, ev)
			o.logger.Error("workflow failed",
				zap.String("account_id", inst.AccountID),
				zap.String("instance_id", inst.ID),
				zap.String("step_id", step.ID),
				zap.Int("retries", inst.RetryCount),
				zap.Error(se))
		}
	}
	if inst.Status == workflow.StatusCompleted {
		out.events = append(out.events, o.event(monitoring.EventCompleted, inst))
		o.logger.Info("workflow completed",
			zap.String("account_id", inst.AccountID),
			zap.String("instance_id", inst.ID))
	}

	if err := o.gw.UpdateInstance(ctx, inst); err != nil {
		return stepOutcome{}, o.finishTask(ctx, task, workflow.TaskFailed, fmt.Errorf("update instance: %w", err))
	}
	out.inst = inst
	return out, o.finishTask(ctx, task, taskStatus, nil)
}

func (o *Orchestrator) armAll(tasks []*workflow.ScheduledTask) {
	for _, t := range tasks {
		o.sched.Arm(t)
	}
}

func (o *Orchestrator) event(t monitoring.EventType, inst *workflow.Instance) monitoring.Event {
	return monitoring.Event{
		Type:         t,
		AccountID:    inst.AccountID,
		InstanceID:   inst.ID,
		WorkflowType: inst.WorkflowType,
		Success:      inst.Status != workflow.StatusFailed,
		Error:        inst.FinalError,
		At:           o.clock.Now().UTC(),
	}
}

func (o *Orchestrator) emit(ctx context.Context, ev monitoring.Event) {
	o.observer.Notify(ctx, ev)
}
