// Package execution runs a single workflow step: it dispatches on the step's
// action, applies the goto state machine, and produces the execution log
// entry for the attempt.
package execution

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ronappleton/growth-orchestrator/internal/collaborator"
	"github.com/ronappleton/growth-orchestrator/internal/workflow"
)

type Timeouts struct {
	Content    time.Duration
	Batch      time.Duration
	Continuous time.Duration
}

// StepResult describes a successful step. Redirected is set only by goto,
// in which case the instance's CurrentStepIndex already points at
// TargetIndex.
type StepResult struct {
	Data        map[string]any
	Redirected  bool
	NextStepID  string
	TargetIndex int
	LoopCreated bool
}

type Executor struct {
	actions  collaborator.Actions
	timeouts Timeouts
	clock    clockwork.Clock
	rand     workflow.RandFunc
	logger   *zap.Logger
}

type Option func(*Executor)

func WithClock(c clockwork.Clock) Option { return func(e *Executor) { e.clock = c } }

func WithRand(r workflow.RandFunc) Option { return func(e *Executor) { e.rand = r } }

func New(actions collaborator.Actions, timeouts Timeouts, logger *zap.Logger, opts ...Option) *Executor {
	e := &Executor{
		actions:  actions,
		timeouts: timeouts,
		clock:    clockwork.NewRealClock(),
		rand:     workflow.DefaultRand,
		logger:   logger,
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ExecuteStep runs def.Steps[index] (or step, for detached tasks whose
// payload is authoritative) against inst. The returned entry is always
// populated; err, when non-nil, is a *workflow.StepError.
func (e *Executor) ExecuteStep(ctx context.Context, inst *workflow.Instance, def workflow.Definition, step workflow.Step, index, attempt int) (StepResult, workflow.ExecutionLogEntry, error) {
	start := e.clock.Now()
	res, err := e.dispatch(ctx, inst, def, step, index)

	entry := workflow.ExecutionLogEntry{
		InstanceID: inst.ID,
		AccountID:  inst.AccountID,
		StepID:     step.ID,
		StepIndex:  index,
		Action:     step.Action,
		Attempt:    attempt,
		Success:    err == nil,
		Result:     res.Data,
		DurationMs: e.clock.Since(start).Milliseconds(),
		ExecutedAt: start.UTC(),
	}
	if err != nil {
		se := workflow.Classify(step.ID, err)
		entry.ErrorMessage = se.Error()
		e.logger.Warn("step failed",
			zap.String("account_id", inst.AccountID),
			zap.String("instance_id", inst.ID),
			zap.String("step_id", step.ID),
			zap.String("action", string(step.Action)),
			zap.Int("attempt", attempt),
			zap.String("kind", string(se.Kind)),
			zap.Error(se))
		return StepResult{}, entry, se
	}
	return res, entry, nil
}

func (e *Executor) dispatch(ctx context.Context, inst *workflow.Instance, def workflow.Definition, step workflow.Step, index int) (StepResult, error) {
	switch step.Action {
	case workflow.ActionWait:
		return StepResult{Data: map[string]any{"waited_ms": step.DelayMs}}, nil
	case workflow.ActionGenerateContentA:
		return e.call(ctx, e.timeouts.Content, func(ctx context.Context) (collaborator.Result, error) {
			return e.actions.ApplyContentA(ctx, inst.AccountID, e.params(inst, step))
		})
	case workflow.ActionGenerateContentB:
		return e.call(ctx, e.timeouts.Content, func(ctx context.Context) (collaborator.Result, error) {
			return e.actions.ApplyContentB(ctx, inst.AccountID, e.params(inst, step))
		})
	case workflow.ActionRunBatch:
		p := step.Params
		if p.MaxCount > 0 && p.MinCount > p.MaxCount {
			return StepResult{}, workflow.NewValidationError(step.ID, "Invalid count range: %d-%d", p.MinCount, p.MaxCount)
		}
		params := e.params(inst, step)
		if p.BatchSize > 0 {
			params["batch_size"] = p.BatchSize
		}
		if p.MaxCount > 0 {
			params["count"] = workflow.Uniform(e.rand, int64(p.MinCount), int64(p.MaxCount))
		}
		return e.call(ctx, e.timeouts.Batch, func(ctx context.Context) (collaborator.Result, error) {
			return e.actions.RunBatchAction(ctx, inst.AccountID, params)
		})
	case workflow.ActionContinuousOn, workflow.ActionContinuousOff:
		on := step.Action == workflow.ActionContinuousOn
		return e.call(ctx, e.timeouts.Continuous, func(ctx context.Context) (collaborator.Result, error) {
			return e.actions.ToggleContinuousAction(ctx, inst.AccountID, on, e.params(inst, step))
		})
	case workflow.ActionGoto:
		return e.gotoStep(inst, def, step, index)
	default:
		return StepResult{}, workflow.NewValidationError(step.ID, "Unknown step action: %s", step.Action)
	}
}

func (e *Executor) params(inst *workflow.Instance, step workflow.Step) map[string]any {
	out := make(map[string]any, len(step.Params.Extra)+2)
	for k, v := range step.Params.Extra {
		out[k] = v
	}
	out["step_id"] = step.ID
	if len(inst.AccountData) > 0 {
		out["account_data"] = inst.AccountData
	}
	return out
}

func (e *Executor) call(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (collaborator.Result, error)) (StepResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	res, err := fn(ctx)
	if err != nil {
		return StepResult{}, err
	}
	if !res.Success {
		msg := res.Message
		if msg == "" {
			msg = "collaborator reported failure"
		}
		return StepResult{Data: res.Data}, errors.New(msg)
	}
	return StepResult{Data: res.Data}, nil
}

func gotoKey(from, to string) string { return from + "_to_" + to }

// gotoStep redirects the instance. Loop counters live in the instance's
// execution context so identical step pairs in other instances never share
// a count.
func (e *Executor) gotoStep(inst *workflow.Instance, def workflow.Definition, step workflow.Step, index int) (StepResult, error) {
	target := step.Params.NextStepID
	if target == "" {
		return StepResult{}, workflow.NewValidationError(step.ID, "nextStep is required for goto action")
	}
	targetIndex := def.StepIndex(target)
	if targetIndex < 0 {
		return StepResult{}, workflow.NewValidationError(step.ID, "Invalid nextStep: %s", target)
	}

	key := gotoKey(step.ID, target)
	if inst.ExecutionContext == nil {
		inst.ExecutionContext = map[string]int{}
	}
	count := inst.ExecutionContext[key]
	if !step.Params.LoopsUnbounded() && count >= step.Params.MaxIterations {
		return StepResult{}, workflow.NewLoopLimitError(step.ID, key, count, step.Params.MaxIterations)
	}
	inst.ExecutionContext[key] = count + 1
	inst.CurrentStepIndex = targetIndex

	return StepResult{
		Data: map[string]any{
			"next_step":         target,
			"target_step_index": targetIndex,
			"iteration":         count + 1,
		},
		Redirected:  true,
		NextStepID:  target,
		TargetIndex: targetIndex,
		LoopCreated: targetIndex <= index,
	}, nil
}
