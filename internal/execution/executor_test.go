package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ronappleton/growth-orchestrator/internal/collaborator"
	"github.com/ronappleton/growth-orchestrator/internal/workflow"
)

type call struct {
	Name      string
	AccountID string
	On        bool
	Params    map[string]any
}

type recorder struct {
	mu     sync.Mutex
	calls  []call
	result collaborator.Result
	err    error
	block  bool
}

func (r *recorder) record(ctx context.Context, name, accountID string, on bool, params map[string]any) (collaborator.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, call{Name: name, AccountID: accountID, On: on, Params: params})
	block := r.block
	r.mu.Unlock()
	if block {
		<-ctx.Done()
		return collaborator.Result{}, ctx.Err()
	}
	if r.err != nil {
		return collaborator.Result{}, r.err
	}
	return r.result, nil
}

func (r *recorder) ApplyContentA(ctx context.Context, accountID string, params map[string]any) (collaborator.Result, error) {
	return r.record(ctx, "content_a", accountID, false, params)
}

func (r *recorder) ApplyContentB(ctx context.Context, accountID string, params map[string]any) (collaborator.Result, error) {
	return r.record(ctx, "content_b", accountID, false, params)
}

func (r *recorder) RunBatchAction(ctx context.Context, accountID string, params map[string]any) (collaborator.Result, error) {
	return r.record(ctx, "batch", accountID, false, params)
}

func (r *recorder) ToggleContinuousAction(ctx context.Context, accountID string, on bool, params map[string]any) (collaborator.Result, error) {
	return r.record(ctx, "continuous", accountID, on, params)
}

func boolPtr(v bool) *bool { return &v }

func loopDefinition(params workflow.StepParams) workflow.Definition {
	return workflow.Definition{
		Type: "loop",
		Steps: []workflow.Step{
			{ID: "pause", Action: workflow.ActionWait, DelayMs: 100},
			{ID: "post", Action: workflow.ActionGenerateContentA, Critical: true},
			{ID: "back", Action: workflow.ActionGoto, Params: params},
			{ID: "tail", Action: workflow.ActionWait},
		},
	}
}

func newInstance(def workflow.Definition) *workflow.Instance {
	return &workflow.Instance{
		ID:          "wfi_1",
		AccountID:   "acct-1",
		Status:      workflow.StatusActive,
		TotalSteps:  len(def.Steps),
		AccountData: map[string]any{"handle": "acme"},
	}
}

func newExecutor(actions collaborator.Actions, opts ...Option) *Executor {
	opts = append([]Option{WithClock(clockwork.NewFakeClock())}, opts...)
	return New(actions, Timeouts{Content: time.Second, Batch: time.Second, Continuous: time.Second}, nil, opts...)
}

func stepErr(t *testing.T, err error) *workflow.StepError {
	t.Helper()
	var se *workflow.StepError
	require.ErrorAs(t, err, &se)
	return se
}

func TestGotoValidation(t *testing.T) {
	tests := []struct {
		name    string
		params  workflow.StepParams
		message string
	}{
		{"missing next step", workflow.StepParams{}, "nextStep is required for goto action"},
		{"unknown next step", workflow.StepParams{NextStepID: "nowhere"}, "Invalid nextStep: nowhere"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := loopDefinition(tt.params)
			inst := newInstance(def)
			inst.CurrentStepIndex = 2

			_, entry, err := newExecutor(&recorder{}).ExecuteStep(context.Background(), inst, def, def.Steps[2], 2, 0)
			se := stepErr(t, err)
			assert.Equal(t, workflow.KindValidation, se.Kind)
			assert.Equal(t, tt.message, se.Error())
			assert.False(t, se.Retryable())
			assert.False(t, entry.Success)
			assert.Equal(t, tt.message, entry.ErrorMessage)
			assert.Equal(t, 2, inst.CurrentStepIndex, "index untouched on failure")
		})
	}
}

func TestGotoBoundedLoopRunsExactlyMaxIterations(t *testing.T) {
	for _, max := range []int{0, 1, 3} {
		def := loopDefinition(workflow.StepParams{NextStepID: "post", InfiniteAllowed: boolPtr(false), MaxIterations: max})
		inst := newInstance(def)
		ex := newExecutor(&recorder{})

		for i := 0; i < max; i++ {
			inst.CurrentStepIndex = 2
			res, entry, err := ex.ExecuteStep(context.Background(), inst, def, def.Steps[2], 2, 0)
			require.NoError(t, err)
			assert.True(t, entry.Success)
			assert.True(t, res.Redirected)
			assert.True(t, res.LoopCreated)
			assert.Equal(t, 1, res.TargetIndex)
			assert.Equal(t, "post", res.NextStepID)
			assert.Equal(t, 1, inst.CurrentStepIndex)
			assert.Equal(t, i+1, inst.ExecutionContext["back_to_post"])
		}

		inst.CurrentStepIndex = 2
		_, _, err := ex.ExecuteStep(context.Background(), inst, def, def.Steps[2], 2, 0)
		se := stepErr(t, err)
		assert.Equal(t, workflow.KindLoopLimit, se.Kind)
		assert.Equal(t, fmt.Sprintf("Goto loop limit exceeded: back_to_post (%d/%d)", max, max), se.Error())
		assert.Equal(t, max, inst.ExecutionContext["back_to_post"])
	}
}

func TestGotoInfiniteByDefault(t *testing.T) {
	def := loopDefinition(workflow.StepParams{NextStepID: "post", MaxIterations: 1})
	inst := newInstance(def)
	ex := newExecutor(&recorder{})
	for i := 0; i < 25; i++ {
		_, _, err := ex.ExecuteStep(context.Background(), inst, def, def.Steps[2], 2, 0)
		require.NoError(t, err)
	}
	assert.Equal(t, 25, inst.ExecutionContext["back_to_post"])
}

func TestGotoForwardIsNotALoop(t *testing.T) {
	def := loopDefinition(workflow.StepParams{NextStepID: "tail"})
	inst := newInstance(def)
	res, _, err := newExecutor(&recorder{}).ExecuteStep(context.Background(), inst, def, def.Steps[2], 2, 0)
	require.NoError(t, err)
	assert.False(t, res.LoopCreated)
	assert.Equal(t, 3, inst.CurrentStepIndex)
}

func TestGotoCountersArePerInstance(t *testing.T) {
	def := loopDefinition(workflow.StepParams{NextStepID: "post", InfiniteAllowed: boolPtr(false), MaxIterations: 1})
	ex := newExecutor(&recorder{})
	a, b := newInstance(def), newInstance(def)
	b.ID = "wfi_2"

	_, _, err := ex.ExecuteStep(context.Background(), a, def, def.Steps[2], 2, 0)
	require.NoError(t, err)
	_, _, err = ex.ExecuteStep(context.Background(), b, def, def.Steps[2], 2, 0)
	require.NoError(t, err)
}

func TestUnknownAction(t *testing.T) {
	def := workflow.Definition{Type: "x", Steps: []workflow.Step{{ID: "odd", Action: "teleport"}}}
	_, entry, err := newExecutor(&recorder{}).ExecuteStep(context.Background(), newInstance(def), def, def.Steps[0], 0, 0)
	se := stepErr(t, err)
	assert.Equal(t, workflow.KindValidation, se.Kind)
	assert.Equal(t, "Unknown step action: teleport", se.Error())
	assert.Equal(t, "Unknown step action: teleport", entry.ErrorMessage)
}

func TestCollaboratorDispatch(t *testing.T) {
	tests := []struct {
		name   string
		step   workflow.Step
		call   string
		on     bool
		verify func(t *testing.T, params map[string]any)
	}{
		{
			name: "content a",
			step: workflow.Step{ID: "bio", Action: workflow.ActionGenerateContentA, Params: workflow.StepParams{Extra: map[string]any{"tone": "warm"}}},
			call: "content_a",
			verify: func(t *testing.T, params map[string]any) {
				assert.Equal(t, "warm", params["tone"])
				assert.Equal(t, "bio", params["step_id"])
				assert.Equal(t, map[string]any{"handle": "acme"}, params["account_data"])
			},
		},
		{
			name: "content b",
			step: workflow.Step{ID: "prompts", Action: workflow.ActionGenerateContentB},
			call: "content_b",
		},
		{
			name: "batch with count range",
			step: workflow.Step{ID: "batch", Action: workflow.ActionRunBatch, Params: workflow.StepParams{BatchSize: 20, MinCount: 10, MaxCount: 30}},
			call: "batch",
			verify: func(t *testing.T, params map[string]any) {
				assert.Equal(t, 20, params["batch_size"])
				assert.Equal(t, int64(17), params["count"])
			},
		},
		{
			name: "continuous on",
			step: workflow.Step{ID: "on", Action: workflow.ActionContinuousOn},
			call: "continuous",
			on:   true,
		},
		{
			name: "continuous off",
			step: workflow.Step{ID: "off", Action: workflow.ActionContinuousOff},
			call: "continuous",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{result: collaborator.Result{Success: true, Data: map[string]any{"ok": true}}}
			ex := newExecutor(rec, WithRand(func(n int64) int64 { return 7 }))
			def := workflow.Definition{Type: "x", Steps: []workflow.Step{tt.step}}

			res, entry, err := ex.ExecuteStep(context.Background(), newInstance(def), def, tt.step, 0, 2)
			require.NoError(t, err)
			assert.False(t, res.Redirected)
			assert.True(t, entry.Success)
			assert.Equal(t, 2, entry.Attempt)
			assert.Equal(t, tt.step.Action, entry.Action)
			assert.Equal(t, map[string]any{"ok": true}, entry.Result)

			require.Len(t, rec.calls, 1)
			assert.Equal(t, tt.call, rec.calls[0].Name)
			assert.Equal(t, "acct-1", rec.calls[0].AccountID)
			assert.Equal(t, tt.on, rec.calls[0].On)
			if tt.verify != nil {
				tt.verify(t, rec.calls[0].Params)
			}
		})
	}
}

func TestWaitNeedsNoCollaborator(t *testing.T) {
	rec := &recorder{}
	def := loopDefinition(workflow.StepParams{})
	res, entry, err := newExecutor(rec).ExecuteStep(context.Background(), newInstance(def), def, def.Steps[0], 0, 0)
	require.NoError(t, err)
	assert.True(t, entry.Success)
	assert.Equal(t, int64(100), res.Data["waited_ms"])
	assert.Empty(t, rec.calls)
}

func TestCollaboratorFailures(t *testing.T) {
	tests := []struct {
		name      string
		rec       *recorder
		kind      workflow.ErrorKind
		retryable bool
		message   string
	}{
		{"reported failure", &recorder{result: collaborator.Result{Success: false, Message: "platform refused"}}, workflow.KindTransient, true, "platform refused"},
		{"transport error", &recorder{err: errors.New("connection refused")}, workflow.KindTransient, true, "connection refused"},
		{"permanent error", &recorder{err: workflow.Permanent(errors.New("account banned"))}, workflow.KindFatal, false, "account banned"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := loopDefinition(workflow.StepParams{})
			_, entry, err := newExecutor(tt.rec).ExecuteStep(context.Background(), newInstance(def), def, def.Steps[1], 1, 0)
			se := stepErr(t, err)
			assert.Equal(t, tt.kind, se.Kind)
			assert.Equal(t, tt.retryable, se.Retryable())
			assert.Equal(t, tt.message, entry.ErrorMessage)
			assert.False(t, entry.Success)
		})
	}
}

func TestCollaboratorTimeoutIsRetryable(t *testing.T) {
	rec := &recorder{block: true}
	ex := New(rec, Timeouts{Content: 10 * time.Millisecond}, nil)
	def := loopDefinition(workflow.StepParams{})

	_, entry, err := ex.ExecuteStep(context.Background(), newInstance(def), def, def.Steps[1], 1, 0)
	se := stepErr(t, err)
	assert.True(t, se.Retryable())
	assert.Contains(t, entry.ErrorMessage, "collaborator timeout")
}

func TestInvalidCountRange(t *testing.T) {
	step := workflow.Step{ID: "batch", Action: workflow.ActionRunBatch, Params: workflow.StepParams{MinCount: 9, MaxCount: 3}}
	def := workflow.Definition{Type: "x", Steps: []workflow.Step{step}}
	rec := &recorder{}
	_, _, err := newExecutor(rec).ExecuteStep(context.Background(), newInstance(def), def, step, 0, 0)
	se := stepErr(t, err)
	assert.Equal(t, workflow.KindValidation, se.Kind)
	assert.Empty(t, rec.calls)
}
