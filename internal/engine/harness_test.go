package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/ronappleton/growth-orchestrator/internal/collaborator"
	"github.com/ronappleton/growth-orchestrator/internal/execution"
	"github.com/ronappleton/growth-orchestrator/internal/lock"
	"github.com/ronappleton/growth-orchestrator/internal/monitoring"
	"github.com/ronappleton/growth-orchestrator/internal/recovery"
	"github.com/ronappleton/growth-orchestrator/internal/scheduling"
	"github.com/ronappleton/growth-orchestrator/internal/store"
	"github.com/ronappleton/growth-orchestrator/internal/workflow"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type gate struct {
	entered chan struct{}
	release chan struct{}
}

type fakeActions struct {
	mu      sync.Mutex
	calls   map[workflow.Action]int
	failing map[workflow.Action]bool
	gates   map[workflow.Action]*gate
}

func newFakeActions() *fakeActions {
	return &fakeActions{
		calls:   map[workflow.Action]int{},
		failing: map[workflow.Action]bool{},
		gates:   map[workflow.Action]*gate{},
	}
}

// block holds the next call of a until release is closed. entered closes
// once that call is running.
func (f *fakeActions) block(a workflow.Action) (entered <-chan struct{}, release chan<- struct{}) {
	g := &gate{entered: make(chan struct{}), release: make(chan struct{})}
	f.mu.Lock()
	f.gates[a] = g
	f.mu.Unlock()
	return g.entered, g.release
}

func (f *fakeActions) do(a workflow.Action) (collaborator.Result, error) {
	f.mu.Lock()
	g := f.gates[a]
	delete(f.gates, a)
	f.mu.Unlock()
	if g != nil {
		close(g.entered)
		<-g.release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[a]++
	if f.failing[a] {
		return collaborator.Result{Success: false, Message: "boom"}, nil
	}
	return collaborator.Result{Success: true, Data: map[string]any{"ok": true}}, nil
}

func (f *fakeActions) fail(a workflow.Action) {
	f.mu.Lock()
	f.failing[a] = true
	f.mu.Unlock()
}

func (f *fakeActions) count(a workflow.Action) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[a]
}

func (f *fakeActions) ApplyContentA(_ context.Context, _ string, _ map[string]any) (collaborator.Result, error) {
	return f.do(workflow.ActionGenerateContentA)
}

func (f *fakeActions) ApplyContentB(_ context.Context, _ string, _ map[string]any) (collaborator.Result, error) {
	return f.do(workflow.ActionGenerateContentB)
}

func (f *fakeActions) RunBatchAction(_ context.Context, _ string, _ map[string]any) (collaborator.Result, error) {
	return f.do(workflow.ActionRunBatch)
}

func (f *fakeActions) ToggleContinuousAction(_ context.Context, _ string, on bool, _ map[string]any) (collaborator.Result, error) {
	if on {
		return f.do(workflow.ActionContinuousOn)
	}
	return f.do(workflow.ActionContinuousOff)
}

type harness struct {
	clock   *clockwork.FakeClock
	gw      store.Gateway
	actions *fakeActions
	sched   *scheduling.Scheduler
	poller  *scheduling.Poller
	monitor *monitoring.Monitor
	orch    *Orchestrator
}

type harnessConfig struct {
	gw      store.Gateway
	clock   *clockwork.FakeClock
	actions *fakeActions
	// manual disables in-memory timers; tests drive steps through the poller.
	manual bool
}

type harnessOption func(*harnessConfig)

func withGateway(gw store.Gateway) harnessOption {
	return func(c *harnessConfig) { c.gw = gw }
}

func withClock(clock *clockwork.FakeClock) harnessOption {
	return func(c *harnessConfig) { c.clock = clock }
}

func withActions(a *fakeActions) harnessOption {
	return func(c *harnessConfig) { c.actions = a }
}

func manual() harnessOption {
	return func(c *harnessConfig) { c.manual = true }
}

func newHarness(t *testing.T, defs []workflow.Definition, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.clock == nil {
		cfg.clock = clockwork.NewFakeClockAt(epoch)
	}
	if cfg.gw == nil {
		cfg.gw = store.NewMemoryStore(cfg.clock)
	}
	if cfg.actions == nil {
		cfg.actions = newFakeActions()
	}
	ctx := context.Background()
	for _, d := range defs {
		require.NoError(t, cfg.gw.SaveDefinition(ctx, d))
	}

	logger := zaptest.NewLogger(t)
	defCache := store.NewDefinitionCache(cfg.gw, 16, 0)
	locks := lock.NewService(lock.NewStoreBackend(cfg.gw), "test", logger)
	exec := execution.New(cfg.actions, execution.Timeouts{Content: time.Second, Batch: time.Second, Continuous: time.Second},
		logger, execution.WithClock(cfg.clock))
	sched := scheduling.New(cfg.gw, cfg.clock, scheduling.Options{
		BaseBackoff:     time.Second,
		MaxBackoff:      time.Minute,
		ContentionRetry: 10 * time.Millisecond,
	}, logger)
	poller := scheduling.NewPoller(cfg.gw, sched, cfg.clock, scheduling.PollerOptions{Spec: "@every 1h", BatchSize: 50, Concurrency: 4}, logger)
	rec := recovery.New(cfg.gw, defCache, locks, sched, cfg.clock, recovery.Options{StepTTL: time.Minute, WaitTimeout: time.Second, Concurrency: 4}, logger)
	mon := monitoring.New(cfg.gw, monitoring.Thresholds{
		MinSamples:      5,
		MaxFailureRate:  0.5,
		MinSuccessRate:  0.5,
		MaxAvgExecution: time.Second,
		MaxQueueDepth:   100,
	}, 20, logger, monitoring.WithClock(cfg.clock))

	orch := New(Deps{
		Gateway:     cfg.gw,
		Definitions: defCache,
		Locks:       locks,
		Executor:    exec,
		Scheduler:   sched,
		Poller:      poller,
		Recovery:    rec,
		Monitor:     mon,
		Clock:       cfg.clock,
	}, Options{
		StartTTL:          30 * time.Second,
		StepTTL:           5 * time.Minute,
		WaitTimeout:       time.Second,
		DefaultMaxRetries: 3,
		HealthSpec:        "@every 1h",
	}, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, orch.Shutdown(ctx))
	})
	if cfg.manual {
		require.NoError(t, sched.Stop(ctx))
	}
	return &harness{
		clock:   cfg.clock,
		gw:      cfg.gw,
		actions: cfg.actions,
		sched:   sched,
		poller:  poller,
		monitor: mon,
		orch:    orch,
	}
}

// drain runs the poller until no due task is left.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for i := 0; ; i++ {
		require.Less(t, i, 1000, "poller did not settle")
		n, err := h.poller.RunOnce(context.Background())
		require.NoError(t, err)
		if n == 0 {
			return
		}
	}
}

// pump advances the clock in ticks, draining due work after each.
func (h *harness) pump(t *testing.T, total, tick time.Duration) {
	t.Helper()
	h.drain(t)
	for elapsed := time.Duration(0); elapsed < total; elapsed += tick {
		h.clock.Advance(tick)
		h.drain(t)
	}
}

func (h *harness) instance(t *testing.T, accountID string) *workflow.Instance {
	t.Helper()
	inst, err := h.gw.GetInstance(context.Background(), accountID)
	require.NoError(t, err)
	return inst
}

func (h *harness) log(t *testing.T, accountID string) []workflow.ExecutionLogEntry {
	t.Helper()
	entries, err := h.orch.History(context.Background(), accountID)
	require.NoError(t, err)
	return entries
}

func boolPtr(b bool) *bool { return &b }
