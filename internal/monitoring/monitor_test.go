package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap/zaptest"

	"github.com/ronappleton/growth-orchestrator/internal/workflow"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixedQueue struct {
	depth int
	err   error
}

func (q *fixedQueue) CountPendingTasks(context.Context) (int, error) { return q.depth, q.err }

type captureSink struct {
	mu     sync.Mutex
	alerts []Alert
}

func (c *captureSink) Send(a Alert) {
	c.mu.Lock()
	c.alerts = append(c.alerts, a)
	c.mu.Unlock()
}

var thresholds = Thresholds{
	MinSamples:      4,
	MaxFailureRate:  0.25,
	MinSuccessRate:  0.8,
	MaxAvgExecution: 100 * time.Millisecond,
	MaxQueueDepth:   10,
}

func step(ok bool, d time.Duration) Event {
	return Event{Type: EventStepExecuted, Action: workflow.ActionRunBatch, Success: ok, Duration: d, At: epoch}
}

func TestStatisticsIncrementalMean(t *testing.T) {
	ctx := context.Background()
	m := New(&fixedQueue{}, thresholds, 10, zaptest.NewLogger(t))

	for _, ev := range []Event{
		step(true, 10*time.Millisecond),
		step(true, 20*time.Millisecond),
		step(false, 60*time.Millisecond),
		{Type: EventStarted},
		{Type: EventCompleted},
		{Type: EventRetryScheduled},
	} {
		m.Notify(ctx, ev)
	}

	s := m.Statistics()
	assert.EqualValues(t, 3, s.TotalExecutions)
	assert.EqualValues(t, 2, s.SuccessfulExecutions)
	assert.EqualValues(t, 1, s.FailedExecutions)
	assert.InDelta(t, 30.0, s.AvgExecutionMs, 1e-9)
	assert.InDelta(t, 2.0/3.0, s.SuccessRate, 1e-9)
	assert.InDelta(t, 1.0/3.0, s.FailureRate, 1e-9)
	assert.EqualValues(t, 1, s.WorkflowsStarted)
	assert.EqualValues(t, 1, s.WorkflowsCompleted)
	assert.EqualValues(t, 1, s.RetriesScheduled)
	require.NotNil(t, s.LastExecutionAt)
	assert.Equal(t, epoch, *s.LastExecutionAt)
}

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name       string
		events     []Event
		depth      int
		wantStatus HealthStatus
		wantAlerts []string
	}{
		{
			name:       "no traffic",
			wantStatus: StatusHealthy,
		},
		{
			name:       "below min samples ignores rates",
			events:     []Event{step(false, time.Second), step(false, time.Second)},
			wantStatus: StatusHealthy,
		},
		{
			name: "all good",
			events: []Event{
				step(true, 10*time.Millisecond), step(true, 10*time.Millisecond),
				step(true, 10*time.Millisecond), step(true, 10*time.Millisecond),
			},
			depth:      3,
			wantStatus: StatusHealthy,
		},
		{
			name: "slow steps degrade",
			events: []Event{
				step(true, 500*time.Millisecond), step(true, 500*time.Millisecond),
				step(true, 500*time.Millisecond), step(true, 500*time.Millisecond),
			},
			wantStatus: StatusDegraded,
			wantAlerts: []string{"avg_execution_time"},
		},
		{
			name: "failures are unhealthy",
			events: []Event{
				step(false, time.Millisecond), step(false, time.Millisecond),
				step(true, time.Millisecond), step(true, time.Millisecond),
			},
			wantStatus: StatusUnhealthy,
			wantAlerts: []string{"failure_rate", "success_rate"},
		},
		{
			name:       "queue backlog",
			depth:      11,
			wantStatus: StatusDegraded,
			wantAlerts: []string{"queue_depth"},
		},
		{
			name:       "queue far over is critical",
			depth:      25,
			wantStatus: StatusUnhealthy,
			wantAlerts: []string{"queue_depth"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			sink := &captureSink{}
			m := New(&fixedQueue{depth: tt.depth}, thresholds, 10, zaptest.NewLogger(t),
				WithClock(clockwork.NewFakeClockAt(epoch)), WithSink(sink))
			var hooked []HealthReport
			m.OnReport(func(r HealthReport) { hooked = append(hooked, r) })
			for _, ev := range tt.events {
				m.Notify(ctx, ev)
			}

			report, err := m.HealthCheck(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, report.Status)
			assert.Equal(t, tt.depth, report.QueueDepth)
			assert.Len(t, report.Checks, 4)
			assert.Equal(t, epoch, report.CheckedAt)

			var types []string
			for _, a := range report.Alerts {
				types = append(types, a.Type)
			}
			assert.ElementsMatch(t, tt.wantAlerts, types)
			assert.Len(t, sink.alerts, len(tt.wantAlerts))
			assert.Len(t, m.Alerts(false), len(tt.wantAlerts))

			require.Len(t, hooked, 1)
			last, ok := m.LastReport()
			require.True(t, ok)
			assert.Equal(t, report.Status, last.Status)
		})
	}
}

func TestEvaluateRaisesNothing(t *testing.T) {
	ctx := context.Background()
	sink := &captureSink{}
	m := New(&fixedQueue{depth: 50}, thresholds, 10, zaptest.NewLogger(t), WithSink(sink))
	hooked := 0
	m.OnReport(func(HealthReport) { hooked++ })

	for i := 0; i < 5; i++ {
		report, err := m.Evaluate(ctx)
		require.NoError(t, err)
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Empty(t, report.Alerts)
	}
	assert.Empty(t, m.Alerts(false))
	assert.Empty(t, sink.alerts)
	assert.Zero(t, hooked)
	_, ok := m.LastReport()
	assert.False(t, ok)

	report, err := m.HealthCheck(ctx)
	require.NoError(t, err)
	assert.Len(t, report.Alerts, 1)
	assert.Len(t, m.Alerts(false), 1)
	assert.Equal(t, 1, hooked)
}

func TestHealthCheckQueueError(t *testing.T) {
	m := New(&fixedQueue{err: errors.New("db down")}, thresholds, 10, nil)
	_, err := m.HealthCheck(context.Background())
	require.Error(t, err)
	_, ok := m.LastReport()
	assert.False(t, ok)
}

func TestAlertsCappedAndAcknowledged(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	m := New(&fixedQueue{depth: 50}, thresholds, 3, nil, WithClock(clock))

	for i := 0; i < 5; i++ {
		_, err := m.HealthCheck(ctx)
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}
	alerts := m.Alerts(false)
	require.Len(t, alerts, 3)
	assert.Equal(t, epoch.Add(4*time.Minute), alerts[0].Timestamp, "newest first")
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
	assert.Equal(t, map[string]any{"value": 50.0, "threshold": 10.0}, alerts[0].Data)

	require.NoError(t, m.AcknowledgeAlert(alerts[1].ID))
	require.NoError(t, m.AcknowledgeAlert(alerts[1].ID))
	open := m.Alerts(true)
	assert.Len(t, open, 2)
	for _, a := range open {
		assert.NotEqual(t, alerts[1].ID, a.ID)
	}
	acked := m.Alerts(false)[1]
	assert.True(t, acked.Acknowledged)
	require.NotNil(t, acked.AcknowledgedAt)
	assert.Equal(t, epoch.Add(5*time.Minute), *acked.AcknowledgedAt)

	assert.ErrorIs(t, m.AcknowledgeAlert("missing"), workflow.ErrNotFound)
}

func TestMetricsRecorded(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(ctx) })

	m := New(&fixedQueue{depth: 99}, thresholds, 10, nil, WithMeter(mp.Meter("test")))
	m.Notify(ctx, step(true, 5*time.Millisecond))
	m.Notify(ctx, step(false, 7*time.Millisecond))
	_, err := m.HealthCheck(ctx)
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if sum, ok := md.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[md.Name] += dp.Value
				}
			}
		}
	}
	assert.EqualValues(t, 2, sums["growth.step.executions"])
	assert.EqualValues(t, 1, sums["growth.alerts"])
}

func TestHealthLoopStartStop(t *testing.T) {
	m := New(&fixedQueue{}, thresholds, 10, zaptest.NewLogger(t))
	require.Error(t, m.Start("every tuesday"))
	require.NoError(t, m.Start("@every 1h"))
	assert.Error(t, m.Start("@every 1h"))
	require.NoError(t, m.Stop(context.Background()))
	require.NoError(t, m.Stop(context.Background()))
}

func TestWebhookSinkBatchesAndFlushesOnClose(t *testing.T) {
	var mu sync.Mutex
	var got []Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var b alertBatch
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		got = append(got, b.Alerts...)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, 8, time.Hour, srv.Client(), zaptest.NewLogger(t))
	sink.Send(Alert{ID: "a1", Type: "queue_depth"})
	sink.Send(Alert{ID: "a2", Type: "failure_rate"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sink.Close(ctx))
	sink.Send(Alert{ID: "late"})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, "a1", got[0].ID)
	assert.Equal(t, "a2", got[1].ID)
}

func TestObserversFanOutInOrder(t *testing.T) {
	var order []string
	a := observerFunc(func(_ context.Context, ev Event) { order = append(order, "a:"+string(ev.Type)) })
	b := observerFunc(func(_ context.Context, ev Event) { order = append(order, "b:"+string(ev.Type)) })
	Observers{a, b}.Notify(context.Background(), Event{Type: EventPaused})
	assert.Equal(t, []string{"a:workflow.paused", "b:workflow.paused"}, order)
}

type observerFunc func(context.Context, Event)

func (f observerFunc) Notify(ctx context.Context, ev Event) { f(ctx, ev) }
