// Package monitoring aggregates step outcomes, evaluates health thresholds on
// a schedule and raises alerts when they are breached. Alerts are purely
// observational; nothing here blocks execution.
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/ronappleton/growth-orchestrator/internal/logging"
	"github.com/ronappleton/growth-orchestrator/internal/workflow"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Alert records one threshold breach. Data carries the observed value and
// the threshold it crossed.
type Alert struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Severity       Severity       `json:"severity"`
	Message        string         `json:"message"`
	Data           map[string]any `json:"data"`
	Timestamp      time.Time      `json:"timestamp"`
	Acknowledged   bool           `json:"acknowledged"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
}

type Statistics struct {
	TotalExecutions      int64      `json:"total_executions"`
	SuccessfulExecutions int64      `json:"successful_executions"`
	FailedExecutions     int64      `json:"failed_executions"`
	AvgExecutionMs       float64    `json:"avg_execution_time_ms"`
	SuccessRate          float64    `json:"success_rate"`
	FailureRate          float64    `json:"failure_rate"`
	WorkflowsStarted     int64      `json:"workflows_started"`
	WorkflowsCompleted   int64      `json:"workflows_completed"`
	WorkflowsFailed      int64      `json:"workflows_failed"`
	WorkflowsStopped     int64      `json:"workflows_stopped"`
	RetriesScheduled     int64      `json:"retries_scheduled"`
	LastExecutionAt      *time.Time `json:"last_execution_at,omitempty"`
}

type Check struct {
	Name      string  `json:"name"`
	OK        bool    `json:"ok"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Skipped   bool    `json:"skipped,omitempty"`
}

type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

type HealthReport struct {
	Status     HealthStatus `json:"status"`
	Checks     []Check      `json:"checks"`
	QueueDepth int          `json:"queue_depth"`
	Statistics Statistics   `json:"statistics"`
	Alerts     []Alert      `json:"new_alerts,omitempty"`
	CheckedAt  time.Time    `json:"checked_at"`
}

func (r HealthReport) Healthy() bool { return r.Status == StatusHealthy }

type Thresholds struct {
	MinSamples      int
	MaxFailureRate  float64
	MinSuccessRate  float64
	MaxAvgExecution time.Duration
	MaxQueueDepth   int
}

// QueueCounter reports how many scheduled tasks are waiting.
type QueueCounter interface {
	CountPendingTasks(ctx context.Context) (int, error)
}

// AlertSink receives every raised alert. Send must not block.
type AlertSink interface {
	Send(Alert)
}

type Monitor struct {
	queue     QueueCounter
	clock     clockwork.Clock
	th        Thresholds
	maxAlerts int
	logger    *zap.Logger

	executions metric.Int64Counter
	duration   metric.Float64Histogram
	alertCount metric.Int64Counter

	mu       sync.Mutex
	stats    Statistics
	alerts   []Alert
	last     *HealthReport
	sinks    []AlertSink
	onReport []func(HealthReport)
	cron     *cron.Cron
}

type Option func(*Monitor)

func WithClock(c clockwork.Clock) Option { return func(m *Monitor) { m.clock = c } }

func WithMeter(meter metric.Meter) Option {
	return func(m *Monitor) { m.initInstruments(meter) }
}

func WithSink(s AlertSink) Option { return func(m *Monitor) { m.sinks = append(m.sinks, s) } }

func New(queue QueueCounter, th Thresholds, maxAlerts int, logger *zap.Logger, opts ...Option) *Monitor {
	if maxAlerts <= 0 {
		maxAlerts = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		queue:     queue,
		clock:     clockwork.NewRealClock(),
		th:        th,
		maxAlerts: maxAlerts,
		logger:    logger,
	}
	m.initInstruments(otel.Meter("github.com/ronappleton/growth-orchestrator/monitoring"))
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Monitor) initInstruments(meter metric.Meter) {
	// An instrument stays nil if creation fails; recording skips it.
	var err error
	if m.executions, err = meter.Int64Counter("growth.step.executions",
		metric.WithDescription("Workflow step executions by outcome")); err != nil {
		m.logger.Warn("meter instrument", zap.Error(err))
	}
	if m.duration, err = meter.Float64Histogram("growth.step.duration_ms",
		metric.WithDescription("Workflow step execution time"), metric.WithUnit("ms")); err != nil {
		m.logger.Warn("meter instrument", zap.Error(err))
	}
	if m.alertCount, err = meter.Int64Counter("growth.alerts",
		metric.WithDescription("Health alerts raised by severity")); err != nil {
		m.logger.Warn("meter instrument", zap.Error(err))
	}
}

// OnReport registers fn to receive every health report.
func (m *Monitor) OnReport(fn func(HealthReport)) {
	m.mu.Lock()
	m.onReport = append(m.onReport, fn)
	m.mu.Unlock()
}

// Notify implements the engine's lifecycle observer.
func (m *Monitor) Notify(ctx context.Context, ev Event) {
	m.mu.Lock()
	switch ev.Type {
	case EventStepExecuted:
		m.stats.TotalExecutions++
		if ev.Success {
			m.stats.SuccessfulExecutions++
		} else {
			m.stats.FailedExecutions++
		}
		ms := float64(ev.Duration) / float64(time.Millisecond)
		m.stats.AvgExecutionMs += (ms - m.stats.AvgExecutionMs) / float64(m.stats.TotalExecutions)
		at := ev.At
		m.stats.LastExecutionAt = &at
	case EventStarted:
		m.stats.WorkflowsStarted++
	case EventCompleted:
		m.stats.WorkflowsCompleted++
	case EventFailed:
		m.stats.WorkflowsFailed++
	case EventStopped:
		m.stats.WorkflowsStopped++
	case EventRetryScheduled:
		m.stats.RetriesScheduled++
	}
	m.mu.Unlock()

	if ev.Type == EventStepExecuted {
		attrs := metric.WithAttributes(
			attribute.String("action", string(ev.Action)),
			attribute.Bool("success", ev.Success),
		)
		if m.executions != nil {
			m.executions.Add(ctx, 1, attrs)
		}
		if m.duration != nil {
			m.duration.Record(ctx, float64(ev.Duration)/float64(time.Millisecond), attrs)
		}
	}
}

func (m *Monitor) Statistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

func (m *Monitor) snapshot() Statistics {
	s := m.stats
	if s.TotalExecutions > 0 {
		s.SuccessRate = float64(s.SuccessfulExecutions) / float64(s.TotalExecutions)
		s.FailureRate = float64(s.FailedExecutions) / float64(s.TotalExecutions)
	}
	if s.LastExecutionAt != nil {
		t := *s.LastExecutionAt
		s.LastExecutionAt = &t
	}
	return s
}

type breach struct {
	check    Check
	severity Severity
	message  string
}

// Evaluate computes a health report without raising alerts or notifying
// report hooks, so it is safe to call on every operator query.
func (m *Monitor) Evaluate(ctx context.Context) (HealthReport, error) {
	report, _, err := m.evaluate(ctx)
	return report, err
}

// HealthCheck evaluates every threshold, raises one alert per breach and
// hands the report to OnReport hooks. The health loop calls it once per
// period, which is the only throttle on repeated alerts.
func (m *Monitor) HealthCheck(ctx context.Context) (HealthReport, error) {
	report, breaches, err := m.evaluate(ctx)
	if err != nil {
		return HealthReport{}, err
	}
	for _, b := range breaches {
		report.Alerts = append(report.Alerts, m.raise(ctx, b))
	}

	m.mu.Lock()
	r := report
	m.last = &r
	hooks := make([]func(HealthReport), len(m.onReport))
	copy(hooks, m.onReport)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(report)
	}
	return report, nil
}

// evaluate skips rate and latency checks until MinSamples executions exist.
func (m *Monitor) evaluate(ctx context.Context) (HealthReport, []breach, error) {
	depth, err := m.queue.CountPendingTasks(ctx)
	if err != nil {
		return HealthReport{}, nil, fmt.Errorf("queue depth: %w", err)
	}
	stats := m.Statistics()
	report := HealthReport{
		QueueDepth: depth,
		Statistics: stats,
		CheckedAt:  m.clock.Now().UTC(),
	}

	sampled := stats.TotalExecutions >= int64(m.th.MinSamples) && stats.TotalExecutions > 0
	var breaches []breach
	add := func(c Check, sev Severity, msg string) {
		report.Checks = append(report.Checks, c)
		if !c.OK && !c.Skipped {
			breaches = append(breaches, breach{c, sev, msg})
		}
	}

	add(Check{Name: "failure_rate", Value: stats.FailureRate, Threshold: m.th.MaxFailureRate,
		OK: !sampled || stats.FailureRate <= m.th.MaxFailureRate, Skipped: !sampled},
		SeverityError, fmt.Sprintf("Step failure rate %.1f%% exceeds %.1f%%", stats.FailureRate*100, m.th.MaxFailureRate*100))

	maxAvg := float64(m.th.MaxAvgExecution) / float64(time.Millisecond)
	add(Check{Name: "avg_execution_time", Value: stats.AvgExecutionMs, Threshold: maxAvg,
		OK: !sampled || stats.AvgExecutionMs <= maxAvg, Skipped: !sampled},
		SeverityWarning, fmt.Sprintf("Average step execution time %.0fms exceeds %.0fms", stats.AvgExecutionMs, maxAvg))

	queueSev := SeverityWarning
	if m.th.MaxQueueDepth > 0 && depth > 2*m.th.MaxQueueDepth {
		queueSev = SeverityCritical
	}
	add(Check{Name: "queue_depth", Value: float64(depth), Threshold: float64(m.th.MaxQueueDepth),
		OK: depth <= m.th.MaxQueueDepth},
		queueSev, fmt.Sprintf("Pending task queue depth %d exceeds %d", depth, m.th.MaxQueueDepth))

	add(Check{Name: "success_rate", Value: stats.SuccessRate, Threshold: m.th.MinSuccessRate,
		OK: !sampled || stats.SuccessRate >= m.th.MinSuccessRate, Skipped: !sampled},
		SeverityWarning, fmt.Sprintf("Step success rate %.1f%% below %.1f%%", stats.SuccessRate*100, m.th.MinSuccessRate*100))

	report.Status = StatusHealthy
	for _, b := range breaches {
		if b.severity == SeverityError || b.severity == SeverityCritical {
			report.Status = StatusUnhealthy
		} else if report.Status == StatusHealthy {
			report.Status = StatusDegraded
		}
	}
	return report, breaches, nil
}

// LastReport returns the most recent health report, if any.
func (m *Monitor) LastReport() (HealthReport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return HealthReport{}, false
	}
	return *m.last, true
}

func (m *Monitor) raise(ctx context.Context, b breach) Alert {
	kind, sev, msg := b.check.Name, b.severity, b.message
	alert := Alert{
		ID:       uuid.NewString(),
		Type:     kind,
		Severity: sev,
		Message:  msg,
		Data: map[string]any{
			"value":     b.check.Value,
			"threshold": b.check.Threshold,
		},
		Timestamp: m.clock.Now().UTC(),
	}
	m.mu.Lock()
	m.alerts = append(m.alerts, alert)
	if over := len(m.alerts) - m.maxAlerts; over > 0 {
		m.alerts = append([]Alert(nil), m.alerts[over:]...)
	}
	sinks := m.sinks
	m.mu.Unlock()

	if m.alertCount != nil {
		m.alertCount.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", kind),
			attribute.String("severity", string(sev)),
		))
	}
	m.logger.Warn("health alert",
		zap.String("alert_id", alert.ID),
		zap.String("type", kind),
		zap.String("severity", string(sev)),
		zap.String("message", msg))
	for _, s := range sinks {
		s.Send(alert)
	}
	return alert
}

// Alerts returns alerts newest first. With unacknowledgedOnly set,
// acknowledged alerts are omitted.
func (m *Monitor) Alerts(unacknowledgedOnly bool) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.alerts))
	for i := len(m.alerts) - 1; i >= 0; i-- {
		a := m.alerts[i]
		if unacknowledgedOnly && a.Acknowledged {
			continue
		}
		out = append(out, a)
	}
	return out
}

func (m *Monitor) AcknowledgeAlert(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.alerts {
		if m.alerts[i].ID != id {
			continue
		}
		if !m.alerts[i].Acknowledged {
			now := m.clock.Now().UTC()
			m.alerts[i].Acknowledged = true
			m.alerts[i].AcknowledgedAt = &now
		}
		return nil
	}
	return fmt.Errorf("alert %s: %w", id, workflow.ErrNotFound)
}

// Start runs HealthCheck on spec until Stop.
func (m *Monitor) Start(spec string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return errors.New("health loop already started")
	}
	cl := logging.CronLogger(m.logger)
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		report, err := m.HealthCheck(ctx)
		if err != nil {
			m.logger.Error("health check failed", zap.Error(err))
			return
		}
		m.logger.Debug("health check", zap.String("status", string(report.Status)), zap.Int("queue_depth", report.QueueDepth))
	}); err != nil {
		return fmt.Errorf("health spec %q: %w", spec, err)
	}
	c.Start()
	m.cron = c
	return nil
}

func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
