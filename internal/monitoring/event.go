package monitoring

import (
	"context"
	"time"

	"github.com/ronappleton/growth-orchestrator/internal/workflow"
)

type EventType string

const (
	EventStarted        EventType = "workflow.started"
	EventStepExecuted   EventType = "workflow.step_executed"
	EventRetryScheduled EventType = "workflow.retry_scheduled"
	EventCompleted      EventType = "workflow.completed"
	EventFailed         EventType = "workflow.failed"
	EventStopped        EventType = "workflow.stopped"
	EventPaused         EventType = "workflow.paused"
	EventResumed        EventType = "workflow.resumed"
)

// Event is a workflow lifecycle notification. Step fields are set only for
// step_executed and retry_scheduled.
type Event struct {
	Type         EventType       `json:"type"`
	AccountID    string          `json:"account_id"`
	InstanceID   string          `json:"instance_id"`
	WorkflowType string          `json:"workflow_type"`
	StepID       string          `json:"step_id,omitempty"`
	Action       workflow.Action `json:"action,omitempty"`
	Attempt      int             `json:"attempt,omitempty"`
	Success      bool            `json:"success"`
	Duration     time.Duration   `json:"duration_ns,omitempty"`
	Error        string          `json:"error,omitempty"`
	At           time.Time       `json:"at"`
}

// Observer receives lifecycle events synchronously, in emission order.
// Implementations must not block.
type Observer interface {
	Notify(ctx context.Context, ev Event)
}

// Observers fans an event out in slice order.
type Observers []Observer

func (o Observers) Notify(ctx context.Context, ev Event) {
	for _, obs := range o {
		obs.Notify(ctx, ev)
	}
}
