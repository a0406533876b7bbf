// Package store is the persistence gateway consumed by the engine: workflow
// definitions, instances, scheduled tasks, the execution log and advisory locks.
package store

import (
	"context"
	"time"

	"github.com/ronappleton/growth-orchestrator/internal/workflow"
)

type Gateway interface {
	GetDefinition(ctx context.Context, workflowType string) (workflow.Definition, error)
	SaveDefinition(ctx context.Context, def workflow.Definition) error
	ListDefinitions(ctx context.Context) ([]workflow.Definition, error)

	// CreateInstance fails with workflow.ErrAlreadyActive when the account
	// already owns a non-terminal instance.
	CreateInstance(ctx context.Context, inst *workflow.Instance) error
	UpdateInstance(ctx context.Context, inst *workflow.Instance) error
	// GetInstance returns the account's non-terminal instance if there is one,
	// otherwise its most recently started instance.
	GetInstance(ctx context.Context, accountID string) (*workflow.Instance, error)
	ListInstances(ctx context.Context, statuses ...workflow.Status) ([]*workflow.Instance, error)
	ListRecoverable(ctx context.Context) ([]*workflow.Instance, error)

	CreateScheduledTask(ctx context.Context, task *workflow.ScheduledTask) error
	GetScheduledTask(ctx context.Context, taskID string) (*workflow.ScheduledTask, error)
	GetDueTasks(ctx context.Context, now time.Time, limit int) ([]*workflow.ScheduledTask, error)
	// ClaimScheduledTask atomically moves a task from pending to running and
	// reports whether this caller won the transition.
	ClaimScheduledTask(ctx context.Context, taskID string) (bool, error)
	UpdateScheduledTask(ctx context.Context, taskID string, status workflow.TaskStatus) error
	ListTasks(ctx context.Context, instanceID string, statuses ...workflow.TaskStatus) ([]*workflow.ScheduledTask, error)
	// CancelPendingTasks retires every pending task of the instance so neither
	// trigger path can pick them up again.
	CancelPendingTasks(ctx context.Context, instanceID string) (int, error)
	RequeueRunningTasks(ctx context.Context, instanceID string) (int, error)
	CountPendingTasks(ctx context.Context) (int, error)

	// RequestHalt records a stop or pause for an instance whose step lock is
	// held elsewhere. A pending stop is never downgraded to a pause.
	RequestHalt(ctx context.Context, instanceID string, to workflow.Status) error
	// TakeHaltRequest removes and returns the instance's pending halt request.
	TakeHaltRequest(ctx context.Context, instanceID string) (workflow.Status, bool, error)

	AppendExecutionLog(ctx context.Context, entry *workflow.ExecutionLogEntry) error
	ListExecutionLog(ctx context.Context, instanceID string) ([]workflow.ExecutionLogEntry, error)

	// AcquireLock inserts the lock if absent or expired.
	AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, holder string) error

	Ping(ctx context.Context) error
	Close() error
}

func statusSet[T comparable](in []T) map[T]struct{} {
	out := make(map[T]struct{}, len(in))
	for _, s := range in {
		out[s] = struct{}{}
	}
	return out
}
