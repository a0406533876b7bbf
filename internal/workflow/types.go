package workflow

import (
	"fmt"
	"time"
)

type Action string

const (
	ActionWait             Action = "wait"
	ActionGenerateContentA Action = "generate_content_a"
	ActionGenerateContentB Action = "generate_content_b"
	ActionRunBatch         Action = "run_batch_action"
	ActionContinuousOn     Action = "toggle_continuous_action_on"
	ActionContinuousOff    Action = "toggle_continuous_action_off"
	ActionGoto             Action = "goto"
)

// IsContinuousToggle reports whether the action flips the long-running
// continuous action. These are the only steps with a randomized delay.
func (a Action) IsContinuousToggle() bool {
	return a == ActionContinuousOn || a == ActionContinuousOff
}

// Definition is an immutable workflow template keyed by Type.
type Definition struct {
	Type        string    `json:"type" yaml:"type"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	MaxRetries  int       `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Steps       []Step    `json:"steps" yaml:"steps"`
	CreatedAt   time.Time `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"-"`
}

type Step struct {
	ID       string     `json:"id" yaml:"id"`
	Name     string     `json:"name,omitempty" yaml:"name,omitempty"`
	Action   Action     `json:"action" yaml:"action"`
	DelayMs  int64      `json:"delay_ms,omitempty" yaml:"delay_ms,omitempty"`
	Critical bool       `json:"critical,omitempty" yaml:"critical,omitempty"`
	Parallel bool       `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	Params   StepParams `json:"params,omitempty" yaml:"params,omitempty"`
}

type StepParams struct {
	BatchSize       int            `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`
	MinCount        int            `json:"min_count,omitempty" yaml:"min_count,omitempty"`
	MaxCount        int            `json:"max_count,omitempty" yaml:"max_count,omitempty"`
	MinIntervalMs   int64          `json:"min_interval_ms,omitempty" yaml:"min_interval_ms,omitempty"`
	MaxIntervalMs   int64          `json:"max_interval_ms,omitempty" yaml:"max_interval_ms,omitempty"`
	NextStepID      string         `json:"next_step,omitempty" yaml:"next_step,omitempty"`
	InfiniteAllowed *bool          `json:"infinite_allowed,omitempty" yaml:"infinite_allowed,omitempty"`
	MaxIterations   int            `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	Extra           map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// LoopsUnbounded is true unless infinite_allowed was explicitly set to false.
func (p StepParams) LoopsUnbounded() bool {
	return p.InfiniteAllowed == nil || *p.InfiniteAllowed
}

func (d Definition) StepIndex(id string) int {
	for i, s := range d.Steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// Validate checks the structural shape of a definition. Goto targets are
// resolved at execution time so a bad target fails the step, not the load.
func (d Definition) Validate() error {
	if d.Type == "" {
		return fmt.Errorf("definition type is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("definition %s has no steps", d.Type)
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for i, s := range d.Steps {
		if s.ID == "" {
			return fmt.Errorf("definition %s: step %d has no id", d.Type, i)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("definition %s: duplicate step id %s", d.Type, s.ID)
		}
		seen[s.ID] = struct{}{}
		if s.DelayMs < 0 {
			return fmt.Errorf("definition %s: step %s has negative delay", d.Type, s.ID)
		}
		if s.Parallel && s.Action == ActionGoto {
			return fmt.Errorf("definition %s: goto step %s cannot be parallel", d.Type, s.ID)
		}
	}
	return nil
}

type Status string

const (
	StatusActive     Status = "active"
	StatusRecovering Status = "recovering"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusStopped    Status = "stopped"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// Runnable reports whether scheduled work for the instance may execute.
func (s Status) Runnable() bool {
	return s == StatusActive || s == StatusRecovering
}

type Instance struct {
	ID               string         `json:"id"`
	AccountID        string         `json:"account_id"`
	WorkflowType     string         `json:"workflow_type"`
	Status           Status         `json:"status"`
	CurrentStepIndex int            `json:"current_step_index"`
	TotalSteps       int            `json:"total_steps"`
	AccountData      map[string]any `json:"account_data,omitempty"`
	ExecutionContext map[string]int `json:"execution_context,omitempty"`
	RetryCount       int            `json:"retry_count"`
	MaxRetries       int            `json:"max_retries"`
	NextActionAt     *time.Time     `json:"next_action_at,omitempty"`
	NextTaskID       string         `json:"next_task_id,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	LastActivityAt   time.Time      `json:"last_activity_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	FailedAt         *time.Time     `json:"failed_at,omitempty"`
	StoppedAt        *time.Time     `json:"stopped_at,omitempty"`
	RecoveredAt      *time.Time     `json:"recovered_at,omitempty"`
	LastError        string         `json:"last_error,omitempty"`
	FinalError       string         `json:"final_error,omitempty"`
}

// Finished reports whether the step pointer has run off the end.
func (i *Instance) Finished() bool {
	return i.CurrentStepIndex >= i.TotalSteps
}

// Clone returns a deep copy so cached snapshots never alias a row being mutated.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	out := *i
	if i.AccountData != nil {
		out.AccountData = make(map[string]any, len(i.AccountData))
		for k, v := range i.AccountData {
			out.AccountData[k] = v
		}
	}
	if i.ExecutionContext != nil {
		out.ExecutionContext = make(map[string]int, len(i.ExecutionContext))
		for k, v := range i.ExecutionContext {
			out.ExecutionContext[k] = v
		}
	}
	out.NextActionAt = cloneTime(i.NextActionAt)
	out.CompletedAt = cloneTime(i.CompletedAt)
	out.FailedAt = cloneTime(i.FailedAt)
	out.StoppedAt = cloneTime(i.StoppedAt)
	out.RecoveredAt = cloneTime(i.RecoveredAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

type ScheduledTask struct {
	TaskID       string     `json:"task_id"`
	InstanceID   string     `json:"workflow_instance_id"`
	AccountID    string     `json:"account_id"`
	StepID       string     `json:"step_id"`
	StepIndex    int        `json:"step_index"`
	Action       Action     `json:"action"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	Status       TaskStatus `json:"status"`
	Payload      Step       `json:"payload"`
	Attempt      int        `json:"attempt"`
	// Detached tasks run off the main timeline (parallel steps).
	Detached  bool      `json:"detached,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ExecutionLogEntry struct {
	ID           int64          `json:"id"`
	InstanceID   string         `json:"workflow_instance_id"`
	AccountID    string         `json:"account_id"`
	TaskID       string         `json:"task_id,omitempty"`
	StepID       string         `json:"step_id"`
	StepIndex    int            `json:"step_index"`
	Action       Action         `json:"action"`
	Attempt      int            `json:"attempt"`
	Success      bool           `json:"success"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	DurationMs   int64          `json:"duration_ms"`
	ExecutedAt   time.Time      `json:"executed_at"`
}
