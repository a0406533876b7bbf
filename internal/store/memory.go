package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ronappleton/growth-orchestrator/internal/workflow"
)

type lockRecord struct {
	holder    string
	expiresAt time.Time
}

type MemoryStore struct {
	clock clockwork.Clock

	mu          sync.RWMutex
	definitions map[string]workflow.Definition
	instances   map[string]*workflow.Instance
	tasks       map[string]*workflow.ScheduledTask
	logs        map[string][]workflow.ExecutionLogEntry
	locks       map[string]lockRecord
	halts       map[string]workflow.Status
	nextLogID   int64
}

func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		clock:       clock,
		definitions: map[string]workflow.Definition{},
		instances:   map[string]*workflow.Instance{},
		tasks:       map[string]*workflow.ScheduledTask{},
		logs:        map[string][]workflow.ExecutionLogEntry{},
		locks:       map[string]lockRecord{},
		halts:       map[string]workflow.Status{},
	}
}

func (s *MemoryStore) GetDefinition(_ context.Context, workflowType string) (workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.definitions[workflowType]
	if !ok {
		return workflow.Definition{}, workflow.ErrNotFound
	}
	return d, nil
}

func (s *MemoryStore) SaveDefinition(_ context.Context, def workflow.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now().UTC()
	if existing, ok := s.definitions[def.Type]; ok {
		def.CreatedAt = existing.CreatedAt
	} else if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	def.Steps = append([]workflow.Step(nil), def.Steps...)
	s.definitions[def.Type] = def
	return nil
}

func (s *MemoryStore) ListDefinitions(_ context.Context) ([]workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]workflow.Definition, 0, len(s.definitions))
	for _, d := range s.definitions {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

func (s *MemoryStore) CreateInstance(_ context.Context, inst *workflow.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.instances {
		if existing.AccountID == inst.AccountID && !existing.Status.Terminal() {
			return workflow.ErrAlreadyActive
		}
	}
	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *MemoryStore) UpdateInstance(_ context.Context, inst *workflow.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; !ok {
		return workflow.ErrNotFound
	}
	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *MemoryStore) GetInstance(_ context.Context, accountID string) (*workflow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *workflow.Instance
	for _, inst := range s.instances {
		if inst.AccountID != accountID {
			continue
		}
		if !inst.Status.Terminal() {
			return inst.Clone(), nil
		}
		if latest == nil || inst.StartedAt.After(latest.StartedAt) {
			latest = inst
		}
	}
	if latest == nil {
		return nil, workflow.ErrNotFound
	}
	return latest.Clone(), nil
}

func (s *MemoryStore) ListInstances(_ context.Context, statuses ...workflow.Status) ([]*workflow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := statusSet(statuses)
	out := make([]*workflow.Instance, 0)
	for _, inst := range s.instances {
		if len(want) > 0 {
			if _, ok := want[inst.Status]; !ok {
				continue
			}
		}
		out = append(out, inst.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) ListRecoverable(ctx context.Context) ([]*workflow.Instance, error) {
	return s.ListInstances(ctx, workflow.StatusActive, workflow.StatusRecovering)
}

func (s *MemoryStore) CreateScheduledTask(_ context.Context, task *workflow.ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = workflow.TaskPending
	}
	cp := *task
	s.tasks[task.TaskID] = &cp
	return nil
}

func (s *MemoryStore) GetScheduledTask(_ context.Context, taskID string) (*workflow.ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) GetDueTasks(_ context.Context, now time.Time, limit int) ([]*workflow.ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*workflow.ScheduledTask, 0)
	for _, t := range s.tasks {
		if t.Status == workflow.TaskPending && !t.ScheduledFor.After(now) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ClaimScheduledTask(_ context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return false, workflow.ErrNotFound
	}
	if t.Status != workflow.TaskPending {
		return false, nil
	}
	t.Status = workflow.TaskRunning
	t.UpdatedAt = s.clock.Now().UTC()
	return true, nil
}

func (s *MemoryStore) UpdateScheduledTask(_ context.Context, taskID string, status workflow.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return workflow.ErrNotFound
	}
	t.Status = status
	t.UpdatedAt = s.clock.Now().UTC()
	return nil
}

func (s *MemoryStore) ListTasks(_ context.Context, instanceID string, statuses ...workflow.TaskStatus) ([]*workflow.ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := statusSet(statuses)
	out := make([]*workflow.ScheduledTask, 0)
	for _, t := range s.tasks {
		if t.InstanceID != instanceID {
			continue
		}
		if len(want) > 0 {
			if _, ok := want[t.Status]; !ok {
				continue
			}
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	return out, nil
}

func (s *MemoryStore) CancelPendingTasks(_ context.Context, instanceID string) (int, error) {
	return s.moveTasks(instanceID, workflow.TaskPending, workflow.TaskCompleted), nil
}

func (s *MemoryStore) RequeueRunningTasks(_ context.Context, instanceID string) (int, error) {
	return s.moveTasks(instanceID, workflow.TaskRunning, workflow.TaskPending), nil
}

func (s *MemoryStore) moveTasks(instanceID string, from, to workflow.TaskStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now().UTC()
	n := 0
	for _, t := range s.tasks {
		if t.InstanceID == instanceID && t.Status == from {
			t.Status = to
			t.UpdatedAt = now
			n++
		}
	}
	return n
}

func (s *MemoryStore) CountPendingTasks(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.tasks {
		if t.Status == workflow.TaskPending {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) RequestHalt(_ context.Context, instanceID string, to workflow.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halts[instanceID] == workflow.StatusStopped {
		return nil
	}
	s.halts[instanceID] = to
	return nil
}

func (s *MemoryStore) TakeHaltRequest(_ context.Context, instanceID string) (workflow.Status, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	to, ok := s.halts[instanceID]
	delete(s.halts, instanceID)
	return to, ok, nil
}

func (s *MemoryStore) AppendExecutionLog(_ context.Context, entry *workflow.ExecutionLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLogID++
	entry.ID = s.nextLogID
	s.logs[entry.InstanceID] = append(s.logs[entry.InstanceID], *entry)
	return nil
}

func (s *MemoryStore) ListExecutionLog(_ context.Context, instanceID string) ([]workflow.ExecutionLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]workflow.ExecutionLogEntry(nil), s.logs[instanceID]...), nil
}

func (s *MemoryStore) AcquireLock(_ context.Context, key, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if existing, ok := s.locks[key]; ok && existing.expiresAt.After(now) {
		return false, nil
	}
	s.locks[key] = lockRecord{holder: holder, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) ReleaseLock(_ context.Context, key, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.locks[key]; ok && existing.holder == holder {
		delete(s.locks, key)
	}
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
