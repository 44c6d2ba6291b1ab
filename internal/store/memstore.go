package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loomworks/gantry/model"
)

// MemoryStore is an in-memory Store for tests and single-node development.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string][]model.WorkflowDefinition // key: tenant/id, versions ascending
	instances   map[string]model.WorkflowInstance     // key: instance ID
	tokens      map[string][]model.Token              // key: instance ID
	tasks       map[string]model.TaskInstance         // key: task ID
	logs        map[string][]model.WorkflowLog        // key: instance ID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string][]model.WorkflowDefinition),
		instances:   make(map[string]model.WorkflowInstance),
		tokens:      make(map[string][]model.Token),
		tasks:       make(map[string]model.TaskInstance),
		logs:        make(map[string][]model.WorkflowLog),
	}
}

func defKey(tenantID, definitionID string) string {
	return tenantID + "/" + definitionID
}

// SaveDefinition persists a definition version. Existing versions are never
// overwritten.
func (s *MemoryStore) SaveDefinition(_ context.Context, def model.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := defKey(def.TenantID, def.ID)
	for _, existing := range s.definitions[key] {
		if existing.Version == def.Version {
			return model.NewConflictError(
				fmt.Sprintf("definition %q version %d already exists", def.ID, def.Version),
			)
		}
	}
	s.definitions[key] = append(s.definitions[key], def)
	sort.Slice(s.definitions[key], func(i, j int) bool {
		return s.definitions[key][i].Version < s.definitions[key][j].Version
	})
	return nil
}

// GetDefinition retrieves the newest version of a definition.
func (s *MemoryStore) GetDefinition(_ context.Context, tenantID, definitionID string) (model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.definitions[defKey(tenantID, definitionID)]
	if len(versions) == 0 {
		return model.WorkflowDefinition{}, model.NewNotFoundError(
			fmt.Sprintf("workflow definition %q not found", definitionID),
		)
	}
	return versions[len(versions)-1], nil
}

// ListDefinitions returns the newest version of every definition for a tenant.
func (s *MemoryStore) ListDefinitions(_ context.Context, tenantID string) ([]model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowDefinition
	for _, versions := range s.definitions {
		if len(versions) == 0 || versions[0].TenantID != tenantID {
			continue
		}
		result = append(result, versions[len(versions)-1])
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// CreateInstance persists a new workflow instance.
func (s *MemoryStore) CreateInstance(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q already exists", inst.ID),
		)
	}
	s.instances[inst.ID] = inst
	return nil
}

// GetInstance retrieves an instance by ID, scoped to tenant.
func (s *MemoryStore) GetInstance(_ context.Context, tenantID, instanceID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists || inst.TenantID != tenantID {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	return inst, nil
}

// UpdateInstance persists an updated instance with optimistic locking.
func (s *MemoryStore) UpdateInstance(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[inst.ID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", inst.ID),
		)
	}
	if existing.Version != inst.Version {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d, got %d)",
				inst.ID, inst.Version, existing.Version),
		)
	}

	inst.Version++
	inst.UpdatedAt = time.Now().UTC()
	s.instances[inst.ID] = inst
	return nil
}

// ListInstances returns a filtered page of instances for a tenant.
func (s *MemoryStore) ListInstances(_ context.Context, tenantID string, filters InstanceFilters) ([]model.WorkflowInstance, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.TenantID != tenantID {
			continue
		}
		if filters.WorkflowID != "" && inst.WorkflowID != filters.WorkflowID {
			continue
		}
		if filters.Status != "" && inst.Status != filters.Status {
			continue
		}
		if filters.Initiator != "" && inst.Initiator != filters.Initiator {
			continue
		}
		result = append(result, inst)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	total := len(result)
	result = paginate(result, filters.Offset, filters.Limit)
	return result, total, nil
}

// CreateToken persists a new execution token.
func (s *MemoryStore) CreateToken(_ context.Context, tok model.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens[tok.InstanceID] = append(s.tokens[tok.InstanceID], tok)
	return nil
}

// UpdateToken persists an updated token.
func (s *MemoryStore) UpdateToken(_ context.Context, tok model.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.tokens[tok.InstanceID]
	for i := range list {
		if list[i].ID == tok.ID {
			list[i] = tok
			return nil
		}
	}
	return model.NewNotFoundError(fmt.Sprintf("token %q not found", tok.ID))
}

// ListTokens returns all tokens for an instance, oldest first.
func (s *MemoryStore) ListTokens(_ context.Context, instanceID string) ([]model.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.tokens[instanceID]
	result := make([]model.Token, len(list))
	copy(result, list)
	return result, nil
}

// CreateTask persists a new task instance.
func (s *MemoryStore) CreateTask(_ context.Context, task model.TaskInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("task %q already exists", task.ID))
	}
	s.tasks[task.ID] = task
	return nil
}

// GetTask retrieves a task by ID, scoped to tenant.
func (s *MemoryStore) GetTask(_ context.Context, tenantID, taskID string) (model.TaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[taskID]
	if !exists || task.TenantID != tenantID {
		return model.TaskInstance{}, model.NewNotFoundError(
			fmt.Sprintf("task %q not found", taskID),
		)
	}
	return task, nil
}

// UpdateTask persists an updated task.
func (s *MemoryStore) UpdateTask(_ context.Context, task model.TaskInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; !exists {
		return model.NewNotFoundError(fmt.Sprintf("task %q not found", task.ID))
	}
	s.tasks[task.ID] = task
	return nil
}

// ListTasks returns a filtered page of tasks for a tenant, newest first.
func (s *MemoryStore) ListTasks(_ context.Context, tenantID string, filters TaskFilters) ([]model.TaskInstance, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TaskInstance
	for _, task := range s.tasks {
		if task.TenantID != tenantID {
			continue
		}
		if filters.Assignee != "" && task.Assignee != filters.Assignee {
			continue
		}
		if filters.Status != "" && task.Status != filters.Status {
			continue
		}
		if filters.InstanceID != "" && task.InstanceID != filters.InstanceID {
			continue
		}
		result = append(result, task)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	total := len(result)
	result = paginate(result, filters.Offset, filters.Limit)
	return result, total, nil
}

// ListTasksByInstance returns all tasks belonging to an instance, oldest first.
func (s *MemoryStore) ListTasksByInstance(_ context.Context, instanceID string) ([]model.TaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TaskInstance
	for _, task := range s.tasks {
		if task.InstanceID == instanceID {
			result = append(result, task)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// ListOverdueTasks returns pending tasks past their due date.
func (s *MemoryStore) ListOverdueTasks(_ context.Context, cutoff time.Time) ([]model.TaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TaskInstance
	for _, task := range s.tasks {
		if task.Status != model.TaskStatusPending {
			continue
		}
		if task.DueDate == nil || !task.DueDate.Before(cutoff) {
			continue
		}
		result = append(result, task)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DueDate.Before(*result[j].DueDate)
	})
	return result, nil
}

// AppendLog adds an entry to an instance's audit trail.
func (s *MemoryStore) AppendLog(_ context.Context, entry model.WorkflowLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs[entry.InstanceID] = append(s.logs[entry.InstanceID], entry)
	return nil
}

// ListLogs returns up to limit audit entries for an instance, newest first.
func (s *MemoryStore) ListLogs(_ context.Context, instanceID string, limit int) ([]model.WorkflowLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.logs[instanceID]
	result := make([]model.WorkflowLog, len(entries))
	copy(result, entries)
	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

// HealthCheck implements the readiness probe; the memory store is always
// healthy.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

// Len returns the total number of instances. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

// paginate applies offset and limit to a sorted slice.
func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
