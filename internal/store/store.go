// Package store persists workflow definitions, instances, tokens, tasks, and
// audit logs. Three implementations exist: in-memory (tests and single-node
// development), PostgreSQL via pgx, and Redis.
package store

import (
	"context"
	"time"

	"github.com/loomworks/gantry/model"
)

// Store is the repository contract the engine and task manager depend on.
// All reads and writes are tenant-scoped except token and log access, which
// is keyed by instance (the owning instance row carries the tenant check).
type Store interface {
	// SaveDefinition persists a workflow definition. Saving an ID+version
	// pair that already exists returns CONFLICT; definitions are immutable
	// once written.
	SaveDefinition(ctx context.Context, def model.WorkflowDefinition) error

	// GetDefinition retrieves the newest version of a definition by ID.
	GetDefinition(ctx context.Context, tenantID, definitionID string) (model.WorkflowDefinition, error)

	// ListDefinitions returns all definitions for a tenant, newest first.
	ListDefinitions(ctx context.Context, tenantID string) ([]model.WorkflowDefinition, error)

	// CreateInstance persists a new workflow instance.
	CreateInstance(ctx context.Context, inst model.WorkflowInstance) error

	// GetInstance retrieves an instance by ID, scoped to a tenant. Returns
	// NOT_FOUND if the instance doesn't exist or belongs to another tenant.
	GetInstance(ctx context.Context, tenantID, instanceID string) (model.WorkflowInstance, error)

	// UpdateInstance persists an updated instance with optimistic locking.
	// The version must match the stored version; CONFLICT otherwise.
	UpdateInstance(ctx context.Context, inst model.WorkflowInstance) error

	// ListInstances returns a filtered page of instances for a tenant,
	// newest first, along with the unpaginated total.
	ListInstances(ctx context.Context, tenantID string, filters InstanceFilters) ([]model.WorkflowInstance, int, error)

	// CreateToken persists a new execution token.
	CreateToken(ctx context.Context, tok model.Token) error

	// UpdateToken persists an updated token.
	UpdateToken(ctx context.Context, tok model.Token) error

	// ListTokens returns all tokens for an instance, oldest first.
	ListTokens(ctx context.Context, instanceID string) ([]model.Token, error)

	// CreateTask persists a new task instance.
	CreateTask(ctx context.Context, task model.TaskInstance) error

	// GetTask retrieves a task by ID, scoped to a tenant.
	GetTask(ctx context.Context, tenantID, taskID string) (model.TaskInstance, error)

	// UpdateTask persists an updated task.
	UpdateTask(ctx context.Context, task model.TaskInstance) error

	// ListTasks returns a filtered page of tasks for a tenant, newest first,
	// along with the unpaginated total.
	ListTasks(ctx context.Context, tenantID string, filters TaskFilters) ([]model.TaskInstance, int, error)

	// ListTasksByInstance returns all tasks belonging to an instance,
	// oldest first.
	ListTasksByInstance(ctx context.Context, instanceID string) ([]model.TaskInstance, error)

	// ListOverdueTasks returns pending tasks whose due date is before the
	// cutoff, across all tenants, due-soonest first.
	ListOverdueTasks(ctx context.Context, cutoff time.Time) ([]model.TaskInstance, error)

	// AppendLog adds an entry to an instance's audit trail.
	AppendLog(ctx context.Context, entry model.WorkflowLog) error

	// ListLogs returns up to limit audit entries for an instance, newest
	// first. A limit of zero returns everything.
	ListLogs(ctx context.Context, instanceID string, limit int) ([]model.WorkflowLog, error)
}

// InstanceFilters are optional filters for listing workflow instances.
type InstanceFilters struct {
	WorkflowID string
	Status     string
	Initiator  string
	Limit      int
	Offset     int
}

// TaskFilters are optional filters for listing task instances.
type TaskFilters struct {
	Assignee   string
	Status     string
	InstanceID string
	Limit      int
	Offset     int
}
