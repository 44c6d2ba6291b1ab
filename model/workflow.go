package model

import "time"

// Workflow definition status constants.
const (
	DefinitionStatusActive   = "active"
	DefinitionStatusInactive = "inactive"
)

// Workflow instance status constants.
const (
	InstanceStatusRunning   = "running"
	InstanceStatusCompleted = "completed"
	InstanceStatusCancelled = "cancelled"
	InstanceStatusError     = "error"
)

// Token status constants.
const (
	TokenStatusActive    = "active"
	TokenStatusCompleted = "completed"
)

// Task status constants.
const (
	TaskStatusPending   = "pending"
	TaskStatusCompleted = "completed"
	TaskStatusCancelled = "cancelled"
)

// Node type constants.
const (
	NodeTypeStartEvent       = "startEvent"
	NodeTypeEndEvent         = "endEvent"
	NodeTypeUserTask         = "userTask"
	NodeTypeServiceTask      = "serviceTask"
	NodeTypeExclusiveGateway = "exclusiveGateway"
	NodeTypeParallelGateway  = "parallelGateway"
)

// Log level constants for the workflow audit trail.
const (
	LogLevelInfo  = "info"
	LogLevelError = "error"
)

// Node property keys recognised by the engine.
const (
	PropAssignee    = "assignee"
	PropDueIn       = "dueIn"
	PropAction      = "action"
	PropParams      = "params"
	PropDefaultEdge = "defaultEdge"
)

// WorkflowDefinition is the declarative nodes+edges graph describing a
// workflow's shape. Once an instance references a definition, the stored
// definition is never mutated; edits produce a new version.
type WorkflowDefinition struct {
	ID         string    `json:"id" yaml:"id"`
	TenantID   string    `json:"tenant_id" yaml:"tenant_id"`
	Name       string    `json:"name" yaml:"name"`
	Status     string    `json:"status" yaml:"status"`
	Nodes      []Node    `json:"nodes" yaml:"nodes"`
	Edges      []Edge    `json:"edges" yaml:"edges"`
	Version    int       `json:"version" yaml:"version"`
	Checksum   string    `json:"checksum,omitempty" yaml:"-"`
	SourceFile string    `json:"-" yaml:"-"`
	CreatedAt  time.Time `json:"created_at" yaml:"-"`
}

// Node is one typed vertex of a workflow graph. Properties is a free-form
// bag; the engine reads the Prop* keys and ignores the rest.
type Node struct {
	ID         string         `json:"id" yaml:"id"`
	Type       string         `json:"type" yaml:"type"`
	Name       string         `json:"name" yaml:"name"`
	Properties map[string]any `json:"properties,omitempty" yaml:"properties"`
}

// Property returns a string property value, or empty if unset or not a string.
func (n Node) Property(key string) string {
	if n.Properties == nil {
		return ""
	}
	s, _ := n.Properties[key].(string)
	return s
}

// ParamsProperty returns the node's action parameter map, or nil if unset.
func (n Node) ParamsProperty() map[string]any {
	if n.Properties == nil {
		return nil
	}
	m, _ := n.Properties[PropParams].(map[string]any)
	return m
}

// Edge is a directed connection between two nodes. A non-empty Condition is
// evaluated against instance variables when the source node branches.
type Edge struct {
	ID        string `json:"id" yaml:"id"`
	Source    string `json:"source" yaml:"source"`
	Target    string `json:"target" yaml:"target"`
	Condition string `json:"condition,omitempty" yaml:"condition"`
	Label     string `json:"label,omitempty" yaml:"label"`
}

// WorkflowInstance is one running (or finished) execution of a definition.
// It is owned exclusively by the engine: created at start, mutated only
// through engine operations, terminal once Status leaves running.
type WorkflowInstance struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflow_id"`
	TenantID       string         `json:"tenant_id"`
	Status         string         `json:"status"`
	Variables      map[string]any `json:"variables,omitempty"`
	CurrentNodeIDs []string       `json:"current_node_ids,omitempty"`
	Initiator      string         `json:"initiator"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	Version        int            `json:"version"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// Terminal reports whether the instance has left the running state.
func (i WorkflowInstance) Terminal() bool {
	return i.Status != InstanceStatusRunning
}

// Token marks one concurrently active execution position within an instance.
// ParentTokenID is a back-reference for diagnostics only; a token never owns
// its parent, and lookups go through the store by id.
type Token struct {
	ID            string     `json:"id"`
	InstanceID    string     `json:"instance_id"`
	NodeID        string     `json:"node_id"`
	ParentTokenID string     `json:"parent_token_id,omitempty"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// TaskInstance is a durable human task created when the engine reaches a
// userTask node. The transition out of pending is one-way.
type TaskInstance struct {
	ID          string         `json:"id"`
	InstanceID  string         `json:"instance_id"`
	TenantID    string         `json:"tenant_id"`
	NodeID      string         `json:"node_id"`
	NodeName    string         `json:"node_name"`
	NodeType    string         `json:"node_type"`
	Assignee    string         `json:"assignee"`
	Status      string         `json:"status"`
	FormData    map[string]any `json:"form_data,omitempty"`
	DueDate     *time.Time     `json:"due_date,omitempty"`
	CompletedBy string         `json:"completed_by,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Comment     string         `json:"comment,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// WorkflowLog is one append-only audit trail entry. Entries are never mutated
// or deleted.
type WorkflowLog struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	TenantID   string    `json:"tenant_id"`
	Level      string    `json:"level"`
	Message    string    `json:"message"`
	NodeID     string    `json:"node_id,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// WorkflowSummary is a lightweight view of a definition used when joining
// tasks and instances with their workflow metadata in list views.
type WorkflowSummary struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Status  string `json:"status"`
	Version int    `json:"version"`
}

// TaskListItem is a task joined with workflow and instance metadata for the
// assignee's worklist.
type TaskListItem struct {
	Task           TaskInstance    `json:"task"`
	Workflow       WorkflowSummary `json:"workflow"`
	InstanceStatus string          `json:"instance_status"`
	Initiator      string          `json:"initiator"`
}

// TaskDetail is the full context of a single task.
type TaskDetail struct {
	Task       TaskInstance       `json:"task"`
	Instance   WorkflowInstance   `json:"instance"`
	Workflow   WorkflowDefinition `json:"workflow"`
	NodeConfig map[string]any     `json:"node_config,omitempty"`
}

// InstanceListItem is an instance joined with workflow metadata and a derived
// current-node label.
type InstanceListItem struct {
	Instance    WorkflowInstance `json:"instance"`
	Workflow    WorkflowSummary  `json:"workflow"`
	CurrentNode string           `json:"current_node"`
}

// InstanceDetail is the full context of a single instance.
type InstanceDetail struct {
	Instance WorkflowInstance   `json:"instance"`
	Workflow WorkflowDefinition `json:"workflow"`
	Tasks    []TaskInstance     `json:"tasks"`
	Logs     []WorkflowLog      `json:"logs"`
}
