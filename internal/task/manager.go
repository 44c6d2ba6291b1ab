// Package task provides the worklist side of the workflow engine: querying
// tasks and instances, delegation, and instance cancellation. The execution
// path itself lives in internal/engine.
package task

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomworks/gantry/internal/engine"
	"github.com/loomworks/gantry/internal/observability"
	"github.com/loomworks/gantry/internal/store"
	"github.com/loomworks/gantry/model"
)

// instanceDetailLogLimit caps the audit entries returned with an instance.
const instanceDetailLogLimit = 50

// Manager answers worklist queries and owns the task-side state transitions
// that do not advance execution (delegation, cancellation).
type Manager struct {
	store   store.Store
	engine  *engine.Engine
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewManager creates a task Manager.
func NewManager(s store.Store, eng *engine.Engine, logger *zap.Logger, metrics *observability.Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: s, engine: eng, logger: logger, metrics: metrics}
}

// GetMyTasks returns a newest-first page of tasks for an assignee, joined
// with instance and workflow metadata. An empty assignee defaults to the
// caller.
func (m *Manager) GetMyTasks(ctx context.Context, rctx model.RequestContext, assignee string, filters store.TaskFilters) ([]model.TaskListItem, int, error) {
	if assignee == "" {
		assignee = rctx.SubjectID
	}
	filters.Assignee = assignee

	tasks, total, err := m.store.ListTasks(ctx, rctx.TenantID, filters)
	if err != nil {
		return nil, 0, err
	}

	items := make([]model.TaskListItem, 0, len(tasks))
	for _, task := range tasks {
		item := model.TaskListItem{Task: task}
		if inst, err := m.store.GetInstance(ctx, rctx.TenantID, task.InstanceID); err == nil {
			item.InstanceStatus = inst.Status
			item.Initiator = inst.Initiator
			if def, err := m.store.GetDefinition(ctx, rctx.TenantID, inst.WorkflowID); err == nil {
				item.Workflow = summarize(def)
			}
		}
		items = append(items, item)
	}
	return items, total, nil
}

// GetTaskDetail returns the full context of a single task.
func (m *Manager) GetTaskDetail(ctx context.Context, rctx model.RequestContext, taskID string) (model.TaskDetail, error) {
	task, err := m.store.GetTask(ctx, rctx.TenantID, taskID)
	if err != nil {
		return model.TaskDetail{}, err
	}
	inst, err := m.store.GetInstance(ctx, rctx.TenantID, task.InstanceID)
	if err != nil {
		return model.TaskDetail{}, err
	}
	def, err := m.store.GetDefinition(ctx, rctx.TenantID, inst.WorkflowID)
	if err != nil {
		return model.TaskDetail{}, err
	}

	detail := model.TaskDetail{Task: task, Instance: inst, Workflow: def}
	for _, node := range def.Nodes {
		if node.ID == task.NodeID {
			detail.NodeConfig = node.Properties
			break
		}
	}
	return detail, nil
}

// DelegateTask reassigns a pending task to another assignee. The task status
// is unchanged.
func (m *Manager) DelegateTask(ctx context.Context, rctx model.RequestContext, taskID, delegateTo, comment string) (model.TaskInstance, error) {
	if delegateTo == "" {
		return model.TaskInstance{}, model.NewBadRequestError("delegateTo is required")
	}

	task, err := m.store.GetTask(ctx, rctx.TenantID, taskID)
	if err != nil {
		return model.TaskInstance{}, err
	}
	if task.Status != model.TaskStatusPending {
		return model.TaskInstance{}, model.NewStateError(
			fmt.Sprintf("task %q is %s, only pending tasks can be delegated", taskID, task.Status),
		)
	}

	previous := task.Assignee
	task.Assignee = delegateTo
	if err := m.store.UpdateTask(ctx, task); err != nil {
		return model.TaskInstance{}, err
	}

	msg := fmt.Sprintf("task %q delegated from %s to %s by %s", task.NodeName, previous, delegateTo, rctx.SubjectID)
	if comment != "" {
		msg += ": " + comment
	}
	m.appendLog(ctx, task.InstanceID, task.TenantID, model.LogLevelInfo, msg, task.NodeID, task.ID)

	return task, nil
}

// GetInstanceDetail returns an instance with its definition, tasks, and the
// most recent audit entries.
func (m *Manager) GetInstanceDetail(ctx context.Context, rctx model.RequestContext, instanceID string) (model.InstanceDetail, error) {
	inst, err := m.store.GetInstance(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return model.InstanceDetail{}, err
	}
	def, err := m.store.GetDefinition(ctx, rctx.TenantID, inst.WorkflowID)
	if err != nil {
		return model.InstanceDetail{}, err
	}
	tasks, err := m.store.ListTasksByInstance(ctx, instanceID)
	if err != nil {
		return model.InstanceDetail{}, err
	}
	logs, err := m.store.ListLogs(ctx, instanceID, instanceDetailLogLimit)
	if err != nil {
		return model.InstanceDetail{}, err
	}

	return model.InstanceDetail{
		Instance: inst,
		Workflow: def,
		Tasks:    tasks,
		Logs:     logs,
	}, nil
}

// GetInstances returns a filtered page of instances joined with workflow
// metadata and a derived current-node label.
func (m *Manager) GetInstances(ctx context.Context, rctx model.RequestContext, filters store.InstanceFilters) ([]model.InstanceListItem, int, error) {
	instances, total, err := m.store.ListInstances(ctx, rctx.TenantID, filters)
	if err != nil {
		return nil, 0, err
	}

	items := make([]model.InstanceListItem, 0, len(instances))
	for _, inst := range instances {
		item := model.InstanceListItem{Instance: inst, CurrentNode: "—"}
		def, err := m.store.GetDefinition(ctx, rctx.TenantID, inst.WorkflowID)
		if err == nil {
			item.Workflow = summarize(def)
			if len(inst.CurrentNodeIDs) > 0 {
				item.CurrentNode = inst.CurrentNodeIDs[0]
				for _, node := range def.Nodes {
					if node.ID == inst.CurrentNodeIDs[0] && node.Name != "" {
						item.CurrentNode = node.Name
						break
					}
				}
			}
		}
		items = append(items, item)
	}
	return items, total, nil
}

// CancelInstance cancels a running instance and every pending task attached
// to it. In-flight service task actions are not interrupted.
func (m *Manager) CancelInstance(ctx context.Context, rctx model.RequestContext, instanceID string) (model.WorkflowInstance, error) {
	unlock := m.engine.LockInstance(instanceID)
	defer unlock()

	inst, err := m.store.GetInstance(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if inst.Status != model.InstanceStatusRunning {
		return model.WorkflowInstance{}, model.NewStateError(
			fmt.Sprintf("workflow instance %q is %s, only running instances can be cancelled", instanceID, inst.Status),
		)
	}

	now := time.Now().UTC()
	inst.Status = model.InstanceStatusCancelled
	inst.CompletedAt = &now
	inst.CurrentNodeIDs = nil
	if err := m.store.UpdateInstance(ctx, inst); err != nil {
		return model.WorkflowInstance{}, err
	}
	inst.Version++

	tasks, err := m.store.ListTasksByInstance(ctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	for _, task := range tasks {
		if task.Status != model.TaskStatusPending {
			continue
		}
		task.Status = model.TaskStatusCancelled
		task.CompletedAt = &now
		if err := m.store.UpdateTask(ctx, task); err != nil {
			return model.WorkflowInstance{}, err
		}
		if m.metrics != nil {
			m.metrics.TasksCompletedTotal.WithLabelValues(inst.WorkflowID, model.TaskStatusCancelled).Inc()
		}
	}

	if m.metrics != nil {
		m.metrics.ActiveInstances.WithLabelValues(inst.WorkflowID).Dec()
		m.metrics.InstanceCompletionsTotal.WithLabelValues(inst.WorkflowID, model.InstanceStatusCancelled).Inc()
	}
	m.appendLog(ctx, inst.ID, inst.TenantID, model.LogLevelInfo,
		fmt.Sprintf("workflow cancelled by %s", rctx.SubjectID), "", "")
	m.logger.Info("workflow instance cancelled",
		zap.String("instance_id", inst.ID),
		zap.String("cancelled_by", rctx.SubjectID),
	)

	return inst, nil
}

func (m *Manager) appendLog(ctx context.Context, instanceID, tenantID, level, msg, nodeID, taskID string) {
	entry := model.WorkflowLog{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		TenantID:   tenantID,
		Level:      level,
		Message:    msg,
		NodeID:     nodeID,
		TaskID:     taskID,
		Timestamp:  time.Now().UTC(),
	}
	if err := m.store.AppendLog(ctx, entry); err != nil {
		m.logger.Warn("failed to append workflow log",
			zap.String("instance_id", instanceID),
			zap.Error(err),
		)
	}
}

func summarize(def model.WorkflowDefinition) model.WorkflowSummary {
	return model.WorkflowSummary{
		ID:      def.ID,
		Name:    def.Name,
		Status:  def.Status,
		Version: def.Version,
	}
}
