// Package engine executes workflow instances by advancing tokens through a
// definition graph. All mutation of an instance's variables and tokens is
// serialized on a per-instance lock; within a lock the engine is the single
// writer.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/loomworks/gantry/internal/action"
	"github.com/loomworks/gantry/internal/definition"
	"github.com/loomworks/gantry/internal/expr"
	"github.com/loomworks/gantry/internal/observability"
	"github.com/loomworks/gantry/internal/store"
	"github.com/loomworks/gantry/model"
)

// Engine advances workflow instances through their definition graphs.
type Engine struct {
	store     store.Store
	tokens    *TokenManager
	evaluator *expr.Evaluator
	actions   *action.Registry
	validator *definition.Validator
	logger    *zap.Logger
	metrics   *observability.Metrics
	maxDepth  int
	locks     *instanceLocks
}

// Options configures a new Engine.
type Options struct {
	Store     store.Store
	Evaluator *expr.Evaluator
	Actions   *action.Registry
	Logger    *zap.Logger
	Metrics   *observability.Metrics

	// MaxDispatchDepth caps how many nodes a single dispatch chain may pass
	// through before the instance is failed. Zero means the default of 100.
	MaxDispatchDepth int
}

// New creates an Engine.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.InitMetrics(prometheus.NewRegistry())
	}
	maxDepth := opts.MaxDispatchDepth
	if maxDepth <= 0 {
		maxDepth = 100
	}
	return &Engine{
		store:     opts.Store,
		tokens:    NewTokenManager(opts.Store),
		evaluator: opts.Evaluator,
		actions:   opts.Actions,
		validator: definition.NewValidator(),
		logger:    logger,
		metrics:   metrics,
		maxDepth:  maxDepth,
		locks:     newInstanceLocks(),
	}
}

// LockInstance acquires the per-instance mutex and returns its unlock
// function. External callers that mutate engine-owned state (the task
// manager's cancellation path) serialize through this.
func (e *Engine) LockInstance(instanceID string) func() {
	m := e.locks.forInstance(instanceID)
	m.Lock()
	return m.Unlock
}

// StartWorkflow creates and runs a new instance of a definition. The
// definition must exist, be active, and pass validation. The returned
// instance reflects state after the initial dispatch settles, which may
// already be a terminal status.
func (e *Engine) StartWorkflow(ctx context.Context, rctx model.RequestContext, definitionID string, variables map[string]any) (model.WorkflowInstance, error) {
	def, err := e.store.GetDefinition(ctx, rctx.TenantID, definitionID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if def.Status != model.DefinitionStatusActive {
		return model.WorkflowInstance{}, model.NewStateError(
			fmt.Sprintf("workflow definition %q is not active", definitionID),
		)
	}
	if verrs := e.validator.Validate(def); len(verrs) > 0 {
		return model.WorkflowInstance{}, model.NewValidationError(definition.FieldErrors(verrs))
	}

	startNode, ok := nodeOfType(def, model.NodeTypeStartEvent)
	if !ok {
		// Unreachable after validation, kept as a guard.
		return model.WorkflowInstance{}, model.NewStateError(
			fmt.Sprintf("workflow definition %q has no start event", definitionID),
		)
	}

	vars := copyVariables(variables)
	if _, ok := vars["initiator"]; !ok {
		vars["initiator"] = rctx.SubjectID
	}

	now := time.Now().UTC()
	inst := model.WorkflowInstance{
		ID:             uuid.NewString(),
		WorkflowID:     def.ID,
		TenantID:       rctx.TenantID,
		Status:         model.InstanceStatusRunning,
		Variables:      vars,
		CurrentNodeIDs: []string{startNode.ID},
		Initiator:      rctx.SubjectID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return model.WorkflowInstance{}, err
	}

	e.metrics.InstanceStartsTotal.WithLabelValues(def.ID).Inc()
	e.metrics.ActiveInstances.WithLabelValues(def.ID).Inc()
	e.appendLog(ctx, &inst, model.LogLevelInfo,
		fmt.Sprintf("workflow started by %s", rctx.SubjectID), startNode.ID, "")

	unlock := e.LockInstance(inst.ID)
	defer unlock()

	tok, err := e.tokens.Create(ctx, inst.ID, startNode.ID, "")
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	e.metrics.TokensSpawnedTotal.WithLabelValues(def.ID).Inc()

	if err := e.dispatch(ctx, def, &inst, tok, 0); err != nil {
		return model.WorkflowInstance{}, err
	}
	return e.store.GetInstance(ctx, rctx.TenantID, inst.ID)
}

// ExecuteNode resumes execution at a node that holds an active token. It is
// the external entry point for re-driving a suspended instance.
func (e *Engine) ExecuteNode(ctx context.Context, tenantID, instanceID, nodeID string) error {
	unlock := e.LockInstance(instanceID)
	defer unlock()

	inst, err := e.store.GetInstance(ctx, tenantID, instanceID)
	if err != nil {
		return err
	}
	if inst.Terminal() {
		return model.NewStateError(
			fmt.Sprintf("workflow instance %q is %s", instanceID, inst.Status),
		)
	}
	def, err := e.store.GetDefinition(ctx, tenantID, inst.WorkflowID)
	if err != nil {
		return err
	}

	tok, ok, err := e.tokens.ActiveAt(ctx, instanceID, nodeID)
	if err != nil {
		return err
	}
	if !ok {
		return model.NewStateError(
			fmt.Sprintf("no active token at node %q in instance %q", nodeID, instanceID),
		)
	}
	return e.dispatch(ctx, def, &inst, tok, 0)
}

// CompleteUserTask completes a pending task and advances the instance through
// the task node's outgoing edge. formData is shallow-merged into the instance
// variables with new keys winning.
func (e *Engine) CompleteUserTask(ctx context.Context, rctx model.RequestContext, taskID string, formData map[string]any, comment string) (model.WorkflowInstance, error) {
	task, err := e.store.GetTask(ctx, rctx.TenantID, taskID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if task.Status != model.TaskStatusPending {
		return model.WorkflowInstance{}, model.NewStateError(
			fmt.Sprintf("task %q is %s, only pending tasks can be completed", taskID, task.Status),
		)
	}

	unlock := e.LockInstance(task.InstanceID)
	defer unlock()

	inst, err := e.store.GetInstance(ctx, rctx.TenantID, task.InstanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if inst.Terminal() {
		return model.WorkflowInstance{}, model.NewStateError(
			fmt.Sprintf("workflow instance %q is %s", inst.ID, inst.Status),
		)
	}

	// Re-check under the lock; a concurrent completion may have won.
	task, err = e.store.GetTask(ctx, rctx.TenantID, taskID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if task.Status != model.TaskStatusPending {
		return model.WorkflowInstance{}, model.NewStateError(
			fmt.Sprintf("task %q is %s, only pending tasks can be completed", taskID, task.Status),
		)
	}

	def, err := e.store.GetDefinition(ctx, rctx.TenantID, inst.WorkflowID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	now := time.Now().UTC()
	task.Status = model.TaskStatusCompleted
	task.CompletedBy = rctx.SubjectID
	task.CompletedAt = &now
	task.Comment = comment
	if len(formData) > 0 {
		if task.FormData == nil {
			task.FormData = make(map[string]any, len(formData))
		}
		for k, v := range formData {
			task.FormData[k] = v
		}
	}
	if err := e.store.UpdateTask(ctx, task); err != nil {
		return model.WorkflowInstance{}, err
	}
	e.metrics.TasksCompletedTotal.WithLabelValues(inst.WorkflowID, model.TaskStatusCompleted).Inc()
	e.appendLog(ctx, &inst, model.LogLevelInfo,
		fmt.Sprintf("task %q completed by %s", task.NodeName, rctx.SubjectID), task.NodeID, task.ID)

	if inst.Variables == nil {
		inst.Variables = make(map[string]any, len(formData))
	}
	for k, v := range formData {
		inst.Variables[k] = v
	}
	if err := e.saveInstance(ctx, &inst); err != nil {
		return model.WorkflowInstance{}, err
	}

	tok, ok, err := e.tokens.ActiveAt(ctx, inst.ID, task.NodeID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if !ok {
		return model.WorkflowInstance{}, model.NewStateError(
			fmt.Sprintf("no active token at node %q in instance %q", task.NodeID, inst.ID),
		)
	}

	edges := outgoingEdges(def, task.NodeID)
	if len(edges) != 1 {
		if err := e.failInstance(ctx, def, &inst, task.NodeID,
			fmt.Sprintf("user task node %q must have exactly one outgoing edge, found %d", task.NodeID, len(edges))); err != nil {
			return model.WorkflowInstance{}, err
		}
		return e.store.GetInstance(ctx, rctx.TenantID, inst.ID)
	}

	tok, err = e.tokens.Move(ctx, tok, edges[0].Target)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if err := e.dispatch(ctx, def, &inst, tok, 0); err != nil {
		return model.WorkflowInstance{}, err
	}
	return e.store.GetInstance(ctx, rctx.TenantID, inst.ID)
}

// dispatch executes the node the token sits on and continues along the graph
// until the instance suspends, completes, or fails. The caller holds the
// instance lock.
func (e *Engine) dispatch(ctx context.Context, def model.WorkflowDefinition, inst *model.WorkflowInstance, tok model.Token, depth int) error {
	if inst.Terminal() {
		return nil
	}
	if depth >= e.maxDepth {
		return e.failInstance(ctx, def, inst, tok.NodeID,
			fmt.Sprintf("dispatch depth limit of %d exceeded at node %q", e.maxDepth, tok.NodeID))
	}

	node, ok := nodeByID(def, tok.NodeID)
	if !ok {
		return e.failInstance(ctx, def, inst, tok.NodeID,
			fmt.Sprintf("token references unknown node %q", tok.NodeID))
	}

	e.metrics.NodeDispatchesTotal.WithLabelValues(node.Type).Inc()
	timer := prometheus.NewTimer(e.metrics.NodeDispatchDuration.WithLabelValues(node.Type))
	defer timer.ObserveDuration()

	switch node.Type {
	case model.NodeTypeStartEvent:
		return e.executeStartEvent(ctx, def, inst, node, tok, depth)
	case model.NodeTypeEndEvent:
		return e.executeEndEvent(ctx, def, inst, node)
	case model.NodeTypeUserTask:
		return e.executeUserTask(ctx, def, inst, node)
	case model.NodeTypeServiceTask:
		return e.executeServiceTask(ctx, def, inst, node, tok, depth)
	case model.NodeTypeExclusiveGateway:
		return e.executeExclusiveGateway(ctx, def, inst, node, tok, depth)
	case model.NodeTypeParallelGateway:
		return e.executeParallelGateway(ctx, def, inst, node, tok, depth)
	default:
		return e.failInstance(ctx, def, inst, node.ID,
			fmt.Sprintf("node %q has unsupported type %q", node.ID, node.Type))
	}
}

func (e *Engine) executeStartEvent(ctx context.Context, def model.WorkflowDefinition, inst *model.WorkflowInstance, node model.Node, tok model.Token, depth int) error {
	edges := outgoingEdges(def, node.ID)
	if len(edges) != 1 {
		return e.failInstance(ctx, def, inst, node.ID,
			fmt.Sprintf("start event %q must have exactly one outgoing edge, found %d", node.ID, len(edges)))
	}

	tok, err := e.tokens.Move(ctx, tok, edges[0].Target)
	if err != nil {
		return err
	}
	return e.dispatch(ctx, def, inst, tok, depth+1)
}

func (e *Engine) executeEndEvent(ctx context.Context, def model.WorkflowDefinition, inst *model.WorkflowInstance, node model.Node) error {
	if _, err := e.tokens.CompleteAt(ctx, inst.ID, node.ID); err != nil {
		return err
	}

	active, err := e.tokens.CountActive(ctx, inst.ID)
	if err != nil {
		return err
	}
	if active > 0 {
		// Parallel branches still in flight; the instance stays running.
		return e.refreshCurrentNodes(ctx, inst)
	}

	now := time.Now().UTC()
	inst.Status = model.InstanceStatusCompleted
	inst.CompletedAt = &now
	inst.CurrentNodeIDs = nil
	if err := e.saveInstance(ctx, inst); err != nil {
		return err
	}

	e.metrics.ActiveInstances.WithLabelValues(def.ID).Dec()
	e.metrics.InstanceCompletionsTotal.WithLabelValues(def.ID, model.InstanceStatusCompleted).Inc()
	e.appendLog(ctx, inst, model.LogLevelInfo, "workflow completed", node.ID, "")
	e.logger.Info("workflow instance completed",
		zap.String("instance_id", inst.ID),
		zap.String("workflow_id", def.ID),
	)
	return nil
}

func (e *Engine) executeUserTask(ctx context.Context, def model.WorkflowDefinition, inst *model.WorkflowInstance, node model.Node) error {
	assignee := e.evaluator.ParseTemplate(node.Property(model.PropAssignee), inst.Variables)

	var dueDate *time.Time
	if dueIn := node.Property(model.PropDueIn); dueIn != "" {
		d, err := parseDueIn(dueIn)
		if err != nil {
			e.logger.Warn("ignoring invalid dueIn property",
				zap.String("node_id", node.ID),
				zap.String("due_in", dueIn),
				zap.Error(err),
			)
		} else {
			due := time.Now().UTC().Add(d)
			dueDate = &due
		}
	}

	task := model.TaskInstance{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		TenantID:   inst.TenantID,
		NodeID:     node.ID,
		NodeName:   node.Name,
		NodeType:   node.Type,
		Assignee:   assignee,
		Status:     model.TaskStatusPending,
		DueDate:    dueDate,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.store.CreateTask(ctx, task); err != nil {
		return err
	}

	e.metrics.TasksCreatedTotal.WithLabelValues(def.ID).Inc()
	e.appendLog(ctx, inst, model.LogLevelInfo,
		fmt.Sprintf("task %q created for %s", node.Name, assignee), node.ID, task.ID)

	// Suspend; CompleteUserTask resumes from here.
	return e.refreshCurrentNodes(ctx, inst)
}

func (e *Engine) executeServiceTask(ctx context.Context, def model.WorkflowDefinition, inst *model.WorkflowInstance, node model.Node, tok model.Token, depth int) error {
	actionName := node.Property(model.PropAction)
	if actionName == "" {
		return e.failInstance(ctx, def, inst, node.ID,
			fmt.Sprintf("service task %q has no action property", node.ID))
	}
	executor, ok := e.actions.Get(actionName)
	if !ok {
		return e.failInstance(ctx, def, inst, node.ID,
			fmt.Sprintf("service task %q references unknown action %q", node.ID, actionName))
	}

	started := time.Now()
	outputs, err := executor.Execute(ctx, node.ParamsProperty(), inst.Variables)
	e.metrics.ActionDuration.WithLabelValues(actionName).Observe(time.Since(started).Seconds())

	if err != nil {
		e.metrics.ActionInvocationsTotal.WithLabelValues(actionName, "failure").Inc()
		e.appendLog(ctx, inst, model.LogLevelError,
			fmt.Sprintf("action %q failed: %v", actionName, err), node.ID, "")
		return e.failInstance(ctx, def, inst, node.ID,
			fmt.Sprintf("action %q failed: %v", actionName, err))
	}
	e.metrics.ActionInvocationsTotal.WithLabelValues(actionName, "success").Inc()

	if len(outputs) > 0 {
		if inst.Variables == nil {
			inst.Variables = make(map[string]any, len(outputs))
		}
		for k, v := range outputs {
			inst.Variables[k] = v
		}
		if err := e.saveInstance(ctx, inst); err != nil {
			return err
		}
	}
	e.appendLog(ctx, inst, model.LogLevelInfo,
		fmt.Sprintf("action %q succeeded", actionName), node.ID, "")

	edges := outgoingEdges(def, node.ID)
	if len(edges) == 0 {
		return e.failInstance(ctx, def, inst, node.ID,
			fmt.Sprintf("service task %q has no outgoing edge", node.ID))
	}

	tok, err = e.tokens.Move(ctx, tok, edges[0].Target)
	if err != nil {
		return err
	}
	return e.dispatch(ctx, def, inst, tok, depth+1)
}

func (e *Engine) executeExclusiveGateway(ctx context.Context, def model.WorkflowDefinition, inst *model.WorkflowInstance, node model.Node, tok model.Token, depth int) error {
	edges := outgoingEdges(def, node.ID)

	var chosen *model.Edge
	for i := range edges {
		if edges[i].Condition == "" || e.evaluator.Evaluate(edges[i].Condition, inst.Variables) {
			chosen = &edges[i]
			break
		}
	}
	if chosen == nil {
		if defaultID := node.Property(model.PropDefaultEdge); defaultID != "" {
			for i := range edges {
				if edges[i].ID == defaultID {
					chosen = &edges[i]
					break
				}
			}
		}
	}
	if chosen == nil {
		return e.failInstance(ctx, def, inst, node.ID,
			fmt.Sprintf("exclusive gateway %q matched no edge and has no default", node.ID))
	}

	e.appendLog(ctx, inst, model.LogLevelInfo,
		fmt.Sprintf("gateway %q took edge %q", node.ID, chosen.ID), node.ID, "")

	tok, err := e.tokens.Move(ctx, tok, chosen.Target)
	if err != nil {
		return err
	}
	return e.dispatch(ctx, def, inst, tok, depth+1)
}

func (e *Engine) executeParallelGateway(ctx context.Context, def model.WorkflowDefinition, inst *model.WorkflowInstance, node model.Node, tok model.Token, depth int) error {
	edges := outgoingEdges(def, node.ID)
	if len(edges) == 0 {
		return e.failInstance(ctx, def, inst, node.ID,
			fmt.Sprintf("parallel gateway %q has no outgoing edge", node.ID))
	}

	if err := e.tokens.Complete(ctx, tok); err != nil {
		return err
	}

	children := make([]model.Token, 0, len(edges))
	for _, edge := range edges {
		child, err := e.tokens.Create(ctx, inst.ID, edge.Target, tok.ID)
		if err != nil {
			return err
		}
		e.metrics.TokensSpawnedTotal.WithLabelValues(def.ID).Inc()
		children = append(children, child)
	}

	e.appendLog(ctx, inst, model.LogLevelInfo,
		fmt.Sprintf("gateway %q forked %d branches", node.ID, len(children)), node.ID, "")

	// Branches run one after the other in edge declaration order. A branch
	// that fails the instance stops the remainder.
	for _, child := range children {
		if inst.Terminal() {
			return nil
		}
		if err := e.dispatch(ctx, def, inst, child, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// failInstance transitions an instance to the error status, halting
// execution. Tokens are left in place for post-mortem inspection.
func (e *Engine) failInstance(ctx context.Context, def model.WorkflowDefinition, inst *model.WorkflowInstance, nodeID, msg string) error {
	now := time.Now().UTC()
	inst.Status = model.InstanceStatusError
	inst.ErrorMessage = msg
	inst.CompletedAt = &now
	if err := e.saveInstance(ctx, inst); err != nil {
		return err
	}

	e.metrics.ActiveInstances.WithLabelValues(def.ID).Dec()
	e.metrics.InstanceCompletionsTotal.WithLabelValues(def.ID, model.InstanceStatusError).Inc()
	e.appendLog(ctx, inst, model.LogLevelError, msg, nodeID, "")
	e.logger.Error("workflow instance failed",
		zap.String("instance_id", inst.ID),
		zap.String("workflow_id", def.ID),
		zap.String("node_id", nodeID),
		zap.String("error", msg),
	)
	return nil
}

// saveInstance persists the instance and keeps the local copy's version in
// step with the store's optimistic increment.
func (e *Engine) saveInstance(ctx context.Context, inst *model.WorkflowInstance) error {
	if err := e.store.UpdateInstance(ctx, *inst); err != nil {
		return err
	}
	inst.Version++
	inst.UpdatedAt = time.Now().UTC()
	return nil
}

// refreshCurrentNodes recomputes the informational CurrentNodeIDs view from
// the active token positions and persists it.
func (e *Engine) refreshCurrentNodes(ctx context.Context, inst *model.WorkflowInstance) error {
	nodeIDs, err := e.tokens.ActiveNodeIDs(ctx, inst.ID)
	if err != nil {
		return err
	}
	inst.CurrentNodeIDs = nodeIDs
	return e.saveInstance(ctx, inst)
}

func (e *Engine) appendLog(ctx context.Context, inst *model.WorkflowInstance, level, msg, nodeID, taskID string) {
	entry := model.WorkflowLog{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		TenantID:   inst.TenantID,
		Level:      level,
		Message:    msg,
		NodeID:     nodeID,
		TaskID:     taskID,
		Timestamp:  time.Now().UTC(),
	}
	if err := e.store.AppendLog(ctx, entry); err != nil {
		e.logger.Warn("failed to append workflow log",
			zap.String("instance_id", inst.ID),
			zap.Error(err),
		)
	}
}

func nodeByID(def model.WorkflowDefinition, id string) (model.Node, bool) {
	for _, n := range def.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return model.Node{}, false
}

func nodeOfType(def model.WorkflowDefinition, nodeType string) (model.Node, bool) {
	for _, n := range def.Nodes {
		if n.Type == nodeType {
			return n, true
		}
	}
	return model.Node{}, false
}

// outgoingEdges returns a node's outgoing edges in declaration order.
func outgoingEdges(def model.WorkflowDefinition, nodeID string) []model.Edge {
	var edges []model.Edge
	for _, edge := range def.Edges {
		if edge.Source == nodeID {
			edges = append(edges, edge)
		}
	}
	return edges
}

func copyVariables(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}
