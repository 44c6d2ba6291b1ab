package task

import (
	"context"
	"testing"

	"github.com/loomworks/gantry/internal/action"
	"github.com/loomworks/gantry/internal/engine"
	"github.com/loomworks/gantry/internal/expr"
	"github.com/loomworks/gantry/internal/store"
	"github.com/loomworks/gantry/model"
)

func testRctx() model.RequestContext {
	return model.RequestContext{
		SubjectID: "user-alice",
		TenantID:  "tenant-1",
	}
}

type testEnv struct {
	manager *Manager
	engine  *engine.Engine
	store   *store.MemoryStore
}

func newTestManager(t *testing.T) *testEnv {
	t.Helper()

	st := store.NewMemoryStore()
	eng := engine.New(engine.Options{
		Store:     st,
		Evaluator: expr.NewEvaluator(nil),
		Actions:   action.NewRegistry(),
	})
	return &testEnv{
		manager: NewManager(st, eng, nil, nil),
		engine:  eng,
		store:   st,
	}
}

// seedApproval seeds a Start -> UserTask -> End definition and starts one
// instance, returning the instance and its pending task.
func (env *testEnv) seedApproval(t *testing.T) (model.WorkflowInstance, model.TaskInstance) {
	t.Helper()
	ctx := context.Background()

	def := model.WorkflowDefinition{
		ID:       "wf.approval",
		TenantID: "tenant-1",
		Name:     "Approval",
		Status:   model.DefinitionStatusActive,
		Version:  1,
		Nodes: []model.Node{
			{ID: "s1", Type: model.NodeTypeStartEvent},
			{ID: "t1", Type: model.NodeTypeUserTask, Name: "Review Request", Properties: map[string]any{"assignee": "{{initiator}}", "dueIn": "3d"}},
			{ID: "e1", Type: model.NodeTypeEndEvent},
		},
		Edges: []model.Edge{
			{ID: "f1", Source: "s1", Target: "t1"},
			{ID: "f2", Source: "t1", Target: "e1"},
		},
	}
	if err := env.store.SaveDefinition(ctx, def); err != nil {
		t.Fatalf("seeding definition: %v", err)
	}

	inst, err := env.engine.StartWorkflow(ctx, testRctx(), "wf.approval", map[string]any{"reason": "vacation"})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	tasks, err := env.store.ListTasksByInstance(ctx, inst.ID)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("tasks = %v (err %v), want exactly 1", tasks, err)
	}
	return inst, tasks[0]
}

func TestGetMyTasksJoinsMetadata(t *testing.T) {
	env := newTestManager(t)
	inst, task := env.seedApproval(t)

	items, total, err := env.manager.GetMyTasks(context.Background(), testRctx(), "", store.TaskFilters{})
	if err != nil {
		t.Fatalf("GetMyTasks: %v", err)
	}
	if total != 1 || len(items) != 1 {
		t.Fatalf("total = %d items = %d, want 1/1", total, len(items))
	}

	item := items[0]
	if item.Task.ID != task.ID {
		t.Errorf("task id = %q, want %q", item.Task.ID, task.ID)
	}
	if item.Workflow.ID != "wf.approval" || item.Workflow.Name != "Approval" {
		t.Errorf("workflow summary = %+v", item.Workflow)
	}
	if item.InstanceStatus != model.InstanceStatusRunning {
		t.Errorf("instance status = %q", item.InstanceStatus)
	}
	if item.Initiator != inst.Initiator {
		t.Errorf("initiator = %q, want %q", item.Initiator, inst.Initiator)
	}
}

func TestGetTaskDetail(t *testing.T) {
	env := newTestManager(t)
	_, task := env.seedApproval(t)

	detail, err := env.manager.GetTaskDetail(context.Background(), testRctx(), task.ID)
	if err != nil {
		t.Fatalf("GetTaskDetail: %v", err)
	}
	if detail.Task.ID != task.ID {
		t.Errorf("task id = %q", detail.Task.ID)
	}
	if detail.Workflow.ID != "wf.approval" {
		t.Errorf("workflow id = %q", detail.Workflow.ID)
	}
	if detail.NodeConfig["dueIn"] != "3d" {
		t.Errorf("node config = %v, want dueIn 3d", detail.NodeConfig)
	}

	_, err = env.manager.GetTaskDetail(context.Background(), testRctx(), "no-such-task")
	if !model.IsCode(err, model.ErrNotFound) {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
}

func TestDelegateTask(t *testing.T) {
	env := newTestManager(t)
	inst, task := env.seedApproval(t)
	ctx := context.Background()

	updated, err := env.manager.DelegateTask(ctx, testRctx(), task.ID, "user-bob", "on leave")
	if err != nil {
		t.Fatalf("DelegateTask: %v", err)
	}
	if updated.Assignee != "user-bob" {
		t.Errorf("assignee = %q, want user-bob", updated.Assignee)
	}
	if updated.Status != model.TaskStatusPending {
		t.Errorf("status = %q, delegation must not change status", updated.Status)
	}
	if updated.ID != task.ID {
		t.Errorf("task id changed: %q", updated.ID)
	}

	// A log entry referencing the task was appended.
	logs, err := env.store.ListLogs(ctx, inst.ID, 0)
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	found := false
	for _, entry := range logs {
		if entry.TaskID == task.ID && entry.Level == model.LogLevelInfo {
			found = true
		}
	}
	if !found {
		t.Error("no log entry referencing the delegated task")
	}

	// Missing delegate target.
	if _, err := env.manager.DelegateTask(ctx, testRctx(), task.ID, "", ""); !model.IsCode(err, model.ErrBadRequest) {
		t.Errorf("err = %v, want BAD_REQUEST", err)
	}

	// Completed tasks cannot be delegated.
	if _, err := env.engine.CompleteUserTask(ctx, testRctx(), task.ID, nil, ""); err != nil {
		t.Fatalf("CompleteUserTask: %v", err)
	}
	if _, err := env.manager.DelegateTask(ctx, testRctx(), task.ID, "user-carol", ""); !model.IsCode(err, model.ErrStateError) {
		t.Errorf("err = %v, want STATE_ERROR", err)
	}
}

func TestGetInstanceDetail(t *testing.T) {
	env := newTestManager(t)
	inst, task := env.seedApproval(t)

	detail, err := env.manager.GetInstanceDetail(context.Background(), testRctx(), inst.ID)
	if err != nil {
		t.Fatalf("GetInstanceDetail: %v", err)
	}
	if detail.Instance.ID != inst.ID {
		t.Errorf("instance id = %q", detail.Instance.ID)
	}
	if detail.Workflow.ID != "wf.approval" {
		t.Errorf("workflow id = %q", detail.Workflow.ID)
	}
	if len(detail.Tasks) != 1 || detail.Tasks[0].ID != task.ID {
		t.Errorf("tasks = %+v", detail.Tasks)
	}
	if len(detail.Logs) == 0 {
		t.Error("no logs returned")
	}
}

func TestGetInstancesDerivesCurrentNode(t *testing.T) {
	env := newTestManager(t)
	env.seedApproval(t)

	items, total, err := env.manager.GetInstances(context.Background(), testRctx(), store.InstanceFilters{})
	if err != nil {
		t.Fatalf("GetInstances: %v", err)
	}
	if total != 1 || len(items) != 1 {
		t.Fatalf("total = %d items = %d", total, len(items))
	}
	if items[0].CurrentNode != "Review Request" {
		t.Errorf("current node = %q, want node name", items[0].CurrentNode)
	}
	if items[0].Workflow.ID != "wf.approval" {
		t.Errorf("workflow summary = %+v", items[0].Workflow)
	}
}

func TestCancelInstance(t *testing.T) {
	env := newTestManager(t)
	inst, task := env.seedApproval(t)
	ctx := context.Background()

	cancelled, err := env.manager.CancelInstance(ctx, testRctx(), inst.ID)
	if err != nil {
		t.Fatalf("CancelInstance: %v", err)
	}
	if cancelled.Status != model.InstanceStatusCancelled {
		t.Errorf("status = %q, want cancelled", cancelled.Status)
	}
	if cancelled.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	// The pending task was flipped to cancelled.
	stored, err := env.store.GetTask(ctx, "tenant-1", task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if stored.Status != model.TaskStatusCancelled {
		t.Errorf("task status = %q, want cancelled", stored.Status)
	}

	// Cancelling again is a state error.
	if _, err := env.manager.CancelInstance(ctx, testRctx(), inst.ID); !model.IsCode(err, model.ErrStateError) {
		t.Errorf("err = %v, want STATE_ERROR", err)
	}

	// The cancelled task can no longer be completed.
	if _, err := env.engine.CompleteUserTask(ctx, testRctx(), task.ID, nil, ""); !model.IsCode(err, model.ErrStateError) {
		t.Errorf("err = %v, want STATE_ERROR", err)
	}
}

func TestCancelInstanceLeavesCompletedTasksUntouched(t *testing.T) {
	env := newTestManager(t)
	ctx := context.Background()

	// Parallel shape so one task can complete while another stays pending.
	def := model.WorkflowDefinition{
		ID:       "wf.parallel",
		TenantID: "tenant-1",
		Name:     "Parallel",
		Status:   model.DefinitionStatusActive,
		Version:  1,
		Nodes: []model.Node{
			{ID: "s1", Type: model.NodeTypeStartEvent},
			{ID: "fork", Type: model.NodeTypeParallelGateway},
			{ID: "t1", Type: model.NodeTypeUserTask, Name: "First", Properties: map[string]any{"assignee": "alice"}},
			{ID: "t2", Type: model.NodeTypeUserTask, Name: "Second", Properties: map[string]any{"assignee": "bob"}},
			{ID: "end1", Type: model.NodeTypeEndEvent},
			{ID: "end2", Type: model.NodeTypeEndEvent},
		},
		Edges: []model.Edge{
			{ID: "f1", Source: "s1", Target: "fork"},
			{ID: "b1", Source: "fork", Target: "t1"},
			{ID: "b2", Source: "fork", Target: "t2"},
			{ID: "f2", Source: "t1", Target: "end1"},
			{ID: "f3", Source: "t2", Target: "end2"},
		},
	}
	if err := env.store.SaveDefinition(ctx, def); err != nil {
		t.Fatalf("seeding definition: %v", err)
	}

	inst, err := env.engine.StartWorkflow(ctx, testRctx(), "wf.parallel", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	tasks, _ := env.store.ListTasksByInstance(ctx, inst.ID)
	var first, second model.TaskInstance
	for _, task := range tasks {
		switch task.NodeID {
		case "t1":
			first = task
		case "t2":
			second = task
		}
	}

	if _, err := env.engine.CompleteUserTask(ctx, testRctx(), first.ID, nil, ""); err != nil {
		t.Fatalf("CompleteUserTask: %v", err)
	}
	if _, err := env.manager.CancelInstance(ctx, testRctx(), inst.ID); err != nil {
		t.Fatalf("CancelInstance: %v", err)
	}

	storedFirst, _ := env.store.GetTask(ctx, "tenant-1", first.ID)
	if storedFirst.Status != model.TaskStatusCompleted {
		t.Errorf("completed task status = %q, must stay completed", storedFirst.Status)
	}
	storedSecond, _ := env.store.GetTask(ctx, "tenant-1", second.ID)
	if storedSecond.Status != model.TaskStatusCancelled {
		t.Errorf("pending task status = %q, want cancelled", storedSecond.Status)
	}
}
