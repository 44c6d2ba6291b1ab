package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/loomworks/gantry/internal/action"
	"github.com/loomworks/gantry/internal/expr"
	"github.com/loomworks/gantry/internal/store"
	"github.com/loomworks/gantry/model"
)

// --- Test helpers ---

func testRctx() model.RequestContext {
	return model.RequestContext{
		SubjectID: "user-alice",
		TenantID:  "tenant-1",
		Email:     "alice@example.com",
	}
}

// mockExecutor records invocations and returns a configurable result.
type mockExecutor struct {
	name  string
	calls int
	fn    func(params, vars map[string]any) (map[string]any, error)
}

func (m *mockExecutor) Name() string { return m.name }

func (m *mockExecutor) Execute(_ context.Context, params map[string]any, vars map[string]any) (map[string]any, error) {
	m.calls++
	if m.fn != nil {
		return m.fn(params, vars)
	}
	return map[string]any{"action_ran": true}, nil
}

type testEnv struct {
	engine *Engine
	store  *store.MemoryStore
	action *mockExecutor
}

func newTestEngine(t *testing.T) *testEnv {
	t.Helper()

	st := store.NewMemoryStore()
	mock := &mockExecutor{name: "test-action"}
	registry := action.NewRegistry()
	registry.Register(mock)

	eng := New(Options{
		Store:     st,
		Evaluator: expr.NewEvaluator(nil),
		Actions:   registry,
	})
	return &testEnv{engine: eng, store: st, action: mock}
}

func (env *testEnv) seed(t *testing.T, def model.WorkflowDefinition) {
	t.Helper()
	if def.TenantID == "" {
		def.TenantID = "tenant-1"
	}
	if def.Status == "" {
		def.Status = model.DefinitionStatusActive
	}
	if def.Version == 0 {
		def.Version = 1
	}
	if err := env.store.SaveDefinition(context.Background(), def); err != nil {
		t.Fatalf("seeding definition: %v", err)
	}
}

func node(id, nodeType string, props map[string]any) model.Node {
	return model.Node{ID: id, Type: nodeType, Name: id, Properties: props}
}

func edge(id, source, target string) model.Edge {
	return model.Edge{ID: id, Source: source, Target: target}
}

func condEdge(id, source, target, condition string) model.Edge {
	return model.Edge{ID: id, Source: source, Target: target, Condition: condition}
}

// linearDef is Start -> End.
func linearDef(id string) model.WorkflowDefinition {
	return model.WorkflowDefinition{
		ID:   id,
		Name: "Linear",
		Nodes: []model.Node{
			node("s1", model.NodeTypeStartEvent, nil),
			node("e1", model.NodeTypeEndEvent, nil),
		},
		Edges: []model.Edge{edge("f1", "s1", "e1")},
	}
}

func pendingTasks(t *testing.T, st *store.MemoryStore, instanceID string) []model.TaskInstance {
	t.Helper()
	tasks, err := st.ListTasksByInstance(context.Background(), instanceID)
	if err != nil {
		t.Fatalf("listing tasks: %v", err)
	}
	var pending []model.TaskInstance
	for _, task := range tasks {
		if task.Status == model.TaskStatusPending {
			pending = append(pending, task)
		}
	}
	return pending
}

func activeTokens(t *testing.T, st *store.MemoryStore, instanceID string) []model.Token {
	t.Helper()
	tokens, err := st.ListTokens(context.Background(), instanceID)
	if err != nil {
		t.Fatalf("listing tokens: %v", err)
	}
	var active []model.Token
	for _, tok := range tokens {
		if tok.Status == model.TokenStatusActive {
			active = append(active, tok)
		}
	}
	return active
}

// --- StartWorkflow ---

func TestStartWorkflowLinearCompletesImmediately(t *testing.T) {
	env := newTestEngine(t)
	env.seed(t, linearDef("wf.linear"))

	inst, err := env.engine.StartWorkflow(context.Background(), testRctx(), "wf.linear", map[string]any{"any": "thing"})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if inst.Status != model.InstanceStatusCompleted {
		t.Errorf("status = %q, want %q", inst.Status, model.InstanceStatusCompleted)
	}
	if inst.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	if len(activeTokens(t, env.store, inst.ID)) != 0 {
		t.Error("active tokens remain after completion")
	}
}

func TestStartWorkflowUnknownDefinition(t *testing.T) {
	env := newTestEngine(t)

	_, err := env.engine.StartWorkflow(context.Background(), testRctx(), "wf.missing", nil)
	if !model.IsCode(err, model.ErrNotFound) {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
}

func TestStartWorkflowInactiveDefinition(t *testing.T) {
	env := newTestEngine(t)
	def := linearDef("wf.inactive")
	def.Status = model.DefinitionStatusInactive
	env.seed(t, def)

	_, err := env.engine.StartWorkflow(context.Background(), testRctx(), "wf.inactive", nil)
	if !model.IsCode(err, model.ErrStateError) {
		t.Fatalf("err = %v, want STATE_ERROR", err)
	}
}

func TestStartWorkflowInvalidDefinitionRejected(t *testing.T) {
	env := newTestEngine(t)

	// Two start events.
	def := model.WorkflowDefinition{
		ID:   "wf.twostarts",
		Name: "Two Starts",
		Nodes: []model.Node{
			node("s1", model.NodeTypeStartEvent, nil),
			node("s2", model.NodeTypeStartEvent, nil),
			node("e1", model.NodeTypeEndEvent, nil),
		},
		Edges: []model.Edge{edge("f1", "s1", "e1"), edge("f2", "s2", "e1")},
	}
	env.seed(t, def)

	_, err := env.engine.StartWorkflow(context.Background(), testRctx(), "wf.twostarts", nil)
	if !model.IsCode(err, model.ErrValidationError) {
		t.Fatalf("err = %v, want VALIDATION_ERROR", err)
	}

	// No start event.
	def2 := model.WorkflowDefinition{
		ID:    "wf.nostart",
		Name:  "No Start",
		Nodes: []model.Node{node("e1", model.NodeTypeEndEvent, nil)},
	}
	env.seed(t, def2)

	_, err = env.engine.StartWorkflow(context.Background(), testRctx(), "wf.nostart", nil)
	if !model.IsCode(err, model.ErrValidationError) {
		t.Fatalf("err = %v, want VALIDATION_ERROR", err)
	}

	// No instance state was persisted for either attempt.
	if env.store.Len() != 0 {
		t.Errorf("instances persisted for rejected starts: %d", env.store.Len())
	}
}

// --- User tasks ---

func TestUserTaskSuspendsAndResumes(t *testing.T) {
	env := newTestEngine(t)
	env.seed(t, model.WorkflowDefinition{
		ID:   "wf.approval",
		Name: "Approval",
		Nodes: []model.Node{
			node("s1", model.NodeTypeStartEvent, nil),
			node("t1", model.NodeTypeUserTask, map[string]any{"assignee": "{{initiator}}"}),
			node("e1", model.NodeTypeEndEvent, nil),
		},
		Edges: []model.Edge{edge("f1", "s1", "t1"), edge("f2", "t1", "e1")},
	})

	ctx := context.Background()
	rctx := testRctx()

	inst, err := env.engine.StartWorkflow(ctx, rctx, "wf.approval", map[string]any{})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if inst.Status != model.InstanceStatusRunning {
		t.Fatalf("status = %q, want running", inst.Status)
	}

	pending := pendingTasks(t, env.store, inst.ID)
	if len(pending) != 1 {
		t.Fatalf("pending tasks = %d, want 1", len(pending))
	}
	if pending[0].Assignee != "user-alice" {
		t.Errorf("assignee = %q, want %q", pending[0].Assignee, "user-alice")
	}

	inst, err = env.engine.CompleteUserTask(ctx, rctx, pending[0].ID, map[string]any{"approved": true}, "looks good")
	if err != nil {
		t.Fatalf("CompleteUserTask: %v", err)
	}
	if inst.Status != model.InstanceStatusCompleted {
		t.Errorf("status = %q, want completed", inst.Status)
	}
	if approved, _ := inst.Variables["approved"].(bool); !approved {
		t.Errorf("variables.approved = %v, want true", inst.Variables["approved"])
	}

	task, err := env.store.GetTask(ctx, rctx.TenantID, pending[0].ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != model.TaskStatusCompleted {
		t.Errorf("task status = %q, want completed", task.Status)
	}
	if task.CompletedBy != "user-alice" {
		t.Errorf("completed by = %q, want user-alice", task.CompletedBy)
	}
	if task.Comment != "looks good" {
		t.Errorf("comment = %q", task.Comment)
	}
}

func TestCompleteUserTaskAlreadyCompleted(t *testing.T) {
	env := newTestEngine(t)
	env.seed(t, model.WorkflowDefinition{
		ID:   "wf.approval",
		Name: "Approval",
		Nodes: []model.Node{
			node("s1", model.NodeTypeStartEvent, nil),
			node("t1", model.NodeTypeUserTask, map[string]any{"assignee": "bob"}),
			node("e1", model.NodeTypeEndEvent, nil),
		},
		Edges: []model.Edge{edge("f1", "s1", "t1"), edge("f2", "t1", "e1")},
	})

	ctx := context.Background()
	rctx := testRctx()

	inst, err := env.engine.StartWorkflow(ctx, rctx, "wf.approval", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	taskID := pendingTasks(t, env.store, inst.ID)[0].ID

	if _, err := env.engine.CompleteUserTask(ctx, rctx, taskID, map[string]any{"n": 1}, ""); err != nil {
		t.Fatalf("first completion: %v", err)
	}

	before, _ := env.store.GetInstance(ctx, rctx.TenantID, inst.ID)
	_, err = env.engine.CompleteUserTask(ctx, rctx, taskID, map[string]any{"n": 2}, "")
	if !model.IsCode(err, model.ErrStateError) {
		t.Fatalf("err = %v, want STATE_ERROR", err)
	}

	// Variables and task unchanged by the rejected call.
	after, _ := env.store.GetInstance(ctx, rctx.TenantID, inst.ID)
	if fmt.Sprint(after.Variables["n"]) != fmt.Sprint(before.Variables["n"]) {
		t.Errorf("variables changed: %v -> %v", before.Variables["n"], after.Variables["n"])
	}
}

// --- Service tasks ---

func TestServiceTaskMergesOutputVariables(t *testing.T) {
	env := newTestEngine(t)
	env.action.fn = func(params, vars map[string]any) (map[string]any, error) {
		return map[string]any{"processed": true}, nil
	}
	env.seed(t, model.WorkflowDefinition{
		ID:   "wf.auto",
		Name: "Automated",
		Nodes: []model.Node{
			node("s1", model.NodeTypeStartEvent, nil),
			node("svc", model.NodeTypeServiceTask, map[string]any{"action": "test-action"}),
			node("e1", model.NodeTypeEndEvent, nil),
		},
		Edges: []model.Edge{edge("f1", "s1", "svc"), edge("f2", "svc", "e1")},
	})

	inst, err := env.engine.StartWorkflow(context.Background(), testRctx(), "wf.auto", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if inst.Status != model.InstanceStatusCompleted {
		t.Fatalf("status = %q, want completed", inst.Status)
	}
	if env.action.calls != 1 {
		t.Errorf("action calls = %d, want 1", env.action.calls)
	}
	if processed, _ := inst.Variables["processed"].(bool); !processed {
		t.Errorf("variables.processed = %v, want true", inst.Variables["processed"])
	}
}

func TestServiceTaskFailureFailsInstance(t *testing.T) {
	env := newTestEngine(t)
	env.action.fn = func(params, vars map[string]any) (map[string]any, error) {
		return nil, fmt.Errorf("upstream unavailable")
	}
	env.seed(t, model.WorkflowDefinition{
		ID:   "wf.auto",
		Name: "Automated",
		Nodes: []model.Node{
			node("s1", model.NodeTypeStartEvent, nil),
			node("svc", model.NodeTypeServiceTask, map[string]any{"action": "test-action"}),
			node("e1", model.NodeTypeEndEvent, nil),
		},
		Edges: []model.Edge{edge("f1", "s1", "svc"), edge("f2", "svc", "e1")},
	})

	inst, err := env.engine.StartWorkflow(context.Background(), testRctx(), "wf.auto", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if inst.Status != model.InstanceStatusError {
		t.Fatalf("status = %q, want error", inst.Status)
	}
	if inst.ErrorMessage == "" {
		t.Error("ErrorMessage not set")
	}
	if env.action.calls != 1 {
		t.Errorf("action calls = %d, want 1 (no retry)", env.action.calls)
	}
}

func TestServiceTaskUnknownActionFailsInstance(t *testing.T) {
	env := newTestEngine(t)
	env.seed(t, model.WorkflowDefinition{
		ID:   "wf.auto",
		Name: "Automated",
		Nodes: []model.Node{
			node("s1", model.NodeTypeStartEvent, nil),
			node("svc", model.NodeTypeServiceTask, map[string]any{"action": "no-such-action"}),
			node("e1", model.NodeTypeEndEvent, nil),
		},
		Edges: []model.Edge{edge("f1", "s1", "svc"), edge("f2", "svc", "e1")},
	})

	inst, err := env.engine.StartWorkflow(context.Background(), testRctx(), "wf.auto", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if inst.Status != model.InstanceStatusError {
		t.Errorf("status = %q, want error", inst.Status)
	}
}

// --- Exclusive gateways ---

func gatewayDef() model.WorkflowDefinition {
	return model.WorkflowDefinition{
		ID:   "wf.gateway",
		Name: "Gateway",
		Nodes: []model.Node{
			node("s1", model.NodeTypeStartEvent, nil),
			node("gw", model.NodeTypeExclusiveGateway, map[string]any{"defaultEdge": "e2"}),
			node("a", model.NodeTypeUserTask, map[string]any{"assignee": "reviewer-a"}),
			node("b", model.NodeTypeUserTask, map[string]any{"assignee": "reviewer-b"}),
			node("end", model.NodeTypeEndEvent, nil),
		},
		Edges: []model.Edge{
			edge("f1", "s1", "gw"),
			condEdge("e1", "gw", "a", "{{amount > 100}}"),
			edge("e2", "gw", "b"),
			edge("f2", "a", "end"),
			edge("f3", "b", "end"),
		},
	}
}

func TestExclusiveGatewayTakesDefaultEdge(t *testing.T) {
	env := newTestEngine(t)
	env.seed(t, gatewayDef())

	inst, err := env.engine.StartWorkflow(context.Background(), testRctx(), "wf.gateway", map[string]any{"amount": 50})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	pending := pendingTasks(t, env.store, inst.ID)
	if len(pending) != 1 || pending[0].NodeID != "b" {
		t.Fatalf("pending = %+v, want one task at node b", pending)
	}
}

func TestExclusiveGatewayTakesConditionEdge(t *testing.T) {
	env := newTestEngine(t)
	env.seed(t, gatewayDef())

	inst, err := env.engine.StartWorkflow(context.Background(), testRctx(), "wf.gateway", map[string]any{"amount": 150})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	pending := pendingTasks(t, env.store, inst.ID)
	if len(pending) != 1 || pending[0].NodeID != "a" {
		t.Fatalf("pending = %+v, want one task at node a", pending)
	}
}

func TestExclusiveGatewayStrictEqualityCondition(t *testing.T) {
	env := newTestEngine(t)
	def := gatewayDef()
	def.ID = "wf.strict"
	def.Edges[1] = condEdge("e1", "gw", "a", "{{level === 'urgent'}}")
	env.seed(t, def)

	inst, err := env.engine.StartWorkflow(context.Background(), testRctx(), "wf.strict", map[string]any{"level": "normal"})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	pending := pendingTasks(t, env.store, inst.ID)
	if len(pending) != 1 || pending[0].NodeID != "b" {
		t.Fatalf("pending = %+v, want one task at node b (a never dispatched)", pending)
	}
}

func TestExclusiveGatewayNoMatchNoDefaultFailsInstance(t *testing.T) {
	env := newTestEngine(t)
	def := gatewayDef()
	def.ID = "wf.nodefault"
	def.Nodes[1] = node("gw", model.NodeTypeExclusiveGateway, nil)
	def.Edges[2] = condEdge("e2", "gw", "b", "{{amount < 0}}")
	env.seed(t, def)

	inst, err := env.engine.StartWorkflow(context.Background(), testRctx(), "wf.nodefault", map[string]any{"amount": 50})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if inst.Status != model.InstanceStatusError {
		t.Errorf("status = %q, want error", inst.Status)
	}
}

// --- Parallel gateways ---

func parallelDef() model.WorkflowDefinition {
	return model.WorkflowDefinition{
		ID:   "wf.parallel",
		Name: "Parallel",
		Nodes: []model.Node{
			node("s1", model.NodeTypeStartEvent, nil),
			node("fork", model.NodeTypeParallelGateway, nil),
			node("t1", model.NodeTypeUserTask, map[string]any{"assignee": "alice"}),
			node("t2", model.NodeTypeUserTask, map[string]any{"assignee": "bob"}),
			node("end1", model.NodeTypeEndEvent, nil),
			node("end2", model.NodeTypeEndEvent, nil),
		},
		Edges: []model.Edge{
			edge("f1", "s1", "fork"),
			edge("b1", "fork", "t1"),
			edge("b2", "fork", "t2"),
			edge("f2", "t1", "end1"),
			edge("f3", "t2", "end2"),
		},
	}
}

func TestParallelGatewaySpawnsTokenPerBranch(t *testing.T) {
	env := newTestEngine(t)
	env.seed(t, parallelDef())

	ctx := context.Background()
	rctx := testRctx()

	inst, err := env.engine.StartWorkflow(ctx, rctx, "wf.parallel", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if inst.Status != model.InstanceStatusRunning {
		t.Fatalf("status = %q, want running", inst.Status)
	}

	active := activeTokens(t, env.store, inst.ID)
	if len(active) != 2 {
		t.Fatalf("active tokens = %d, want 2", len(active))
	}
	for _, tok := range active {
		if tok.ParentTokenID == "" {
			t.Errorf("branch token %s has no parent reference", tok.ID)
		}
	}

	pending := pendingTasks(t, env.store, inst.ID)
	if len(pending) != 2 {
		t.Fatalf("pending tasks = %d, want 2", len(pending))
	}

	// Completing the first branch leaves the instance running.
	var task1, task2 model.TaskInstance
	for _, task := range pending {
		switch task.NodeID {
		case "t1":
			task1 = task
		case "t2":
			task2 = task
		}
	}

	inst, err = env.engine.CompleteUserTask(ctx, rctx, task1.ID, nil, "")
	if err != nil {
		t.Fatalf("complete t1: %v", err)
	}
	if inst.Status != model.InstanceStatusRunning {
		t.Fatalf("status after first branch = %q, want running", inst.Status)
	}
	if len(activeTokens(t, env.store, inst.ID)) != 1 {
		t.Errorf("active tokens after first branch = %d, want 1", len(activeTokens(t, env.store, inst.ID)))
	}

	// Completing the second branch brings active tokens to zero.
	inst, err = env.engine.CompleteUserTask(ctx, rctx, task2.ID, nil, "")
	if err != nil {
		t.Fatalf("complete t2: %v", err)
	}
	if inst.Status != model.InstanceStatusCompleted {
		t.Errorf("status = %q, want completed", inst.Status)
	}
	if len(activeTokens(t, env.store, inst.ID)) != 0 {
		t.Errorf("active tokens remain after completion")
	}
}

// --- Dispatch depth guard ---

func TestDispatchDepthGuardFailsInstance(t *testing.T) {
	env := newTestEngine(t)

	// A gateway loop that always routes back to itself.
	env.seed(t, model.WorkflowDefinition{
		ID:   "wf.loop",
		Name: "Loop",
		Nodes: []model.Node{
			node("s1", model.NodeTypeStartEvent, nil),
			node("gw", model.NodeTypeExclusiveGateway, nil),
			node("e1", model.NodeTypeEndEvent, nil),
		},
		Edges: []model.Edge{
			edge("f1", "s1", "gw"),
			edge("f2", "gw", "gw"),
			edge("f3", "gw", "e1"),
		},
	})

	inst, err := env.engine.StartWorkflow(context.Background(), testRctx(), "wf.loop", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if inst.Status != model.InstanceStatusError {
		t.Errorf("status = %q, want error", inst.Status)
	}
}

// --- Audit trail ---

func TestLifecycleWritesAuditLog(t *testing.T) {
	env := newTestEngine(t)
	env.seed(t, linearDef("wf.linear"))

	inst, err := env.engine.StartWorkflow(context.Background(), testRctx(), "wf.linear", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	logs, err := env.store.ListLogs(context.Background(), inst.ID, 0)
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	if len(logs) < 2 {
		t.Fatalf("log entries = %d, want at least start and completion", len(logs))
	}
}
