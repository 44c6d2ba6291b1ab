package definition

import (
	"testing"

	"github.com/loomworks/gantry/model"
)

func validDef() model.WorkflowDefinition {
	return model.WorkflowDefinition{
		ID:   "wf.valid",
		Name: "Valid",
		Nodes: []model.Node{
			{ID: "s1", Type: model.NodeTypeStartEvent},
			{ID: "t1", Type: model.NodeTypeUserTask, Name: "Review"},
			{ID: "e1", Type: model.NodeTypeEndEvent},
		},
		Edges: []model.Edge{
			{ID: "f1", Source: "s1", Target: "t1"},
			{ID: "f2", Source: "t1", Target: "e1"},
		},
	}
}

func hasCode(verrs []VError, code string) bool {
	for _, ve := range verrs {
		if ve.Code == code {
			return true
		}
	}
	return false
}

func TestValidateAcceptsValidDefinition(t *testing.T) {
	v := NewValidator()
	if verrs := v.Validate(validDef()); len(verrs) != 0 {
		t.Fatalf("unexpected errors: %v", verrs)
	}
}

func TestValidateStartEventCount(t *testing.T) {
	v := NewValidator()

	// No start event.
	def := validDef()
	def.Nodes = def.Nodes[1:]
	def.Edges = def.Edges[1:]
	verrs := v.Validate(def)
	if !hasCode(verrs, "START_EVENT_COUNT") {
		t.Errorf("missing START_EVENT_COUNT for zero starts: %v", verrs)
	}

	// Two start events.
	def = validDef()
	def.Nodes = append(def.Nodes, model.Node{ID: "s2", Type: model.NodeTypeStartEvent})
	verrs = v.Validate(def)
	if !hasCode(verrs, "START_EVENT_COUNT") {
		t.Errorf("missing START_EVENT_COUNT for two starts: %v", verrs)
	}
}

func TestValidateEndEventRequired(t *testing.T) {
	v := NewValidator()

	def := validDef()
	def.Nodes = def.Nodes[:2]
	def.Edges = def.Edges[:1]
	verrs := v.Validate(def)
	if !hasCode(verrs, "END_EVENT_COUNT") {
		t.Errorf("missing END_EVENT_COUNT: %v", verrs)
	}
}

func TestValidateDuplicateIDs(t *testing.T) {
	v := NewValidator()

	def := validDef()
	def.Nodes = append(def.Nodes, model.Node{ID: "t1", Type: model.NodeTypeUserTask})
	if !hasCode(v.Validate(def), "DUPLICATE_ID") {
		t.Error("duplicate node id not reported")
	}

	def = validDef()
	def.Edges = append(def.Edges, model.Edge{ID: "f1", Source: "t1", Target: "e1"})
	if !hasCode(v.Validate(def), "DUPLICATE_ID") {
		t.Error("duplicate edge id not reported")
	}
}

func TestValidateEdgeReferences(t *testing.T) {
	v := NewValidator()

	def := validDef()
	def.Edges = append(def.Edges, model.Edge{ID: "f3", Source: "t1", Target: "ghost"})
	if !hasCode(v.Validate(def), "REF_NOT_FOUND") {
		t.Error("dangling edge target not reported")
	}
}

func TestValidateGatewayDefaultEdge(t *testing.T) {
	v := NewValidator()

	def := model.WorkflowDefinition{
		ID:   "wf.gw",
		Name: "Gateway",
		Nodes: []model.Node{
			{ID: "s1", Type: model.NodeTypeStartEvent},
			{ID: "gw", Type: model.NodeTypeExclusiveGateway, Properties: map[string]any{"defaultEdge": "f1"}},
			{ID: "e1", Type: model.NodeTypeEndEvent},
		},
		Edges: []model.Edge{
			{ID: "f1", Source: "s1", Target: "gw"},
			{ID: "f2", Source: "gw", Target: "e1"},
		},
	}

	// f1 enters the gateway rather than leaving it.
	verrs := v.Validate(def)
	if !hasCode(verrs, "REF_NOT_FOUND") {
		t.Errorf("default edge not leaving gateway not reported: %v", verrs)
	}

	def.Nodes[1].Properties["defaultEdge"] = "f2"
	if verrs := v.Validate(def); len(verrs) != 0 {
		t.Errorf("unexpected errors with valid default edge: %v", verrs)
	}
}

func TestValidateUnreachableNodes(t *testing.T) {
	v := NewValidator()

	def := validDef()
	def.Nodes = append(def.Nodes, model.Node{ID: "island", Type: model.NodeTypeUserTask})
	verrs := v.Validate(def)
	if !hasCode(verrs, "UNREACHABLE") {
		t.Errorf("unreachable node not reported: %v", verrs)
	}
}

func TestValidateInvalidNodeType(t *testing.T) {
	v := NewValidator()

	def := validDef()
	def.Nodes[1].Type = "timerEvent"
	if !hasCode(v.Validate(def), "INVALID_ENUM") {
		t.Error("invalid node type not reported")
	}
}

func TestFieldErrorsConversion(t *testing.T) {
	verrs := []VError{{Path: "nodes", Code: "START_EVENT_COUNT", Message: "msg"}}
	fes := FieldErrors(verrs)
	if len(fes) != 1 {
		t.Fatalf("len = %d, want 1", len(fes))
	}
	if fes[0].Field != "nodes" || fes[0].Code != "START_EVENT_COUNT" {
		t.Errorf("unexpected conversion: %+v", fes[0])
	}
}
