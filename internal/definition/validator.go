package definition

import (
	"fmt"

	"github.com/loomworks/gantry/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

var validNodeTypes = map[string]bool{
	model.NodeTypeStartEvent:       true,
	model.NodeTypeEndEvent:         true,
	model.NodeTypeUserTask:         true,
	model.NodeTypeServiceTask:      true,
	model.NodeTypeExclusiveGateway: true,
	model.NodeTypeParallelGateway:  true,
}

// Validator validates workflow definitions structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks a single workflow definition. An empty result means the
// definition is executable: exactly one start event, at least one end event,
// unique node and edge ids, and edges that reference existing nodes.
// Unreachable nodes are reported with code UNREACHABLE; at runtime they would
// simply never be dispatched.
func (v *Validator) Validate(def model.WorkflowDefinition) []VError {
	var errs []VError

	if def.ID == "" {
		errs = append(errs, VError{Path: "id", Code: "REQUIRED", Message: "id is required"})
	}
	if def.Name == "" {
		errs = append(errs, VError{Path: "name", Code: "REQUIRED", Message: "name is required"})
	}

	nodeIDs := make(map[string]bool, len(def.Nodes))
	starts := 0
	ends := 0
	var startID string
	for i, n := range def.Nodes {
		np := fmt.Sprintf("nodes[%d]", i)
		if n.ID == "" {
			errs = append(errs, VError{Path: np + ".id", Code: "REQUIRED", Message: "node id is required"})
		} else if nodeIDs[n.ID] {
			errs = append(errs, VError{Path: np + ".id", Code: "DUPLICATE_ID", Message: fmt.Sprintf("duplicate node id %q", n.ID)})
		}
		nodeIDs[n.ID] = true

		switch {
		case n.Type == "":
			errs = append(errs, VError{Path: np + ".type", Code: "REQUIRED", Message: "node type is required"})
		case !validNodeTypes[n.Type]:
			errs = append(errs, VError{Path: np + ".type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid node type %q", n.Type)})
		case n.Type == model.NodeTypeStartEvent:
			starts++
			startID = n.ID
		case n.Type == model.NodeTypeEndEvent:
			ends++
		}
	}

	if starts != 1 {
		errs = append(errs, VError{
			Path:    "nodes",
			Code:    "START_EVENT_COUNT",
			Message: fmt.Sprintf("definition must contain exactly one startEvent, found %d", starts),
		})
	}
	if ends < 1 {
		errs = append(errs, VError{
			Path:    "nodes",
			Code:    "END_EVENT_COUNT",
			Message: "definition must contain at least one endEvent",
		})
	}

	edgeIDs := make(map[string]bool, len(def.Edges))
	outgoing := make(map[string][]model.Edge, len(def.Nodes))
	for i, e := range def.Edges {
		ep := fmt.Sprintf("edges[%d]", i)
		if e.ID == "" {
			errs = append(errs, VError{Path: ep + ".id", Code: "REQUIRED", Message: "edge id is required"})
		} else if edgeIDs[e.ID] {
			errs = append(errs, VError{Path: ep + ".id", Code: "DUPLICATE_ID", Message: fmt.Sprintf("duplicate edge id %q", e.ID)})
		}
		edgeIDs[e.ID] = true

		if e.Source != "" && !nodeIDs[e.Source] {
			errs = append(errs, VError{Path: ep + ".source", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("node %q not found", e.Source)})
		}
		if e.Target != "" && !nodeIDs[e.Target] {
			errs = append(errs, VError{Path: ep + ".target", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("node %q not found", e.Target)})
		}
		outgoing[e.Source] = append(outgoing[e.Source], e)
	}

	// Gateway default edges must leave the gateway they configure.
	for i, n := range def.Nodes {
		if n.Type != model.NodeTypeExclusiveGateway {
			continue
		}
		defaultEdge := n.Property(model.PropDefaultEdge)
		if defaultEdge == "" {
			continue
		}
		found := false
		for _, e := range outgoing[n.ID] {
			if e.ID == defaultEdge {
				found = true
				break
			}
		}
		if !found {
			errs = append(errs, VError{
				Path:    fmt.Sprintf("nodes[%d].properties.defaultEdge", i),
				Code:    "REF_NOT_FOUND",
				Message: fmt.Sprintf("default edge %q does not leave gateway %q", defaultEdge, n.ID),
			})
		}
	}

	// Reachability from the start event.
	if starts == 1 {
		reached := make(map[string]bool, len(def.Nodes))
		stack := []string{startID}
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if reached[id] {
				continue
			}
			reached[id] = true
			for _, e := range outgoing[id] {
				stack = append(stack, e.Target)
			}
		}
		for i, n := range def.Nodes {
			if n.ID != "" && !reached[n.ID] {
				errs = append(errs, VError{
					Path:    fmt.Sprintf("nodes[%d]", i),
					Code:    "UNREACHABLE",
					Message: fmt.Sprintf("node %q is not reachable from the start event", n.ID),
				})
			}
		}
	}

	return errs
}

// FieldErrors converts validator output into model field errors for the
// VALIDATION_ERROR envelope.
func FieldErrors(verrs []VError) []model.FieldError {
	out := make([]model.FieldError, len(verrs))
	for i, ve := range verrs {
		out[i] = model.FieldError{Field: ve.Path, Code: ve.Code, Message: ve.Message}
	}
	return out
}
