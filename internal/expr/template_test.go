package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTemplateBareIdentifiers(t *testing.T) {
	e := NewEvaluator(nil)
	vars := map[string]any{
		"name":   "alice",
		"amount": 150,
		"nested": map[string]any{"k": "v"},
	}

	assert.Equal(t, "hello alice", e.ParseTemplate("hello {{name}}", vars))
	assert.Equal(t, "150", e.ParseTemplate("{{amount}}", vars))
	assert.Equal(t, "alice owes 150", e.ParseTemplate("{{name}} owes {{amount}}", vars))

	// Undefined variables substitute the empty string.
	assert.Equal(t, "hello ", e.ParseTemplate("hello {{missing}}", vars))

	// Whitespace inside the braces is tolerated.
	assert.Equal(t, "alice", e.ParseTemplate("{{ name }}", vars))
}

func TestParseTemplateExpressions(t *testing.T) {
	e := NewEvaluator(nil)
	vars := map[string]any{"amount": 150, "rate": 2}

	assert.Equal(t, "total: 300", e.ParseTemplate("total: {{amount * rate}}", vars))
	assert.Equal(t, "true", e.ParseTemplate("{{amount > 100}}", vars))
}

func TestParseTemplateFailureLeavesTextUnchanged(t *testing.T) {
	e := NewEvaluator(nil)
	vars := map[string]any{"x": 1}

	// Broken expressions degrade visibly.
	assert.Equal(t, "{{x >>}}", e.ParseTemplate("{{x >>}}", vars))
	// Denied identifiers are never resolved, bare or in expressions.
	assert.Equal(t, "{{__proto__}}", e.ParseTemplate("{{__proto__}}", vars))
	assert.Equal(t, "{{constructor == x}}", e.ParseTemplate("{{constructor == x}}", vars))
	// Empty braces pass through.
	assert.Equal(t, "{{}}", e.ParseTemplate("{{}}", vars))
}

func TestParseTemplateNoPlaceholders(t *testing.T) {
	e := NewEvaluator(nil)

	assert.Equal(t, "plain text", e.ParseTemplate("plain text", nil))
	assert.Equal(t, "", e.ParseTemplate("", nil))
}
