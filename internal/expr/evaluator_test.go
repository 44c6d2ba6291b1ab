package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateComparisons(t *testing.T) {
	e := NewEvaluator(nil)
	vars := map[string]any{"amount": 150, "level": "urgent", "approved": true}

	cases := []struct {
		condition string
		want      bool
	}{
		{"amount > 100", true},
		{"amount < 100", false},
		{"amount >= 150", true},
		{"amount <= 149", false},
		{"amount == 150", true},
		{"amount != 150", false},
		{"level == 'urgent'", true},
		{"level != 'urgent'", false},
		{"approved", true},
		{"!approved", false},
		{"amount > 100 && level == 'urgent'", true},
		{"amount > 1000 || approved", true},
		{"amount > 1000 && approved", false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, e.Evaluate(tc.condition, vars), "condition %q", tc.condition)
	}
}

func TestEvaluateStrictOperatorsRewritten(t *testing.T) {
	e := NewEvaluator(nil)
	vars := map[string]any{"level": "urgent", "count": 3}

	assert.True(t, e.Evaluate("level === 'urgent'", vars))
	assert.False(t, e.Evaluate("level !== 'urgent'", vars))
	assert.True(t, e.Evaluate("count !== 4", vars))
}

func TestEvaluateTemplateWrapper(t *testing.T) {
	e := NewEvaluator(nil)
	vars := map[string]any{"amount": 50}

	assert.False(t, e.Evaluate("{{amount > 100}}", vars))
	assert.True(t, e.Evaluate("{{ amount < 100 }}", vars))
}

func TestEvaluateFailsClosed(t *testing.T) {
	e := NewEvaluator(nil)

	// Parse error.
	assert.False(t, e.Evaluate("amount >>", map[string]any{"amount": 1}))
	// Non-boolean result.
	assert.False(t, e.Evaluate("amount + 1", map[string]any{"amount": 1}))
	// Undefined variable comparison.
	assert.False(t, e.Evaluate("missing > 10", map[string]any{}))
	// Empty condition.
	assert.False(t, e.Evaluate("", map[string]any{}))
	assert.False(t, e.Evaluate("{{}}", map[string]any{}))
}

func TestEvaluateDeniedIdentifiers(t *testing.T) {
	e := NewEvaluator(nil)
	vars := map[string]any{"x": 1}

	assert.False(t, e.Evaluate("__proto__ == 1", vars))
	assert.False(t, e.Evaluate("constructor != nil", vars))
	assert.False(t, e.Evaluate("x == prototype", vars))
}

func TestEvaluateSanitizesVariableMap(t *testing.T) {
	e := NewEvaluator(nil)

	// A hostile variable map cannot reintroduce a denied name; the evaluator
	// also refuses the expression outright.
	vars := map[string]any{"__proto__": true, "safe": true}
	assert.False(t, e.Evaluate("__proto__", vars))
	assert.True(t, e.Evaluate("safe", vars))
}

func TestEvaluateCachesPrograms(t *testing.T) {
	e := NewEvaluator(nil)

	// Same expression against different variable shapes reuses the cached
	// program without error.
	assert.True(t, e.Evaluate("x > 1", map[string]any{"x": 2}))
	assert.False(t, e.Evaluate("x > 1", map[string]any{"x": 0, "y": "other"}))
	assert.Len(t, e.cache, 1)
}

func TestRunPropagatesErrors(t *testing.T) {
	e := NewEvaluator(nil)

	out, err := e.Run("1 + 2", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 3, out)

	_, err = e.Run("", nil)
	assert.Error(t, err)

	_, err = e.Run("__proto__", nil)
	assert.Error(t, err)

	_, err = e.Run("nonsense >>", nil)
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"{{amount > 100}}", "amount > 100"},
		{"  {{ x }}  ", "x"},
		{"a === b", "a == b"},
		{"a !== b", "a != b"},
		{"plain", "plain"},
		{"{{}}", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Normalize(tc.in), "input %q", tc.in)
	}
}
