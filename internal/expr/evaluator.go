// Package expr evaluates branch conditions and string templates against
// workflow instance variables. Expressions are parsed and interpreted by
// expr-lang; no dynamic code execution is involved, and identifiers that
// could probe the host runtime are rejected outright.
package expr

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	exprlang "github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.uber.org/zap"
)

// deniedIdentifiers are accessor names that never resolve, regardless of what
// the variable map contains.
var deniedIdentifiers = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

var identifierRe = regexp.MustCompile(`[A-Za-z_$][A-Za-z0-9_$]*`)

// Evaluator compiles and runs condition expressions with a shared program
// cache. Safe for concurrent use.
type Evaluator struct {
	logger *zap.Logger
	mu     sync.RWMutex
	cache  map[string]*vm.Program
}

// NewEvaluator creates an Evaluator. The logger receives warn-level entries
// for every failed evaluation; conditions fail closed rather than propagate.
func NewEvaluator(logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		logger: logger,
		cache:  make(map[string]*vm.Program),
	}
}

// Evaluate evaluates a boolean condition against the variable map. The
// condition may be wrapped in a {{ ... }} template marker. Supported
// operators include ==, !=, >, <, >=, <=, &&, || and ! as well as the
// strict forms === and !== (rewritten to their loose equivalents before
// parsing). Any error, including a non-boolean result, logs a warning and
// yields false.
func (e *Evaluator) Evaluate(condition string, vars map[string]any) bool {
	src := Normalize(condition)
	if src == "" {
		return false
	}
	if ident := deniedIdentifierIn(src); ident != "" {
		e.logger.Warn("condition references denied identifier",
			zap.String("condition", condition),
			zap.String("identifier", ident),
		)
		return false
	}

	out, err := e.run(src, vars)
	if err != nil {
		e.logger.Warn("condition evaluation failed",
			zap.String("condition", condition),
			zap.Error(err),
		)
		return false
	}

	b, ok := out.(bool)
	if !ok {
		e.logger.Warn("condition did not evaluate to a boolean",
			zap.String("condition", condition),
			zap.String("result_type", fmt.Sprintf("%T", out)),
		)
		return false
	}
	return b
}

// Run normalizes, checks, compiles, and executes an expression, returning the
// raw result. Unlike Evaluate it propagates errors to the caller; the script
// executor uses it to surface failures as action errors.
func (e *Evaluator) Run(expression string, vars map[string]any) (any, error) {
	src := Normalize(expression)
	if src == "" {
		return nil, fmt.Errorf("empty expression")
	}
	if ident := deniedIdentifierIn(src); ident != "" {
		return nil, fmt.Errorf("expression references denied identifier %q", ident)
	}
	return e.run(src, vars)
}

// run compiles (with caching) and executes an expression against a sanitized
// copy of the variable map.
func (e *Evaluator) run(src string, vars map[string]any) (any, error) {
	e.mu.RLock()
	program, ok := e.cache[src]
	e.mu.RUnlock()

	if !ok {
		e.mu.Lock()
		if program, ok = e.cache[src]; !ok {
			var err error
			program, err = exprlang.Compile(src, exprlang.AllowUndefinedVariables())
			if err != nil {
				e.mu.Unlock()
				return nil, err
			}
			e.cache[src] = program
		}
		e.mu.Unlock()
	}

	return exprlang.Run(program, sanitize(vars))
}

// Normalize strips an optional {{ ... }} wrapper and rewrites the strict
// equality operators to their loose equivalents.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "{{") && strings.HasSuffix(s, "}}") && len(s) >= 4 {
		s = strings.TrimSpace(s[2 : len(s)-2])
	}
	s = strings.ReplaceAll(s, "!==", "!=")
	s = strings.ReplaceAll(s, "===", "==")
	return s
}

// deniedIdentifierIn returns the first denied identifier appearing in the
// expression source, or empty.
func deniedIdentifierIn(src string) string {
	for _, ident := range identifierRe.FindAllString(src, -1) {
		if deniedIdentifiers[ident] {
			return ident
		}
	}
	return ""
}

// sanitize returns a copy of the variable map with denied keys removed, so a
// hostile variable map cannot smuggle a denied name back into scope.
func sanitize(vars map[string]any) map[string]any {
	env := make(map[string]any, len(vars))
	for k, v := range vars {
		if deniedIdentifiers[k] {
			continue
		}
		env[k] = v
	}
	return env
}
