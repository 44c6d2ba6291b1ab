package action

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/loomworks/gantry/internal/expr"
)

// ScriptExecutor implements the run-script action. The script parameter is an
// expression evaluated against the instance variables; the result is stored
// under the variable named by resultVar (default script_result). Scripts run
// inside the same parsed-expression interpreter as branch conditions, so no
// dynamic code execution is possible.
type ScriptExecutor struct {
	logger    *zap.Logger
	evaluator *expr.Evaluator
}

// NewScriptExecutor creates the run-script executor.
func NewScriptExecutor(logger *zap.Logger, evaluator *expr.Evaluator) *ScriptExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScriptExecutor{logger: logger, evaluator: evaluator}
}

// Name implements Executor.
func (e *ScriptExecutor) Name() string { return "run-script" }

// Execute evaluates the script expression.
func (e *ScriptExecutor) Execute(_ context.Context, params map[string]any, vars map[string]any) (map[string]any, error) {
	script, _ := params["script"].(string)
	if script == "" {
		return nil, fmt.Errorf("run-script: script parameter is required")
	}

	resultVar, _ := params["resultVar"].(string)
	if resultVar == "" {
		resultVar = "script_result"
	}

	out, err := e.evaluator.Run(script, vars)
	if err != nil {
		return nil, fmt.Errorf("run-script: %w", err)
	}

	e.logger.Debug("script evaluated",
		zap.String("script", script),
		zap.String("result_var", resultVar),
	)
	return map[string]any{resultVar: out}, nil
}
