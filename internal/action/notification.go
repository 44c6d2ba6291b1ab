package action

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/gantry/internal/config"
	"github.com/loomworks/gantry/internal/expr"
)

// NotificationExecutor implements the send-notification action. Delivery is a
// structured log entry; a real mail or chat transport plugs in behind the
// same parameter contract (to, subject, message).
type NotificationExecutor struct {
	logger    *zap.Logger
	evaluator *expr.Evaluator
	from      string
}

// NewNotificationExecutor creates the send-notification executor.
func NewNotificationExecutor(logger *zap.Logger, evaluator *expr.Evaluator, cfg config.NotificationConfig) *NotificationExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationExecutor{
		logger:    logger,
		evaluator: evaluator,
		from:      cfg.From,
	}
}

// Name implements Executor.
func (e *NotificationExecutor) Name() string { return "send-notification" }

// Execute expands the to, subject, and message parameters as templates
// against the instance variables and emits the notification.
func (e *NotificationExecutor) Execute(_ context.Context, params map[string]any, vars map[string]any) (map[string]any, error) {
	to := e.expand(params, "to", vars)
	subject := e.expand(params, "subject", vars)
	message := e.expand(params, "message", vars)

	e.logger.Info("notification sent",
		zap.String("from", e.from),
		zap.String("to", to),
		zap.String("subject", subject),
		zap.String("message", message),
	)

	return map[string]any{
		"notification_sent_at": time.Now().UTC().Format(time.RFC3339),
		"notification_to":      to,
	}, nil
}

func (e *NotificationExecutor) expand(params map[string]any, key string, vars map[string]any) string {
	raw, _ := params[key].(string)
	if raw == "" {
		return ""
	}
	return e.evaluator.ParseTemplate(raw, vars)
}
