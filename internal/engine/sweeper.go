package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomworks/gantry/internal/observability"
	"github.com/loomworks/gantry/internal/store"
	"github.com/loomworks/gantry/model"
)

// Sweeper periodically scans for pending tasks past their due date, updating
// the overdue gauge and logging each newly observed overdue task. It never
// mutates tasks; escalation policy belongs to the consumer of the metric.
type Sweeper struct {
	store    store.Store
	logger   *zap.Logger
	metrics  *observability.Metrics
	interval time.Duration

	seen map[string]bool
}

// NewSweeper creates a Sweeper. Interval must be positive.
func NewSweeper(s store.Store, logger *zap.Logger, metrics *observability.Metrics, interval time.Duration) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:    s,
		logger:   logger,
		metrics:  metrics,
		interval: interval,
		seen:     make(map[string]bool),
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs a single scan.
func (s *Sweeper) Sweep(ctx context.Context) {
	overdue, err := s.store.ListOverdueTasks(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("overdue task sweep failed", zap.Error(err))
		return
	}

	s.metrics.TasksOverdue.Set(float64(len(overdue)))

	current := make(map[string]bool, len(overdue))
	for _, task := range overdue {
		current[task.ID] = true
		if s.seen[task.ID] {
			continue
		}
		s.logger.Warn("task overdue",
			zap.String("task_id", task.ID),
			zap.String("instance_id", task.InstanceID),
			zap.String("assignee", task.Assignee),
			zap.Timep("due_date", task.DueDate),
		)
		s.logTaskOverdue(ctx, task)
	}
	s.seen = current
}

func (s *Sweeper) logTaskOverdue(ctx context.Context, task model.TaskInstance) {
	entry := model.WorkflowLog{
		ID:         uuid.NewString(),
		InstanceID: task.InstanceID,
		TenantID:   task.TenantID,
		Level:      model.LogLevelInfo,
		Message:    "task " + task.NodeName + " is overdue",
		NodeID:     task.NodeID,
		TaskID:     task.ID,
		Timestamp:  time.Now().UTC(),
	}
	if err := s.store.AppendLog(ctx, entry); err != nil {
		s.logger.Warn("failed to append overdue log",
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
	}
}
