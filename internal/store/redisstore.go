package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/loomworks/gantry/model"
)

// Key layout. Entities are JSON values; index sets let us enumerate per
// tenant or per instance without scanning the keyspace.
const (
	keyDefinition    = "gantry:def:%s:%s:%d"    // tenant, id, version
	keyDefVersions   = "gantry:defversions:%s:%s" // tenant, id -> zset of versions
	keyDefIndex      = "gantry:defs:%s"         // tenant -> set of definition ids
	keyInstance      = "gantry:inst:%s"         // instance id
	keyInstanceIndex = "gantry:insts:%s"        // tenant -> set of instance ids
	keyTokens        = "gantry:tokens:%s"       // instance id -> hash of token id to JSON
	keyTask          = "gantry:task:%s"         // task id
	keyTaskIndex     = "gantry:tasks:%s"        // tenant -> set of task ids
	keyInstTasks     = "gantry:insttasks:%s"    // instance id -> set of task ids
	keyPendingTasks  = "gantry:tasks:pending"   // set of pending task ids, all tenants
	keyLogs          = "gantry:logs:%s"         // instance id -> list of JSON entries
)

// RedisStore is a Redis-backed Store. Entities are stored as JSON values
// with set-based secondary indexes.
type RedisStore struct {
	client *redis.Client
}

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// SaveDefinition persists a definition version. SETNX keeps stored
// definitions immutable.
func (s *RedisStore) SaveDefinition(ctx context.Context, def model.WorkflowDefinition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}

	key := fmt.Sprintf(keyDefinition, def.TenantID, def.ID, def.Version)
	set, err := s.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return fmt.Errorf("set definition: %w", err)
	}
	if !set {
		return model.NewConflictError(
			fmt.Sprintf("definition %q version %d already exists", def.ID, def.Version),
		)
	}

	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, fmt.Sprintf(keyDefVersions, def.TenantID, def.ID),
		&redis.Z{Score: float64(def.Version), Member: def.Version})
	pipe.SAdd(ctx, fmt.Sprintf(keyDefIndex, def.TenantID), def.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index definition: %w", err)
	}
	return nil
}

// GetDefinition retrieves the newest version of a definition.
func (s *RedisStore) GetDefinition(ctx context.Context, tenantID, definitionID string) (model.WorkflowDefinition, error) {
	versions, err := s.client.ZRevRange(ctx, fmt.Sprintf(keyDefVersions, tenantID, definitionID), 0, 0).Result()
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("query definition versions: %w", err)
	}
	if len(versions) == 0 {
		return model.WorkflowDefinition{}, model.NewNotFoundError(
			fmt.Sprintf("workflow definition %q not found", definitionID),
		)
	}

	key := fmt.Sprintf("gantry:def:%s:%s:%s", tenantID, definitionID, versions[0])
	return getJSON[model.WorkflowDefinition](ctx, s.client, key,
		fmt.Sprintf("workflow definition %q not found", definitionID))
}

// ListDefinitions returns the newest version of every definition for a tenant.
func (s *RedisStore) ListDefinitions(ctx context.Context, tenantID string) ([]model.WorkflowDefinition, error) {
	ids, err := s.client.SMembers(ctx, fmt.Sprintf(keyDefIndex, tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("query definition index: %w", err)
	}

	var defs []model.WorkflowDefinition
	for _, id := range ids {
		def, err := s.GetDefinition(ctx, tenantID, id)
		if err != nil {
			if model.IsCode(err, model.ErrNotFound) {
				continue
			}
			return nil, err
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool {
		return defs[i].CreatedAt.After(defs[j].CreatedAt)
	})
	return defs, nil
}

// CreateInstance persists a new workflow instance.
func (s *RedisStore) CreateInstance(ctx context.Context, inst model.WorkflowInstance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}

	set, err := s.client.SetNX(ctx, fmt.Sprintf(keyInstance, inst.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("set instance: %w", err)
	}
	if !set {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q already exists", inst.ID),
		)
	}
	if err := s.client.SAdd(ctx, fmt.Sprintf(keyInstanceIndex, inst.TenantID), inst.ID).Err(); err != nil {
		return fmt.Errorf("index instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by ID, scoped to tenant.
func (s *RedisStore) GetInstance(ctx context.Context, tenantID, instanceID string) (model.WorkflowInstance, error) {
	notFound := fmt.Sprintf("workflow instance %q not found", instanceID)
	inst, err := getJSON[model.WorkflowInstance](ctx, s.client, fmt.Sprintf(keyInstance, instanceID), notFound)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if inst.TenantID != tenantID {
		return model.WorkflowInstance{}, model.NewNotFoundError(notFound)
	}
	return inst, nil
}

// UpdateInstance persists an updated instance with optimistic locking, using
// WATCH to detect a concurrent write between read and set.
func (s *RedisStore) UpdateInstance(ctx context.Context, inst model.WorkflowInstance) error {
	key := fmt.Sprintf(keyInstance, inst.ID)

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return model.NewNotFoundError(
				fmt.Sprintf("workflow instance %q not found", inst.ID),
			)
		}
		if err != nil {
			return fmt.Errorf("get instance: %w", err)
		}

		var current model.WorkflowInstance
		if err := json.Unmarshal(data, &current); err != nil {
			return fmt.Errorf("unmarshal instance: %w", err)
		}
		if current.Version != inst.Version {
			return model.NewConflictError(
				fmt.Sprintf("workflow instance %q version conflict (expected %d, got %d)",
					inst.ID, inst.Version, current.Version),
			)
		}

		inst.Version++
		inst.UpdatedAt = time.Now().UTC()
		updated, err := json.Marshal(inst)
		if err != nil {
			return fmt.Errorf("marshal instance: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txn, key)
	if errors.Is(err, redis.TxFailedErr) {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q was modified concurrently", inst.ID),
		)
	}
	return err
}

// ListInstances returns a filtered page of instances for a tenant.
func (s *RedisStore) ListInstances(ctx context.Context, tenantID string, filters InstanceFilters) ([]model.WorkflowInstance, int, error) {
	ids, err := s.client.SMembers(ctx, fmt.Sprintf(keyInstanceIndex, tenantID)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("query instance index: %w", err)
	}

	var result []model.WorkflowInstance
	for _, id := range ids {
		inst, err := s.GetInstance(ctx, tenantID, id)
		if err != nil {
			if model.IsCode(err, model.ErrNotFound) {
				continue
			}
			return nil, 0, err
		}
		if filters.WorkflowID != "" && inst.WorkflowID != filters.WorkflowID {
			continue
		}
		if filters.Status != "" && inst.Status != filters.Status {
			continue
		}
		if filters.Initiator != "" && inst.Initiator != filters.Initiator {
			continue
		}
		result = append(result, inst)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	total := len(result)
	return paginate(result, filters.Offset, filters.Limit), total, nil
}

// CreateToken persists a new execution token in the instance's token hash.
func (s *RedisStore) CreateToken(ctx context.Context, tok model.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	if err := s.client.HSet(ctx, fmt.Sprintf(keyTokens, tok.InstanceID), tok.ID, data).Err(); err != nil {
		return fmt.Errorf("set token: %w", err)
	}
	return nil
}

// UpdateToken persists an updated token.
func (s *RedisStore) UpdateToken(ctx context.Context, tok model.Token) error {
	key := fmt.Sprintf(keyTokens, tok.InstanceID)
	exists, err := s.client.HExists(ctx, key, tok.ID).Result()
	if err != nil {
		return fmt.Errorf("check token: %w", err)
	}
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("token %q not found", tok.ID))
	}

	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	if err := s.client.HSet(ctx, key, tok.ID, data).Err(); err != nil {
		return fmt.Errorf("set token: %w", err)
	}
	return nil
}

// ListTokens returns all tokens for an instance, oldest first.
func (s *RedisStore) ListTokens(ctx context.Context, instanceID string) ([]model.Token, error) {
	values, err := s.client.HVals(ctx, fmt.Sprintf(keyTokens, instanceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}

	tokens := make([]model.Token, 0, len(values))
	for _, raw := range values {
		var tok model.Token
		if err := json.Unmarshal([]byte(raw), &tok); err != nil {
			return nil, fmt.Errorf("unmarshal token: %w", err)
		}
		tokens = append(tokens, tok)
	}
	sort.Slice(tokens, func(i, j int) bool {
		return tokens[i].CreatedAt.Before(tokens[j].CreatedAt)
	})
	return tokens, nil
}

// CreateTask persists a new task instance.
func (s *RedisStore) CreateTask(ctx context.Context, task model.TaskInstance) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	set, err := s.client.SetNX(ctx, fmt.Sprintf(keyTask, task.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("set task: %w", err)
	}
	if !set {
		return model.NewConflictError(fmt.Sprintf("task %q already exists", task.ID))
	}

	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, fmt.Sprintf(keyTaskIndex, task.TenantID), task.ID)
	pipe.SAdd(ctx, fmt.Sprintf(keyInstTasks, task.InstanceID), task.ID)
	if task.Status == model.TaskStatusPending {
		pipe.SAdd(ctx, keyPendingTasks, task.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID, scoped to tenant.
func (s *RedisStore) GetTask(ctx context.Context, tenantID, taskID string) (model.TaskInstance, error) {
	notFound := fmt.Sprintf("task %q not found", taskID)
	task, err := getJSON[model.TaskInstance](ctx, s.client, fmt.Sprintf(keyTask, taskID), notFound)
	if err != nil {
		return model.TaskInstance{}, err
	}
	if task.TenantID != tenantID {
		return model.TaskInstance{}, model.NewNotFoundError(notFound)
	}
	return task, nil
}

// UpdateTask persists an updated task and keeps the pending index current.
func (s *RedisStore) UpdateTask(ctx context.Context, task model.TaskInstance) error {
	key := fmt.Sprintf(keyTask, task.ID)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("check task: %w", err)
	}
	if exists == 0 {
		return model.NewNotFoundError(fmt.Sprintf("task %q not found", task.ID))
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, key, data, 0)
	if task.Status == model.TaskStatusPending {
		pipe.SAdd(ctx, keyPendingTasks, task.ID)
	} else {
		pipe.SRem(ctx, keyPendingTasks, task.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set task: %w", err)
	}
	return nil
}

// ListTasks returns a filtered page of tasks for a tenant, newest first.
func (s *RedisStore) ListTasks(ctx context.Context, tenantID string, filters TaskFilters) ([]model.TaskInstance, int, error) {
	ids, err := s.client.SMembers(ctx, fmt.Sprintf(keyTaskIndex, tenantID)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("query task index: %w", err)
	}

	var result []model.TaskInstance
	for _, id := range ids {
		task, err := s.GetTask(ctx, tenantID, id)
		if err != nil {
			if model.IsCode(err, model.ErrNotFound) {
				continue
			}
			return nil, 0, err
		}
		if filters.Assignee != "" && task.Assignee != filters.Assignee {
			continue
		}
		if filters.Status != "" && task.Status != filters.Status {
			continue
		}
		if filters.InstanceID != "" && task.InstanceID != filters.InstanceID {
			continue
		}
		result = append(result, task)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	total := len(result)
	return paginate(result, filters.Offset, filters.Limit), total, nil
}

// ListTasksByInstance returns all tasks belonging to an instance, oldest first.
func (s *RedisStore) ListTasksByInstance(ctx context.Context, instanceID string) ([]model.TaskInstance, error) {
	ids, err := s.client.SMembers(ctx, fmt.Sprintf(keyInstTasks, instanceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("query instance task index: %w", err)
	}

	var result []model.TaskInstance
	for _, id := range ids {
		task, err := getJSON[model.TaskInstance](ctx, s.client, fmt.Sprintf(keyTask, id),
			fmt.Sprintf("task %q not found", id))
		if err != nil {
			if model.IsCode(err, model.ErrNotFound) {
				continue
			}
			return nil, err
		}
		result = append(result, task)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// ListOverdueTasks returns pending tasks past their due date, scanning only
// the pending-task index.
func (s *RedisStore) ListOverdueTasks(ctx context.Context, cutoff time.Time) ([]model.TaskInstance, error) {
	ids, err := s.client.SMembers(ctx, keyPendingTasks).Result()
	if err != nil {
		return nil, fmt.Errorf("query pending task index: %w", err)
	}

	var result []model.TaskInstance
	for _, id := range ids {
		task, err := getJSON[model.TaskInstance](ctx, s.client, fmt.Sprintf(keyTask, id),
			fmt.Sprintf("task %q not found", id))
		if err != nil {
			if model.IsCode(err, model.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if task.Status != model.TaskStatusPending {
			continue
		}
		if task.DueDate == nil || !task.DueDate.Before(cutoff) {
			continue
		}
		result = append(result, task)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DueDate.Before(*result[j].DueDate)
	})
	return result, nil
}

// AppendLog adds an entry to an instance's audit trail.
func (s *RedisStore) AppendLog(ctx context.Context, entry model.WorkflowLog) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	if err := s.client.RPush(ctx, fmt.Sprintf(keyLogs, entry.InstanceID), data).Err(); err != nil {
		return fmt.Errorf("push log entry: %w", err)
	}
	return nil
}

// ListLogs returns up to limit audit entries for an instance, newest first.
func (s *RedisStore) ListLogs(ctx context.Context, instanceID string, limit int) ([]model.WorkflowLog, error) {
	raw, err := s.client.LRange(ctx, fmt.Sprintf(keyLogs, instanceID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}

	entries := make([]model.WorkflowLog, 0, len(raw))
	// Stored oldest first; walk backwards to return newest first.
	for i := len(raw) - 1; i >= 0; i-- {
		var entry model.WorkflowLog
		if err := json.Unmarshal([]byte(raw[i]), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal log entry: %w", err)
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	return entries, nil
}

// HealthCheck implements the readiness probe.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func getJSON[T any](ctx context.Context, client *redis.Client, key, notFound string) (T, error) {
	var zero T
	data, err := client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, model.NewNotFoundError(notFound)
	}
	if err != nil {
		return zero, fmt.Errorf("get %s: %w", key, err)
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return out, nil
}
