package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomworks/gantry/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// SaveDefinition inserts a definition version. The primary key on
// (tenant_id, id, version) keeps stored definitions immutable.
func (s *PgStore) SaveDefinition(ctx context.Context, def model.WorkflowDefinition) error {
	nodesJSON, err := json.Marshal(def.Nodes)
	if err != nil {
		return fmt.Errorf("marshal nodes: %w", err)
	}
	edgesJSON, err := json.Marshal(def.Edges)
	if err != nil {
		return fmt.Errorf("marshal edges: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_definitions (
			id, tenant_id, name, status, nodes, edges, version, checksum, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, id, version) DO NOTHING`,
		def.ID, def.TenantID, def.Name, def.Status, nodesJSON, edgesJSON,
		def.Version, def.Checksum, def.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow definition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("definition %q version %d already exists", def.ID, def.Version),
		)
	}
	return nil
}

// GetDefinition retrieves the newest version of a definition.
func (s *PgStore) GetDefinition(ctx context.Context, tenantID, definitionID string) (model.WorkflowDefinition, error) {
	var def model.WorkflowDefinition
	var nodesJSON, edgesJSON []byte

	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, status, nodes, edges, version, checksum, created_at
		FROM workflow_definitions
		WHERE id = $1 AND tenant_id = $2
		ORDER BY version DESC
		LIMIT 1`,
		definitionID, tenantID,
	).Scan(
		&def.ID, &def.TenantID, &def.Name, &def.Status, &nodesJSON, &edgesJSON,
		&def.Version, &def.Checksum, &def.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowDefinition{}, model.NewNotFoundError(
			fmt.Sprintf("workflow definition %q not found", definitionID),
		)
	}
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("query workflow definition: %w", err)
	}

	if err := json.Unmarshal(nodesJSON, &def.Nodes); err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("unmarshal nodes: %w", err)
	}
	if err := json.Unmarshal(edgesJSON, &def.Edges); err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("unmarshal edges: %w", err)
	}
	return def, nil
}

// ListDefinitions returns the newest version of every definition for a tenant.
func (s *PgStore) ListDefinitions(ctx context.Context, tenantID string) ([]model.WorkflowDefinition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (id)
		       id, tenant_id, name, status, nodes, edges, version, checksum, created_at
		FROM workflow_definitions
		WHERE tenant_id = $1
		ORDER BY id, version DESC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow definitions: %w", err)
	}
	defer rows.Close()

	var defs []model.WorkflowDefinition
	for rows.Next() {
		var def model.WorkflowDefinition
		var nodesJSON, edgesJSON []byte
		if err := rows.Scan(
			&def.ID, &def.TenantID, &def.Name, &def.Status, &nodesJSON, &edgesJSON,
			&def.Version, &def.Checksum, &def.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan workflow definition: %w", err)
		}
		_ = json.Unmarshal(nodesJSON, &def.Nodes)
		_ = json.Unmarshal(edgesJSON, &def.Edges)
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// CreateInstance inserts a new workflow instance.
func (s *PgStore) CreateInstance(ctx context.Context, inst model.WorkflowInstance) error {
	varsJSON, err := json.Marshal(inst.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	nodesJSON, err := json.Marshal(inst.CurrentNodeIDs)
	if err != nil {
		return fmt.Errorf("marshal current nodes: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_instances (
			id, workflow_id, tenant_id, status, variables, current_node_ids,
			initiator, error_message, version, created_at, updated_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		inst.ID, inst.WorkflowID, inst.TenantID, inst.Status, varsJSON, nodesJSON,
		inst.Initiator, inst.ErrorMessage, inst.Version,
		inst.CreatedAt, inst.UpdatedAt, inst.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by ID, scoped to tenant.
func (s *PgStore) GetInstance(ctx context.Context, tenantID, instanceID string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, workflow_id, tenant_id, status, variables, current_node_ids,
		       initiator, error_message, version, created_at, updated_at, completed_at
		FROM workflow_instances
		WHERE id = $1 AND tenant_id = $2`,
		instanceID, tenantID,
	)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

// UpdateInstance persists an updated instance with optimistic locking.
func (s *PgStore) UpdateInstance(ctx context.Context, inst model.WorkflowInstance) error {
	varsJSON, err := json.Marshal(inst.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	nodesJSON, err := json.Marshal(inst.CurrentNodeIDs)
	if err != nil {
		return fmt.Errorf("marshal current nodes: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_instances SET
			status = $1,
			variables = $2,
			current_node_ids = $3,
			error_message = $4,
			version = $5,
			updated_at = $6,
			completed_at = $7
		WHERE id = $8 AND version = $9`,
		inst.Status, varsJSON, nodesJSON, inst.ErrorMessage, inst.Version+1,
		time.Now().UTC(), inst.CompletedAt,
		inst.ID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d)", inst.ID, inst.Version),
		)
	}
	return nil
}

// ListInstances returns a filtered page of instances for a tenant.
func (s *PgStore) ListInstances(ctx context.Context, tenantID string, filters InstanceFilters) ([]model.WorkflowInstance, int, error) {
	where := "WHERE tenant_id = $1"
	args := []any{tenantID}
	argIdx := 2

	if filters.WorkflowID != "" {
		where += fmt.Sprintf(" AND workflow_id = $%d", argIdx)
		args = append(args, filters.WorkflowID)
		argIdx++
	}
	if filters.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}
	if filters.Initiator != "" {
		where += fmt.Sprintf(" AND initiator = $%d", argIdx)
		args = append(args, filters.Initiator)
		argIdx++
	}

	var total int
	countQuery := "SELECT count(*) FROM workflow_instances " + where
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count workflow instances: %w", err)
	}

	query := `SELECT id, workflow_id, tenant_id, status, variables, current_node_ids,
	                 initiator, error_message, version, created_at, updated_at, completed_at
	          FROM workflow_instances ` + where + " ORDER BY created_at DESC"
	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	var instances []model.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan workflow instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, total, rows.Err()
}

// CreateToken inserts a new execution token.
func (s *PgStore) CreateToken(ctx context.Context, tok model.Token) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_tokens (
			id, instance_id, node_id, parent_token_id, status, created_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tok.ID, tok.InstanceID, tok.NodeID, tok.ParentTokenID, tok.Status,
		tok.CreatedAt, tok.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

// UpdateToken persists an updated token.
func (s *PgStore) UpdateToken(ctx context.Context, tok model.Token) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_tokens SET
			node_id = $1,
			status = $2,
			completed_at = $3
		WHERE id = $4`,
		tok.NodeID, tok.Status, tok.CompletedAt, tok.ID,
	)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("token %q not found", tok.ID))
	}
	return nil
}

// ListTokens returns all tokens for an instance, oldest first.
func (s *PgStore) ListTokens(ctx context.Context, instanceID string) ([]model.Token, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, instance_id, node_id, parent_token_id, status, created_at, completed_at
		FROM workflow_tokens
		WHERE instance_id = $1
		ORDER BY created_at ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	defer rows.Close()

	var tokens []model.Token
	for rows.Next() {
		var tok model.Token
		if err := rows.Scan(
			&tok.ID, &tok.InstanceID, &tok.NodeID, &tok.ParentTokenID,
			&tok.Status, &tok.CreatedAt, &tok.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, tok)
	}
	return tokens, rows.Err()
}

// CreateTask inserts a new task instance.
func (s *PgStore) CreateTask(ctx context.Context, task model.TaskInstance) error {
	formJSON, err := json.Marshal(task.FormData)
	if err != nil {
		return fmt.Errorf("marshal form data: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_tasks (
			id, instance_id, tenant_id, node_id, node_name, node_type, assignee,
			status, form_data, due_date, completed_by, completed_at, comment, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		task.ID, task.InstanceID, task.TenantID, task.NodeID, task.NodeName,
		task.NodeType, task.Assignee, task.Status, formJSON, task.DueDate,
		task.CompletedBy, task.CompletedAt, task.Comment, task.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID, scoped to tenant.
func (s *PgStore) GetTask(ctx context.Context, tenantID, taskID string) (model.TaskInstance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, instance_id, tenant_id, node_id, node_name, node_type, assignee,
		       status, form_data, due_date, completed_by, completed_at, comment, created_at
		FROM workflow_tasks
		WHERE id = $1 AND tenant_id = $2`,
		taskID, tenantID,
	)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TaskInstance{}, model.NewNotFoundError(
			fmt.Sprintf("task %q not found", taskID),
		)
	}
	if err != nil {
		return model.TaskInstance{}, fmt.Errorf("query task: %w", err)
	}
	return task, nil
}

// UpdateTask persists an updated task.
func (s *PgStore) UpdateTask(ctx context.Context, task model.TaskInstance) error {
	formJSON, err := json.Marshal(task.FormData)
	if err != nil {
		return fmt.Errorf("marshal form data: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_tasks SET
			assignee = $1,
			status = $2,
			form_data = $3,
			completed_by = $4,
			completed_at = $5,
			comment = $6
		WHERE id = $7`,
		task.Assignee, task.Status, formJSON,
		task.CompletedBy, task.CompletedAt, task.Comment, task.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("task %q not found", task.ID))
	}
	return nil
}

// ListTasks returns a filtered page of tasks for a tenant, newest first.
func (s *PgStore) ListTasks(ctx context.Context, tenantID string, filters TaskFilters) ([]model.TaskInstance, int, error) {
	where := "WHERE tenant_id = $1"
	args := []any{tenantID}
	argIdx := 2

	if filters.Assignee != "" {
		where += fmt.Sprintf(" AND assignee = $%d", argIdx)
		args = append(args, filters.Assignee)
		argIdx++
	}
	if filters.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}
	if filters.InstanceID != "" {
		where += fmt.Sprintf(" AND instance_id = $%d", argIdx)
		args = append(args, filters.InstanceID)
		argIdx++
	}

	var total int
	countQuery := "SELECT count(*) FROM workflow_tasks " + where
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	query := `SELECT id, instance_id, tenant_id, node_id, node_name, node_type, assignee,
	                 status, form_data, due_date, completed_by, completed_at, comment, created_at
	          FROM workflow_tasks ` + where + " ORDER BY created_at DESC"
	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	return s.queryTasksWithTotal(ctx, query, total, args...)
}

// ListTasksByInstance returns all tasks belonging to an instance, oldest first.
func (s *PgStore) ListTasksByInstance(ctx context.Context, instanceID string) ([]model.TaskInstance, error) {
	tasks, _, err := s.queryTasksWithTotal(ctx, `
		SELECT id, instance_id, tenant_id, node_id, node_name, node_type, assignee,
		       status, form_data, due_date, completed_by, completed_at, comment, created_at
		FROM workflow_tasks
		WHERE instance_id = $1
		ORDER BY created_at ASC`, 0, instanceID)
	return tasks, err
}

// ListOverdueTasks returns pending tasks past their due date.
func (s *PgStore) ListOverdueTasks(ctx context.Context, cutoff time.Time) ([]model.TaskInstance, error) {
	tasks, _, err := s.queryTasksWithTotal(ctx, `
		SELECT id, instance_id, tenant_id, node_id, node_name, node_type, assignee,
		       status, form_data, due_date, completed_by, completed_at, comment, created_at
		FROM workflow_tasks
		WHERE status = 'pending' AND due_date IS NOT NULL AND due_date < $1
		ORDER BY due_date ASC`, 0, cutoff)
	return tasks, err
}

// AppendLog inserts an audit trail entry.
func (s *PgStore) AppendLog(ctx context.Context, entry model.WorkflowLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_logs (
			id, instance_id, tenant_id, level, message, node_id, task_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.InstanceID, entry.TenantID, entry.Level, entry.Message,
		entry.NodeID, entry.TaskID, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert workflow log: %w", err)
	}
	return nil
}

// ListLogs returns up to limit audit entries for an instance, newest first.
func (s *PgStore) ListLogs(ctx context.Context, instanceID string, limit int) ([]model.WorkflowLog, error) {
	query := `
		SELECT id, instance_id, tenant_id, level, message, node_id, task_id, created_at
		FROM workflow_logs
		WHERE instance_id = $1
		ORDER BY created_at DESC`
	args := []any{instanceID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow logs: %w", err)
	}
	defer rows.Close()

	var entries []model.WorkflowLog
	for rows.Next() {
		var entry model.WorkflowLog
		if err := rows.Scan(
			&entry.ID, &entry.InstanceID, &entry.TenantID, &entry.Level,
			&entry.Message, &entry.NodeID, &entry.TaskID, &entry.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan workflow log: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// HealthCheck implements the readiness probe.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgStore) queryTasksWithTotal(ctx context.Context, query string, total int, args ...any) ([]model.TaskInstance, int, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.TaskInstance
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, total, rows.Err()
}

func scanInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var varsJSON, nodesJSON []byte
	err := row.Scan(
		&inst.ID, &inst.WorkflowID, &inst.TenantID, &inst.Status, &varsJSON, &nodesJSON,
		&inst.Initiator, &inst.ErrorMessage, &inst.Version,
		&inst.CreatedAt, &inst.UpdatedAt, &inst.CompletedAt,
	)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if varsJSON != nil {
		_ = json.Unmarshal(varsJSON, &inst.Variables)
	}
	if nodesJSON != nil {
		_ = json.Unmarshal(nodesJSON, &inst.CurrentNodeIDs)
	}
	return inst, nil
}

func scanTask(row pgx.Row) (model.TaskInstance, error) {
	var task model.TaskInstance
	var formJSON []byte
	err := row.Scan(
		&task.ID, &task.InstanceID, &task.TenantID, &task.NodeID, &task.NodeName,
		&task.NodeType, &task.Assignee, &task.Status, &formJSON, &task.DueDate,
		&task.CompletedBy, &task.CompletedAt, &task.Comment, &task.CreatedAt,
	)
	if err != nil {
		return model.TaskInstance{}, err
	}
	if formJSON != nil {
		_ = json.Unmarshal(formJSON, &task.FormData)
	}
	return task, nil
}
