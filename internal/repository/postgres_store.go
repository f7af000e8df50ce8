package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"workflow-orchestrator/pkg/models"
)

// PostgresStore is a PostgreSQL implementation of the Repository interface.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func notFound(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.db.Close()
}

const workflowColumns = "id, tenant_id, owner_id, name, description, steps, is_active, schedule, created_at, updated_at"

func scanWorkflow(row rowScanner) (*models.Workflow, error) {
	var wf models.Workflow
	var steps, schedule []byte
	if err := row.Scan(&wf.ID, &wf.TenantID, &wf.OwnerID, &wf.Name, &wf.Description, &steps, &wf.IsActive, &schedule, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(steps, &wf.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode steps for workflow %s: %w", wf.ID, err)
	}
	if schedule != nil {
		wf.Schedule = &models.ScheduleConfig{}
		if err := json.Unmarshal(schedule, wf.Schedule); err != nil {
			return nil, fmt.Errorf("failed to decode schedule for workflow %s: %w", wf.ID, err)
		}
	}
	return &wf, nil
}

func encodeWorkflow(wf *models.Workflow) (steps, schedule []byte, err error) {
	if steps, err = json.Marshal(wf.Steps); err != nil {
		return nil, nil, err
	}
	if wf.Schedule != nil {
		if schedule, err = json.Marshal(wf.Schedule); err != nil {
			return nil, nil, err
		}
	}
	return steps, schedule, nil
}

// CreateWorkflow saves a workflow, assigning an id when it has none.
func (s *PostgresStore) CreateWorkflow(ctx context.Context, workflow *models.Workflow) error {
	if workflow.ID == "" {
		workflow.ID = uuid.NewString()
	}
	workflow.Normalize(time.Now().UTC())

	steps, schedule, err := encodeWorkflow(workflow)
	if err != nil {
		return fmt.Errorf("failed to encode workflow: %w", err)
	}

	_, err = s.db.Exec(ctx,
		"INSERT INTO workflows ("+workflowColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)",
		workflow.ID, workflow.TenantID, workflow.OwnerID, workflow.Name, workflow.Description,
		steps, workflow.IsActive, schedule, workflow.CreatedAt, workflow.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("workflow %s: %w", workflow.ID, ErrConflict)
	}
	return err
}

// GetWorkflowByID retrieves a workflow by its ID.
func (s *PostgresStore) GetWorkflowByID(ctx context.Context, id string) (*models.Workflow, error) {
	wf, err := scanWorkflow(s.db.QueryRow(ctx, "SELECT "+workflowColumns+" FROM workflows WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err, "workflow", id)
	}
	return wf, nil
}

// ListWorkflows returns workflows newest first.
func (s *PostgresStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*models.Workflow, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+workflowColumns+" FROM workflows "+
			"WHERE ($1 = '' OR tenant_id = $1) AND ($2 = '' OR owner_id = $2) AND (NOT $3 OR is_active) "+
			"ORDER BY created_at DESC LIMIT $4",
		filter.TenantID, filter.OwnerID, filter.ActiveOnly, limitOrDefault(filter.Limit))
	if err != nil {
		return nil, err
	}
	return collectWorkflows(rows)
}

// UpdateWorkflow applies a partial update and returns the stored result.
func (s *PostgresStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) (*models.Workflow, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	wf, err := scanWorkflow(tx.QueryRow(ctx, "SELECT "+workflowColumns+" FROM workflows WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, notFound(err, "workflow", id)
	}
	update.Apply(wf, time.Now().UTC())

	steps, schedule, err := encodeWorkflow(wf)
	if err != nil {
		return nil, fmt.Errorf("failed to encode workflow: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"UPDATE workflows SET name = $2, description = $3, steps = $4, is_active = $5, schedule = $6, updated_at = $7 WHERE id = $1",
		wf.ID, wf.Name, wf.Description, steps, wf.IsActive, schedule, wf.UpdatedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return wf, nil
}

// GetScheduledWorkflows returns active workflows with an enabled schedule.
func (s *PostgresStore) GetScheduledWorkflows(ctx context.Context) ([]*models.Workflow, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+workflowColumns+" FROM workflows "+
			"WHERE is_active AND schedule IS NOT NULL AND COALESCE((schedule->>'enabled')::boolean, FALSE) "+
			"ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	return collectWorkflows(rows)
}

// DeleteWorkflow removes a workflow.
func (s *PostgresStore) DeleteWorkflow(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, "DELETE FROM workflows WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	return nil
}

func collectWorkflows(rows pgx.Rows) ([]*models.Workflow, error) {
	defer rows.Close()
	var workflows []*models.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// RecordRunStart creates a running run and returns its id.
func (s *PostgresStore) RecordRunStart(ctx context.Context, workflowID, tenantID string, runContext map[string]interface{}) (string, error) {
	data, err := marshalJSON(runContext)
	if err != nil {
		return "", fmt.Errorf("failed to encode run context: %w", err)
	}
	id := uuid.NewString()
	_, err = s.db.Exec(ctx,
		"INSERT INTO workflow_runs (id, workflow_id, tenant_id, status, context, started_at) VALUES ($1, $2, $3, $4, $5, $6)",
		id, workflowID, tenantID, string(models.RunStatusRunning), data, time.Now().UTC())
	if err != nil {
		return "", err
	}
	return id, nil
}

// RecordRunEnd finalizes a run. The update only touches runs that have not ended.
func (s *PostgresStore) RecordRunEnd(ctx context.Context, runID string, status models.RunStatus, result map[string]interface{}, errMsg string) error {
	data, err := marshalJSON(result)
	if err != nil {
		return fmt.Errorf("failed to encode run result: %w", err)
	}
	tag, err := s.db.Exec(ctx,
		"UPDATE workflow_runs SET status = $2, result = $3, error = $4, ended_at = $5 WHERE id = $1 AND ended_at IS NULL",
		runID, string(status), data, errMsg, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s missing or already ended: %w", runID, ErrConflict)
	}
	return nil
}

// RecordStepEvent appends an event to a run's log.
func (s *PostgresStore) RecordStepEvent(ctx context.Context, runID, workflowID, stepID, eventType string, payload map[string]interface{}) error {
	var data []byte
	if payload != nil {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("failed to encode event payload: %w", err)
		}
	}
	_, err := s.db.Exec(ctx,
		"INSERT INTO workflow_events (id, run_id, workflow_id, step_id, event_type, payload, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)",
		uuid.NewString(), runID, workflowID, stepID, eventType, data, time.Now().UTC())
	return err
}

const runColumns = "id, workflow_id, tenant_id, status, context, result, error, started_at, ended_at"

func scanRun(row rowScanner) (*models.WorkflowRun, error) {
	var run models.WorkflowRun
	var status string
	var runCtx, result []byte
	if err := row.Scan(&run.ID, &run.WorkflowID, &run.TenantID, &status, &runCtx, &result, &run.Error, &run.StartedAt, &run.EndedAt); err != nil {
		return nil, err
	}
	run.Status = models.RunStatus(status)
	if err := json.Unmarshal(runCtx, &run.Context); err != nil {
		return nil, fmt.Errorf("failed to decode run context: %w", err)
	}
	if err := json.Unmarshal(result, &run.Result); err != nil {
		return nil, fmt.Errorf("failed to decode run result: %w", err)
	}
	return &run, nil
}

// GetRun retrieves a run by its ID.
func (s *PostgresStore) GetRun(ctx context.Context, id string) (*models.WorkflowRun, error) {
	run, err := scanRun(s.db.QueryRow(ctx, "SELECT "+runColumns+" FROM workflow_runs WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err, "run", id)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *PostgresStore) ListRuns(ctx context.Context, workflowID string, limit int) ([]*models.WorkflowRun, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+runColumns+" FROM workflow_runs WHERE ($1 = '' OR workflow_id = $1) ORDER BY started_at DESC LIMIT $2",
		workflowID, limitOrDefault(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListEvents returns a run's events in creation order.
func (s *PostgresStore) ListEvents(ctx context.Context, runID string) ([]*models.StepEvent, error) {
	rows, err := s.db.Query(ctx,
		"SELECT id, run_id, workflow_id, step_id, event_type, payload, created_at FROM workflow_events WHERE run_id = $1 ORDER BY seq",
		runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.StepEvent
	for rows.Next() {
		var event models.StepEvent
		var payload []byte
		if err := rows.Scan(&event.ID, &event.RunID, &event.WorkflowID, &event.StepID, &event.EventType, &payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		if payload != nil {
			if err := json.Unmarshal(payload, &event.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode event payload: %w", err)
			}
		}
		events = append(events, &event)
	}
	return events, rows.Err()
}

const actionColumns = "id, action_type, payload, reason, impact_level, status, owner_id, tenant_id, created_at, processed_at, processed_by, rejection_reason"

func scanAction(row rowScanner) (*models.PendingAction, error) {
	var action models.PendingAction
	var payload []byte
	var impact, status string
	if err := row.Scan(&action.ID, &action.ActionType, &payload, &action.Reason, &impact, &status,
		&action.OwnerID, &action.TenantID, &action.CreatedAt, &action.ProcessedAt, &action.ProcessedBy, &action.RejectionReason); err != nil {
		return nil, err
	}
	action.Payload = json.RawMessage(payload)
	action.ImpactLevel = models.ParseImpactLevel(impact)
	action.Status = models.ActionStatus(status)
	return &action, nil
}

// CreatePendingAction saves a new approval queue entry.
func (s *PostgresStore) CreatePendingAction(ctx context.Context, action *models.PendingAction) error {
	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}
	if action.Status == "" {
		action.Status = models.ActionStatusPending
	}
	payload := []byte(action.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := s.db.Exec(ctx,
		"INSERT INTO pending_actions (id, action_type, payload, reason, impact_level, status, owner_id, tenant_id, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		action.ID, action.ActionType, payload, action.Reason, action.ImpactLevel.String(), string(action.Status),
		action.OwnerID, action.TenantID, action.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("action %s: %w", action.ID, ErrConflict)
	}
	return err
}

// GetPendingAction retrieves an approval queue entry by id, whatever its status.
func (s *PostgresStore) GetPendingAction(ctx context.Context, id string) (*models.PendingAction, error) {
	action, err := scanAction(s.db.QueryRow(ctx, "SELECT "+actionColumns+" FROM pending_actions WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err, "action", id)
	}
	return action, nil
}

// ListPendingActions returns pending actions newest first.
func (s *PostgresStore) ListPendingActions(ctx context.Context, tenantID string, limit int) ([]*models.PendingAction, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+actionColumns+" FROM pending_actions WHERE status = 'pending' AND ($1 = '' OR tenant_id = $1) ORDER BY created_at DESC LIMIT $2",
		tenantID, limitOrDefault(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []*models.PendingAction
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}
	return actions, rows.Err()
}

// TransitionPendingAction moves a pending action to its final status with a
// single conditional UPDATE.
func (s *PostgresStore) TransitionPendingAction(ctx context.Context, id string, to models.ActionStatus, processedBy, reason string, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx,
		"UPDATE pending_actions SET status = $2, processed_by = $3, rejection_reason = $4, processed_at = $5 WHERE id = $1 AND status = 'pending'",
		id, string(to), processedBy, reason, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CountActions counts queue entries per status.
func (s *PostgresStore) CountActions(ctx context.Context, tenantID string) (models.ApprovalStats, error) {
	var stats models.ApprovalStats
	err := s.db.QueryRow(ctx,
		"SELECT "+
			"COUNT(*) FILTER (WHERE status = 'pending'), "+
			"COUNT(*) FILTER (WHERE status = 'approved'), "+
			"COUNT(*) FILTER (WHERE status = 'rejected') "+
			"FROM pending_actions WHERE ($1 = '' OR tenant_id = $1)",
		tenantID).Scan(&stats.Pending, &stats.Approved, &stats.Rejected)
	return stats, err
}

const recoveryColumns = "id, workflow_id, run_id, step_id, error_type, error_message, attempt, status, escalated, created_at, claimed_at, resolved_at"

func scanRecovery(row rowScanner) (*models.RecoveryEvent, error) {
	var event models.RecoveryEvent
	var status string
	if err := row.Scan(&event.ID, &event.WorkflowID, &event.RunID, &event.StepID, &event.ErrorType, &event.ErrorMessage,
		&event.Attempt, &status, &event.Escalated, &event.CreatedAt, &event.ClaimedAt, &event.ResolvedAt); err != nil {
		return nil, err
	}
	event.Status = models.RecoveryStatus(status)
	return &event, nil
}

// CreateRecoveryEvent saves a new recovery event.
func (s *PostgresStore) CreateRecoveryEvent(ctx context.Context, event *models.RecoveryEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx,
		"INSERT INTO recovery_events ("+recoveryColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)",
		event.ID, event.WorkflowID, event.RunID, event.StepID, event.ErrorType, event.ErrorMessage,
		event.Attempt, string(event.Status), event.Escalated, event.CreatedAt, event.ClaimedAt, event.ResolvedAt)
	return err
}

// GetRecoveryEvent retrieves a recovery event by id.
func (s *PostgresStore) GetRecoveryEvent(ctx context.Context, id string) (*models.RecoveryEvent, error) {
	event, err := scanRecovery(s.db.QueryRow(ctx, "SELECT "+recoveryColumns+" FROM recovery_events WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err, "recovery event", id)
	}
	return event, nil
}

// UpdateRecoveryEvent replaces a stored recovery event.
func (s *PostgresStore) UpdateRecoveryEvent(ctx context.Context, event *models.RecoveryEvent) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE recovery_events SET attempt = $2, status = $3, escalated = $4, error_type = $5, error_message = $6, claimed_at = $7, resolved_at = $8 WHERE id = $1",
		event.ID, event.Attempt, string(event.Status), event.Escalated, event.ErrorType, event.ErrorMessage, event.ClaimedAt, event.ResolvedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("recovery event %s: %w", event.ID, ErrNotFound)
	}
	return nil
}

// ClaimRecoveryEvent moves an active pending event, or one whose claim went
// stale, to retrying.
func (s *PostgresStore) ClaimRecoveryEvent(ctx context.Context, id string, now, staleBefore time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx,
		"UPDATE recovery_events SET status = 'retrying', claimed_at = $2 "+
			"WHERE id = $1 AND resolved_at IS NULL "+
			"AND (status = 'pending' OR (status = 'retrying' AND (claimed_at IS NULL OR claimed_at < $3)))",
		id, now, staleBefore)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListActiveRecoveryEvents returns unresolved events oldest first.
func (s *PostgresStore) ListActiveRecoveryEvents(ctx context.Context, limit int) ([]*models.RecoveryEvent, error) {
	return s.listRecovery(ctx,
		"SELECT "+recoveryColumns+" FROM recovery_events WHERE resolved_at IS NULL ORDER BY created_at LIMIT $1", limit)
}

// ListRecoveryHistory returns resolved events newest first.
func (s *PostgresStore) ListRecoveryHistory(ctx context.Context, limit int) ([]*models.RecoveryEvent, error) {
	return s.listRecovery(ctx,
		"SELECT "+recoveryColumns+" FROM recovery_events WHERE resolved_at IS NOT NULL ORDER BY resolved_at DESC LIMIT $1", limit)
}

func (s *PostgresStore) listRecovery(ctx context.Context, query string, limit int) ([]*models.RecoveryEvent, error) {
	rows, err := s.db.Query(ctx, query, limitOrDefault(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.RecoveryEvent
	for rows.Next() {
		event, err := scanRecovery(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// GetTenantByDomain looks a tenant up by its domain.
func (s *PostgresStore) GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	var tenant models.Tenant
	err := s.db.QueryRow(ctx,
		"SELECT id, name, COALESCE(domain, ''), created_at, updated_at FROM tenants WHERE domain = $1", domain).
		Scan(&tenant.ID, &tenant.Name, &tenant.Domain, &tenant.CreatedAt, &tenant.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "tenant", domain)
	}
	return &tenant, nil
}

// CreateTenant saves a new tenant.
func (s *PostgresStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	if tenant.ID == "" {
		tenant.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	tenant.CreatedAt, tenant.UpdatedAt = now, now
	_, err := s.db.Exec(ctx,
		"INSERT INTO tenants (id, name, domain, created_at, updated_at) VALUES ($1, $2, NULLIF($3, ''), $4, $5)",
		tenant.ID, tenant.Name, tenant.Domain, tenant.CreatedAt, tenant.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("tenant %s: %w", tenant.Domain, ErrConflict)
	}
	return err
}
