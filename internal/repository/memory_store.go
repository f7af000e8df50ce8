package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"

	"workflow-orchestrator/pkg/models"
)

const (
	tableWorkflows = "workflows"
	tableRuns      = "runs"
	tableEvents    = "events"
	tableActions   = "actions"
	tableRecovery  = "recovery"
	tableTenants   = "tenants"
)

// eventRecord wraps a StepEvent with an insertion sequence so events created
// in the same instant keep their order.
type eventRecord struct {
	ID    string
	RunID string
	Seq   uint64
	Event models.StepEvent
}

func memorySchema() *memdb.DBSchema {
	idIndex := &memdb.IndexSchema{Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}}
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableWorkflows: {Name: tableWorkflows, Indexes: map[string]*memdb.IndexSchema{"id": idIndex}},
			tableRuns: {Name: tableRuns, Indexes: map[string]*memdb.IndexSchema{
				"id":       idIndex,
				"workflow": {Name: "workflow", AllowMissing: true, Indexer: &memdb.StringFieldIndex{Field: "WorkflowID"}},
			}},
			tableEvents: {Name: tableEvents, Indexes: map[string]*memdb.IndexSchema{
				"id":  idIndex,
				"run": {Name: "run", Indexer: &memdb.StringFieldIndex{Field: "RunID"}},
			}},
			tableActions: {Name: tableActions, Indexes: map[string]*memdb.IndexSchema{
				"id":     idIndex,
				"status": {Name: "status", Indexer: &memdb.StringFieldIndex{Field: "Status"}},
			}},
			tableRecovery: {Name: tableRecovery, Indexes: map[string]*memdb.IndexSchema{"id": idIndex}},
			tableTenants: {Name: tableTenants, Indexes: map[string]*memdb.IndexSchema{
				"id":     idIndex,
				"domain": {Name: "domain", Unique: true, AllowMissing: true, Indexer: &memdb.StringFieldIndex{Field: "Domain"}},
			}},
		},
	}
}

// MemoryStore is an in-process implementation of Repository backed by
// go-memdb. Every write happens inside a single memdb write transaction, so
// conditional transitions are atomic. Stored objects are never mutated in
// place; reads and writes go through deep copies.
type MemoryStore struct {
	db  *memdb.MemDB
	seq atomic.Uint64
	now func() time.Time
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() (*MemoryStore, error) {
	db, err := memdb.NewMemDB(memorySchema())
	if err != nil {
		return nil, fmt.Errorf("failed to create memdb: %w", err)
	}
	return &MemoryStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// clone deep-copies a record through its JSON form, the same shape the
// Postgres store round-trips.
func clone[T any](in *T) *T {
	data, err := json.Marshal(in)
	if err != nil {
		panic(fmt.Sprintf("memory store: marshal %T: %v", in, err))
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic(fmt.Sprintf("memory store: unmarshal %T: %v", in, err))
	}
	return out
}

func (s *MemoryStore) first(table, id string) (interface{}, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(table, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	return raw, nil
}

func (s *MemoryStore) all(table string) ([]interface{}, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(table, "id")
	if err != nil {
		return nil, err
	}
	var out []interface{}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, obj)
	}
	return out, nil
}

func (s *MemoryStore) insertNew(table, id string, obj interface{}) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First(table, "id", id)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%s %s: %w", table, id, ErrConflict)
	}
	if err := txn.Insert(table, obj); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() {}

// CreateWorkflow saves a workflow, assigning an id when it has none.
func (s *MemoryStore) CreateWorkflow(ctx context.Context, workflow *models.Workflow) error {
	if workflow.ID == "" {
		workflow.ID = uuid.NewString()
	}
	workflow.Normalize(s.now())
	return s.insertNew(tableWorkflows, workflow.ID, clone(workflow))
}

// GetWorkflowByID retrieves a workflow by its ID.
func (s *MemoryStore) GetWorkflowByID(ctx context.Context, id string) (*models.Workflow, error) {
	raw, err := s.first(tableWorkflows, id)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", id, err)
	}
	return clone(raw.(*models.Workflow)), nil
}

// ListWorkflows returns workflows newest first.
func (s *MemoryStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*models.Workflow, error) {
	objs, err := s.all(tableWorkflows)
	if err != nil {
		return nil, err
	}
	var out []*models.Workflow
	for _, obj := range objs {
		wf := obj.(*models.Workflow)
		if filter.TenantID != "" && wf.TenantID != filter.TenantID {
			continue
		}
		if filter.OwnerID != "" && wf.OwnerID != filter.OwnerID {
			continue
		}
		if filter.ActiveOnly && !wf.IsActive {
			continue
		}
		out = append(out, clone(wf))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit := limitOrDefault(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateWorkflow applies a partial update and returns the stored result.
func (s *MemoryStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) (*models.Workflow, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tableWorkflows, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	wf := clone(raw.(*models.Workflow))
	update.Apply(wf, s.now())
	if err := txn.Insert(tableWorkflows, clone(wf)); err != nil {
		return nil, err
	}
	txn.Commit()
	return wf, nil
}

// DeleteWorkflow removes a workflow.
func (s *MemoryStore) DeleteWorkflow(ctx context.Context, id string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tableWorkflows, "id", id)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if err := txn.Delete(tableWorkflows, raw); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// GetScheduledWorkflows returns active workflows with an enabled schedule.
func (s *MemoryStore) GetScheduledWorkflows(ctx context.Context) ([]*models.Workflow, error) {
	objs, err := s.all(tableWorkflows)
	if err != nil {
		return nil, err
	}
	var out []*models.Workflow
	for _, obj := range objs {
		wf := obj.(*models.Workflow)
		if wf.IsActive && wf.Schedule != nil && wf.Schedule.Enabled {
			out = append(out, clone(wf))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// RecordRunStart creates a running run and returns its id.
func (s *MemoryStore) RecordRunStart(ctx context.Context, workflowID, tenantID string, runContext map[string]interface{}) (string, error) {
	if runContext == nil {
		runContext = map[string]interface{}{}
	}
	run := &models.WorkflowRun{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		TenantID:   tenantID,
		Status:     models.RunStatusRunning,
		StartedAt:  s.now(),
		Context:    runContext,
		Result:     map[string]interface{}{},
	}
	if err := s.insertNew(tableRuns, run.ID, clone(run)); err != nil {
		return "", err
	}
	return run.ID, nil
}

// RecordRunEnd finalizes a run. Runs already in a terminal state are left alone.
func (s *MemoryStore) RecordRunEnd(ctx context.Context, runID string, status models.RunStatus, result map[string]interface{}, errMsg string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tableRuns, "id", runID)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	run := clone(raw.(*models.WorkflowRun))
	if run.EndedAt != nil {
		return fmt.Errorf("run %s already ended as %s: %w", runID, run.Status, ErrConflict)
	}
	ended := s.now()
	run.Status = status
	run.Result = result
	run.Error = errMsg
	run.EndedAt = &ended
	if err := txn.Insert(tableRuns, clone(run)); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// RecordStepEvent appends an event to a run's log.
func (s *MemoryStore) RecordStepEvent(ctx context.Context, runID, workflowID, stepID, eventType string, payload map[string]interface{}) error {
	event := models.StepEvent{
		ID:         uuid.NewString(),
		RunID:      runID,
		WorkflowID: workflowID,
		StepID:     stepID,
		EventType:  eventType,
		Payload:    payload,
		CreatedAt:  s.now(),
	}
	rec := &eventRecord{ID: event.ID, RunID: runID, Seq: s.seq.Add(1), Event: *clone(&event)}
	return s.insertNew(tableEvents, rec.ID, rec)
}

// GetRun retrieves a run by its ID.
func (s *MemoryStore) GetRun(ctx context.Context, id string) (*models.WorkflowRun, error) {
	raw, err := s.first(tableRuns, id)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", id, err)
	}
	return clone(raw.(*models.WorkflowRun)), nil
}

// ListRuns returns runs newest first.
func (s *MemoryStore) ListRuns(ctx context.Context, workflowID string, limit int) ([]*models.WorkflowRun, error) {
	objs, err := s.all(tableRuns)
	if err != nil {
		return nil, err
	}
	var out []*models.WorkflowRun
	for _, obj := range objs {
		run := obj.(*models.WorkflowRun)
		if workflowID != "" && run.WorkflowID != workflowID {
			continue
		}
		out = append(out, clone(run))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if l := limitOrDefault(limit); len(out) > l {
		out = out[:l]
	}
	return out, nil
}

// ListEvents returns a run's events in creation order.
func (s *MemoryStore) ListEvents(ctx context.Context, runID string) ([]*models.StepEvent, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tableEvents, "run", runID)
	if err != nil {
		return nil, err
	}
	var recs []*eventRecord
	for obj := it.Next(); obj != nil; obj = it.Next() {
		recs = append(recs, obj.(*eventRecord))
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })
	out := make([]*models.StepEvent, 0, len(recs))
	for _, rec := range recs {
		out = append(out, clone(&rec.Event))
	}
	return out, nil
}

// CreatePendingAction saves a new approval queue entry.
func (s *MemoryStore) CreatePendingAction(ctx context.Context, action *models.PendingAction) error {
	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = s.now()
	}
	if action.Status == "" {
		action.Status = models.ActionStatusPending
	}
	return s.insertNew(tableActions, action.ID, clone(action))
}

// GetPendingAction retrieves an approval queue entry by id, whatever its status.
func (s *MemoryStore) GetPendingAction(ctx context.Context, id string) (*models.PendingAction, error) {
	raw, err := s.first(tableActions, id)
	if err != nil {
		return nil, fmt.Errorf("action %s: %w", id, err)
	}
	return clone(raw.(*models.PendingAction)), nil
}

// ListPendingActions returns pending actions newest first.
func (s *MemoryStore) ListPendingActions(ctx context.Context, tenantID string, limit int) ([]*models.PendingAction, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tableActions, "status", string(models.ActionStatusPending))
	if err != nil {
		return nil, err
	}
	var out []*models.PendingAction
	for obj := it.Next(); obj != nil; obj = it.Next() {
		action := obj.(*models.PendingAction)
		if tenantID != "" && action.TenantID != tenantID {
			continue
		}
		out = append(out, clone(action))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if l := limitOrDefault(limit); len(out) > l {
		out = out[:l]
	}
	return out, nil
}

// TransitionPendingAction moves a pending action to its final status.
func (s *MemoryStore) TransitionPendingAction(ctx context.Context, id string, to models.ActionStatus, processedBy, reason string, at time.Time) (bool, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tableActions, "id", id)
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	action := clone(raw.(*models.PendingAction))
	if action.Status != models.ActionStatusPending {
		return false, nil
	}
	action.Status = to
	action.ProcessedBy = processedBy
	action.ProcessedAt = &at
	action.RejectionReason = reason
	if err := txn.Insert(tableActions, action); err != nil {
		return false, err
	}
	txn.Commit()
	return true, nil
}

// CountActions counts queue entries per status.
func (s *MemoryStore) CountActions(ctx context.Context, tenantID string) (models.ApprovalStats, error) {
	var stats models.ApprovalStats
	objs, err := s.all(tableActions)
	if err != nil {
		return stats, err
	}
	for _, obj := range objs {
		action := obj.(*models.PendingAction)
		if tenantID != "" && action.TenantID != tenantID {
			continue
		}
		switch action.Status {
		case models.ActionStatusPending:
			stats.Pending++
		case models.ActionStatusApproved:
			stats.Approved++
		case models.ActionStatusRejected:
			stats.Rejected++
		}
	}
	return stats, nil
}

// CreateRecoveryEvent saves a new recovery event.
func (s *MemoryStore) CreateRecoveryEvent(ctx context.Context, event *models.RecoveryEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now()
	}
	return s.insertNew(tableRecovery, event.ID, clone(event))
}

// GetRecoveryEvent retrieves a recovery event by id.
func (s *MemoryStore) GetRecoveryEvent(ctx context.Context, id string) (*models.RecoveryEvent, error) {
	raw, err := s.first(tableRecovery, id)
	if err != nil {
		return nil, fmt.Errorf("recovery event %s: %w", id, err)
	}
	return clone(raw.(*models.RecoveryEvent)), nil
}

// UpdateRecoveryEvent replaces a stored recovery event.
func (s *MemoryStore) UpdateRecoveryEvent(ctx context.Context, event *models.RecoveryEvent) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tableRecovery, "id", event.ID)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("recovery event %s: %w", event.ID, ErrNotFound)
	}
	if err := txn.Insert(tableRecovery, clone(event)); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// ClaimRecoveryEvent moves an active pending event, or one whose claim went
// stale, to retrying.
func (s *MemoryStore) ClaimRecoveryEvent(ctx context.Context, id string, now, staleBefore time.Time) (bool, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tableRecovery, "id", id)
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	event := clone(raw.(*models.RecoveryEvent))
	if !event.Active() || !claimable(event, staleBefore) {
		return false, nil
	}
	event.Status = models.RecoveryStatusRetrying
	event.ClaimedAt = &now
	if err := txn.Insert(tableRecovery, event); err != nil {
		return false, err
	}
	txn.Commit()
	return true, nil
}

func claimable(event *models.RecoveryEvent, staleBefore time.Time) bool {
	switch event.Status {
	case models.RecoveryStatusPending:
		return true
	case models.RecoveryStatusRetrying:
		return event.ClaimedAt == nil || event.ClaimedAt.Before(staleBefore)
	default:
		return false
	}
}

// ListActiveRecoveryEvents returns unresolved events oldest first.
func (s *MemoryStore) ListActiveRecoveryEvents(ctx context.Context, limit int) ([]*models.RecoveryEvent, error) {
	return s.listRecovery(limit, true)
}

// ListRecoveryHistory returns resolved events newest first.
func (s *MemoryStore) ListRecoveryHistory(ctx context.Context, limit int) ([]*models.RecoveryEvent, error) {
	return s.listRecovery(limit, false)
}

func (s *MemoryStore) listRecovery(limit int, active bool) ([]*models.RecoveryEvent, error) {
	objs, err := s.all(tableRecovery)
	if err != nil {
		return nil, err
	}
	var out []*models.RecoveryEvent
	for _, obj := range objs {
		event := obj.(*models.RecoveryEvent)
		if event.Active() == active {
			out = append(out, clone(event))
		}
	}
	if active {
		sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	} else {
		sort.SliceStable(out, func(i, j int) bool { return out[i].ResolvedAt.After(*out[j].ResolvedAt) })
	}
	if l := limitOrDefault(limit); len(out) > l {
		out = out[:l]
	}
	return out, nil
}

// GetTenantByDomain looks a tenant up by its domain.
func (s *MemoryStore) GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tableTenants, "domain", domain)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("tenant %s: %w", domain, ErrNotFound)
	}
	return clone(raw.(*models.Tenant)), nil
}

// CreateTenant saves a new tenant.
func (s *MemoryStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	if tenant.ID == "" {
		tenant.ID = uuid.NewString()
	}
	now := s.now()
	tenant.CreatedAt, tenant.UpdatedAt = now, now
	return s.insertNew(tableTenants, tenant.ID, clone(tenant))
}
