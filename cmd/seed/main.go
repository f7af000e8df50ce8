package main

import (
	"context"
	"flag"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"

	"workflow-orchestrator/internal/approval"
	"workflow-orchestrator/internal/config"
	"workflow-orchestrator/internal/logging"
	"workflow-orchestrator/internal/repository"
	"workflow-orchestrator/internal/runner"
	"workflow-orchestrator/internal/services"
	"workflow-orchestrator/pkg/models"
)

func main() {
	ctx := context.Background()
	logger := logging.NewLogger()

	envFile := flag.String("env", "", "Path to .env file")
	domain := flag.String("domain", "localhost", "Domain of the tenant to seed")
	flag.Parse()

	// Load config
	cfg, err := config.LoadConfig(*envFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to DB
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL())
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pool.Close()

	if err := repository.Migrate(cfg.DatabaseURL()); err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}
	store := repository.NewPostgresStore(pool)

	// 1. Ensure Tenant Exists
	tenant, err := store.GetTenantByDomain(ctx, *domain)
	if err != nil {
		logger.Info("Creating default tenant", "domain", *domain)
		tenant = &models.Tenant{
			Name:   "Local Dev Tenant",
			Domain: *domain,
		}
		if err := store.CreateTenant(ctx, tenant); err != nil {
			log.Fatalf("Failed to create tenant: %v", err)
		}
	} else {
		logger.Info("Found existing tenant", "id", tenant.ID)
	}

	// 2. Check for existing workflows to prevent duplicates
	existingWorkflows, err := store.ListWorkflows(ctx, repository.WorkflowFilter{TenantID: tenant.ID})
	if err != nil {
		log.Fatalf("Failed to list existing workflows: %v", err)
	}

	existingMap := make(map[string]bool)
	for _, w := range existingWorkflows {
		existingMap[w.Name] = true
	}

	// 3. Submit seed workflows; the probe and the digest are critical and land in the approval queue
	svc := services.NewWorkflowService(store, store, approval.NewQueue(store, logger), runner.NewRunner(store, logger), logger)
	for _, wf := range seedWorkflows(tenant.ID) {
		if existingMap[wf.Name] {
			logger.Info("Skipping existing workflow", "name", wf.Name)
			continue
		}

		res, err := svc.SubmitWorkflow(ctx, wf)
		if err != nil {
			log.Printf("Failed to submit workflow %s: %v", wf.Name, err)
			continue
		}
		logger.Info("Seeded workflow", "name", wf.Name, "status", res.Status, "workflow_id", res.WorkflowID, "approval_id", res.ApprovalID)
	}
	logger.Info("Seeding complete!")
}

func seedWorkflows(tenantID string) []*models.Workflow {
	return []*models.Workflow{
		{
			Name:        "Heartbeat",
			Description: "Logs a heartbeat every five minutes.",
			TenantID:    tenantID,
			OwnerID:     "seed-script",
			Schedule:    &models.ScheduleConfig{Enabled: true, IntervalMinutes: 5},
			Steps: []models.WorkflowStep{
				{ID: "beat", Type: models.StepTypeLog, Config: map[string]interface{}{"message": "heartbeat", "level": "info"}},
			},
		},
		{
			Name:        "Health Probe",
			Description: "Checks the local health endpoint and waits before logging.",
			TenantID:    tenantID,
			OwnerID:     "seed-script",
			Schedule:    &models.ScheduleConfig{Enabled: true, CronExpression: "*/15 * * * *"},
			Steps: []models.WorkflowStep{
				{ID: "probe", Type: models.StepTypeHTTPRequest, Config: map[string]interface{}{"url": "http://localhost:8080/health", "method": "GET", "timeout": 5}, NextStepIDs: []string{"pause"}},
				{ID: "pause", Type: models.StepTypeDelay, Config: map[string]interface{}{"seconds": 1}, NextStepIDs: []string{"done"}},
				{ID: "done", Type: models.StepTypeLog, Config: map[string]interface{}{"message": "probe finished"}},
			},
		},
		{
			Name:        "Daily Digest",
			Description: "Records whether a digest was requested, then emails the team.",
			TenantID:    tenantID,
			OwnerID:     "seed-script",
			Steps: []models.WorkflowStep{
				{ID: "gate", Type: models.StepTypeCondition, Config: map[string]interface{}{"field": "context.digest", "equals": true}, NextStepIDs: []string{"mail"}},
				{ID: "mail", Type: models.StepTypeEmail, Config: map[string]interface{}{"to": "team@localhost", "subject": "Daily digest", "body": "Nothing new today."}},
			},
		},
	}
}
