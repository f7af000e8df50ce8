package main

import (
	"context"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5/pgxpool"

	"workflow-orchestrator/internal/approval"
	"workflow-orchestrator/internal/config"
	"workflow-orchestrator/internal/logging"
	"workflow-orchestrator/internal/metrics"
	"workflow-orchestrator/internal/notify"
	"workflow-orchestrator/internal/recovery"
	"workflow-orchestrator/internal/repository"
	"workflow-orchestrator/internal/runner"
	"workflow-orchestrator/internal/scheduler"
	"workflow-orchestrator/internal/services"
)

// app is the wired object graph shared by the subcommands.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	store     repository.Repository
	metrics   *metrics.Collector
	runner    *runner.Runner
	service   *services.WorkflowService
	recovery  *recovery.Engine
	scheduler *scheduler.Scheduler
}

func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	collector := metrics.NewCollector("orchestrator")

	runnerOpts := []runner.Option{
		runner.WithMaxSteps(cfg.Runner.MaxSteps),
		runner.WithMaxDelay(cfg.Runner.MaxDelay),
		runner.WithMaxHTTPTimeout(cfg.Runner.MaxHTTPTimeout),
		runner.WithHTTPRateLimit(cfg.Runner.HTTPRateLimit),
		runner.WithRecorder(collector),
	}
	if cfg.Runner.HTTPBaseURL != "" {
		base, err := url.Parse(cfg.Runner.HTTPBaseURL)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("invalid runner.http_base_url: %w", err)
		}
		runnerOpts = append(runnerOpts, runner.WithHTTPBaseURL(base))
	}
	r := runner.NewRunner(store, logger.With("component", "runner"), runnerOpts...)

	queue := approval.NewQueue(store, logger.With("component", "approval"), approval.WithRecorder(collector))
	svc := services.NewWorkflowService(store, store, queue, r, logger.With("component", "service"))

	notifier, err := buildNotifier(cfg, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	engine := recovery.NewEngine(store, recovery.NewStepRetrier(store, store, r), logger.With("component", "recovery"),
		recovery.WithConfig(recovery.RetryConfig{
			MaxAttempts:         cfg.Recovery.MaxAttempts,
			InitialDelaySeconds: cfg.Recovery.InitialDelaySeconds,
			MaxDelaySeconds:     cfg.Recovery.MaxDelaySeconds,
			BackoffMultiplier:   cfg.Recovery.BackoffMultiplier,
		}),
		recovery.WithClaimTimeout(cfg.Recovery.ClaimTimeout),
		recovery.WithNotifier(notifier),
		recovery.WithRecorder(collector),
	)
	r.SetFailureRecorder(engine)

	sched := scheduler.NewScheduler(store, svc, logger.With("component", "scheduler"),
		scheduler.WithInterval(cfg.Scheduler.Interval),
		scheduler.WithRecovery(engine, cfg.Recovery.BatchSize),
		scheduler.WithRecorder(collector),
	)

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		metrics:   collector,
		runner:    r,
		service:   svc,
		recovery:  engine,
		scheduler: sched,
	}, nil
}

// close waits for background runs and releases the store.
func (a *app) close(ctx context.Context) {
	if err := a.service.Shutdown(ctx); err != nil {
		a.logger.Warn("background runs did not finish", "error", err)
	}
	a.store.Close()
}

func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (repository.Repository, error) {
	switch cfg.Store.Driver {
	case "memory":
		logger.Warn("using in-memory store; data is lost on exit")
		return repository.NewMemoryStore()
	case "postgres", "":
		pool, err := initDatabase(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return repository.NewPostgresStore(pool), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection", "host", cfg.DB.Host, "db", cfg.DB.Name)

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// buildNotifier fans escalations out to every configured channel. The log
// channel is always present.
func buildNotifier(cfg *config.Config, logger *logging.Logger) (notify.Notifier, error) {
	channels := notify.Multi{notify.NewLog(logger.With("component", "escalation"))}

	if tg := cfg.Escalation.Telegram; tg.Token != "" {
		t, err := notify.NewTelegram(tg.Token, tg.ChatID)
		if err != nil {
			return nil, fmt.Errorf("failed to set up telegram escalation: %w", err)
		}
		channels = append(channels, t)
		logger.Info("telegram escalation enabled", "chat_id", tg.ChatID)
	}
	if dc := cfg.Escalation.Discord; dc.Token != "" {
		d, err := notify.NewDiscord(dc.Token, dc.ChannelID)
		if err != nil {
			return nil, fmt.Errorf("failed to set up discord escalation: %w", err)
		}
		channels = append(channels, d)
		logger.Info("discord escalation enabled", "channel_id", dc.ChannelID)
	}
	return channels, nil
}
