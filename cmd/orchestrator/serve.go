package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"golang.org/x/sync/errgroup"

	"workflow-orchestrator/internal/api"
	"workflow-orchestrator/internal/mcp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API, MCP tools and the scheduler loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), serve)
	},
}

func serve(ctx context.Context, a *app) error {
	logger := a.logger

	e := api.NewEcho(logger.With("component", "http"))
	e.Use(otelecho.Middleware("workflow-orchestrator"))

	srv := api.NewServer(a.service, logger.With("component", "api"))
	srv.Recovery = a.recovery
	srv.Scheduler = a.scheduler
	srv.Tenants = a.store
	api.Mount(e, api.NewHandler(a.store, logger), srv, a.metrics.Handler())
	logger.Info("REST API handlers mounted")

	if a.cfg.MCP.Enabled {
		mcpServer := mcp.NewServer(a.service, a.cfg.MCP.DefaultTenant)
		mcp.Mount(e, mcpServer.GetMCPServer())
		logger.Info("MCP protocol handlers mounted", "default_tenant", a.cfg.MCP.DefaultTenant)
	}

	server := &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Server starting", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if a.cfg.Scheduler.Enabled {
		if err := a.scheduler.Start(gctx); err != nil {
			return err
		}
		logger.Info("Scheduler started", "interval", a.cfg.Scheduler.Interval)
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received")
		a.scheduler.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			return server.Close()
		}
		logger.Info("Server stopped gracefully")
		return nil
	})

	return g.Wait()
}
