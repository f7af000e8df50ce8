package main

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"workflow-orchestrator/internal/mcp"
	"workflow-orchestrator/internal/repository"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Store.Driver == "memory" {
			return fmt.Errorf("migrate needs store.driver=postgres")
		}
		if err := repository.Migrate(cfg.DatabaseURL()); err != nil {
			return err
		}
		logger.Info("Migrations applied", "db", cfg.DB.Name)
		return nil
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tools over stdio; logs go to stderr",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			s := mcp.NewServer(a.service, a.cfg.MCP.DefaultTenant)
			return server.ServeStdio(s.GetMCPServer())
		})
	},
}
