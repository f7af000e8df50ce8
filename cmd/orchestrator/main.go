// Command orchestrator runs the workflow orchestration service and its
// one-shot maintenance commands.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"workflow-orchestrator/internal/config"
	"workflow-orchestrator/internal/logging"
)

var (
	envFile string
	cfg     *config.Config
	logger  *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:           "orchestrator",
	Short:         "Workflow orchestration service",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig(envFile)
		if err != nil {
			return fmt.Errorf("configuration loading failed: %w", err)
		}
		logger = logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
		logger.Debug("Configuration loaded", "config_file", cfg.ConfigFile, "store", cfg.Store.Driver)
		return nil
	},
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one scheduler pass and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			summary, err := a.scheduler.Tick(ctx)
			if err != nil {
				return err
			}
			return printJSON(summary)
		})
	},
}

var recoverMax int

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Process the recovery queue once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			res, err := a.recovery.ProcessQueue(ctx, recoverMax)
			if err != nil {
				return err
			}
			return printJSON(res)
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "Path to .env file")
	recoverCmd.Flags().IntVar(&recoverMax, "max", 10, "Maximum events to process")
	rootCmd.AddCommand(serveCmd, tickCmd, recoverCmd, migrateCmd, mcpCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp builds the object graph, runs fn and tears everything down.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		a.close(shutdownCtx)
	}()
	return fn(ctx, a)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
