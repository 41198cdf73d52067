// Command scry-batch runs the batch generation service and its
// maintenance commands.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/phrazzld/scry-batch/internal/config"
	"github.com/phrazzld/scry-batch/internal/platform/logger"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cli carries the state shared by subcommands.
type cli struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
}

// load reads the configuration and sets up logging once.
func (c *cli) load() error {
	if c.cfg != nil {
		return nil
	}
	cfg, err := config.LoadFrom(c.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	l, err := logger.Setup(cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}
	c.cfg, c.logger = cfg, l
	return nil
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "scry-batch",
		Short:         "Asynchronous batch generation of quizzes and summaries",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "",
		"Config file (default ./config.yaml; SCRY_* environment variables override it)")

	root.AddCommand(
		newServeCmd(c),
		newTickCmd(c),
		newSweepCmd(c),
		newMigrateCmd(c),
		newTokenCmd(c),
		newHashKeyCmd(),
	)
	return root
}
