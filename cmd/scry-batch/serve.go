package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/phrazzld/scry-batch/internal/app"
	"github.com/phrazzld/scry-batch/internal/observability"
	"github.com/phrazzld/scry-batch/internal/platform/postgres"
	"github.com/spf13/cobra"
)

func newServeCmd(c *cli) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the scheduler triggers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.load(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, c, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "Apply pending database migrations before starting")
	return cmd
}

func serve(ctx context.Context, c *cli, migrate bool) error {
	shutdownTracer, err := observability.InitTracer(ctx, c.cfg.Observability, c.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			c.logger.Error("tracer shutdown failed", "error", err)
		}
	}()

	a, err := app.New(ctx, c.cfg, c.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			c.logger.Error("cleanup failed", "error", err)
		}
	}()

	if migrate {
		if a.DB == nil {
			return errors.New("--migrate needs database.url")
		}
		if err := postgres.Migrate(ctx, a.DB, postgres.MigrateUp, c.logger); err != nil {
			return err
		}
	}

	runner, err := a.NewRunner()
	if err != nil {
		return err
	}
	if err := runner.Start(ctx); err != nil {
		return err
	}

	router, err := a.Router()
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", c.cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		c.logger.Info("starting server", "port", c.cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		c.logger.Info("shutting down server")
	case err := <-serverErr:
		if err != nil {
			c.logger.Error("server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Server.ShutdownTimeout())
	defer cancel()

	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown failed: %w", err))
	}
	if err := runner.Stop(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	c.logger.Info("server shutdown completed")
	return errors.Join(errs...)
}
