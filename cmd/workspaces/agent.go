package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/whisthq/whist/backend/workspaces/agent"
	"github.com/whisthq/whist/backend/workspaces/config"
	logger "github.com/whisthq/whist/backend/workspaces/whistlogger"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the exec agent inside a serverless workspace",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging("workspaces-agent")
		cfg, err := config.LoadAgent()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runAgent(ctx, cfg)
	},
}

func runAgent(ctx context.Context, cfg config.AgentConfig) error {
	// Exec requests can run for as long as the agent's MaxTimeout, so
	// there is no write timeout.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           agent.New(cfg.Shell).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Infof("Exec agent listening on %s", cfg.ListenAddr)
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errs; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Infof("Exec agent stopped")
	return nil
}
