package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"utility-ussd-bridge/pkg/server"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, webhook receiver, result persister and sweeper",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := setup(ctx, prometheus.DefaultRegisterer, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	logger := rt.logger
	logger.WithField("pod_id", rt.config.PodID).Info("Starting USSD bridge")

	if err := rt.service.Start(ctx); err != nil {
		logger.WithError(err).Error("Failed to start service")
		return err
	}

	srv := server.NewHTTPServer(rt.config, rt.service, prometheus.DefaultGatherer, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("port", rt.config.Port).Info("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Received shutdown signal")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		rt.service.Stop()
		return err
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Error during service shutdown")
		return err
	}

	logger.Info("USSD bridge shutdown complete")
	return nil
}
