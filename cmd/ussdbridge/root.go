package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"utility-ussd-bridge/pkg/aggregator"
	"utility-ussd-bridge/pkg/bridge"
	"utility-ussd-bridge/pkg/config"
	"utility-ussd-bridge/pkg/metrics"
	"utility-ussd-bridge/pkg/persistence"
	redisClient "utility-ussd-bridge/pkg/redis"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "ussdbridge",
	Short: "Bridge utility-provider USSD/SMS commands to structured results",
	Long: `ussdbridge sends balance, token purchase and units commands to a utility
provider through an SMS/USSD aggregator and correlates the asynchronous replies
delivered by the aggregator's webhook back to the request that caused them.

Configuration is read from the environment (REDIS_URL, AGGREGATOR_API_KEY, ...).`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL")
}

// runtime holds the connections shared by every subcommand.
type runtime struct {
	config  *config.Config
	logger  *logrus.Logger
	redis   *redisClient.Client
	repo    persistence.Repository
	service *bridge.Service
}

func newLogger(cfg *config.Config, json bool) *logrus.Logger {
	logger := logrus.New()
	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	if parsed, err := logrus.ParseLevel(level); err == nil {
		logger.SetLevel(parsed)
	}
	if json {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	logger.SetOutput(os.Stderr)
	return logger
}

func setup(ctx context.Context, reg prometheus.Registerer, jsonLogs bool) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg, jsonLogs)

	rc, err := redisClient.NewClient(ctx, redisClient.ConnectionConfigFrom(cfg.Redis), logger)
	if err != nil {
		return nil, err
	}

	repo, err := persistence.Open(ctx, cfg.Persistence)
	if err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("failed to open result repository: %w", err)
	}

	sender := aggregator.NewClient(aggregator.ClientConfig{
		BaseURL:  cfg.Aggregator.BaseURL,
		SendPath: cfg.Aggregator.SendPath,
		Username: cfg.Aggregator.Username,
		APIKey:   cfg.Aggregator.APIKey,
		Timeout:  cfg.Aggregator.Timeout,
	}, logger)

	service := bridge.NewService(rc.GetRedisClient(), cfg, sender, repo, logger, metrics.NewMetrics(reg))

	return &runtime{
		config:  cfg,
		logger:  logger,
		redis:   rc,
		repo:    repo,
		service: service,
	}, nil
}

func (rt *runtime) Close() {
	if err := rt.repo.Close(); err != nil {
		rt.logger.WithError(err).Warn("Failed to close result repository")
	}
	if err := rt.redis.Close(); err != nil {
		rt.logger.WithError(err).Warn("Failed to close Redis client")
	}
}
