package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"utility-ussd-bridge/pkg/aggregator"
	"utility-ussd-bridge/pkg/command"
	"utility-ussd-bridge/pkg/config"
	"utility-ussd-bridge/pkg/correlation"
	"utility-ussd-bridge/pkg/metrics"
	"utility-ussd-bridge/pkg/models"
	"utility-ussd-bridge/pkg/parser"
	"utility-ussd-bridge/pkg/persistence"
	"utility-ussd-bridge/pkg/store"
	"utility-ussd-bridge/pkg/sweeper"
	"utility-ussd-bridge/pkg/webhook"
)

// Service runs the high-level operations: build a command, send it, wait for the reply,
// parse it and queue the result for persistence.
type Service struct {
	config  *config.Config
	logger  *logrus.Logger
	metrics *metrics.Metrics

	builder    *command.Builder
	registry   *correlation.Registry
	dispatcher *correlation.Dispatcher
	correlator *correlation.Correlator
	store      *store.ResponseStore
	ingestor   *webhook.Ingestor
	parser     *parser.Parser
	repo       persistence.Repository
	persister  *persistence.WriteBehind
	sweeper    *sweeper.Sweeper
}

func NewService(rdb *redis.Client, cfg *config.Config, sender aggregator.Sender, repo persistence.Repository, logger *logrus.Logger, metrics *metrics.Metrics) *Service {
	registry := correlation.NewRegistry(rdb, logger, metrics)
	responses := store.NewResponseStore(rdb, logger, metrics)
	backoff := correlation.Backoff{
		Base:   cfg.Correlation.PollBase,
		Max:    cfg.Correlation.PollMax,
		Factor: cfg.Correlation.PollFactor,
	}
	leader := sweeper.NewLeaderElection(rdb, cfg.PodID, cfg.Leader.TTL, cfg.Leader.Interval, logger, metrics)

	return &Service{
		config:     cfg,
		logger:     logger,
		metrics:    metrics,
		builder:    command.NewBuilder(cfg.Provider.USSDPrefix, cfg.Provider.BalanceCode, cfg.Provider.TokenCode, cfg.Provider.UnitsCode),
		registry:   registry,
		dispatcher: correlation.NewDispatcher(registry, sender, logger, metrics),
		correlator: correlation.NewCorrelator(registry, responses, backoff, logger, metrics),
		store:      responses,
		ingestor:   webhook.NewIngestor(responses, registry, webhook.NewClassifier(cfg.Provider.SenderNumbers), logger, metrics),
		parser:     parser.New(),
		repo:       repo,
		persister:  persistence.NewWriteBehind(rdb, repo, cfg.Persistence, cfg.PodID, logger, metrics),
		sweeper:    sweeper.New(registry, leader, cfg.Correlation.SweepGrace, cfg.Leader.CheckInterval, logger, metrics),
	}
}

// Start launches the background workers: the result persister and the sweeper.
func (s *Service) Start(ctx context.Context) error {
	s.logger.WithField("pod_id", s.config.PodID).Info("Starting bridge service")

	if err := s.persister.Start(ctx); err != nil {
		return fmt.Errorf("failed to start result persister: %w", err)
	}
	s.sweeper.Start(ctx)

	s.logger.Info("Bridge service started successfully")
	return nil
}

func (s *Service) Stop() {
	s.logger.Info("Stopping bridge service")
	s.sweeper.Stop()
	s.persister.Stop()
	s.logger.Info("Bridge service stopped")
}

// FetchBillData asks the provider, through the session on phoneNumber, for the outstanding
// balance of meterNumber.
func (s *Service) FetchBillData(ctx context.Context, userID, phoneNumber, meterNumber string) (models.StructuredResult, error) {
	return s.run(ctx, userID, phoneNumber, models.KindBalance, meterNumber, decimal.Zero)
}

// PurchaseTokens buys amount worth of prepaid tokens for meterNumber.
func (s *Service) PurchaseTokens(ctx context.Context, userID, phoneNumber, meterNumber string, amount decimal.Decimal) (models.StructuredResult, error) {
	return s.run(ctx, userID, phoneNumber, models.KindToken, meterNumber, amount)
}

// CheckUnits asks for the remaining units on meterNumber.
func (s *Service) CheckUnits(ctx context.Context, userID, phoneNumber, meterNumber string) (models.StructuredResult, error) {
	return s.run(ctx, userID, phoneNumber, models.KindUnits, meterNumber, decimal.Zero)
}

// run holds the (phoneNumber, kind) slot for the whole wait, so only requests on the same
// phone for the same kind exclude each other.
func (s *Service) run(ctx context.Context, userID, phoneNumber string, kind models.ResponseKind, meterNumber string, amount decimal.Decimal) (models.StructuredResult, error) {
	userID = strings.TrimSpace(userID)
	phoneNumber = strings.TrimSpace(phoneNumber)
	meterNumber = strings.TrimSpace(meterNumber)
	if userID == "" {
		return models.StructuredResult{}, fmt.Errorf("%w: user id is required", models.ErrInvalidParameters)
	}
	if phoneNumber == "" {
		return models.StructuredResult{}, fmt.Errorf("%w: phone number is required", models.ErrInvalidParameters)
	}

	cmd, err := s.builder.Build(kind, meterNumber, amount)
	if err != nil {
		return models.StructuredResult{}, err
	}

	p, err := s.dispatcher.Dispatch(ctx, correlation.DispatchRequest{
		UserID:      userID,
		PhoneNumber: phoneNumber,
		Command:     cmd,
		Kind:        kind,
		MeterNumber: meterNumber,
		Timeout:     s.config.Correlation.Timeout(kind),
	})
	if err != nil {
		return models.StructuredResult{}, err
	}

	outcome, err := s.correlator.AwaitMatch(ctx, p)
	if err != nil {
		return models.StructuredResult{}, err
	}

	result := s.parser.Parse(outcome, kind, parser.Params{MeterNumber: meterNumber, Amount: amount})
	s.metrics.ParseOutcomes.WithLabelValues(string(kind), parseOutcome(outcome, result)).Inc()

	// Failures are logged and counted by the persister; the caller still gets the result.
	_ = s.persister.Persist(context.WithoutCancel(ctx), userID, result)

	s.logger.WithFields(logrus.Fields{
		"correlation_id":  p.ID,
		"user_id":         userID,
		"phone_number":    phoneNumber,
		"response_kind":   kind,
		"source":          result.Source,
		"fallback_reason": result.FallbackReason,
	}).Info("Operation completed")

	return result, nil
}

func parseOutcome(outcome models.CorrelationResult, result models.StructuredResult) string {
	switch {
	case outcome.Source() == models.SourceFallback:
		return "timeout"
	case result.Source == models.SourceFallback:
		return "escalated"
	default:
		return "parsed"
	}
}

// Ingest stores a webhook callback.
func (s *Service) Ingest(ctx context.Context, cb webhook.Callback) (webhook.Outcome, error) {
	return s.ingestor.Ingest(ctx, cb)
}

// Results returns persisted results for a user, newest first.
func (s *Service) Results(ctx context.Context, filter persistence.Filter) ([]models.StructuredResult, error) {
	if strings.TrimSpace(filter.UserID) == "" {
		return nil, fmt.Errorf("%w: user id is required", models.ErrInvalidParameters)
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown response kind %q", models.ErrInvalidParameters, filter.Kind)
	}
	return s.repo.Query(ctx, filter)
}

// recentInboundLimit bounds the inbound messages listed in Status.
const recentInboundLimit = 10

// Status is a point-in-time summary for the health and status endpoints.
type Status struct {
	PodID               string                  `json:"pod_id"`
	IsLeader            bool                    `json:"is_leader"`
	PendingCorrelations int64                   `json:"pending_correlations"`
	InboundMessages     int64                   `json:"inbound_messages"`
	RecentInbound       []models.InboundMessage `json:"recent_inbound"`
}

func (s *Service) Status(ctx context.Context) (Status, error) {
	pending, err := s.registry.PendingCount(ctx)
	if err != nil {
		return Status{}, err
	}
	inbound, err := s.store.Count(ctx)
	if err != nil {
		return Status{}, err
	}
	recent, err := s.store.Recent(ctx, recentInboundLimit)
	if err != nil {
		return Status{}, err
	}
	return Status{
		PodID:               s.config.PodID,
		IsLeader:            s.sweeper.IsLeader(),
		PendingCorrelations: pending,
		InboundMessages:     inbound,
		RecentInbound:       recent,
	}, nil
}

// Correlation returns the stored state of a dispatched request. Unknown ids return
// models.ErrCorrelationNotFound.
func (s *Service) Correlation(ctx context.Context, requestID string) (*models.PendingCorrelation, error) {
	return s.registry.Get(ctx, requestID)
}
