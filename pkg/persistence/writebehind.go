package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"utility-ussd-bridge/pkg/config"
	"utility-ussd-bridge/pkg/constants"
	"utility-ussd-bridge/pkg/metrics"
	"utility-ussd-bridge/pkg/models"
)

// WriteBehind queues results on a Redis stream and drains the stream into a Repository
// through a consumer group.
type WriteBehind struct {
	rdb          *redis.Client
	repo         Repository
	config       config.PersistenceConfig
	logger       *logrus.Logger
	metrics      *metrics.Metrics
	consumerName string
	block        time.Duration
	stopCh       chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

func NewWriteBehind(rdb *redis.Client, repo Repository, cfg config.PersistenceConfig, podID string, logger *logrus.Logger, metrics *metrics.Metrics) *WriteBehind {
	return &WriteBehind{
		rdb:          rdb,
		repo:         repo,
		config:       cfg,
		logger:       logger,
		metrics:      metrics,
		consumerName: fmt.Sprintf("persister-%s", podID),
		block:        time.Second,
		stopCh:       make(chan struct{}),
	}
}

// Persist queues result for insertion and returns without waiting for the database. A
// failure is logged and counted; the caller still has the result.
func (w *WriteBehind) Persist(ctx context.Context, userID string, result models.StructuredResult) error {
	start := time.Now()
	defer func() {
		w.metrics.RedisOperationDuration.WithLabelValues("persist_enqueue").Observe(time.Since(start).Seconds())
	}()

	payload, err := json.Marshal(result)
	if err == nil {
		err = w.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: constants.ResultsStream,
			Values: map[string]interface{}{
				"user_id":       userID,
				"request_id":    result.RequestID,
				"response_kind": string(result.ResponseKind),
				"result":        string(payload),
			},
		}).Err()
	}

	if err != nil {
		w.metrics.PersistenceWrites.WithLabelValues("enqueue", "error").Inc()
		w.logger.WithError(err).WithFields(logrus.Fields{
			"request_id": result.RequestID,
			"user_id":    userID,
		}).Warn("Persistence warning: result not queued")
		return fmt.Errorf("failed to queue result %s: %w", result.RequestID, err)
	}

	w.metrics.PersistenceWrites.WithLabelValues("enqueue", "success").Inc()
	return nil
}

// Start creates the consumer group and launches the consume and recovery loops.
func (w *WriteBehind) Start(ctx context.Context) error {
	w.logger.WithField("consumer_name", w.consumerName).Info("Starting result persister")

	if err := w.createConsumerGroup(ctx); err != nil {
		return err
	}

	w.wg.Add(2)
	go w.consumeLoop(ctx)
	go w.pendingMessagesRecovery(ctx)

	return nil
}

// Stop ends both loops and waits for the message in flight.
func (w *WriteBehind) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *WriteBehind) createConsumerGroup(ctx context.Context) error {
	err := w.rdb.XGroupCreateMkStream(ctx, constants.ResultsStream, w.config.ConsumerGroupName, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	w.logger.WithField("consumer_group", w.config.ConsumerGroupName).Info("Consumer group ready")
	return nil
}

func (w *WriteBehind) consumeLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
			w.consumeMessages(ctx)
		}
	}
}

func (w *WriteBehind) consumeMessages(ctx context.Context) {
	streams, err := w.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    w.config.ConsumerGroupName,
		Consumer: w.consumerName,
		Streams:  []string{constants.ResultsStream, ">"},
		Count:    10,
		Block:    w.block,
	}).Result()

	if err != nil {
		if err != redis.Nil && ctx.Err() == nil {
			w.logger.WithError(err).Error("Failed to read from results stream")
			// Avoid spinning while Redis is unreachable.
			select {
			case <-time.After(w.block):
			case <-ctx.Done():
			case <-w.stopCh:
			}
		}
		return
	}

	for _, stream := range streams {
		for _, message := range stream.Messages {
			w.processMessage(ctx, message)
		}
	}
}

func (w *WriteBehind) processMessage(ctx context.Context, message redis.XMessage) {
	userID, result, err := decodeMessage(message)
	if err != nil {
		w.logger.WithError(err).WithField("message_id", message.ID).Error("Failed to decode queued result")
		w.metrics.PersistenceWrites.WithLabelValues("insert", "decode_error").Inc()
		// Acknowledge message to prevent reprocessing
		w.acknowledge(ctx, message.ID)
		return
	}

	log := w.logger.WithFields(logrus.Fields{
		"request_id":    result.RequestID,
		"response_kind": result.ResponseKind,
		"message_id":    message.ID,
	})

	if err := w.repo.Insert(ctx, userID, result); err != nil {
		log.WithError(err).Warn("Persistence warning: insert failed, will retry")
		w.metrics.PersistenceWrites.WithLabelValues("insert", "error").Inc()
		// Don't acknowledge - recovery claims it again after ClaimMinIdle
		return
	}

	w.acknowledge(ctx, message.ID)
	w.metrics.PersistenceWrites.WithLabelValues("insert", "success").Inc()
	log.Debug("Persisted result")
}

func decodeMessage(message redis.XMessage) (string, models.StructuredResult, error) {
	var result models.StructuredResult

	userID, ok := message.Values["user_id"].(string)
	if !ok {
		return "", result, fmt.Errorf("missing or invalid user_id")
	}
	payload, ok := message.Values["result"].(string)
	if !ok {
		return "", result, fmt.Errorf("missing or invalid result")
	}
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return "", result, fmt.Errorf("invalid result payload: %w", err)
	}
	return userID, result, nil
}

func (w *WriteBehind) acknowledge(ctx context.Context, messageID string) {
	if err := w.rdb.XAck(ctx, constants.ResultsStream, w.config.ConsumerGroupName, messageID).Err(); err != nil {
		w.logger.WithError(err).WithField("message_id", messageID).Error("Failed to acknowledge message")
	}
}

func (w *WriteBehind) pendingMessagesRecovery(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.processPendingMessages(ctx)
		}
	}
}

// processPendingMessages claims results whose insert failed on any consumer, including
// consumers that no longer exist.
func (w *WriteBehind) processPendingMessages(ctx context.Context) {
	pending, err := w.rdb.XPending(ctx, constants.ResultsStream, w.config.ConsumerGroupName).Result()
	if err != nil {
		w.logger.WithError(err).Error("Failed to get pending results")
		return
	}
	if pending.Count == 0 {
		return
	}

	w.logger.WithField("pending_count", pending.Count).Info("Retrying pending results")

	messages, _, err := w.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   constants.ResultsStream,
		Group:    w.config.ConsumerGroupName,
		Consumer: w.consumerName,
		MinIdle:  w.config.ClaimMinIdle,
		Count:    10,
		Start:    "0-0",
	}).Result()
	if err != nil {
		w.logger.WithError(err).Error("Failed to auto-claim pending results")
		return
	}

	for _, message := range messages {
		w.processMessage(ctx, message)
	}
}
