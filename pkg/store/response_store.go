// Package store keeps the append-only log of inbound messages and delivery reports.
//
// Each message body lives under its own key. A sorted set per (phone number, kind), scored
// by receipt time in microseconds, serves the correlator's eligibility query. A Redis
// pub/sub channel per phone number announces new arrivals so waiting correlators do not
// have to sleep a full backoff interval.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"utility-ussd-bridge/pkg/constants"
	"utility-ussd-bridge/pkg/metrics"
	"utility-ussd-bridge/pkg/models"
)

type ResponseStore struct {
	rdb     *redis.Client
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewResponseStore(rdb *redis.Client, logger *logrus.Logger, metrics *metrics.Metrics) *ResponseStore {
	return &ResponseStore{
		rdb:     rdb,
		logger:  logger,
		metrics: metrics,
	}
}

// Append stores msg and its index entries atomically, then announces it. The announcement
// is a hint only; a failed publish does not fail the append.
func (s *ResponseStore) Append(ctx context.Context, msg *models.InboundMessage) error {
	start := time.Now()
	defer func() {
		s.metrics.RedisOperationDuration.WithLabelValues("append_inbound").Observe(time.Since(start).Seconds())
	}()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal inbound message: %w", err)
	}

	score := constants.ToScore(msg.ReceivedAt)

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, constants.InboundMessagePrefix+msg.ID, body, 0)
	pipe.ZAdd(ctx, constants.InboundIndexKey(msg.PhoneNumber, string(msg.Kind)), &redis.Z{
		Score:  score,
		Member: msg.ID,
	})
	pipe.ZAdd(ctx, constants.InboundLogKey, &redis.Z{
		Score:  score,
		Member: msg.ID,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.WithError(err).WithField("phone_number", msg.PhoneNumber).Error("Failed to append inbound message")
		return fmt.Errorf("failed to append inbound message: %w", err)
	}

	if err := s.rdb.Publish(ctx, constants.InboundNotifyChannel(msg.PhoneNumber), string(msg.Kind)).Err(); err != nil {
		s.logger.WithError(err).WithField("phone_number", msg.PhoneNumber).Warn("Failed to publish inbound arrival")
	}

	s.logger.WithFields(logrus.Fields{
		"message_id":   msg.ID,
		"phone_number": msg.PhoneNumber,
		"kind":         msg.Kind,
	}).Debug("Appended inbound message")

	return nil
}

// LatestSince returns the most recent message for phoneNumber whose kind is in kinds and
// whose receipt time is not before since. It returns nil when none qualifies.
func (s *ResponseStore) LatestSince(ctx context.Context, phoneNumber string, kinds []models.MessageKind, since time.Time) (*models.InboundMessage, error) {
	start := time.Now()
	defer func() {
		s.metrics.RedisOperationDuration.WithLabelValues("latest_inbound").Observe(time.Since(start).Seconds())
	}()

	var (
		bestID    string
		bestScore float64
	)
	minScore := strconv.FormatInt(since.UnixMicro(), 10)

	for _, kind := range kinds {
		entries, err := s.rdb.ZRevRangeByScoreWithScores(ctx, constants.InboundIndexKey(phoneNumber, string(kind)), &redis.ZRangeBy{
			Min:   minScore,
			Max:   "+inf",
			Count: 1,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to query inbound index: %w", err)
		}
		if len(entries) == 0 {
			continue
		}
		if bestID == "" || entries[0].Score > bestScore {
			bestID = entries[0].Member.(string)
			bestScore = entries[0].Score
		}
	}

	if bestID == "" {
		return nil, nil
	}
	return s.Get(ctx, bestID)
}

func (s *ResponseStore) Get(ctx context.Context, id string) (*models.InboundMessage, error) {
	body, err := s.rdb.Get(ctx, constants.InboundMessagePrefix+id).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("inbound message %s missing from log", id)
		}
		return nil, fmt.Errorf("failed to read inbound message: %w", err)
	}

	var msg models.InboundMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("invalid inbound message %s: %w", id, err)
	}
	return &msg, nil
}

// Recent returns up to limit messages across all phones, newest first.
func (s *ResponseStore) Recent(ctx context.Context, limit int64) ([]models.InboundMessage, error) {
	ids, err := s.rdb.ZRevRange(ctx, constants.InboundLogKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read inbound log: %w", err)
	}

	messages := make([]models.InboundMessage, 0, len(ids))
	for _, id := range ids {
		msg, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, nil
}

// Count returns the number of messages in the log.
func (s *ResponseStore) Count(ctx context.Context) (int64, error) {
	count, err := s.rdb.ZCard(ctx, constants.InboundLogKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count inbound log: %w", err)
	}
	return count, nil
}

// RecordDelivery keeps the latest delivery report for an outbound session.
func (s *ResponseStore) RecordDelivery(ctx context.Context, report models.DeliveryReport) error {
	start := time.Now()
	defer func() {
		s.metrics.RedisOperationDuration.WithLabelValues("record_delivery").Observe(time.Since(start).Seconds())
	}()

	key := constants.DeliveryReportPrefix + report.ID
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"status":         report.Status,
		"raw_status":     report.RawStatus,
		"phone_number":   report.PhoneNumber,
		"network_code":   report.NetworkCode,
		"retry_count":    report.RetryCount,
		"failure_reason": report.FailureReason,
		"received_at":    report.ReceivedAt.UnixMilli(),
	})
	pipe.Expire(ctx, key, constants.SessionMappingTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record delivery report: %w", err)
	}
	return nil
}

// Subscription delivers arrival hints for one phone number.
type Subscription struct {
	pubsub *redis.PubSub
	C      <-chan *redis.Message
}

func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

// Subscribe listens for arrivals on phoneNumber. The subscription is confirmed before it is
// returned, so any message appended afterwards produces a hint.
func (s *ResponseStore) Subscribe(ctx context.Context, phoneNumber string) (*Subscription, error) {
	pubsub := s.rdb.Subscribe(ctx, constants.InboundNotifyChannel(phoneNumber))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to arrivals: %w", err)
	}
	return &Subscription{pubsub: pubsub, C: pubsub.Channel()}, nil
}
