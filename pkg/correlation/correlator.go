package correlation

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"utility-ussd-bridge/pkg/metrics"
	"utility-ussd-bridge/pkg/models"
	"utility-ussd-bridge/pkg/store"
)

const (
	ReasonDeadline   = "no eligible reply before deadline"
	ReasonSuperseded = "correlation resolved by another worker"
)

// Correlator waits for the reply to a dispatched command.
type Correlator struct {
	registry *Registry
	store    *store.ResponseStore
	backoff  Backoff
	logger   *logrus.Logger
	metrics  *metrics.Metrics
}

func NewCorrelator(registry *Registry, store *store.ResponseStore, backoff Backoff, logger *logrus.Logger, metrics *metrics.Metrics) *Correlator {
	return &Correlator{
		registry: registry,
		store:    store,
		backoff:  backoff,
		logger:   logger,
		metrics:  metrics,
	}
}

// AwaitMatch blocks until an eligible reply for p is stored, the deadline passes or ctx is
// done. The first two end the correlation; cancellation leaves it pending for the sweeper,
// because the command has already been sent.
func (c *Correlator) AwaitMatch(ctx context.Context, p *models.PendingCorrelation) (models.CorrelationResult, error) {
	if p.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", models.ErrCorrelationResolved, p.ID, p.Status)
	}
	current, err := c.registry.Get(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", models.ErrCorrelationResolved, p.ID, current.Status)
	}

	log := c.logger.WithFields(logrus.Fields{
		"correlation_id": p.ID,
		"phone_number":   p.PhoneNumber,
		"response_kind":  p.ResponseKind,
	})

	// Subscribe before the first poll so an arrival between the two is not missed.
	var hints <-chan *redis.Message
	sub, err := c.store.Subscribe(ctx, p.PhoneNumber)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.WithError(err).Warn("Arrival hints unavailable, polling only")
	} else {
		defer sub.Close()
		hints = sub.C
	}

	deadline := time.NewTimer(time.Until(p.Deadline))
	defer deadline.Stop()

	maxPolls := c.backoff.MaxPolls(p.Deadline.Sub(p.CreatedAt))
	scheduled := 1
	polls := 0
	deadlineReached := !time.Now().Before(p.Deadline)

	ticker := time.NewTimer(c.backoff.Next(0))
	defer ticker.Stop()

	for {
		polls++
		msg, err := c.poll(ctx, p)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.WithError(err).Warn("Failed to poll response store")
		}
		if msg != nil {
			c.metrics.CorrelationPolls.Observe(float64(polls))
			return c.resolveMatched(ctx, p, *msg, log)
		}

		if deadlineReached || scheduled >= maxPolls {
			c.metrics.CorrelationPolls.Observe(float64(polls))
			return c.resolveTimedOut(ctx, p, log)
		}

		select {
		case <-ctx.Done():
			log.Info("Stopped waiting for reply, correlation left pending")
			return nil, ctx.Err()
		case _, ok := <-hints:
			if !ok {
				hints = nil
			}
		case <-ticker.C:
			ticker.Reset(c.backoff.Next(scheduled))
			scheduled++
		case <-deadline.C:
			deadlineReached = true
		}
	}
}

func (c *Correlator) poll(ctx context.Context, p *models.PendingCorrelation) (*models.InboundMessage, error) {
	msg, err := c.store.LatestSince(ctx, p.PhoneNumber, p.ResponseKind.AcceptedMessageKinds(), p.CreatedAt)
	if err != nil || msg == nil {
		return nil, err
	}
	if !p.Eligible(*msg) {
		return nil, nil
	}
	return msg, nil
}

func (c *Correlator) resolveMatched(ctx context.Context, p *models.PendingCorrelation, msg models.InboundMessage, log *logrus.Entry) (models.CorrelationResult, error) {
	now := time.Now()
	ok, err := c.registry.Resolve(context.WithoutCancel(ctx), p, models.StatusMatched, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return c.superseded(p, now, log), nil
	}

	c.observe(p, models.SourceMatched, now)
	log.WithField("message_id", msg.ID).Info("Correlation matched")

	return models.Matched{Request: p.ID, Message: msg, At: now}, nil
}

func (c *Correlator) resolveTimedOut(ctx context.Context, p *models.PendingCorrelation, log *logrus.Entry) (models.CorrelationResult, error) {
	now := time.Now()
	ok, err := c.registry.Resolve(context.WithoutCancel(ctx), p, models.StatusTimedOut, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return c.superseded(p, now, log), nil
	}

	c.observe(p, models.SourceFallback, now)
	log.Warn("Correlation timed out")

	return models.Fallback{Request: p.ID, Reason: ReasonDeadline, At: now}, nil
}

func (c *Correlator) superseded(p *models.PendingCorrelation, now time.Time, log *logrus.Entry) models.CorrelationResult {
	c.observe(p, models.SourceFallback, now)
	log.Warn("Correlation was resolved elsewhere")
	return models.Fallback{Request: p.ID, Reason: ReasonSuperseded, At: now}
}

func (c *Correlator) observe(p *models.PendingCorrelation, source models.Source, now time.Time) {
	c.metrics.CorrelationOutcomes.WithLabelValues(string(p.ResponseKind), string(source)).Inc()
	c.metrics.CorrelationWaitDuration.WithLabelValues(string(p.ResponseKind), string(source)).Observe(now.Sub(p.CreatedAt).Seconds())
}
