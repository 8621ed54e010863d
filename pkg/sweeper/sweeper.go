// Package sweeper times out pending correlations nobody is waiting on any more, such as
// those whose caller cancelled or whose pod died mid-wait.
package sweeper

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"utility-ussd-bridge/pkg/correlation"
	"utility-ussd-bridge/pkg/metrics"
	"utility-ussd-bridge/pkg/models"
)

const sweepBatchSize = 100

type Sweeper struct {
	registry *correlation.Registry
	leader   *LeaderElection
	grace    time.Duration
	interval time.Duration
	logger   *logrus.Logger
	metrics  *metrics.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a Sweeper that reaps correlations grace past their deadline, giving the
// correlator that owns them the first chance to resolve.
func New(registry *correlation.Registry, leader *LeaderElection, grace, interval time.Duration, logger *logrus.Logger, metrics *metrics.Metrics) *Sweeper {
	return &Sweeper{
		registry: registry,
		leader:   leader,
		grace:    grace,
		interval: interval,
		logger:   logger,
		metrics:  metrics,
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.leader.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.sweepLoop(ctx)
	}()
}

// Stop ends both loops and resigns leadership.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sweeper) IsLeader() bool {
	return s.leader.IsLeader()
}

func (s *Sweeper) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.leader.IsLeader() {
				s.Sweep(ctx, time.Now())
			}
		}
	}
}

// Sweep times out every pending correlation whose deadline plus grace is before now and
// returns how many it resolved.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) int {
	start := time.Now()
	defer func() {
		s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	ids, err := s.registry.Expired(ctx, now.Add(-s.grace), sweepBatchSize)
	if err != nil {
		s.logger.WithError(err).Error("Failed to get expired correlations")
		return 0
	}

	swept := 0
	for _, id := range ids {
		if s.reap(ctx, id, now) {
			swept++
		}
	}

	if count, err := s.registry.PendingCount(ctx); err == nil {
		s.metrics.PendingCorrelations.Set(float64(count))
	}

	if swept > 0 {
		s.logger.WithField("swept", swept).Info("Timed out orphaned correlations")
	}
	return swept
}

func (s *Sweeper) reap(ctx context.Context, id string, now time.Time) bool {
	log := s.logger.WithField("correlation_id", id)

	p, err := s.registry.Get(ctx, id)
	if errors.Is(err, models.ErrCorrelationNotFound) {
		if err := s.registry.Discard(ctx, id); err != nil {
			log.WithError(err).Error("Failed to discard orphaned deadline")
		}
		return false
	}
	if err != nil {
		log.WithError(err).Error("Failed to load expired correlation")
		return false
	}

	ok, err := s.registry.Resolve(ctx, p, models.StatusTimedOut, now)
	if err != nil {
		log.WithError(err).Error("Failed to time out correlation")
		return false
	}
	if !ok {
		return false
	}

	s.metrics.CorrelationOutcomes.WithLabelValues(string(p.ResponseKind), string(models.SourceFallback)).Inc()
	log.WithFields(logrus.Fields{
		"phone_number":  p.PhoneNumber,
		"response_kind": p.ResponseKind,
		"deadline":      p.Deadline,
	}).Warn("Swept orphaned correlation")
	return true
}
