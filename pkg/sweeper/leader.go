package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"utility-ussd-bridge/pkg/constants"
	"utility-ussd-bridge/pkg/metrics"
)

var renewScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

var resignScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// LeaderElection keeps at most one pod in charge of sweeping, using a Redis key with a TTL.
type LeaderElection struct {
	rdb      *redis.Client
	podID    string
	ttl      time.Duration
	interval time.Duration
	logger   *logrus.Logger
	metrics  *metrics.Metrics

	mu       sync.RWMutex
	isLeader bool
}

func NewLeaderElection(rdb *redis.Client, podID string, ttl, interval time.Duration, logger *logrus.Logger, metrics *metrics.Metrics) *LeaderElection {
	return &LeaderElection{
		rdb:      rdb,
		podID:    podID,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
		metrics:  metrics,
	}
}

// Run campaigns until ctx is done, then resigns.
func (le *LeaderElection) Run(ctx context.Context) {
	le.logger.WithField("pod_id", le.podID).Info("Starting leader election process")

	le.tryBecomeLeader(ctx)

	ticker := time.NewTicker(le.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if le.IsLeader() {
				le.resignLeadership(context.Background())
			}
			return
		case <-ticker.C:
			le.tryBecomeLeader(ctx)
		}
	}
}

func (le *LeaderElection) IsLeader() bool {
	le.mu.RLock()
	defer le.mu.RUnlock()
	return le.isLeader
}

func (le *LeaderElection) setLeader(leader bool) {
	le.mu.Lock()
	changed := le.isLeader != leader
	le.isLeader = leader
	le.mu.Unlock()

	if !changed {
		return
	}
	le.metrics.SweeperLeaderChanges.Inc()
	if leader {
		le.logger.WithField("pod_id", le.podID).Info("Became leader")
	} else {
		le.logger.WithField("pod_id", le.podID).Info("Lost leadership")
	}
}

func (le *LeaderElection) tryBecomeLeader(ctx context.Context) {
	ok, err := le.rdb.SetNX(ctx, constants.LeaderElectionKey, le.podID, le.ttl).Result()
	if err != nil {
		if ctx.Err() == nil {
			le.logger.WithError(err).Error("Failed to attempt leader election")
		}
		le.setLeader(false)
		return
	}

	if ok {
		le.setLeader(true)
		return
	}

	// Someone holds the key; extend it if it is us.
	le.renewLeadership(ctx)
}

func (le *LeaderElection) renewLeadership(ctx context.Context) {
	res, err := renewScript.Run(ctx, le.rdb, []string{constants.LeaderElectionKey}, le.podID, le.ttl.Milliseconds()).Int64()
	if err != nil {
		if ctx.Err() == nil {
			le.logger.WithError(err).Error("Failed to renew leadership")
		}
		le.setLeader(false)
		return
	}
	le.setLeader(res == 1)
}

func (le *LeaderElection) resignLeadership(ctx context.Context) {
	if err := resignScript.Run(ctx, le.rdb, []string{constants.LeaderElectionKey}, le.podID).Err(); err != nil && err != redis.Nil {
		le.logger.WithError(err).Error("Failed to resign leadership")
	} else {
		le.logger.Info("Resigned leadership")
	}
	le.setLeader(false)
}
