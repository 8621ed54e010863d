package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"utility-ussd-bridge/pkg/constants"
	"utility-ussd-bridge/pkg/correlation"
	"utility-ussd-bridge/pkg/metrics"
	"utility-ussd-bridge/pkg/models"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func openCorrelation(t *testing.T, registry *correlation.Registry, id, phone string, deadline time.Time) *models.PendingCorrelation {
	t.Helper()
	p := &models.PendingCorrelation{
		ID:           id,
		UserID:       "user-1",
		PhoneNumber:  phone,
		ResponseKind: models.KindToken,
		CreatedAt:    deadline.Add(-2 * time.Minute),
		Deadline:     deadline,
		Status:       models.StatusPending,
	}
	require.NoError(t, registry.Reserve(context.Background(), p))
	require.NoError(t, registry.Open(context.Background(), p))
	return p
}

func TestLeaderElection_SingleLeader(t *testing.T) {
	_, rdb := setupTestRedis(t)
	ctx := context.Background()
	m := metrics.NewMetrics(prometheus.NewRegistry())

	first := NewLeaderElection(rdb, "pod-a", time.Second, time.Hour, testLogger(), m)
	second := NewLeaderElection(rdb, "pod-b", time.Second, time.Hour, testLogger(), m)

	first.tryBecomeLeader(ctx)
	second.tryBecomeLeader(ctx)

	assert.True(t, first.IsLeader())
	assert.False(t, second.IsLeader())

	// Renewal keeps the current leader.
	first.tryBecomeLeader(ctx)
	assert.True(t, first.IsLeader())

	first.resignLeadership(ctx)
	assert.False(t, first.IsLeader())

	second.tryBecomeLeader(ctx)
	assert.True(t, second.IsLeader())
}

func TestLeaderElection_LeadershipExpires(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	ctx := context.Background()
	m := metrics.NewMetrics(prometheus.NewRegistry())

	first := NewLeaderElection(rdb, "pod-a", time.Second, time.Hour, testLogger(), m)
	second := NewLeaderElection(rdb, "pod-b", time.Second, time.Hour, testLogger(), m)

	first.tryBecomeLeader(ctx)
	require.True(t, first.IsLeader())

	mr.FastForward(2 * time.Second)

	second.tryBecomeLeader(ctx)
	assert.True(t, second.IsLeader())

	first.tryBecomeLeader(ctx)
	assert.False(t, first.IsLeader())
}

func TestSweeper_TimesOutExpiredCorrelations(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	ctx := context.Background()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	registry := correlation.NewRegistry(rdb, testLogger(), m)

	now := time.Now()
	expired := openCorrelation(t, registry, "expired", "+254700000001", now.Add(-time.Minute))
	openCorrelation(t, registry, "fresh", "+254711111111", now.Add(time.Minute))

	withinGrace := &models.PendingCorrelation{
		ID:           "within-grace",
		PhoneNumber:  "+254722222222",
		ResponseKind: models.KindBalance,
		CreatedAt:    now.Add(-time.Minute),
		Deadline:     now.Add(-10 * time.Second),
		Status:       models.StatusPending,
	}
	require.NoError(t, registry.Open(ctx, withinGrace))

	s := New(registry, NewLeaderElection(rdb, "pod-a", time.Second, time.Hour, testLogger(), m), 30*time.Second, time.Hour, testLogger(), m)

	assert.Equal(t, 1, s.Sweep(ctx, now))

	got, err := registry.Get(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTimedOut, got.Status)
	assert.False(t, mr.Exists(constants.ActiveKey(expired.PhoneNumber, string(expired.ResponseKind))), "sweeping frees the slot")

	for _, id := range []string{"fresh", "within-grace"} {
		got, err := registry.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, got.Status, id)
	}

	assert.Zero(t, s.Sweep(ctx, now), "a second sweep finds nothing new")
}

func TestSweeper_DiscardsDanglingDeadlines(t *testing.T) {
	_, rdb := setupTestRedis(t)
	ctx := context.Background()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	registry := correlation.NewRegistry(rdb, testLogger(), m)

	require.NoError(t, rdb.ZAdd(ctx, constants.DeadlinesKey, &redis.Z{
		Score:  constants.ToScore(time.Now().Add(-time.Hour)),
		Member: "gone",
	}).Err())

	s := New(registry, NewLeaderElection(rdb, "pod-a", time.Second, time.Hour, testLogger(), m), time.Second, time.Hour, testLogger(), m)
	assert.Zero(t, s.Sweep(ctx, time.Now()))

	count, err := registry.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSweeper_OnlyLeaderSweeps(t *testing.T) {
	_, rdb := setupTestRedis(t)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	registry := correlation.NewRegistry(rdb, testLogger(), m)

	p := openCorrelation(t, registry, "expired", "+254700000001", time.Now().Add(-time.Minute))

	// Another pod already holds leadership.
	require.NoError(t, rdb.Set(context.Background(), constants.LeaderElectionKey, "pod-b", time.Minute).Err())

	leader := NewLeaderElection(rdb, "pod-a", time.Minute, 20*time.Millisecond, testLogger(), m)
	s := New(registry, leader, time.Second, 20*time.Millisecond, testLogger(), m)
	s.Start(context.Background())

	time.Sleep(100 * time.Millisecond)
	got, err := registry.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.False(t, s.IsLeader())

	require.NoError(t, rdb.Del(context.Background(), constants.LeaderElectionKey).Err())

	require.Eventually(t, func() bool {
		got, err := registry.Get(context.Background(), p.ID)
		return err == nil && got.Status == models.StatusTimedOut
	}, 2*time.Second, 20*time.Millisecond)

	s.Stop()
	assert.False(t, s.IsLeader(), "stopping resigns leadership")

	holder, err := rdb.Get(context.Background(), constants.LeaderElectionKey).Result()
	assert.ErrorIs(t, err, redis.Nil, "leader key still held by %q", holder)
}
