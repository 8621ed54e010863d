package store

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

	"utility-ussd-bridge/pkg/metrics"
	"utility-ussd-bridge/pkg/models"
)

func setupTestStore(t *testing.T) (*redis.Client, *ResponseStore) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	return rdb, NewResponseStore(rdb, logger, metrics.NewMetrics(prometheus.NewRegistry()))
}

func TestResponseStore_AppendAndGet(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := context.Background()

	msg := &models.InboundMessage{
		PhoneNumber: "+254700000001",
		Text:        "Your balance is 450.50 KSh",
		Sender:      "+254700000001",
		Kind:        models.MessageBalance,
		Metadata:    map[string]string{"linkId": "abc"},
	}
	require.NoError(t, s.Append(ctx, msg))
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.ReceivedAt.IsZero())

	got, err := s.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.Text, got.Text)
	assert.Equal(t, "abc", got.Metadata["linkId"])
	assert.True(t, msg.ReceivedAt.Equal(got.ReceivedAt))

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestResponseStore_LatestSince(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := context.Background()

	base := time.Now()
	phone := "+254700000001"

	messages := []*models.InboundMessage{
		{PhoneNumber: phone, Text: "old balance", Kind: models.MessageBalance, ReceivedAt: base.Add(-time.Minute)},
		{PhoneNumber: phone, Text: "new balance", Kind: models.MessageBalance, ReceivedAt: base.Add(2 * time.Second)},
		{PhoneNumber: phone, Text: "newest balance", Kind: models.MessageBalance, ReceivedAt: base.Add(3 * time.Second)},
		{PhoneNumber: phone, Text: "token reply", Kind: models.MessageToken, ReceivedAt: base.Add(5 * time.Second)},
		{PhoneNumber: "+254711111111", Text: "other phone", Kind: models.MessageBalance, ReceivedAt: base.Add(9 * time.Second)},
	}
	for _, msg := range messages {
		require.NoError(t, s.Append(ctx, msg))
	}

	got, err := s.LatestSince(ctx, phone, []models.MessageKind{models.MessageBalance}, base)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "newest balance", got.Text)

	got, err = s.LatestSince(ctx, phone, []models.MessageKind{models.MessageBalance, models.MessageToken}, base)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "token reply", got.Text)

	got, err = s.LatestSince(ctx, phone, []models.MessageKind{models.MessageBalance}, base.Add(10*time.Second))
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = s.LatestSince(ctx, phone, []models.MessageKind{models.MessageGeneral}, time.Time{})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestResponseStore_Recent(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := context.Background()

	base := time.Now()
	for i, text := range []string{"first", "second", "third"} {
		require.NoError(t, s.Append(ctx, &models.InboundMessage{
			PhoneNumber: "+254700000001",
			Text:        text,
			Kind:        models.MessageGeneral,
			ReceivedAt:  base.Add(time.Duration(i) * time.Second),
		}))
	}

	recent, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "third", recent[0].Text)
	assert.Equal(t, "second", recent[1].Text)
}

func TestResponseStore_SubscribeReceivesArrivalHint(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, "+254700000001")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, s.Append(ctx, &models.InboundMessage{
		PhoneNumber: "+254700000001",
		Text:        "Token 1234 5678 9012 3456 7890",
		Kind:        models.MessageToken,
	}))

	select {
	case hint := <-sub.C:
		assert.Equal(t, string(models.MessageToken), hint.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("expected an arrival hint")
	}
}

func TestResponseStore_RecordDelivery(t *testing.T) {
	rdb, s := setupTestStore(t)
	ctx := context.Background()

	err := s.RecordDelivery(ctx, models.DeliveryReport{
		ID:          "ATXid_1",
		Status:      "delivered",
		RawStatus:   "Success",
		PhoneNumber: "+254700000001",
		RetryCount:  1,
		ReceivedAt:  time.Now(),
	})
	require.NoError(t, err)

	fields, err := rdb.HGetAll(ctx, "delivery:ATXid_1").Result()
	require.NoError(t, err)
	assert.Equal(t, "delivered", fields["status"])
	assert.Equal(t, "Success", fields["raw_status"])
	assert.Equal(t, "1", fields["retry_count"])
}
