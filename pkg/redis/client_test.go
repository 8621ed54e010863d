package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"utility-ussd-bridge/pkg/config"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestConnectionConfigFrom_OverlaysNonZeroValues(t *testing.T) {
	conn := ConnectionConfigFrom(config.RedisConfig{
		URL:         "redis://cache:6380/2",
		PoolSize:    200,
		DialTimeout: time.Second,
	})

	assert.Equal(t, 200, conn.PoolSize)
	assert.Equal(t, time.Second, conn.DialTimeout)
	assert.Equal(t, 3*time.Second, conn.ReadTimeout, "unset values keep the defaults")
	assert.Equal(t, 3, conn.MaxRetries)

	opt, err := conn.Options()
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opt.Addr)
	assert.Equal(t, 2, opt.DB)
	assert.Equal(t, 200, opt.PoolSize)
}

func TestNewClient_Connects(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewClient(context.Background(), DefaultConnectionConfig("redis://"+mr.Addr()), testLogger())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.GetRedisClient().Set(context.Background(), "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestNewClient_Errors(t *testing.T) {
	_, err := NewClient(context.Background(), DefaultConnectionConfig("not-a-url"), testLogger())
	assert.ErrorContains(t, err, "failed to parse Redis URL")

	// Nothing listens on port 1.
	conn := DefaultConnectionConfig("redis://127.0.0.1:1")
	conn.DialTimeout = 200 * time.Millisecond
	conn.MaxRetries = 0
	_, err = NewClient(context.Background(), conn, testLogger())
	assert.ErrorContains(t, err, "failed to connect to Redis")
}
