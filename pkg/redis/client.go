// Package redis connects to the Redis instance that holds correlation state, the response
// store and the results stream.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"utility-ussd-bridge/pkg/config"
)

type Client struct {
	rdb    *redis.Client
	logger *logrus.Logger
}

type ConnectionConfig struct {
	URL             string
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	PoolSize        int
	MinIdleConns    int
	PoolTimeout     time.Duration
	IdleTimeout     time.Duration
}

// DefaultConnectionConfig returns settings sized for many correlators polling the store at
// once. Each waiting correlator also holds a pub/sub connection outside the pool.
func DefaultConnectionConfig(url string) ConnectionConfig {
	return ConnectionConfig{
		URL:             url,
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		PoolSize:        50,
		MinIdleConns:    5,
		PoolTimeout:     4 * time.Second,
		IdleTimeout:     5 * time.Minute,
	}
}

// ConnectionConfigFrom overlays the non-zero values of cfg on the defaults.
func ConnectionConfigFrom(cfg config.RedisConfig) ConnectionConfig {
	conn := DefaultConnectionConfig(cfg.URL)
	if cfg.PoolSize > 0 {
		conn.PoolSize = cfg.PoolSize
	}
	if cfg.MaxRetries > 0 {
		conn.MaxRetries = cfg.MaxRetries
	}
	if cfg.DialTimeout > 0 {
		conn.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		conn.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		conn.WriteTimeout = cfg.WriteTimeout
	}
	return conn
}

// Options parses the URL and applies the pool and timeout settings.
func (c ConnectionConfig) Options() (*redis.Options, error) {
	opt, err := redis.ParseURL(c.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opt.MaxRetries = c.MaxRetries
	opt.MinRetryBackoff = c.MinRetryBackoff
	opt.MaxRetryBackoff = c.MaxRetryBackoff
	opt.DialTimeout = c.DialTimeout
	opt.ReadTimeout = c.ReadTimeout
	opt.WriteTimeout = c.WriteTimeout
	opt.PoolSize = c.PoolSize
	opt.MinIdleConns = c.MinIdleConns
	opt.PoolTimeout = c.PoolTimeout
	opt.IdleTimeout = c.IdleTimeout
	return opt, nil
}

// NewClient connects and pings. The client is closed again if the ping fails.
func NewClient(ctx context.Context, config ConnectionConfig, logger *logrus.Logger) (*Client, error) {
	opt, err := config.Options()
	if err != nil {
		return nil, err
	}

	client := &Client{
		rdb:    redis.NewClient(opt),
		logger: logger,
	}

	pingCtx, cancel := context.WithTimeout(ctx, config.DialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opt.Addr, err)
	}

	logger.WithFields(logrus.Fields{
		"addr":      opt.Addr,
		"db":        opt.DB,
		"pool_size": opt.PoolSize,
	}).Info("Successfully connected to Redis")
	return client, nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) GetRedisClient() *redis.Client {
	return c.rdb
}
