package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Client wraps a *redis.Client with coinstream's connection lifecycle and a
// thin publish/pipeline surface shared by the order-book engine and candle store.
type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
	config ClientConfig
}

// ClientConfig holds Redis client configuration.
type ClientConfig struct {
	Addr         string
	DB           int
	Password     string
	PoolSize     int
	MaxRetries   int
	RetryBackoff time.Duration
}

// NewClient creates a new Redis client and verifies connectivity with a ping.
func NewClient(config ClientConfig, logger *zap.Logger) (*Client, error) {
	opts := &redis.Options{
		Addr:       config.Addr,
		DB:         config.DB,
		Password:   config.Password,
		PoolSize:   config.PoolSize,
		MaxRetries: config.MaxRetries,
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis client connected successfully",
		zap.String("addr", opts.Addr),
		zap.Int("db", opts.DB),
		zap.Int("pool_size", opts.PoolSize))

	return &Client{
		rdb:    rdb,
		logger: logger,
		config: config,
	}, nil
}

// Raw returns the underlying *redis.Client for callers that need direct
// access to hash/sorted-set/pipeline operations not wrapped here.
func (c *Client) Raw() *redis.Client {
	return c.rdb
}

// Pipeline returns a new pipeline for batching HSET/ZADD/EXPIRE/PUBLISH calls.
func (c *Client) Pipeline() redis.Pipeliner {
	return c.rdb.Pipeline()
}

// Publish publishes a raw JSON payload to a Redis channel.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		c.logger.Error("Failed to publish message",
			zap.String("channel", channel),
			zap.Error(err))
		return fmt.Errorf("failed to publish to channel %s: %w", channel, err)
	}
	return nil
}

// Subscribe subscribes to Redis channels and returns a channel of messages.
func (c *Client) Subscribe(ctx context.Context, channels ...string) (<-chan *redis.Message, error) {
	pubsub := c.rdb.Subscribe(ctx, channels...)

	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("failed to subscribe to channels: %w", err)
	}

	c.logger.Info("Subscribed to channels", zap.Strings("channels", channels))

	return pubsub.Channel(), nil
}

// HealthCheck performs a health check on the Redis connection.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("Redis health check failed: %w", err)
	}
	return nil
}

// GetStats returns Redis connection pool statistics.
func (c *Client) GetStats() map[string]interface{} {
	stats := c.rdb.PoolStats()
	return map[string]interface{}{
		"hits":        stats.Hits,
		"misses":      stats.Misses,
		"timeouts":    stats.Timeouts,
		"total_conns": stats.TotalConns,
		"idle_conns":  stats.IdleConns,
		"stale_conns": stats.StaleConns,
	}
}

// Close closes the Redis client connection.
func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		c.logger.Error("Failed to close Redis client", zap.Error(err))
		return err
	}

	c.logger.Info("Redis client closed successfully")
	return nil
}
