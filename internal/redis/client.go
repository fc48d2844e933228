// Package redis provides an optional distributed presence publisher. A
// single gateway instance never needs Redis to route anything — the
// registry's in-memory map is authoritative — but operators running more
// than one gateway in front of the same subnet can turn this on to observe
// session churn across instances.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/icws/gateway/internal/config"
	"github.com/redis/go-redis/v9"
)

// PresenceEvent describes a session lifecycle transition published for
// operator visibility. Kind is "registered", "displaced", or a close reason.
type PresenceEvent struct {
	Kind      string    `json:"kind"`
	BackendID string    `json:"backend_id"`
	ClientKey string    `json:"client_key"`
	GatewayID string    `json:"gateway_id"`
	At        time.Time `json:"at"`
}

// Client is a thin Redis wrapper used only for presence pub/sub.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// NewClient creates a new Redis client from the gateway's Redis config.
func NewClient(cfg *config.RedisConfig) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	return &Client{rdb: rdb, prefix: cfg.KeyPrefix}
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the Redis connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) key(suffix string) string {
	return c.prefix + suffix
}

// PublishPresence publishes a session lifecycle event on the shared
// "presence" channel. Failures are the caller's to decide whether to log;
// presence publication never gates session handling.
func (c *Client) PublishPresence(ctx context.Context, ev PresenceEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal presence event: %w", err)
	}
	if err := c.rdb.Publish(ctx, c.key("presence"), data).Err(); err != nil {
		return fmt.Errorf("failed to publish presence event: %w", err)
	}
	return nil
}

// SubscribePresence subscribes to the presence channel and invokes callback
// for each event until ctx is done. Intended for operator tooling, not for
// gateway-to-gateway coordination.
func (c *Client) SubscribePresence(ctx context.Context, callback func(PresenceEvent)) error {
	pubsub := c.rdb.Subscribe(ctx, c.key("presence"))
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-ch:
			if msg == nil {
				continue
			}
			var ev PresenceEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			callback(ev)
		}
	}
}
