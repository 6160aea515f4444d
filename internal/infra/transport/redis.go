package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vietddude/relay/internal/core/domain"
)

// RedisConfig holds connection settings for the Redis transport.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// RedisTransport moves envelopes between processes over Redis pub/sub.
// Each context subscribes to its own channel.
type RedisTransport struct {
	rdb *redis.Client
}

// NewRedisTransport connects to Redis and verifies the connection.
func NewRedisTransport(cfg RedisConfig) (*RedisTransport, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisTransport{rdb: rdb}, nil
}

func contextChannel(target domain.ContextID) string {
	return fmt.Sprintf("relay:ctx:%s", target)
}

// Deliver publishes the envelope to the target's channel. Zero receivers
// means the target is not subscribed.
func (t *RedisTransport) Deliver(ctx context.Context, target domain.ContextID, env *domain.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	receivers, err := t.rdb.Publish(ctx, contextChannel(target), data).Result()
	if err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}
	if receivers == 0 {
		return ErrTargetUnavailable
	}
	return nil
}

// Subscribe consumes envelopes addressed to self until ctx is cancelled.
func (t *RedisTransport) Subscribe(ctx context.Context, self domain.ContextID, h Handler) error {
	sub := t.rdb.Subscribe(ctx, contextChannel(self))
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", contextChannel(self), err)
	}

	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var env domain.Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					slog.Warn("Dropping undecodable envelope",
						"context", string(self),
						"error", err)
					continue
				}
				h(&env)
			}
		}
	}()
	return nil
}

// Close shuts down the Redis client.
func (t *RedisTransport) Close() error {
	return t.rdb.Close()
}
