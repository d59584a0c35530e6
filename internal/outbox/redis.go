package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKey is the Redis list the mailer consumes.
const DefaultKey = "newsletter:outbox"

// RedisPublisher LPUSHes JSON messages onto a list.
type RedisPublisher struct {
	client *redis.Client
	key    string
}

// NewRedisPublisher creates a publisher for key, or DefaultKey if empty.
func NewRedisPublisher(client *redis.Client, key string) *RedisPublisher {
	if key == "" {
		key = DefaultKey
	}
	return &RedisPublisher{client: client, key: key}
}

// Publish pushes msgs in one MULTI/EXEC.
func (p *RedisPublisher) Publish(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	values := make([]any, 0, len(msgs))
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode outbox message: %w", err)
		}
		values = append(values, b)
	}
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, p.key, values...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("push to %s: %w", p.key, err)
	}
	return nil
}

// Pop removes the oldest message, waiting up to timeout. Returns nil, nil
// when the list stays empty.
func (p *RedisPublisher) Pop(ctx context.Context, timeout time.Duration) (*Message, error) {
	res, err := p.client.BRPop(ctx, timeout, p.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop from %s: %w", p.key, err)
	}
	var m Message
	if err := json.Unmarshal([]byte(res[1]), &m); err != nil {
		return nil, fmt.Errorf("decode outbox message: %w", err)
	}
	return &m, nil
}

// Len returns the number of undelivered messages.
func (p *RedisPublisher) Len(ctx context.Context) (int64, error) {
	return p.client.LLen(ctx, p.key).Result()
}
