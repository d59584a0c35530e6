package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var advanceScript = redis.NewScript(`
	local cur = redis.call("GET", KEYS[1])
	if cur == false or tonumber(cur) < tonumber(ARGV[1]) then
		redis.call("SET", KEYS[1], ARGV[1])
		return 1
	end
	return 0
`)

// Watermark stores the check-and-send position. It only moves forward.
type Watermark struct {
	client *redis.Client
	key    string
}

// NewWatermark creates a watermark stored under newsletter:digest:<name>.
func NewWatermark(client *redis.Client, name string) *Watermark {
	return &Watermark{client: client, key: "newsletter:digest:" + name}
}

// Load returns the saved watermark or the zero time.
func (w *Watermark) Load(ctx context.Context) (time.Time, error) {
	v, err := w.client.Get(ctx, w.key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("load digest watermark: %w", err)
	}
	t, err := parseMicros(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode digest watermark: %w", err)
	}
	return t, nil
}

// Save advances the watermark to t if t is later.
func (w *Watermark) Save(ctx context.Context, t time.Time) error {
	if err := advanceScript.Run(ctx, w.client, []string{w.key}, micros(t)).Err(); err != nil {
		return fmt.Errorf("save digest watermark: %w", err)
	}
	return nil
}
