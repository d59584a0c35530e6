// Package redisstore keeps short-lived newsletter state in Redis.
//
// Verification requests live in one hash per email. All conditional writes
// run as Lua scripts so the id check and the mutation are atomic.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/worknow/newsletter/internal/domain"
	"github.com/worknow/newsletter/internal/service/verification"
)

const defaultPrefix = "newsletter:verify:"

var replaceScript = redis.NewScript(`
	local cur = redis.call("HGET", KEYS[1], "id")
	if cur == false then cur = "" end
	if cur ~= ARGV[1] then return 0 end
	redis.call("DEL", KEYS[1])
	redis.call("HSET", KEYS[1],
		"id", ARGV[2], "code", ARGV[3], "payload", ARGV[4],
		"issued_at", ARGV[5], "expires_at", ARGV[6], "attempts", "0")
	redis.call("PEXPIRE", KEYS[1], ARGV[7])
	return 1
`)

var consumeScript = redis.NewScript(`
	if redis.call("HGET", KEYS[1], "id") ~= ARGV[1] then return 0 end
	if redis.call("HEXISTS", KEYS[1], "consumed_at") == 1 then return 0 end
	redis.call("HSET", KEYS[1], "consumed_at", ARGV[2])
	return 1
`)

var releaseScript = redis.NewScript(`
	if redis.call("HGET", KEYS[1], "id") ~= ARGV[1] then return 0 end
	if redis.call("HGET", KEYS[1], "consumed_at") ~= ARGV[2] then return 0 end
	redis.call("HDEL", KEYS[1], "consumed_at")
	return 1
`)

var attemptScript = redis.NewScript(`
	if redis.call("HGET", KEYS[1], "id") ~= ARGV[1] then return -1 end
	return redis.call("HINCRBY", KEYS[1], "attempts", 1)
`)

var deleteScript = redis.NewScript(`
	if redis.call("HGET", KEYS[1], "id") ~= ARGV[1] then return 0 end
	return redis.call("DEL", KEYS[1])
`)

// VerificationStore implements verification.Store on Redis hashes. Keys
// expire retention after the code does, so an expired code still answers
// "expired" for a while instead of "not found".
type VerificationStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	now       func() time.Time
}

// NewVerificationStore creates a Redis-backed verification store.
func NewVerificationStore(client *redis.Client, retention time.Duration) *VerificationStore {
	if retention <= 0 {
		retention = time.Hour
	}
	return &VerificationStore{client: client, prefix: defaultPrefix, retention: retention, now: time.Now}
}

func (s *VerificationStore) key(email string) string { return s.prefix + email }

func micros(t time.Time) string { return strconv.FormatInt(t.UnixMicro(), 10) }

func parseMicros(v string) (time.Time, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMicro(n).UTC(), nil
}

func (s *VerificationStore) Latest(ctx context.Context, email string) (*domain.VerificationRequest, error) {
	fields, err := s.client.HGetAll(ctx, s.key(email)).Result()
	if err != nil {
		return nil, fmt.Errorf("load verification request: %w", err)
	}
	if len(fields) == 0 || fields["id"] == "" {
		return nil, verification.ErrNotFound
	}

	req := &domain.VerificationRequest{ID: fields["id"], Email: email, Code: fields["code"]}
	if err := json.Unmarshal([]byte(fields["payload"]), &req.Payload); err != nil {
		return nil, fmt.Errorf("decode verification payload: %w", err)
	}
	req.Payload.Preferences = req.Payload.Preferences.Normalize()
	if req.IssuedAt, err = parseMicros(fields["issued_at"]); err != nil {
		return nil, fmt.Errorf("decode issued_at: %w", err)
	}
	if req.ExpiresAt, err = parseMicros(fields["expires_at"]); err != nil {
		return nil, fmt.Errorf("decode expires_at: %w", err)
	}
	if v, ok := fields["consumed_at"]; ok {
		at, err := parseMicros(v)
		if err != nil {
			return nil, fmt.Errorf("decode consumed_at: %w", err)
		}
		req.ConsumedAt = &at
	}
	if v := fields["attempts"]; v != "" {
		if req.Attempts, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("decode attempts: %w", err)
		}
	}
	return req, nil
}

func (s *VerificationStore) Replace(ctx context.Context, req *domain.VerificationRequest, prevID string) error {
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return fmt.Errorf("encode verification payload: %w", err)
	}
	ttl := req.ExpiresAt.Sub(s.now()) + s.retention
	if ttl <= 0 {
		ttl = s.retention
	}
	n, err := replaceScript.Run(ctx, s.client, []string{s.key(req.Email)},
		prevID, req.ID, req.Code, string(payload),
		micros(req.IssuedAt), micros(req.ExpiresAt), ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("store verification request: %w", err)
	}
	if n == 0 {
		return verification.ErrConflict
	}
	return nil
}

func (s *VerificationStore) runConditional(ctx context.Context, op string, script *redis.Script, email string, args ...any) error {
	n, err := script.Run(ctx, s.client, []string{s.key(email)}, args...).Int()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return verification.ErrConflict
	}
	return nil
}

func (s *VerificationStore) MarkConsumed(ctx context.Context, email, id string, at time.Time) error {
	return s.runConditional(ctx, "consume verification request", consumeScript, email, id, micros(at))
}

func (s *VerificationStore) ClearConsumed(ctx context.Context, email, id string, at time.Time) error {
	return s.runConditional(ctx, "release verification request", releaseScript, email, id, micros(at))
}

func (s *VerificationStore) IncrementAttempts(ctx context.Context, email, id string) (int, error) {
	n, err := attemptScript.Run(ctx, s.client, []string{s.key(email)}, id).Int()
	if err != nil {
		return 0, fmt.Errorf("record attempt: %w", err)
	}
	if n < 0 {
		return 0, verification.ErrConflict
	}
	return n, nil
}

func (s *VerificationStore) Delete(ctx context.Context, email, id string) error {
	if err := deleteScript.Run(ctx, s.client, []string{s.key(email)}, id).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete verification request: %w", err)
	}
	return nil
}

// DeleteExpired scans for requests that expired before cutoff. Key TTLs
// already bound storage; this only reclaims it sooner.
func (s *VerificationStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	var (
		cursor  uint64
		deleted int64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 200).Result()
		if err != nil {
			return deleted, fmt.Errorf("scan verification requests: %w", err)
		}
		for _, k := range keys {
			v, err := s.client.HGet(ctx, k, "expires_at").Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return deleted, fmt.Errorf("read expires_at: %w", err)
			}
			exp, err := parseMicros(v)
			if err != nil || exp.Before(cutoff) {
				n, err := s.client.Del(ctx, k).Result()
				if err != nil {
					return deleted, fmt.Errorf("delete %s: %w", k, err)
				}
				deleted += n
			}
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}
