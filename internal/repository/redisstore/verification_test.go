package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/worknow/newsletter/internal/domain"
	"github.com/worknow/newsletter/internal/service/verification"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func newRequest(id string, now time.Time) *domain.VerificationRequest {
	return &domain.VerificationRequest{
		ID:    id,
		Email: "alice@x.io",
		Code:  "012345",
		Payload: domain.SubscriptionPayload{
			FirstName:   "Alice",
			Preferences: domain.Preferences{Cities: domain.NewStringSet("Tel Aviv")},
		},
		IssuedAt:  now,
		ExpiresAt: now.Add(10 * time.Minute),
	}
}

func TestVerificationStore_RoundTrip(t *testing.T) {
	_, client := setupTestRedis(t)
	store := NewVerificationStore(client, time.Hour)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	_, err := store.Latest(ctx, "alice@x.io")
	assert.ErrorIs(t, err, verification.ErrNotFound)

	require.NoError(t, store.Replace(ctx, newRequest("r1", now), ""))

	got, err := store.Latest(ctx, "alice@x.io")
	require.NoError(t, err)
	assert.Equal(t, "r1", got.ID)
	assert.Equal(t, "012345", got.Code, "leading zero preserved")
	assert.Equal(t, "Alice", got.Payload.FirstName)
	assert.Equal(t, domain.StringSet{"Tel Aviv"}, got.Payload.Preferences.Cities)
	assert.True(t, now.Equal(got.IssuedAt))
	assert.True(t, now.Add(10*time.Minute).Equal(got.ExpiresAt))
	assert.Nil(t, got.ConsumedAt)
	assert.Zero(t, got.Attempts)
}

func TestVerificationStore_ReplaceChecksPreviousID(t *testing.T) {
	_, client := setupTestRedis(t)
	store := NewVerificationStore(client, time.Hour)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Replace(ctx, newRequest("r1", now), ""))
	assert.ErrorIs(t, store.Replace(ctx, newRequest("r2", now), ""), verification.ErrConflict)
	assert.ErrorIs(t, store.Replace(ctx, newRequest("r2", now), "stale"), verification.ErrConflict)
	require.NoError(t, store.Replace(ctx, newRequest("r2", now), "r1"))

	got, err := store.Latest(ctx, "alice@x.io")
	require.NoError(t, err)
	assert.Equal(t, "r2", got.ID)
}

func TestVerificationStore_ConsumeReleaseCAS(t *testing.T) {
	_, client := setupTestRedis(t)
	store := NewVerificationStore(client, time.Hour)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, store.Replace(ctx, newRequest("r1", now), ""))

	assert.ErrorIs(t, store.MarkConsumed(ctx, "alice@x.io", "other", now), verification.ErrConflict)
	require.NoError(t, store.MarkConsumed(ctx, "alice@x.io", "r1", now))
	assert.ErrorIs(t, store.MarkConsumed(ctx, "alice@x.io", "r1", now), verification.ErrConflict)

	got, err := store.Latest(ctx, "alice@x.io")
	require.NoError(t, err)
	require.NotNil(t, got.ConsumedAt)
	assert.True(t, now.Equal(*got.ConsumedAt))

	assert.ErrorIs(t, store.ClearConsumed(ctx, "alice@x.io", "r1", now.Add(time.Second)), verification.ErrConflict)
	require.NoError(t, store.ClearConsumed(ctx, "alice@x.io", "r1", now))

	got, err = store.Latest(ctx, "alice@x.io")
	require.NoError(t, err)
	assert.Nil(t, got.ConsumedAt)
}

func TestVerificationStore_AttemptsAndDelete(t *testing.T) {
	_, client := setupTestRedis(t)
	store := NewVerificationStore(client, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Replace(ctx, newRequest("r1", time.Now().UTC()), ""))

	n, err := store.IncrementAttempts(ctx, "alice@x.io", "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = store.IncrementAttempts(ctx, "alice@x.io", "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = store.IncrementAttempts(ctx, "alice@x.io", "other")
	assert.ErrorIs(t, err, verification.ErrConflict)

	require.NoError(t, store.Delete(ctx, "alice@x.io", "other"))
	_, err = store.Latest(ctx, "alice@x.io")
	require.NoError(t, err, "delete with a stale id is a no-op")

	require.NoError(t, store.Delete(ctx, "alice@x.io", "r1"))
	_, err = store.Latest(ctx, "alice@x.io")
	assert.ErrorIs(t, err, verification.ErrNotFound)
}

func TestVerificationStore_KeyOutlivesExpiry(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewVerificationStore(client, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Replace(ctx, newRequest("r1", time.Now().UTC()), ""))
	ttl := mr.TTL(defaultPrefix + "alice@x.io")
	assert.Greater(t, ttl, time.Hour)
	assert.LessOrEqual(t, ttl, time.Hour+10*time.Minute)

	mr.FastForward(ttl + time.Second)
	_, err := store.Latest(ctx, "alice@x.io")
	assert.ErrorIs(t, err, verification.ErrNotFound)
}

func TestVerificationStore_DeleteExpired(t *testing.T) {
	_, client := setupTestRedis(t)
	store := NewVerificationStore(client, time.Hour)
	ctx := context.Background()
	now := time.Now().UTC()

	old := newRequest("r1", now.Add(-time.Hour))
	require.NoError(t, store.Replace(ctx, old, ""))
	fresh := newRequest("r2", now)
	fresh.Email = "bob@x.io"
	require.NoError(t, store.Replace(ctx, fresh, ""))

	n, err := store.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.Latest(ctx, "bob@x.io")
	assert.NoError(t, err)
}

func TestVerificationStore_WithIssuer(t *testing.T) {
	_, client := setupTestRedis(t)
	iss := verification.NewIssuer(NewVerificationStore(client, time.Hour), verification.DefaultConfig())
	ctx := context.Background()

	req, err := iss.Issue(ctx, "alice@x.io", domain.SubscriptionPayload{})
	require.NoError(t, err)
	got, err := iss.Validate(ctx, "alice@x.io", req.Code)
	require.NoError(t, err)
	require.NoError(t, iss.Consume(ctx, got))

	_, err = iss.Validate(ctx, "alice@x.io", req.Code)
	assert.ErrorIs(t, err, verification.ErrCodeNotFound)
}

func TestWatermark_OnlyMovesForward(t *testing.T) {
	_, client := setupTestRedis(t)
	w := NewWatermark(client, "seekers")
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	got, err := w.Load(ctx)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	require.NoError(t, w.Save(ctx, t0))
	require.NoError(t, w.Save(ctx, t0.Add(-time.Hour)))
	got, err = w.Load(ctx)
	require.NoError(t, err)
	assert.True(t, t0.Equal(got))

	require.NoError(t, w.Save(ctx, t0.Add(time.Minute)))
	got, err = w.Load(ctx)
	require.NoError(t, err)
	assert.True(t, t0.Add(time.Minute).Equal(got))
}
