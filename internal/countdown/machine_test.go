package countdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMachine() (*Machine, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return New(clock.Now), clock
}

func TestTick_RecomputesFromAbsoluteTime(t *testing.T) {
	m, clock := newMachine()
	t0 := clock.Now()
	require.NoError(t, m.CodeSent(t0.Add(10*time.Minute), t0.Add(time.Minute)))

	s := m.Tick()
	assert.Equal(t, CodeSent, s.State)
	assert.Equal(t, 600, s.RemainingSeconds)
	assert.Equal(t, 60, s.ResendInSeconds)
	assert.False(t, s.CanResend())

	// A long gap between ticks (backgrounded tab) lands on the right value.
	clock.Advance(4*time.Minute + 500*time.Millisecond)
	s = m.Tick()
	assert.Equal(t, 360, s.RemainingSeconds, "rounded up")
	assert.Zero(t, s.ResendInSeconds)
	assert.True(t, s.CanResend())
}

func TestTick_ExpiresAtDeadline(t *testing.T) {
	m, clock := newMachine()
	t0 := clock.Now()
	require.NoError(t, m.CodeSent(t0.Add(10*time.Minute), t0.Add(time.Minute)))

	clock.Advance(10*time.Minute - time.Millisecond)
	assert.Equal(t, CodeSent, m.Tick().State)
	assert.Equal(t, 1, m.Tick().RemainingSeconds)

	clock.Advance(time.Millisecond)
	s := m.Tick()
	assert.Equal(t, Expired, s.State)
	assert.Zero(t, s.RemainingSeconds)

	assert.ErrorIs(t, m.BeginVerify(), ErrInvalidTransition)
}

func TestVerifyFlow(t *testing.T) {
	m, clock := newMachine()
	t0 := clock.Now()

	assert.ErrorIs(t, m.BeginVerify(), ErrInvalidTransition, "nothing sent yet")
	require.NoError(t, m.CodeSent(t0.Add(10*time.Minute), t0.Add(time.Minute)))

	require.NoError(t, m.BeginVerify())
	require.NoError(t, m.Rejected(errors.New("code mismatch"), false))
	s := m.Tick()
	assert.Equal(t, Failed, s.State)
	assert.True(t, s.Retryable)
	assert.EqualError(t, s.Err, "code mismatch")

	require.NoError(t, m.BeginVerify(), "retryable failure allows another try")
	require.NoError(t, m.Succeeded())
	assert.Equal(t, Verified, m.Tick().State)
	assert.ErrorIs(t, m.CodeSent(t0, t0), ErrInvalidTransition)
}

func TestServerExpiryIsAuthoritative(t *testing.T) {
	m, clock := newMachine()
	t0 := clock.Now()
	require.NoError(t, m.CodeSent(t0.Add(10*time.Minute), t0.Add(time.Minute)))

	require.NoError(t, m.BeginVerify())
	require.NoError(t, m.Rejected(errors.New("code expired"), true))
	assert.Equal(t, Expired, m.Tick().State, "local clock still had time left")
}

func TestResendRejected_OverridesLocalCooldown(t *testing.T) {
	m, clock := newMachine()
	t0 := clock.Now()
	require.NoError(t, m.CodeSent(t0.Add(10*time.Minute), t0))
	assert.True(t, m.Tick().CanResend())

	m.ResendRejected(15 * time.Second)
	s := m.Tick()
	assert.Equal(t, 15, s.ResendInSeconds)
	assert.False(t, s.CanResend())
}

func TestResendAfterExpiry(t *testing.T) {
	m, clock := newMachine()
	t0 := clock.Now()
	require.NoError(t, m.CodeSent(t0.Add(time.Minute), t0.Add(time.Minute)))
	clock.Advance(2 * time.Minute)
	require.Equal(t, Expired, m.Tick().State)

	now := clock.Now()
	require.NoError(t, m.CodeSent(now.Add(10*time.Minute), now.Add(time.Minute)))
	assert.Equal(t, CodeSent, m.Tick().State)
}

func TestReset(t *testing.T) {
	m, clock := newMachine()
	require.NoError(t, m.CodeSent(clock.Now().Add(time.Minute), clock.Now()))
	m.Reset()
	s := m.Tick()
	assert.Equal(t, Idle, s.State)
	assert.Zero(t, s.RemainingSeconds)
}

func TestRun_StopsOnExpiry(t *testing.T) {
	m := New(nil)
	now := time.Now()
	require.NoError(t, m.CodeSent(now.Add(30*time.Millisecond), now))

	var ticks int
	final := Run(context.Background(), m, 5*time.Millisecond, func(Snapshot) { ticks++ })
	assert.Equal(t, Expired, final.State)
	assert.Greater(t, ticks, 1)
}

func TestRun_StopsOnContext(t *testing.T) {
	m := New(nil)
	now := time.Now()
	require.NoError(t, m.CodeSent(now.Add(time.Hour), now))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	final := Run(ctx, m, 5*time.Millisecond, nil)
	assert.Equal(t, CodeSent, final.State)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "code_sent", CodeSent.String())
	assert.Equal(t, "state(42)", State(42).String())
}
