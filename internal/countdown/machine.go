// Package countdown is the client-side verification timer.
//
// Remaining time is always derived from the absolute expiresAt and
// canResendAt the server returned, never from a decremented counter, so a
// sleeping process or a skipped tick cannot drift from server expiry. Server
// answers (CodeExpired, ResendTooSoon) override whatever the local clock
// says.
package countdown

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// State is a step of the verification flow.
type State int

const (
	Idle State = iota
	CodeSent
	Verifying
	Verified
	Failed
	Expired
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case CodeSent:
		return "code_sent"
	case Verifying:
		return "verifying"
	case Verified:
		return "verified"
	case Failed:
		return "failed"
	case Expired:
		return "expired"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrInvalidTransition is returned for an event the current state does not
// accept.
var ErrInvalidTransition = errors.New("invalid countdown transition")

// Snapshot is the machine's view at one instant.
type Snapshot struct {
	State       State
	ExpiresAt   time.Time
	CanResendAt time.Time
	// RemainingSeconds and ResendInSeconds are rounded up, never negative.
	RemainingSeconds int
	ResendInSeconds  int
	Err              error
	Retryable        bool
}

// CanResend reports whether a new code may be requested now.
func (s Snapshot) CanResend() bool {
	return s.State != Verified && s.State != Verifying && s.ResendInSeconds == 0
}

// Machine tracks one verification attempt. It is safe for concurrent use.
type Machine struct {
	mu          sync.Mutex
	state       State
	expiresAt   time.Time
	canResendAt time.Time
	err         error
	retryable   bool
	now         func() time.Time
}

// New creates an idle machine. now defaults to time.Now.
func New(now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{now: now}
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// expireLocked moves a waiting machine to Expired once the clock reaches
// expiresAt.
func (m *Machine) expireLocked(now time.Time) {
	if (m.state == CodeSent || m.state == Failed) && !now.Before(m.expiresAt) {
		m.state = Expired
		m.err = nil
		m.retryable = false
	}
}

func (m *Machine) snapshotLocked(now time.Time) Snapshot {
	s := Snapshot{
		State:       m.state,
		ExpiresAt:   m.expiresAt,
		CanResendAt: m.canResendAt,
		Err:         m.err,
		Retryable:   m.retryable,
	}
	if m.state == CodeSent || m.state == Verifying || m.state == Failed {
		s.RemainingSeconds = ceilSeconds(m.expiresAt.Sub(now))
	}
	if m.state != Idle {
		s.ResendInSeconds = ceilSeconds(m.canResendAt.Sub(now))
	}
	return s
}

// Tick recomputes the view from the current time.
func (m *Machine) Tick() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.expireLocked(now)
	return m.snapshotLocked(now)
}

// CodeSent records a successful send or resend.
func (m *Machine) CodeSent(expiresAt, canResendAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case Verifying, Verified:
		return fmt.Errorf("%w: code sent while %s", ErrInvalidTransition, m.state)
	}
	m.state = CodeSent
	m.expiresAt = expiresAt
	m.canResendAt = canResendAt
	m.err = nil
	m.retryable = false
	return nil
}

// ResendRejected applies the server's ResendTooSoon answer. The local
// cooldown is replaced by the server's.
func (m *Machine) ResendRejected(retryAfter time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canResendAt = m.now().Add(retryAfter)
}

// BeginVerify moves CodeSent (or a retryable failure) to Verifying.
func (m *Machine) BeginVerify() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(m.now())
	if m.state != CodeSent && !(m.state == Failed && m.retryable) {
		return fmt.Errorf("%w: verify while %s", ErrInvalidTransition, m.state)
	}
	m.state = Verifying
	m.err = nil
	return nil
}

// Succeeded completes the flow.
func (m *Machine) Succeeded() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Verifying {
		return fmt.Errorf("%w: success while %s", ErrInvalidTransition, m.state)
	}
	m.state = Verified
	return nil
}

// Rejected records a failed verification. expired means the server answered
// CodeExpired, which wins over the local clock.
func (m *Machine) Rejected(err error, expired bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Verifying {
		return fmt.Errorf("%w: failure while %s", ErrInvalidTransition, m.state)
	}
	if expired {
		m.state = Expired
		m.err = err
		m.retryable = false
		return nil
	}
	m.state = Failed
	m.err = err
	m.retryable = true
	m.expireLocked(m.now())
	return nil
}

// Reset returns to Idle.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Idle
	m.expiresAt = time.Time{}
	m.canResendAt = time.Time{}
	m.err = nil
	m.retryable = false
}

// Run calls fn with a fresh snapshot every interval until ctx ends or the
// machine leaves the waiting states. The final snapshot is returned.
func Run(ctx context.Context, m *Machine, interval time.Duration, fn func(Snapshot)) Snapshot {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s := m.Tick()
		if fn != nil {
			fn(s)
		}
		switch s.State {
		case CodeSent, Verifying, Failed:
		default:
			return s
		}
		select {
		case <-ctx.Done():
			return s
		case <-ticker.C:
		}
	}
}
