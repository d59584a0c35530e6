package verification

import (
	"context"
	"sync"
	"time"

	"github.com/worknow/newsletter/internal/domain"
)

// MemoryStore is a process-local Store for single-instance deployments and
// tests. State is lost on restart.
type MemoryStore struct {
	mu      sync.Mutex
	byEmail map[string]domain.VerificationRequest
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byEmail: make(map[string]domain.VerificationRequest)}
}

func (m *MemoryStore) current(email, id string) (domain.VerificationRequest, error) {
	r, ok := m.byEmail[email]
	if !ok {
		return r, ErrNotFound
	}
	if r.ID != id {
		return r, ErrConflict
	}
	return r, nil
}

// Latest returns a copy of the current request for email.
func (m *MemoryStore) Latest(_ context.Context, email string) (*domain.VerificationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

// Replace stores req if the current request is still prevID.
func (m *MemoryStore) Replace(_ context.Context, req *domain.VerificationRequest, prevID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byEmail[req.Email]
	if (ok && cur.ID != prevID) || (!ok && prevID != "") {
		return ErrConflict
	}
	m.byEmail[req.Email] = *req
	return nil
}

// MarkConsumed sets consumedAt if unset.
func (m *MemoryStore) MarkConsumed(_ context.Context, email, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.current(email, id)
	if err != nil {
		return ErrConflict
	}
	if r.ConsumedAt != nil {
		return ErrConflict
	}
	r.ConsumedAt = &at
	m.byEmail[email] = r
	return nil
}

// ClearConsumed unsets consumedAt if it still equals at.
func (m *MemoryStore) ClearConsumed(_ context.Context, email, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.current(email, id)
	if err != nil || r.ConsumedAt == nil || !r.ConsumedAt.Equal(at) {
		return ErrConflict
	}
	r.ConsumedAt = nil
	m.byEmail[email] = r
	return nil
}

// IncrementAttempts bumps the failed-attempt counter of the current request.
func (m *MemoryStore) IncrementAttempts(_ context.Context, email, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.current(email, id)
	if err != nil {
		return 0, ErrConflict
	}
	r.Attempts++
	m.byEmail[email] = r
	return r.Attempts, nil
}

// Delete removes the request if it is still current.
func (m *MemoryStore) Delete(_ context.Context, email, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.current(email, id); err != nil {
		return nil
	}
	delete(m.byEmail, email)
	return nil
}

// DeleteExpired removes requests that expired before cutoff.
func (m *MemoryStore) DeleteExpired(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for email, r := range m.byEmail {
		if r.ExpiresAt.Before(cutoff) {
			delete(m.byEmail, email)
			n++
		}
	}
	return n, nil
}
