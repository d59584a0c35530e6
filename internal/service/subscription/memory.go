package subscription

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/worknow/newsletter/internal/domain"
)

// MemoryRepository is a process-local Repository for development and tests.
type MemoryRepository struct {
	mu   sync.RWMutex
	subs map[string]domain.Subscriber
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{subs: make(map[string]domain.Subscriber)}
}

func (m *MemoryRepository) Get(_ context.Context, email string) (*domain.Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subs[email]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemoryRepository) UpsertPending(_ context.Context, email string, p domain.SubscriptionPayload, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[email]
	if ok && s.IsActive() {
		return ErrConflict
	}
	if !ok {
		s = domain.Subscriber{Email: email, CreatedAt: at}
	}
	s.FirstName, s.LastName, s.Preferences = p.FirstName, p.LastName, p.Preferences
	s.Status = domain.SubscriberPending
	s.UpdatedAt = at
	m.subs[email] = s
	return nil
}

func (m *MemoryRepository) Activate(_ context.Context, email string, p domain.SubscriptionPayload, at time.Time) (*domain.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[email]
	if !ok {
		s = domain.Subscriber{Email: email, CreatedAt: at}
	}
	s.FirstName, s.LastName, s.Preferences = p.FirstName, p.LastName, p.Preferences
	s.Status = domain.SubscriberActive
	s.VerifiedAt = &at
	s.UnsubscribedAt = nil
	s.UpdatedAt = at
	m.subs[email] = s
	return &s, nil
}

func (m *MemoryRepository) Unsubscribe(_ context.Context, email string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[email]
	if !ok || !s.IsActive() {
		return ErrNotFound
	}
	s.Status = domain.SubscriberUnsubscribed
	s.UnsubscribedAt = &at
	s.UpdatedAt = at
	m.subs[email] = s
	return nil
}

func (m *MemoryRepository) List(_ context.Context, f ListFilter) ([]domain.Subscriber, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Subscriber
	for _, s := range m.subs {
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		if f.Search != "" && !strings.Contains(s.Email, f.Search) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	total := len(out)
	if f.Offset >= len(out) {
		return nil, total, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, total, nil
}

// ActiveProfiles pages through active subscribers in email order, starting
// after afterEmail.
func (m *MemoryRepository) ActiveProfiles(_ context.Context, afterEmail string, limit int) ([]domain.SubscriberProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.SubscriberProfile
	for _, s := range m.subs {
		if !s.IsActive() || s.Email <= afterEmail {
			continue
		}
		prefs, err := json.Marshal(s.Preferences)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.SubscriberProfile{Email: s.Email, FirstName: s.FirstName, LastName: s.LastName, RawPreferences: prefs})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
