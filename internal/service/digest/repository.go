package digest

import (
	"context"
	"time"

	"github.com/worknow/newsletter/internal/domain"
)

// SubscriberSource pages through active subscribers ordered by email.
type SubscriberSource interface {
	ActiveProfiles(ctx context.Context, afterEmail string, limit int) ([]domain.SubscriberProfile, error)
}

// CandidateSource returns at most limit candidates created after since,
// oldest first. A page may also hold candidates created exactly at since;
// RunCycle drops them.
type CandidateSource interface {
	CandidatesSince(ctx context.Context, since time.Time, limit int) ([]domain.Candidate, error)
}

// WatermarkStore persists the creation time of the newest notified candidate.
type WatermarkStore interface {
	Load(ctx context.Context) (time.Time, error)
	Save(ctx context.Context, t time.Time) error
}

// Recipient is one addressee of a notification.
type Recipient struct {
	Email     string `json:"email"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

// Notification is a rendered message about one candidate for every matching
// subscriber.
type Notification struct {
	Candidate  domain.Candidate `json:"candidate"`
	Recipients []Recipient      `json:"recipients"`
	Subject    string           `json:"subject"`
	Body       string           `json:"body"`
}

// Dispatcher delivers notifications. Delivery itself happens elsewhere.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}
