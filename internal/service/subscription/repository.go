package subscription

import (
	"context"
	"time"

	"github.com/worknow/newsletter/internal/domain"
)

// Repository defines the data access contract for subscribers. Emails are
// passed already normalized.
type Repository interface {
	// Get returns the subscriber for email or ErrNotFound.
	Get(ctx context.Context, email string) (*domain.Subscriber, error)

	// UpsertPending creates the subscriber in pending_verification, or moves a
	// pending/unsubscribed row back to pending with the new payload. Returns
	// ErrConflict if the row is active.
	UpsertPending(ctx context.Context, email string, payload domain.SubscriptionPayload, at time.Time) error

	// Activate sets the subscriber active with payload's names and
	// preferences, creating the row if needed.
	Activate(ctx context.Context, email string, payload domain.SubscriptionPayload, at time.Time) (*domain.Subscriber, error)

	// Unsubscribe moves an active subscriber to unsubscribed. Returns
	// ErrNotFound if there is no active row for email.
	Unsubscribe(ctx context.Context, email string, at time.Time) error

	// List returns subscribers matching the filter and the total count.
	List(ctx context.Context, filter ListFilter) ([]domain.Subscriber, int, error)
}

// ListFilter controls pagination and filtering for subscriber lists.
type ListFilter struct {
	Status domain.SubscriberStatus
	Search string
	Limit  int
	Offset int
}

// CodeSender hands a freshly issued code to whatever delivers email.
type CodeSender interface {
	SendVerificationCode(ctx context.Context, req *domain.VerificationRequest) error
}
