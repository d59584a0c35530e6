package verification

import (
	"context"
	"time"

	"github.com/worknow/newsletter/internal/domain"
)

// Store persists at most one verification request per email: issuing a new
// request replaces the previous one.
type Store interface {
	// Latest returns the current request for email. Returns ErrNotFound if
	// none exists.
	Latest(ctx context.Context, email string) (*domain.VerificationRequest, error)

	// Replace stores req as the current request for req.Email, but only if the
	// current request id is still prevID ("" meaning none). Returns
	// ErrConflict otherwise.
	Replace(ctx context.Context, req *domain.VerificationRequest, prevID string) error

	// MarkConsumed sets consumed_at = at if the request id is current and not
	// yet consumed. Returns ErrConflict otherwise.
	MarkConsumed(ctx context.Context, email, id string, at time.Time) error

	// ClearConsumed reverses MarkConsumed when consumed_at still equals at.
	ClearConsumed(ctx context.Context, email, id string, at time.Time) error

	// IncrementAttempts records one failed comparison and returns the new count.
	IncrementAttempts(ctx context.Context, email, id string) (int, error)

	// Delete removes the request if id is current. Missing rows are not an error.
	Delete(ctx context.Context, email, id string) error

	// DeleteExpired removes requests that expired before cutoff.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}
