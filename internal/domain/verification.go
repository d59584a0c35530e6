package domain

import "time"

// SubscriptionPayload is the pending subscription data captured when a code is
// issued. Activation always uses this copy, never data re-sent at verify time.
type SubscriptionPayload struct {
	FirstName   string      `json:"firstName,omitempty"`
	LastName    string      `json:"lastName,omitempty"`
	Preferences Preferences `json:"preferences"`
}

// VerificationRequest is a one-time code bound to a pending subscription.
type VerificationRequest struct {
	ID         string              `json:"id" db:"id"`
	Email      string              `json:"email" db:"email"`
	Code       string              `json:"-" db:"code"`
	Payload    SubscriptionPayload `json:"payload" db:"payload"`
	IssuedAt   time.Time           `json:"issuedAt" db:"issued_at"`
	ExpiresAt  time.Time           `json:"expiresAt" db:"expires_at"`
	ConsumedAt *time.Time          `json:"consumedAt,omitempty" db:"consumed_at"`
	Attempts   int                 `json:"attempts" db:"attempts"`
}

// Expired reports whether the code can no longer be used at now.
func (r *VerificationRequest) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Consumed reports whether the code has already been redeemed.
func (r *VerificationRequest) Consumed() bool {
	return r.ConsumedAt != nil
}

// Live reports whether the request can still be redeemed at now.
func (r *VerificationRequest) Live(now time.Time) bool {
	return !r.Consumed() && !r.Expired(now)
}

// CanResendAt is the earliest time a superseding request may be issued.
func (r *VerificationRequest) CanResendAt(cooldown time.Duration) time.Time {
	return r.IssuedAt.Add(cooldown)
}
