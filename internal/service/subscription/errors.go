package subscription

import "errors"

// Sentinel errors for the subscription service layer.
var (
	ErrInvalidEmail      = errors.New("invalid email address")
	ErrInvalidCode       = errors.New("verification code is required")
	ErrAlreadySubscribed = errors.New("email is already subscribed")
	ErrNotSubscribed     = errors.New("email is not subscribed")
)

// Repository contract errors.
var (
	ErrNotFound = errors.New("subscriber not found")
	// ErrConflict is returned by UpsertPending when the row is active.
	ErrConflict = errors.New("subscriber state changed concurrently")
)
