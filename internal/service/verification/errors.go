package verification

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Sentinel errors returned to callers of the issuer.
var (
	ErrCodeNotFound = errors.New("verification code not found")
	ErrCodeExpired  = errors.New("verification code expired")
	ErrCodeMismatch = errors.New("verification code mismatch")
)

// Store contract errors. Implementations must return these (possibly wrapped)
// so the issuer can tell business outcomes from infrastructure failures.
var (
	ErrNotFound = errors.New("verification request not found")
	ErrConflict = errors.New("verification request changed concurrently")
)

// ResendTooSoonError is returned when a new code is requested inside the
// resend cooldown of the previous one.
type ResendTooSoonError struct {
	RetryAfter  time.Duration
	CanResendAt time.Time
}

func (e *ResendTooSoonError) Error() string {
	return fmt.Sprintf("resend too soon: retry in %d seconds", e.Seconds())
}

// Seconds is RetryAfter rounded up to whole seconds, never below 1.
func (e *ResendTooSoonError) Seconds() int {
	s := int(math.Ceil(e.RetryAfter.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}
