package api

import (
	"errors"
	"net/http"

	"github.com/worknow/newsletter/internal/domain"
	"github.com/worknow/newsletter/internal/pkg/httputil"
	"github.com/worknow/newsletter/internal/service/digest"
	"github.com/worknow/newsletter/internal/service/subscription"
	"github.com/worknow/newsletter/internal/service/verification"
)

// Machine-readable error codes returned in ErrorResponse.Code.
const (
	CodeInvalidEmail       = "invalid_email"
	CodeInvalidCode        = "invalid_code"
	CodeInvalidPreferences = "invalid_preferences"
	CodeAlreadySubscribed  = "already_subscribed"
	CodeNotSubscribed      = "not_subscribed"
	CodeResendTooSoon      = "resend_too_soon"
	CodeCodeMismatch       = "code_mismatch"
	CodeCodeExpired        = "code_expired"
	CodeCodeNotFound       = "code_not_found"
	CodeCycleRunning       = "cycle_running"
	CodeNoCandidates       = "no_candidates"
	CodeInvalidTemplate    = "invalid_template"
	CodeNotConfigured      = "not_configured"
)

// writeError maps service errors onto HTTP responses. Anything unrecognized
// is treated as an infrastructure failure and never leaked to the client.
func writeError(w http.ResponseWriter, err error) {
	var tooSoon *verification.ResendTooSoonError
	switch {
	case errors.As(err, &tooSoon):
		httputil.TooManyRequests(w, CodeResendTooSoon, "a code was sent recently, try again later", tooSoon.RetryAfter,
			map[string]any{"retryAfterSeconds": tooSoon.Seconds(), "canResendAt": tooSoon.CanResendAt})
	case errors.Is(err, subscription.ErrInvalidEmail):
		httputil.ErrorCode(w, http.StatusBadRequest, CodeInvalidEmail, err.Error(), nil)
	case errors.Is(err, subscription.ErrInvalidCode):
		httputil.ErrorCode(w, http.StatusBadRequest, CodeInvalidCode, err.Error(), nil)
	case errors.Is(err, domain.ErrMalformedPreferences):
		httputil.ErrorCode(w, http.StatusBadRequest, CodeInvalidPreferences, err.Error(), nil)
	case errors.Is(err, subscription.ErrAlreadySubscribed):
		httputil.ErrorCode(w, http.StatusConflict, CodeAlreadySubscribed, err.Error(), nil)
	case errors.Is(err, subscription.ErrNotSubscribed):
		httputil.ErrorCode(w, http.StatusNotFound, CodeNotSubscribed, err.Error(), nil)
	case errors.Is(err, verification.ErrCodeMismatch):
		httputil.ErrorCode(w, http.StatusBadRequest, CodeCodeMismatch, err.Error(), nil)
	case errors.Is(err, verification.ErrCodeExpired):
		httputil.ErrorCode(w, http.StatusBadRequest, CodeCodeExpired, err.Error(), map[string]any{"resendAvailable": true})
	case errors.Is(err, verification.ErrCodeNotFound):
		httputil.ErrorCode(w, http.StatusBadRequest, CodeCodeNotFound, err.Error(), nil)
	case errors.Is(err, digest.ErrCycleRunning):
		httputil.ErrorCode(w, http.StatusConflict, CodeCycleRunning, err.Error(), nil)
	case errors.Is(err, digest.ErrNoCandidates):
		httputil.ErrorCode(w, http.StatusBadRequest, CodeNoCandidates, err.Error(), nil)
	case errors.Is(err, digest.ErrInvalidTemplate):
		httputil.ErrorCode(w, http.StatusBadRequest, CodeInvalidTemplate, err.Error(), nil)
	case errors.Is(err, digest.ErrInvalidConfig):
		httputil.ErrorCode(w, http.StatusServiceUnavailable, CodeNotConfigured, "check-and-send is not configured", nil)
	default:
		httputil.ServiceUnavailable(w, err)
	}
}
