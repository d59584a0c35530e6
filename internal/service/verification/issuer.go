package verification

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/worknow/newsletter/internal/domain"
	"github.com/worknow/newsletter/internal/pkg/logger"
)

// Config holds the protocol parameters. They are configuration, not
// constants, so deployments can tune friction against brute-force risk.
type Config struct {
	CodeLength     int
	CodeTTL        time.Duration
	ResendCooldown time.Duration
	// MaxAttempts burns a request after this many mismatched codes. Zero
	// disables the cap.
	MaxAttempts  int
	StoreTimeout time.Duration
}

// DefaultConfig returns 6 digits, 10 minute expiry, 60 second cooldown and
// five attempts.
func DefaultConfig() Config {
	return Config{
		CodeLength:     6,
		CodeTTL:        10 * time.Minute,
		ResendCooldown: 60 * time.Second,
		MaxAttempts:    5,
		StoreTimeout:   3 * time.Second,
	}
}

// Issuer generates, stores and validates verification codes. It is safe for
// concurrent use; same-email serialization is the caller's job, and the
// store's conditional writes catch anything that slips through.
type Issuer struct {
	store    Store
	cfg      Config
	now      func() time.Time
	generate func(n int) (string, error)
}

// NewIssuer creates an issuer backed by store. Zero-valued fields of cfg fall
// back to DefaultConfig.
func NewIssuer(store Store, cfg Config) *Issuer {
	def := DefaultConfig()
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = def.CodeLength
	}
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = def.CodeTTL
	}
	if cfg.ResendCooldown < 0 {
		cfg.ResendCooldown = 0
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	return &Issuer{
		store:    store,
		cfg:      cfg,
		now:      time.Now,
		generate: GenerateCode,
	}
}

// SetClock replaces the issuer's clock. Expiry is always judged by this clock,
// never by client-reported time.
func (i *Issuer) SetClock(now func() time.Time) { i.now = now }

// Config returns the effective protocol parameters.
func (i *Issuer) Config() Config { return i.cfg }

func (i *Issuer) clock() time.Time {
	// Postgres keeps microseconds; compare-and-swap on consumed_at needs the
	// exact value back.
	return i.now().UTC().Truncate(time.Microsecond)
}

func (i *Issuer) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, i.cfg.StoreTimeout)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrStoreUnavailable, op, err)
}

// Issue creates a new request for email, superseding any previous unconsumed
// one. Returns *ResendTooSoonError inside the cooldown of the previous
// unconsumed request.
func (i *Issuer) Issue(ctx context.Context, email string, payload domain.SubscriptionPayload) (*domain.VerificationRequest, error) {
	now := i.clock()

	sctx, cancel := i.storeCtx(ctx)
	prev, err := i.store.Latest(sctx, email)
	cancel()

	prevID := ""
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, unavailable("load previous request", err)
	default:
		prevID = prev.ID
		if !prev.Consumed() {
			if ready := prev.CanResendAt(i.cfg.ResendCooldown); now.Before(ready) {
				return nil, &ResendTooSoonError{RetryAfter: ready.Sub(now), CanResendAt: ready}
			}
		}
	}

	code, err := i.generate(i.cfg.CodeLength)
	if err != nil {
		return nil, err
	}

	req := &domain.VerificationRequest{
		ID:        uuid.NewString(),
		Email:     email,
		Code:      code,
		Payload:   payload,
		IssuedAt:  now,
		ExpiresAt: now.Add(i.cfg.CodeTTL),
	}

	sctx, cancel = i.storeCtx(ctx)
	defer cancel()
	if err := i.store.Replace(sctx, req, prevID); err != nil {
		if errors.Is(err, ErrConflict) {
			// Another issuance won the race; its cooldown starts now.
			ready := now.Add(i.cfg.ResendCooldown)
			return nil, &ResendTooSoonError{RetryAfter: i.cfg.ResendCooldown, CanResendAt: ready}
		}
		return nil, unavailable("store request", err)
	}

	if prevID != "" {
		logger.Debug("verification request superseded", "email", email, "previous_id", prevID, "request_id", req.ID)
	}
	return req, nil
}

// Validate checks code against the current request for email without
// consuming it. Expiry is checked before the digits, so an expired request
// never reports ErrCodeMismatch. A mismatch counts toward MaxAttempts.
func (i *Issuer) Validate(ctx context.Context, email, code string) (*domain.VerificationRequest, error) {
	now := i.clock()

	sctx, cancel := i.storeCtx(ctx)
	req, err := i.store.Latest(sctx, email)
	cancel()
	if errors.Is(err, ErrNotFound) {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, unavailable("load request", err)
	}

	if req.Consumed() {
		return nil, ErrCodeNotFound
	}
	if i.cfg.MaxAttempts > 0 && req.Attempts >= i.cfg.MaxAttempts {
		return nil, ErrCodeNotFound
	}
	if req.Expired(now) {
		return nil, ErrCodeExpired
	}

	code = strings.TrimSpace(code)
	if subtle.ConstantTimeCompare([]byte(code), []byte(req.Code)) != 1 {
		sctx, cancel := i.storeCtx(ctx)
		n, err := i.store.IncrementAttempts(sctx, email, req.ID)
		cancel()
		if err != nil && !errors.Is(err, ErrConflict) {
			return nil, unavailable("record attempt", err)
		}
		if i.cfg.MaxAttempts > 0 && n >= i.cfg.MaxAttempts {
			logger.Warn("verification request burned after failed attempts", "email", email, "attempts", n)
		}
		return nil, ErrCodeMismatch
	}
	return req, nil
}

// Consume marks req as used. Exactly one of several concurrent callers wins;
// the others get ErrCodeNotFound.
func (i *Issuer) Consume(ctx context.Context, req *domain.VerificationRequest) error {
	at := i.clock()
	sctx, cancel := i.storeCtx(ctx)
	defer cancel()
	if err := i.store.MarkConsumed(sctx, req.Email, req.ID, at); err != nil {
		if errors.Is(err, ErrConflict) {
			return ErrCodeNotFound
		}
		return unavailable("consume request", err)
	}
	req.ConsumedAt = &at
	return nil
}

// Release undoes Consume after a downstream failure, so the user can retry
// the same code instead of being locked out with nothing activated.
func (i *Issuer) Release(ctx context.Context, req *domain.VerificationRequest) error {
	if req.ConsumedAt == nil {
		return nil
	}
	sctx, cancel := i.storeCtx(ctx)
	defer cancel()
	if err := i.store.ClearConsumed(sctx, req.Email, req.ID, *req.ConsumedAt); err != nil {
		return unavailable("release request", err)
	}
	req.ConsumedAt = nil
	return nil
}

// Revoke deletes req, lifting its cooldown. Used when the rest of a
// subscription request fails after the code was stored.
func (i *Issuer) Revoke(ctx context.Context, req *domain.VerificationRequest) error {
	sctx, cancel := i.storeCtx(ctx)
	defer cancel()
	if err := i.store.Delete(sctx, req.Email, req.ID); err != nil {
		return unavailable("revoke request", err)
	}
	return nil
}

// PurgeExpired removes requests that expired more than retention ago.
func (i *Issuer) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := i.clock().Add(-retention)
	n, err := i.store.DeleteExpired(ctx, cutoff)
	if err != nil {
		return 0, unavailable("purge expired requests", err)
	}
	return n, nil
}
