package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/worknow/newsletter/internal/domain"
	"github.com/worknow/newsletter/internal/pkg/distlock"
	"github.com/worknow/newsletter/internal/pkg/logger"
	"github.com/worknow/newsletter/internal/service/verification"
)

const maxEmailLength = 254

// Request is the input to RequestSubscription.
type Request struct {
	Email       string
	FirstName   string
	LastName    string
	Preferences domain.Preferences
}

// Pending describes an issued, not yet verified subscription.
type Pending struct {
	Token       string                     `json:"subscriptionToken"`
	Email       string                     `json:"email"`
	Payload     domain.SubscriptionPayload `json:"payload"`
	ExpiresAt   time.Time                  `json:"expiresAt"`
	CanResendAt time.Time                  `json:"canResendAt"`
}

// Status is the read-only answer to GetStatus.
type Status struct {
	IsSubscribed bool               `json:"isSubscribed"`
	Subscriber   *domain.Subscriber `json:"subscriber,omitempty"`
}

// Service orchestrates request → verify → activate → unsubscribe. It is safe
// for concurrent use. Operations on one email are serialized through the
// Locker; distinct emails proceed independently.
type Service struct {
	repo     Repository
	issuer   *verification.Issuer
	locker   distlock.Locker
	sender   CodeSender
	validate *validator.Validate
	timeout  time.Duration
	now      func() time.Time
}

// NewService wires the subscription lifecycle. sender may be nil, in which
// case codes are only stored.
func NewService(repo Repository, issuer *verification.Issuer, locker distlock.Locker, sender CodeSender) *Service {
	if locker == nil {
		locker = distlock.NewKeyedMutex()
	}
	return &Service{
		repo:     repo,
		issuer:   issuer,
		locker:   locker,
		sender:   sender,
		validate: validator.New(),
		timeout:  issuer.Config().StoreTimeout,
		now:      time.Now,
	}
}

// SetClock replaces the service clock used for lifecycle timestamps.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) clock() time.Time { return s.now().UTC().Truncate(time.Microsecond) }

// NormalizeEmail validates email and returns its canonical form.
func (s *Service) NormalizeEmail(email string) (string, error) {
	email = domain.NormalizeEmail(email)
	if email == "" || len(email) > maxEmailLength {
		return "", ErrInvalidEmail
	}
	if err := s.validate.Var(email, "required,email"); err != nil {
		return "", ErrInvalidEmail
	}
	return email, nil
}

func (s *Service) lock(ctx context.Context, email string) (func(), error) {
	lctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	unlock, err := s.locker.Lock(lctx, email)
	if err != nil {
		return nil, fmt.Errorf("%w: lock %s: %v", domain.ErrStoreUnavailable, logger.RedactEmail(email), err)
	}
	return unlock, nil
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func unavailable(op string, err error) error {
	if errors.Is(err, domain.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrStoreUnavailable, op, err)
}

// RequestSubscription issues a verification code for a new or returning
// subscriber and records the pending payload. A repeat call replaces the
// pending payload and code once the resend cooldown has passed.
func (s *Service) RequestSubscription(ctx context.Context, in Request) (*Pending, error) {
	email, err := s.NormalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	prefs := in.Preferences.Normalize()
	if err := prefs.Validate(); err != nil {
		return nil, err
	}
	payload := domain.SubscriptionPayload{
		FirstName:   strings.TrimSpace(in.FirstName),
		LastName:    strings.TrimSpace(in.LastName),
		Preferences: prefs,
	}

	unlock, err := s.lock(ctx, email)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sctx, cancel := s.storeCtx(ctx)
	current, err := s.repo.Get(sctx, email)
	cancel()
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, unavailable("load subscriber", err)
	case current.IsActive():
		return nil, ErrAlreadySubscribed
	}

	// The row is written before a code is issued so a failed write leaves
	// the previous code usable. Activation reads the payload from the
	// request, not the row.
	sctx, cancel = s.storeCtx(ctx)
	err = s.repo.UpsertPending(sctx, email, payload, s.clock())
	cancel()
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, ErrAlreadySubscribed
		}
		return nil, unavailable("store pending subscriber", err)
	}

	req, err := s.issuer.Issue(ctx, email, payload)
	if err != nil {
		return nil, err
	}

	if s.sender != nil {
		if err := s.sender.SendVerificationCode(ctx, req); err != nil {
			s.revoke(ctx, req)
			return nil, unavailable("hand off verification code", err)
		}
	}

	logger.Info("verification code issued", "email", email, "request_id", req.ID, "expires_at", req.ExpiresAt)
	return &Pending{
		Token:       req.ID,
		Email:       email,
		Payload:     payload,
		ExpiresAt:   req.ExpiresAt,
		CanResendAt: req.CanResendAt(s.issuer.Config().ResendCooldown),
	}, nil
}

func (s *Service) revoke(ctx context.Context, req *domain.VerificationRequest) {
	if err := s.issuer.Revoke(ctx, req); err != nil {
		logger.Error("failed to revoke verification request", "email", req.Email, "request_id", req.ID, "error", err)
	}
}

// VerifyCode redeems code for email and activates the subscriber with the
// payload captured at request time. token, when non-empty, must identify the
// current request.
func (s *Service) VerifyCode(ctx context.Context, email, code, token string) (*domain.Subscriber, error) {
	email, err := s.NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(code) == "" {
		return nil, ErrInvalidCode
	}

	unlock, err := s.lock(ctx, email)
	if err != nil {
		return nil, err
	}
	defer unlock()

	req, err := s.issuer.Validate(ctx, email, code)
	if err != nil {
		return nil, err
	}
	if token != "" && token != req.ID {
		return nil, verification.ErrCodeNotFound
	}
	if err := s.issuer.Consume(ctx, req); err != nil {
		return nil, err
	}

	sctx, cancel := s.storeCtx(ctx)
	sub, err := s.repo.Activate(sctx, email, req.Payload, *req.ConsumedAt)
	cancel()
	if err != nil {
		if rerr := s.issuer.Release(ctx, req); rerr != nil {
			logger.Error("failed to release verification request", "email", email, "request_id", req.ID, "error", rerr)
		}
		return nil, unavailable("activate subscriber", err)
	}

	logger.Info("subscriber activated", "email", email, "request_id", req.ID)
	return sub, nil
}

// Unsubscribe moves an active subscriber to unsubscribed. Any other state,
// including an earlier unsubscribe, yields ErrNotSubscribed.
func (s *Service) Unsubscribe(ctx context.Context, email string) error {
	email, err := s.NormalizeEmail(email)
	if err != nil {
		return err
	}

	unlock, err := s.lock(ctx, email)
	if err != nil {
		return err
	}
	defer unlock()

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.repo.Unsubscribe(sctx, email, s.clock()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotSubscribed
		}
		return unavailable("unsubscribe", err)
	}
	logger.Info("subscriber unsubscribed", "email", email)
	return nil
}

// GetStatus reports whether email is actively subscribed. It never fails:
// invalid, unknown and unreadable emails are all reported as not subscribed.
func (s *Service) GetStatus(ctx context.Context, email string) Status {
	email, err := s.NormalizeEmail(email)
	if err != nil {
		return Status{}
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	sub, err := s.repo.Get(sctx, email)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			logger.Warn("subscription status lookup failed", "email", email, "error", err)
		}
		return Status{}
	}
	if !sub.IsActive() {
		return Status{}
	}
	return Status{IsSubscribed: true, Subscriber: sub}
}

// ListSubscribers returns a page of subscribers for admin views.
func (s *Service) ListSubscribers(ctx context.Context, filter ListFilter) ([]domain.Subscriber, int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, fmt.Errorf("unknown status %q", filter.Status)
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	filter.Search = strings.ToLower(strings.TrimSpace(filter.Search))
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	subs, total, err := s.repo.List(sctx, filter)
	if err != nil {
		return nil, 0, unavailable("list subscribers", err)
	}
	return subs, total, nil
}
