// Package outbox hands outgoing email to an external mailer.
//
// Nothing here talks SMTP. Messages are appended to a Redis list that the
// mailer drains with BRPOP; in development they are only logged.
package outbox

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/worknow/newsletter/internal/domain"
	"github.com/worknow/newsletter/internal/service/digest"
)

// Kind tells the mailer which template family a message belongs to.
type Kind string

const (
	KindVerificationCode Kind = "verification_code"
	KindCandidateDigest  Kind = "candidate_digest"
)

// Message is one email for one recipient.
type Message struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	To        string         `json:"to"`
	FirstName string         `json:"firstName,omitempty"`
	LastName  string         `json:"lastName,omitempty"`
	Subject   string         `json:"subject"`
	Body      string         `json:"body"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Publisher appends messages to the outbox. A call publishes all of msgs or
// none of them.
type Publisher interface {
	Publish(ctx context.Context, msgs ...Message) error
}

// Outbox turns domain events into outbox messages.
type Outbox struct {
	pub Publisher
	now func() time.Time
}

// New creates an Outbox writing to pub.
func New(pub Publisher) *Outbox {
	return &Outbox{pub: pub, now: time.Now}
}

// SendVerificationCode publishes the one-time code for req.
func (o *Outbox) SendVerificationCode(ctx context.Context, req *domain.VerificationRequest) error {
	minutes := int(math.Ceil(req.ExpiresAt.Sub(req.IssuedAt).Minutes()))
	msg := Message{
		ID:        uuid.NewString(),
		Kind:      KindVerificationCode,
		To:        req.Email,
		FirstName: req.Payload.FirstName,
		LastName:  req.Payload.LastName,
		Subject:   "Your newsletter verification code",
		Body: fmt.Sprintf("Your verification code is %s. It expires in %d minutes.\n"+
			"If you did not request a subscription, ignore this email.", req.Code, minutes),
		Data: map[string]any{
			"code":      req.Code,
			"requestId": req.ID,
			"expiresAt": req.ExpiresAt.UTC().Format(time.RFC3339),
		},
		CreatedAt: o.now().UTC(),
	}
	if err := o.pub.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish verification code: %w", err)
	}
	return nil
}

// Dispatch fans n out into one message per recipient.
func (o *Outbox) Dispatch(ctx context.Context, n digest.Notification) error {
	if len(n.Recipients) == 0 {
		return nil
	}
	now := o.now().UTC()
	msgs := make([]Message, 0, len(n.Recipients))
	for _, r := range n.Recipients {
		msgs = append(msgs, Message{
			ID:        uuid.NewString(),
			Kind:      KindCandidateDigest,
			To:        r.Email,
			FirstName: r.FirstName,
			LastName:  r.LastName,
			Subject:   n.Subject,
			Body:      n.Body,
			Data: map[string]any{
				"candidateId": n.Candidate.ID,
			},
			CreatedAt: now,
		})
	}
	if err := o.pub.Publish(ctx, msgs...); err != nil {
		return fmt.Errorf("publish digest for candidate %s: %w", n.Candidate.ID, err)
	}
	return nil
}
