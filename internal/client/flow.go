package client

import (
	"context"
	"errors"
	"sync"

	"github.com/worknow/newsletter/internal/countdown"
	"github.com/worknow/newsletter/internal/domain"
)

// Flow drives one subscribe-and-verify attempt and keeps a countdown machine
// in step with the server's answers.
type Flow struct {
	client  *Client
	machine *countdown.Machine
	req     SubscribeRequest

	mu    sync.Mutex
	token string
}

// NewFlow starts an idle flow for req.
func NewFlow(c *Client, m *countdown.Machine, req SubscribeRequest) *Flow {
	return &Flow{client: c, machine: m, req: req}
}

// Machine returns the countdown the flow updates.
func (f *Flow) Machine() *countdown.Machine { return f.machine }

// Send requests a code, or a fresh one if one was already sent. A
// ResendTooSoon answer moves the machine's resend timer to the server's.
func (f *Flow) Send(ctx context.Context) error {
	var (
		p   *Pending
		err error
	)
	if f.machine.Tick().State == countdown.Idle {
		p, err = f.client.Subscribe(ctx, f.req)
	} else {
		p, err = f.client.Resend(ctx, f.req)
	}
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == CodeResendTooSoon {
			f.machine.ResendRejected(apiErr.RetryAfter)
		}
		return err
	}
	f.mu.Lock()
	f.token = p.Token
	f.mu.Unlock()
	return f.machine.CodeSent(p.ExpiresAt, p.CanResendAt)
}

// Verify submits code and records the outcome on the machine.
func (f *Flow) Verify(ctx context.Context, code string) (*domain.Subscriber, error) {
	if err := f.machine.BeginVerify(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	token := f.token
	f.mu.Unlock()

	sub, err := f.client.Verify(ctx, f.req.Email, code, token)
	if err != nil {
		_ = f.machine.Rejected(err, IsCode(err, CodeCodeExpired))
		return nil, err
	}
	_ = f.machine.Succeeded()
	return sub, nil
}
