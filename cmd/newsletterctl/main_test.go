package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worknow/newsletter/internal/api"
	"github.com/worknow/newsletter/internal/client"
	"github.com/worknow/newsletter/internal/countdown"
	"github.com/worknow/newsletter/internal/domain"
	"github.com/worknow/newsletter/internal/service/subscription"
	"github.com/worknow/newsletter/internal/service/verification"
)

type codeBox struct {
	mu   sync.Mutex
	code string
}

func (b *codeBox) SendVerificationCode(_ context.Context, req *domain.VerificationRequest) error {
	b.mu.Lock()
	b.code = req.Code
	b.mu.Unlock()
	return nil
}

func (b *codeBox) wait(t *testing.T) string {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		c := b.code
		b.mu.Unlock()
		if c != "" {
			return c
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("no code was sent")
	return ""
}

func newServer(t *testing.T) (*client.Client, *codeBox) {
	t.Helper()
	box := &codeBox{}
	svc := subscription.NewService(subscription.NewMemoryRepository(),
		verification.NewIssuer(verification.NewMemoryStore(), verification.DefaultConfig()), nil, box)
	srv := httptest.NewServer(api.SetupRoutes(api.NewNewsletterHandlers(svc, nil), nil, nil, api.RouteOptions{}))
	t.Cleanup(srv.Close)
	return client.New(srv.URL, nil), box
}

func TestParseSubscribeFlags(t *testing.T) {
	req, err := parseSubscribeFlags([]string{"-email", "a@example.com", "-cities", "Tel Aviv, Haifa,", "-demanded"})
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", req.Email)
	assert.Equal(t, []string{"Tel Aviv", "Haifa"}, req.PreferredCities)
	assert.Nil(t, req.PreferredCategories)
	assert.True(t, req.OnlyDemanded)

	_, err = parseSubscribeFlags([]string{"-cities", "Haifa"})
	assert.EqualError(t, err, "-email is required")
}

func TestFormatSnapshot(t *testing.T) {
	assert.Equal(t, "code expires in 09:05, resend in 12s",
		formatSnapshot(countdown.Snapshot{State: countdown.CodeSent, RemainingSeconds: 545, ResendInSeconds: 12}))
	assert.Equal(t, "code expires in 00:30, type r to resend",
		formatSnapshot(countdown.Snapshot{State: countdown.Failed, RemainingSeconds: 30}))
	assert.Equal(t, "code expired, type r to get a new one",
		formatSnapshot(countdown.Snapshot{State: countdown.Expired}))
}

func TestDescribe(t *testing.T) {
	err := &client.APIError{Status: 429, Code: client.CodeResendTooSoon, RetryAfter: 42 * time.Second}
	assert.Equal(t, "please wait 42s before requesting another code", describe(err))
	assert.Equal(t, "boom", describe(fmt.Errorf("boom")))
	assert.Equal(t, "custom", describe(&client.APIError{Status: 400, Code: "other", Message: "custom"}))
}

func TestRunSubscribe_Interactive(t *testing.T) {
	c, box := newServer(t)
	pr, pw := io.Pipe()
	go func() {
		code := box.wait(t)
		wrong := []byte(code)
		wrong[0] = '0' + (wrong[0]-'0'+1)%10
		fmt.Fprintln(pw, string(wrong))
		fmt.Fprintln(pw, "r")
		fmt.Fprintln(pw, code)
		pw.Close()
	}()

	var out bytes.Buffer
	err := runSubscribe(context.Background(), c, []string{"-email", "Dana@Example.com", "-cities", "Haifa"}, pr, &out, io.Discard)
	require.NoError(t, err)

	s := out.String()
	assert.Contains(t, s, "verification code sent to Dana@Example.com")
	assert.Contains(t, s, "wrong code, try again")
	assert.Contains(t, s, "before requesting another code")
	assert.Contains(t, s, "subscribed: dana@example.com")
}

func TestRunSubscribe_InputClosed(t *testing.T) {
	c, _ := newServer(t)
	var out bytes.Buffer
	err := runSubscribe(context.Background(), c, []string{"-email", "e@example.com"}, bytes.NewReader(nil), &out, io.Discard)
	assert.EqualError(t, err, "input closed before the code was verified")
}

func TestStatusAndUnsubscribe(t *testing.T) {
	c, box := newServer(t)
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, runStatus(ctx, c, []string{"-email", "f@example.com"}, &out))
	assert.Equal(t, "f@example.com is not subscribed\n", out.String())

	_, err := c.Subscribe(ctx, client.SubscribeRequest{Email: "f@example.com"})
	require.NoError(t, err)
	out.Reset()
	require.NoError(t, runVerify(ctx, c, []string{"-email", "f@example.com", "-code", box.wait(t)}, &out))
	assert.Equal(t, "subscribed: f@example.com\n", out.String())

	out.Reset()
	require.NoError(t, runStatus(ctx, c, []string{"-email", "f@example.com"}, &out))
	assert.Contains(t, out.String(), "f@example.com is subscribed since")

	out.Reset()
	require.NoError(t, runUnsubscribe(ctx, c, []string{"-email", "f@example.com"}, &out))
	err = runUnsubscribe(ctx, c, []string{"-email", "f@example.com"}, &out)
	assert.Equal(t, "this address is not subscribed", describe(err))
}
