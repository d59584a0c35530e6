// Package client is a Go client for the newsletter HTTP API, used by
// newsletterctl and by integration tests.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/worknow/newsletter/internal/domain"
	"github.com/worknow/newsletter/internal/pkg/httpretry"
)

// Error codes the server returns in APIError.Code.
const (
	CodeResendTooSoon     = "resend_too_soon"
	CodeCodeExpired       = "code_expired"
	CodeCodeMismatch      = "code_mismatch"
	CodeCodeNotFound      = "code_not_found"
	CodeAlreadySubscribed = "already_subscribed"
	CodeNotSubscribed     = "not_subscribed"
	CodeRateLimited       = "rate_limited"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status     int
	Code       string
	Message    string
	Details    map[string]any
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("newsletter api: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("newsletter api: %d: %s", e.Status, e.Message)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// SubscribeRequest mirrors the send-verification body.
type SubscribeRequest struct {
	Email                  string   `json:"email"`
	FirstName              string   `json:"firstName,omitempty"`
	LastName               string   `json:"lastName,omitempty"`
	PreferredCities        []string `json:"preferredCities"`
	PreferredCategories    []string `json:"preferredCategories"`
	PreferredEmployment    []string `json:"preferredEmployment"`
	PreferredLanguages     []string `json:"preferredLanguages"`
	PreferredGender        string   `json:"preferredGender,omitempty"`
	PreferredDocumentTypes []string `json:"preferredDocumentTypes"`
	OnlyDemanded           bool     `json:"onlyDemanded"`
}

// Pending is the subscriptionData returned after a code was sent.
type Pending struct {
	Token       string                     `json:"subscriptionToken"`
	Email       string                     `json:"email"`
	Payload     domain.SubscriptionPayload `json:"payload"`
	ExpiresAt   time.Time                  `json:"expiresAt"`
	CanResendAt time.Time                  `json:"canResendAt"`
}

// Status is the check-subscription answer.
type Status struct {
	IsSubscribed bool               `json:"isSubscribed"`
	Subscriber   *domain.Subscriber `json:"subscriber,omitempty"`
}

// Client talks to one newsletter API base URL.
type Client struct {
	baseURL string
	http    httpretry.HTTPDoer
}

// New creates a client. A nil doer retries only gateway errors, so that 429
// answers reach the caller.
func New(baseURL string, doer httpretry.HTTPDoer) *Client {
	if doer == nil {
		rc := httpretry.NewRetryClient(&http.Client{Timeout: 15 * time.Second}, 2)
		rc.RetryOn(http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout)
		doer = rc
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: doer}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return decodeError(resp, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response, data []byte) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var env struct {
		Error   string         `json:"error"`
		Code    string         `json:"code"`
		Details map[string]any `json:"details"`
	}
	if json.Unmarshal(data, &env) == nil {
		apiErr.Message, apiErr.Code, apiErr.Details = env.Error, env.Code, env.Details
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if v, ok := apiErr.Details["retryAfterSeconds"].(float64); ok {
		apiErr.RetryAfter = time.Duration(math.Ceil(v)) * time.Second
	} else if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
		apiErr.RetryAfter = time.Duration(s) * time.Second
	}
	return apiErr
}

// Subscribe asks the server to send a verification code.
func (c *Client) Subscribe(ctx context.Context, in SubscribeRequest) (*Pending, error) {
	var out struct {
		SubscriptionData Pending `json:"subscriptionData"`
	}
	if err := c.do(ctx, http.MethodPost, "/newsletter/send-verification", in, &out); err != nil {
		return nil, err
	}
	return &out.SubscriptionData, nil
}

// Resend requests a fresh code. The server's cooldown decides.
func (c *Client) Resend(ctx context.Context, in SubscribeRequest) (*Pending, error) {
	var out struct {
		SubscriptionData Pending `json:"subscriptionData"`
	}
	if err := c.do(ctx, http.MethodPost, "/newsletter/resend-verification", in, &out); err != nil {
		return nil, err
	}
	return &out.SubscriptionData, nil
}

// Verify redeems code. token may be empty.
func (c *Client) Verify(ctx context.Context, email, code, token string) (*domain.Subscriber, error) {
	in := map[string]string{"email": email, "code": code}
	if token != "" {
		in["token"] = token
	}
	var out struct {
		Subscriber *domain.Subscriber `json:"subscriber"`
	}
	if err := c.do(ctx, http.MethodPost, "/newsletter/verify-code", in, &out); err != nil {
		return nil, err
	}
	return out.Subscriber, nil
}

// Status reports whether email is subscribed.
func (c *Client) Status(ctx context.Context, email string) (*Status, error) {
	var out Status
	if err := c.do(ctx, http.MethodGet, "/newsletter/check-subscription?email="+url.QueryEscape(email), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Unsubscribe deactivates email.
func (c *Client) Unsubscribe(ctx context.Context, email string) error {
	return c.do(ctx, http.MethodPost, "/newsletter/unsubscribe", map[string]string{"email": email}, nil)
}
