package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/worknow/newsletter/internal/domain"
	"github.com/worknow/newsletter/internal/pkg/httputil"
	"github.com/worknow/newsletter/internal/service/digest"
	"github.com/worknow/newsletter/internal/service/subscription"
)

// SubscriptionService is the subset of subscription.Service the handlers use.
type SubscriptionService interface {
	RequestSubscription(ctx context.Context, in subscription.Request) (*subscription.Pending, error)
	VerifyCode(ctx context.Context, email, code, token string) (*domain.Subscriber, error)
	Unsubscribe(ctx context.Context, email string) error
	GetStatus(ctx context.Context, email string) subscription.Status
	ListSubscribers(ctx context.Context, filter subscription.ListFilter) ([]domain.Subscriber, int, error)
}

// DigestService is the subset of digest.Service the admin handlers use.
type DigestService interface {
	Notify(ctx context.Context, cands []domain.Candidate, subject, message string) (digest.Report, error)
	RunCycle(ctx context.Context) (digest.Report, error)
}

// NewsletterHandlers serves the /newsletter endpoints.
type NewsletterHandlers struct {
	subs   SubscriptionService
	digest DigestService
}

// NewNewsletterHandlers creates the handlers. d may be nil when the digest is
// not configured; the admin send endpoints then answer 503.
func NewNewsletterHandlers(s SubscriptionService, d DigestService) *NewsletterHandlers {
	return &NewsletterHandlers{subs: s, digest: d}
}

// stringList accepts either a JSON array of strings or a single
// comma-separated string.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*l = nil
		return nil
	}
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*l = arr
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("expected a list of strings")
	}
	*l = strings.Split(s, ",")
	return nil
}

type subscribeRequest struct {
	Email                  string     `json:"email"`
	FirstName              string     `json:"firstName"`
	LastName               string     `json:"lastName"`
	PreferredCities        stringList `json:"preferredCities"`
	PreferredCategories    stringList `json:"preferredCategories"`
	PreferredEmployment    stringList `json:"preferredEmployment"`
	PreferredLanguages     stringList `json:"preferredLanguages"`
	PreferredGender        string     `json:"preferredGender"`
	PreferredDocumentTypes stringList `json:"preferredDocumentTypes"`
	OnlyDemanded           bool       `json:"onlyDemanded"`
}

func (r subscribeRequest) toRequest() (subscription.Request, error) {
	gender, err := domain.ParseGender(r.PreferredGender)
	if err != nil {
		return subscription.Request{}, fmt.Errorf("%w: %v", domain.ErrMalformedPreferences, err)
	}
	return subscription.Request{
		Email:     r.Email,
		FirstName: r.FirstName,
		LastName:  r.LastName,
		Preferences: domain.Preferences{
			Cities:          domain.NewStringSet(r.PreferredCities...),
			Categories:      domain.NewStringSet(r.PreferredCategories...),
			EmploymentTypes: domain.NewStringSet(r.PreferredEmployment...),
			DocumentTypes:   domain.NewStringSet(r.PreferredDocumentTypes...),
			Languages:       domain.NewStringSet(r.PreferredLanguages...),
			Gender:          gender,
			OnlyDemanded:    r.OnlyDemanded,
		},
	}, nil
}

// SendVerification issues a verification code. Resend uses the same handler;
// the server-side cooldown decides whether a new code goes out.
//
//	POST /newsletter/send-verification
//	POST /newsletter/resend-verification
func (h *NewsletterHandlers) SendVerification(w http.ResponseWriter, r *http.Request) {
	var body subscribeRequest
	if !httputil.Decode(w, r, &body) {
		return
	}
	in, err := body.toRequest()
	if err != nil {
		writeError(w, err)
		return
	}
	pending, err := h.subs.RequestSubscription(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.Created(w, map[string]any{
		"success":          true,
		"subscriptionData": pending,
	})
}

type verifyRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
	Token string `json:"token"`
	// SubscriptionData is echoed back by older clients. Only its token is
	// read; preferences always come from the server-held request.
	SubscriptionData *struct {
		Token string `json:"subscriptionToken"`
	} `json:"subscriptionData"`
}

// VerifyCode redeems a code and activates the subscription.
//
//	POST /newsletter/verify-code
func (h *NewsletterHandlers) VerifyCode(w http.ResponseWriter, r *http.Request) {
	var body verifyRequest
	if !httputil.Decode(w, r, &body) {
		return
	}
	token := body.Token
	if token == "" && body.SubscriptionData != nil {
		token = body.SubscriptionData.Token
	}
	sub, err := h.subs.VerifyCode(r.Context(), body.Email, body.Code, token)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"success": true, "subscriber": sub})
}

// CheckSubscription reports whether an email is actively subscribed.
//
//	GET /newsletter/check-subscription?email=
func (h *NewsletterHandlers) CheckSubscription(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, h.subs.GetStatus(r.Context(), r.URL.Query().Get("email")))
}

// Unsubscribe deactivates a subscription.
//
//	POST /newsletter/unsubscribe
func (h *NewsletterHandlers) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if !httputil.Decode(w, r, &body) {
		return
	}
	if err := h.subs.Unsubscribe(r.Context(), body.Email); err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"success": true})
}

// ListSubscribers is the admin listing with optional status and email filters.
//
//	GET /newsletter/subscribers?status=&search=&page=&limit=&offset=
func (h *NewsletterHandlers) ListSubscribers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := ParsePage(r, defaultPageLimit, maxPageLimit)
	filter := subscription.ListFilter{
		Status: domain.SubscriberStatus(q.Get("status")),
		Search: q.Get("search"),
		Limit:  page.Limit,
		Offset: page.Offset,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		httputil.BadRequest(w, "unknown status "+strconv.Quote(string(filter.Status)))
		return
	}

	subs, total, err := h.subs.ListSubscribers(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if subs == nil {
		subs = []domain.Subscriber{}
	}
	httputil.OK(w, map[string]any{
		"subscribers": subs,
		"total":       total,
		"pagination":  NewPageMeta(page, total),
	})
}

type sendRequest struct {
	Candidates    []domain.Candidate `json:"candidates"`
	Subject       string             `json:"subject"`
	CustomMessage string             `json:"customMessage"`
}

// Send matches a supplied candidate batch and dispatches notifications.
//
//	POST /newsletter/send
func (h *NewsletterHandlers) Send(w http.ResponseWriter, r *http.Request) {
	if h.digest == nil {
		writeError(w, digest.ErrInvalidConfig)
		return
	}
	var body sendRequest
	if !httputil.Decode(w, r, &body) {
		return
	}
	rep, err := h.digest.Notify(r.Context(), body.Candidates, body.Subject, body.CustomMessage)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"success": true, "report": rep})
}

// CheckAndSend runs one check-and-send cycle now.
//
//	POST /newsletter/check-and-send
func (h *NewsletterHandlers) CheckAndSend(w http.ResponseWriter, r *http.Request) {
	if h.digest == nil {
		writeError(w, digest.ErrInvalidConfig)
		return
	}
	rep, err := h.digest.RunCycle(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"success": true, "report": rep})
}
