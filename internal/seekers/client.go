// Package seekers reads newly added candidates from the job-board's seekers
// backend. The newsletter never writes there.
package seekers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/worknow/newsletter/internal/domain"
	"github.com/worknow/newsletter/internal/pkg/httpretry"
)

// Client calls the seekers backend's listing endpoint.
type Client struct {
	baseURL string
	token   string
	http    httpretry.HTTPDoer
}

// NewClient creates a client for baseURL. token, if set, is sent as a bearer
// credential.
func NewClient(baseURL, token string, doer httpretry.HTTPDoer) *Client {
	if doer == nil {
		doer = httpretry.NewRetryClient(&http.Client{Timeout: 15 * time.Second}, 3)
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: doer}
}

// CandidatesSince returns up to limit candidates created after since, oldest
// first. Some deployments filter inclusively, so records created exactly at
// since may be part of the page.
func (c *Client) CandidatesSince(ctx context.Context, since time.Time, limit int) ([]domain.Candidate, error) {
	q := url.Values{}
	q.Set("createdAfter", since.UTC().Format(time.RFC3339Nano))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("sort", "createdAt")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/seekers?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build seekers request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("seekers request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("seekers returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return DecodeCandidates(resp.Body)
}

// DecodeCandidates accepts either a JSON array of candidates or an object
// with an "items" array.
func DecodeCandidates(r io.Reader) ([]domain.Candidate, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read candidates: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	var cands []domain.Candidate
	if data[0] == '[' {
		err = json.Unmarshal(data, &cands)
	} else {
		var env struct {
			Items []domain.Candidate `json:"items"`
		}
		err = json.Unmarshal(data, &env)
		cands = env.Items
	}
	if err != nil {
		return nil, fmt.Errorf("decode candidates: %w", err)
	}
	return cands, nil
}
