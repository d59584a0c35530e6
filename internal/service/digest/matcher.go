package digest

import (
	"context"
	"fmt"

	"github.com/worknow/newsletter/internal/domain"
	"github.com/worknow/newsletter/internal/matching"
	"github.com/worknow/newsletter/internal/pkg/logger"
)

const defaultPageSize = 500

// Matcher evaluates candidates against every active subscriber.
type Matcher struct {
	src      SubscriberSource
	pageSize int
}

// NewMatcher creates a matcher reading pageSize profiles per query.
func NewMatcher(src SubscriberSource, pageSize int) *Matcher {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Matcher{src: src, pageSize: pageSize}
}

// MatchSubscribers returns the active subscribers whose preferences admit c.
func (m *Matcher) MatchSubscribers(ctx context.Context, c domain.Candidate) ([]domain.Subscriber, error) {
	out, err := m.MatchBatch(ctx, []domain.Candidate{c})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// MatchBatch matches several candidates in one pass over the subscribers.
// The result is indexed like cands.
func (m *Matcher) MatchBatch(ctx context.Context, cands []domain.Candidate) ([][]domain.Subscriber, error) {
	out := make([][]domain.Subscriber, len(cands))
	var (
		after   string
		scanned int
		skipped int
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := m.src.ActiveProfiles(ctx, after, m.pageSize)
		if err != nil {
			return nil, fmt.Errorf("scan subscribers after %q: %w", logger.RedactEmail(after), err)
		}
		for _, p := range page {
			scanned++
			prefs, err := domain.DecodePreferences(p.RawPreferences)
			if err != nil {
				skipped++
				logger.Warn("skipping subscriber with malformed preferences",
					"component", "digest", "email", p.Email, "error", err)
				continue
			}
			for i, c := range cands {
				if matching.Matches(c, prefs) {
					out[i] = append(out[i], domain.Subscriber{
						Email:       p.Email,
						FirstName:   p.FirstName,
						LastName:    p.LastName,
						Preferences: prefs,
						Status:      domain.SubscriberActive,
					})
				}
			}
		}
		if len(page) < m.pageSize {
			break
		}
		after = page[len(page)-1].Email
	}
	logger.Debug("digest match complete", "component", "digest",
		"candidates", len(cands), "scanned", scanned, "skipped", skipped)
	return out, nil
}
