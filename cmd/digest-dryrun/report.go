package main

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/worknow/newsletter/internal/domain"
	"github.com/worknow/newsletter/internal/matching"
	"github.com/worknow/newsletter/internal/service/digest"
)

// candidateReport says who would be notified about one candidate and why
// everyone else would not.
type candidateReport struct {
	Candidate domain.Candidate
	Matched   []string
	// Rejected counts subscribers per failing dimension. A subscriber failing
	// several dimensions is counted under each.
	Rejected map[matching.Dimension]int
	// Reasons is only filled in verbose mode.
	Reasons map[string][]matching.Dimension
}

// evaluate scans every active subscriber once and explains each candidate
// against them. Subscribers with unreadable preferences are counted in
// skipped.
func evaluate(ctx context.Context, src digest.SubscriberSource, cands []domain.Candidate, pageSize int, verbose bool) ([]candidateReport, int, error) {
	if pageSize <= 0 {
		pageSize = 500
	}
	reports := make([]candidateReport, len(cands))
	for i, c := range cands {
		reports[i] = candidateReport{Candidate: c, Rejected: map[matching.Dimension]int{}}
		if verbose {
			reports[i].Reasons = map[string][]matching.Dimension{}
		}
	}

	var (
		after   string
		skipped int
	)
	for {
		page, err := src.ActiveProfiles(ctx, after, pageSize)
		if err != nil {
			return nil, 0, fmt.Errorf("scan subscribers: %w", err)
		}
		for _, p := range page {
			prefs, err := domain.DecodePreferences(p.RawPreferences)
			if err != nil {
				skipped++
				continue
			}
			for i := range reports {
				failed := matching.Explain(reports[i].Candidate, prefs)
				if len(failed) == 0 {
					reports[i].Matched = append(reports[i].Matched, p.Email)
					continue
				}
				for _, d := range failed {
					reports[i].Rejected[d]++
				}
				if verbose {
					reports[i].Reasons[p.Email] = failed
				}
			}
		}
		if len(page) < pageSize {
			break
		}
		after = page[len(page)-1].Email
	}
	return reports, skipped, nil
}

func printReports(w io.Writer, reports []candidateReport, skipped int) {
	total := 0
	for _, r := range reports {
		c := r.Candidate
		fmt.Fprintf(w, "candidate %s (%s, %s, created %s): %d matching subscriber(s)\n",
			c.ID, c.City, c.Category, c.CreatedAt.Format("2006-01-02 15:04"), len(r.Matched))
		total += len(r.Matched)
		for _, email := range r.Matched {
			fmt.Fprintf(w, "  + %s\n", email)
		}

		dims := make([]string, 0, len(r.Rejected))
		for d := range r.Rejected {
			dims = append(dims, string(d))
		}
		sort.Strings(dims)
		for _, d := range dims {
			fmt.Fprintf(w, "  - rejected on %s: %d\n", d, r.Rejected[matching.Dimension(d)])
		}

		if r.Reasons != nil {
			emails := make([]string, 0, len(r.Reasons))
			for e := range r.Reasons {
				emails = append(emails, e)
			}
			sort.Strings(emails)
			for _, e := range emails {
				fmt.Fprintf(w, "    %s: %v\n", e, r.Reasons[e])
			}
		}
	}
	fmt.Fprintf(w, "%d candidate(s), %d notification(s) would be sent", len(reports), total)
	if skipped > 0 {
		fmt.Fprintf(w, ", %d subscriber(s) skipped for malformed preferences", skipped)
	}
	fmt.Fprintln(w)
}
