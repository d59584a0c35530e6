package digest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/worknow/newsletter/internal/domain"
	"github.com/worknow/newsletter/internal/pkg/distlock"
	"github.com/worknow/newsletter/internal/pkg/logger"
)

// Config tunes the digest.
type Config struct {
	Subject string
	Body    string
	// BatchLimit caps candidates fetched per cycle.
	BatchLimit int
	// InitialLookback seeds the watermark on the very first cycle.
	InitialLookback time.Duration
}

// Report summarizes one Notify or RunCycle call.
type Report struct {
	Candidates   int       `json:"candidates"`
	Notified     int       `json:"notified"`
	Unmatched    int       `json:"unmatched"`
	Failed       int       `json:"failed"`
	Recipients   int       `json:"recipients"`
	Watermark    time.Time `json:"watermark,omitempty"`
	FailedIDs    []string  `json:"failedIds,omitempty"`
	UnmatchedIDs []string  `json:"unmatchedIds,omitempty"`
}

// Service runs manual sends and the scheduled check-and-send cycle.
type Service struct {
	matcher    *Matcher
	dispatcher Dispatcher
	renderer   *Renderer
	candidates CandidateSource
	watermark  WatermarkStore
	lock       distlock.DistLock
	cfg        Config
	now        func() time.Time
}

// NewService wires the digest. candidates, watermark and lock are only needed
// by RunCycle and may be nil otherwise.
func NewService(matcher *Matcher, dispatcher Dispatcher, candidates CandidateSource, watermark WatermarkStore, lock distlock.DistLock, cfg Config) (*Service, error) {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.Body == "" {
		cfg.Body = DefaultBody
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 200
	}
	if cfg.InitialLookback <= 0 {
		cfg.InitialLookback = 24 * time.Hour
	}
	r := NewRenderer()
	if err := r.Validate(cfg.Subject); err != nil {
		return nil, fmt.Errorf("subject template: %w", err)
	}
	if err := r.Validate(cfg.Body); err != nil {
		return nil, fmt.Errorf("body template: %w", err)
	}
	return &Service{
		matcher:    matcher,
		dispatcher: dispatcher,
		renderer:   r,
		candidates: candidates,
		watermark:  watermark,
		lock:       lock,
		cfg:        cfg,
		now:        time.Now,
	}, nil
}

// SetClock replaces the clock used to seed the first watermark.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Matcher exposes the underlying matcher.
func (s *Service) Matcher() *Matcher { return s.matcher }

// Notify matches each candidate and dispatches one notification per
// candidate with at least one recipient. subject and message override the
// configured subject and add free text to the body; both may be empty.
func (s *Service) Notify(ctx context.Context, cands []domain.Candidate, subject, message string) (Report, error) {
	if len(cands) == 0 {
		return Report{}, ErrNoCandidates
	}
	subjectTpl := s.cfg.Subject
	if strings.TrimSpace(subject) != "" {
		subjectTpl = subject
		if err := s.renderer.Validate(subjectTpl); err != nil {
			return Report{}, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
		}
	}
	rep, _, err := s.notify(ctx, cands, subjectTpl, message)
	return rep, err
}

// notify returns the index of the first candidate whose dispatch failed, or
// len(cands) if none did.
func (s *Service) notify(ctx context.Context, cands []domain.Candidate, subjectTpl, message string) (Report, int, error) {
	rep := Report{Candidates: len(cands)}
	firstFailure := len(cands)

	matches, err := s.matcher.MatchBatch(ctx, cands)
	if err != nil {
		return rep, 0, err
	}

	for i, c := range cands {
		subs := matches[i]
		if len(subs) == 0 {
			rep.Unmatched++
			rep.UnmatchedIDs = append(rep.UnmatchedIDs, c.ID)
			continue
		}
		subject, body, err := s.renderer.Render(subjectTpl, s.cfg.Body, c, message)
		if err == nil {
			n := Notification{Candidate: c, Subject: subject, Body: body, Recipients: make([]Recipient, 0, len(subs))}
			for _, sub := range subs {
				n.Recipients = append(n.Recipients, Recipient{Email: sub.Email, FirstName: sub.FirstName, LastName: sub.LastName})
			}
			err = s.dispatcher.Dispatch(ctx, n)
		}
		if err != nil {
			logger.Error("digest dispatch failed", "component", "digest", "candidate_id", c.ID, "error", err)
			rep.Failed++
			rep.FailedIDs = append(rep.FailedIDs, c.ID)
			if i < firstFailure {
				firstFailure = i
			}
			continue
		}
		rep.Notified++
		rep.Recipients += len(subs)
	}
	return rep, firstFailure, nil
}

// maxBatchGrowth bounds how far fetch widens a batch that a single creation
// time fills.
const maxBatchGrowth = 8

// fetch returns the candidates one cycle handles, ordered by creation time
// then ID. A full batch is cut before its newest creation time so a group of
// candidates sharing that time is never split across cycles; the next cycle
// fetches the group whole. When nothing survives the cut the batch is widened.
func (s *Service) fetch(ctx context.Context, since time.Time) ([]domain.Candidate, error) {
	limit := s.cfg.BatchLimit
	for {
		page, err := s.candidates.CandidatesSince(ctx, since, limit)
		if err != nil {
			return nil, fmt.Errorf("fetch candidates: %w", err)
		}
		full := len(page) >= limit

		cands := make([]domain.Candidate, 0, len(page))
		for _, c := range page {
			if c.CreatedAt.After(since) {
				cands = append(cands, c)
			}
		}
		sort.SliceStable(cands, func(i, j int) bool {
			if !cands[i].CreatedAt.Equal(cands[j].CreatedAt) {
				return cands[i].CreatedAt.Before(cands[j].CreatedAt)
			}
			return cands[i].ID < cands[j].ID
		})
		if !full {
			return cands, nil
		}

		cut := len(cands)
		for cut > 0 && cands[cut-1].CreatedAt.Equal(cands[len(cands)-1].CreatedAt) {
			cut--
		}
		if cut > 0 {
			return cands[:cut], nil
		}
		if limit >= s.cfg.BatchLimit*maxBatchGrowth {
			logger.Warn("candidate batch is filled by one creation time, raise digest.batch_limit",
				"component", "digest", "since", since.Format(time.RFC3339Nano), "limit", limit, "candidates", len(cands))
			return cands, nil
		}
		limit *= 2
	}
}

// RunCycle notifies about candidates created since the watermark and then
// advances it. Only one cycle runs at a time across instances.
func (s *Service) RunCycle(ctx context.Context) (Report, error) {
	if s.candidates == nil || s.watermark == nil {
		return Report{}, fmt.Errorf("%w: check-and-send needs a candidate source and watermark store", ErrInvalidConfig)
	}
	if s.lock != nil {
		ok, err := s.lock.Acquire(ctx)
		if err != nil {
			return Report{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
		}
		if !ok {
			return Report{}, ErrCycleRunning
		}
		defer func() {
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.lock.Release(rctx); err != nil {
				logger.Warn("failed to release digest lock", "component", "digest", "error", err)
			}
		}()
	}

	since, err := s.watermark.Load(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	if since.IsZero() {
		since = s.now().UTC().Add(-s.cfg.InitialLookback)
	}

	cands, err := s.fetch(ctx, since)
	if err != nil {
		return Report{}, err
	}
	if len(cands) == 0 {
		return Report{Watermark: since}, nil
	}

	rep, firstFailure, err := s.notify(ctx, cands, s.cfg.Subject, "")
	if err != nil {
		return rep, err
	}

	// Advance only past the prefix that was fully handed off, so a failed
	// dispatch is retried next cycle.
	next := since
	for _, c := range cands[:firstFailure] {
		if firstFailure < len(cands) && !c.CreatedAt.Before(cands[firstFailure].CreatedAt) {
			break
		}
		if c.CreatedAt.After(next) {
			next = c.CreatedAt
		}
	}
	if next.After(since) {
		if err := s.watermark.Save(ctx, next); err != nil {
			return rep, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
		}
	}
	rep.Watermark = next

	logger.Info("digest cycle complete", "component", "digest",
		"candidates", rep.Candidates, "notified", rep.Notified, "recipients", rep.Recipients,
		"failed", rep.Failed, "watermark", next.Format(time.RFC3339))
	return rep, nil
}
