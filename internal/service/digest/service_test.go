package digest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/worknow/newsletter/internal/domain"
	"github.com/worknow/newsletter/internal/pkg/distlock"
)

// mockSource serves profiles from memory in email order.
type mockSource struct {
	profiles []domain.SubscriberProfile
	calls    int
	fail     error
}

func (m *mockSource) add(email, prefsJSON string) {
	m.profiles = append(m.profiles, domain.SubscriberProfile{Email: email, FirstName: strings.Split(email, "@")[0], RawPreferences: []byte(prefsJSON)})
	sort.Slice(m.profiles, func(i, j int) bool { return m.profiles[i].Email < m.profiles[j].Email })
}

func (m *mockSource) ActiveProfiles(_ context.Context, after string, limit int) ([]domain.SubscriberProfile, error) {
	m.calls++
	if m.fail != nil {
		return nil, m.fail
	}
	var out []domain.SubscriberProfile
	for _, p := range m.profiles {
		if p.Email > after {
			out = append(out, p)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

type mockDispatcher struct {
	mu     sync.Mutex
	sent   []Notification
	failOn map[string]bool
}

func (m *mockDispatcher) Dispatch(_ context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn[n.Candidate.ID] {
		return errors.New("outbox unavailable")
	}
	m.sent = append(m.sent, n)
	return nil
}

type mockCandidates struct {
	cands []domain.Candidate
	since time.Time
	// inclusive also returns candidates created exactly at since.
	inclusive bool
	limits    []int
}

func (m *mockCandidates) CandidatesSince(_ context.Context, since time.Time, limit int) ([]domain.Candidate, error) {
	m.since = since
	m.limits = append(m.limits, limit)
	var out []domain.Candidate
	for _, c := range m.cands {
		in := c.CreatedAt.After(since) || (m.inclusive && c.CreatedAt.Equal(since))
		if in && len(out) < limit {
			out = append(out, c)
		}
	}
	return out, nil
}

type memWatermark struct{ t time.Time }

func (w *memWatermark) Load(context.Context) (time.Time, error) { return w.t, nil }
func (w *memWatermark) Save(_ context.Context, t time.Time) error {
	if t.After(w.t) {
		w.t = t
	}
	return nil
}

type fakeLock struct{ held bool }

func (l *fakeLock) Acquire(context.Context) (bool, error) { return !l.held, nil }
func (l *fakeLock) Release(context.Context) error         { return nil }

const (
	emptyPrefs  = `{"cities":[],"categories":[],"employmentTypes":[],"documentTypes":[],"languages":[],"onlyDemanded":false}`
	telAvivDev  = `{"cities":["Tel Aviv"],"categories":["dev"],"employmentTypes":[],"documentTypes":[],"languages":[],"onlyDemanded":false}`
	demandOnly  = `{"cities":[],"categories":[],"employmentTypes":[],"documentTypes":[],"languages":[],"onlyDemanded":true}`
	partialNull = `{"cities":null,"categories":[],"employmentTypes":[],"documentTypes":[],"languages":[],"onlyDemanded":false}`
)

func emails(subs []domain.Subscriber) []string {
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.Email)
	}
	return out
}

func TestMatchSubscribers_EmptyPreferencesMatchAnything(t *testing.T) {
	src := &mockSource{}
	src.add("any@x.io", emptyPrefs)
	m := NewMatcher(src, 10)

	got, err := m.MatchSubscribers(context.Background(), domain.Candidate{ID: "c1", City: "Eilat"})
	require.NoError(t, err)
	assert.Equal(t, []string{"any@x.io"}, emails(got))
}

func TestMatchSubscribers_CityFilter(t *testing.T) {
	src := &mockSource{}
	src.add("alice@x.io", telAvivDev)
	m := NewMatcher(src, 10)

	got, err := m.MatchSubscribers(context.Background(), domain.Candidate{City: "Haifa", Category: "dev"})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = m.MatchSubscribers(context.Background(), domain.Candidate{City: "tel aviv", Category: "Dev"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice@x.io"}, emails(got))
}

func TestMatchSubscribers_OnlyDemanded(t *testing.T) {
	src := &mockSource{}
	src.add("d@x.io", demandOnly)
	m := NewMatcher(src, 10)

	got, err := m.MatchSubscribers(context.Background(), domain.Candidate{IsDemanded: false})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = m.MatchSubscribers(context.Background(), domain.Candidate{IsDemanded: true})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMatchSubscribers_SkipsMalformedRows(t *testing.T) {
	src := &mockSource{}
	src.add("a@x.io", emptyPrefs)
	src.add("b@x.io", partialNull)
	src.add("c@x.io", `not json`)
	src.add("d@x.io", `{"cities":[],"categories":[],"employmentTypes":[],"documentTypes":[],"languages":[],"gender":"robot","onlyDemanded":false}`)
	src.add("e@x.io", emptyPrefs)
	m := NewMatcher(src, 10)

	got, err := m.MatchSubscribers(context.Background(), domain.Candidate{City: "Haifa"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x.io", "e@x.io"}, emails(got))
}

func TestMatchBatch_PagesThroughAllSubscribers(t *testing.T) {
	src := &mockSource{}
	for i := 0; i < 7; i++ {
		src.add(fmt.Sprintf("u%d@x.io", i), emptyPrefs)
	}
	m := NewMatcher(src, 3)

	got, err := m.MatchBatch(context.Background(), []domain.Candidate{{ID: "a"}, {ID: "b"}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Len(t, got[0], 7)
	assert.Len(t, got[1], 7)
	assert.Equal(t, 3, src.calls, "7 rows at 3 per page")
}

func TestMatchSubscribers_SourceError(t *testing.T) {
	src := &mockSource{fail: errors.New("connection reset")}
	_, err := NewMatcher(src, 10).MatchSubscribers(context.Background(), domain.Candidate{})
	assert.Error(t, err)
}

func newTestService(t *testing.T, src *mockSource, disp *mockDispatcher, cands *mockCandidates, wm *memWatermark, lock *fakeLock) *Service {
	t.Helper()
	var dl distlock.DistLock
	if lock != nil {
		dl = lock
	}
	var cs CandidateSource
	if cands != nil {
		cs = cands
	}
	var ws WatermarkStore
	if wm != nil {
		ws = wm
	}
	svc, err := NewService(NewMatcher(src, 2), disp, cs, ws, dl, Config{})
	require.NoError(t, err)
	return svc
}

func TestNotify_RendersAndDispatches(t *testing.T) {
	src := &mockSource{}
	src.add("alice@x.io", telAvivDev)
	src.add("bob@x.io", emptyPrefs)
	disp := &mockDispatcher{}
	svc := newTestService(t, src, disp, nil, nil, nil)

	rep, err := svc.Notify(context.Background(), []domain.Candidate{
		{ID: "c1", Name: "Dana", City: "Tel Aviv", Category: "dev"},
		{ID: "c2", Name: "Eli", City: "Haifa", Category: "ops"},
	}, "New: {{ candidate.name }}", "Hiring fair on Sunday")
	require.NoError(t, err)

	assert.Equal(t, 2, rep.Candidates)
	assert.Equal(t, 2, rep.Notified)
	assert.Equal(t, 3, rep.Recipients)
	require.Len(t, disp.sent, 2)
	assert.Equal(t, "New: Dana", disp.sent[0].Subject)
	assert.Contains(t, disp.sent[0].Body, "Hiring fair on Sunday")
	assert.Contains(t, disp.sent[0].Body, "City: Tel Aviv")
	assert.Len(t, disp.sent[0].Recipients, 2)
	assert.Len(t, disp.sent[1].Recipients, 1)
	assert.Equal(t, "bob@x.io", disp.sent[1].Recipients[0].Email)
}

func TestNotify_Validation(t *testing.T) {
	svc := newTestService(t, &mockSource{}, &mockDispatcher{}, nil, nil, nil)

	_, err := svc.Notify(context.Background(), nil, "", "")
	assert.ErrorIs(t, err, ErrNoCandidates)

	_, err = svc.Notify(context.Background(), []domain.Candidate{{ID: "c"}}, "{% bogus %}", "")
	assert.ErrorIs(t, err, ErrInvalidTemplate)
}

func TestNotify_UnmatchedCandidateNotDispatched(t *testing.T) {
	src := &mockSource{}
	src.add("alice@x.io", telAvivDev)
	disp := &mockDispatcher{}
	svc := newTestService(t, src, disp, nil, nil, nil)

	rep, err := svc.Notify(context.Background(), []domain.Candidate{{ID: "c1", City: "Haifa"}}, "", "")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Unmatched)
	assert.Equal(t, []string{"c1"}, rep.UnmatchedIDs)
	assert.Empty(t, disp.sent)
}

func TestRunCycle_AdvancesWatermark(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	src := &mockSource{}
	src.add("any@x.io", emptyPrefs)
	disp := &mockDispatcher{}
	cands := &mockCandidates{cands: []domain.Candidate{
		{ID: "c2", CreatedAt: t0.Add(2 * time.Minute)},
		{ID: "c1", CreatedAt: t0.Add(time.Minute)},
	}}
	wm := &memWatermark{t: t0}
	svc := newTestService(t, src, disp, cands, wm, &fakeLock{})

	rep, err := svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Notified)
	assert.Equal(t, t0.Add(2*time.Minute), wm.t)
	require.Len(t, disp.sent, 2)
	assert.Equal(t, "c1", disp.sent[0].Candidate.ID, "oldest first")

	rep, err = svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Candidates, "nothing new since the watermark")
	assert.Len(t, disp.sent, 2)
}

func TestRunCycle_HoldsWatermarkAtFirstFailure(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	src := &mockSource{}
	src.add("any@x.io", emptyPrefs)
	disp := &mockDispatcher{failOn: map[string]bool{"c2": true}}
	cands := &mockCandidates{cands: []domain.Candidate{
		{ID: "c1", CreatedAt: t0.Add(1 * time.Minute)},
		{ID: "c2", CreatedAt: t0.Add(2 * time.Minute)},
		{ID: "c3", CreatedAt: t0.Add(3 * time.Minute)},
	}}
	wm := &memWatermark{t: t0}
	svc := newTestService(t, src, disp, cands, wm, nil)

	rep, err := svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, []string{"c2"}, rep.FailedIDs)
	assert.Equal(t, t0.Add(time.Minute), wm.t, "c2 is retried next cycle")
}

func notifiedIDs(disp *mockDispatcher) []string {
	disp.mu.Lock()
	defer disp.mu.Unlock()
	ids := make([]string, 0, len(disp.sent))
	for _, n := range disp.sent {
		ids = append(ids, n.Candidate.ID)
	}
	return ids
}

func TestRunCycle_FullBatchKeepsSameTimeGroupTogether(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	src := &mockSource{}
	src.add("any@x.io", emptyPrefs)
	disp := &mockDispatcher{}
	cands := &mockCandidates{cands: []domain.Candidate{
		{ID: "c1", CreatedAt: t0.Add(1 * time.Minute)},
		{ID: "c2", CreatedAt: t0.Add(2 * time.Minute)},
		{ID: "c3", CreatedAt: t0.Add(2 * time.Minute)},
	}}
	wm := &memWatermark{t: t0}
	svc, err := NewService(NewMatcher(src, 2), disp, cands, wm, nil, Config{BatchLimit: 2})
	require.NoError(t, err)

	rep, err := svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Candidates, "c2 waits for the rest of its group")
	assert.Equal(t, t0.Add(time.Minute), wm.t)

	rep, err = svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Candidates)
	assert.Equal(t, t0.Add(2*time.Minute), wm.t)
	assert.Equal(t, []int{2, 2, 4}, cands.limits, "batch widened once the group filled it")

	rep, err = svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Candidates)

	assert.Equal(t, []string{"c1", "c2", "c3"}, notifiedIDs(disp))
}

func TestRunCycle_InclusiveSourceMakesProgress(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	src := &mockSource{}
	src.add("any@x.io", emptyPrefs)
	disp := &mockDispatcher{}
	cands := &mockCandidates{inclusive: true, cands: []domain.Candidate{
		{ID: "a", CreatedAt: t0},
		{ID: "b", CreatedAt: t0},
		{ID: "c", CreatedAt: t0.Add(time.Minute)},
	}}
	wm := &memWatermark{t: t0}
	svc, err := NewService(NewMatcher(src, 2), disp, cands, wm, nil, Config{BatchLimit: 2})
	require.NoError(t, err)

	rep, err := svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Candidates)
	assert.Equal(t, []string{"c"}, notifiedIDs(disp), "records at the watermark were handled already")
	assert.Equal(t, t0.Add(time.Minute), wm.t)
}

func TestRunCycle_FirstRunUsesLookback(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	cands := &mockCandidates{}
	svc := newTestService(t, &mockSource{}, &mockDispatcher{}, cands, &memWatermark{}, nil)
	svc.SetClock(func() time.Time { return now })

	_, err := svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, now.Add(-24*time.Hour), cands.since)
}

func TestRunCycle_LockHeld(t *testing.T) {
	svc := newTestService(t, &mockSource{}, &mockDispatcher{}, &mockCandidates{}, &memWatermark{}, &fakeLock{held: true})
	_, err := svc.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleRunning)
}

func TestRunCycle_RequiresSources(t *testing.T) {
	svc := newTestService(t, &mockSource{}, &mockDispatcher{}, nil, nil, nil)
	_, err := svc.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRenderer_DefaultTemplates(t *testing.T) {
	r := NewRenderer()
	subject, body, err := r.Render(DefaultSubject, DefaultBody, domain.Candidate{
		Name: "Dana", City: "", Category: "dev", Languages: []string{"Hebrew", "English"},
	}, "")
	require.NoError(t, err)
	assert.Equal(t, "New candidate in your area: Dana", subject)
	assert.Contains(t, body, "Hello there,")
	assert.Contains(t, body, "Dana (dev)")
	assert.Contains(t, body, "Languages: Hebrew, English")
	assert.NotContains(t, body, "City:")
}
