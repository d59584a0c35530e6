package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worknow/newsletter/internal/domain"
	"github.com/worknow/newsletter/internal/matching"
	"github.com/worknow/newsletter/internal/service/subscription"
)

const export = `{"items":[{"id":"c1","city":"Tel Aviv","category":"IT","createdAt":"2025-06-01T10:00:00Z"}]}`

type fakeS3 struct {
	bucket, key string
	body        string
	err         error
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.bucket, f.key = aws.ToString(in.Bucket), aws.ToString(in.Key)
	if f.err != nil {
		return nil, f.err
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(f.body))}, nil
}

func TestParseS3URI(t *testing.T) {
	b, k, ok := parseS3URI("s3://exports/seekers/today.json")
	assert.True(t, ok)
	assert.Equal(t, "exports", b)
	assert.Equal(t, "seekers/today.json", k)

	for _, bad := range []string{"./file.json", "s3://bucket", "s3:///key", "s3://bucket/"} {
		_, _, ok := parseS3URI(bad)
		assert.False(t, ok, bad)
	}
}

func TestLoadCandidates_S3(t *testing.T) {
	fake := &fakeS3{body: export}
	cands, err := loadCandidates(context.Background(), "s3://exports/a/b.json", fake)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "c1", cands[0].ID)
	assert.Equal(t, "exports", fake.bucket)
	assert.Equal(t, "a/b.json", fake.key)

	_, err = loadCandidates(context.Background(), "s3://exports/x", &fakeS3{err: errors.New("access denied")})
	assert.ErrorContains(t, err, "access denied")
}

func TestLoadCandidates_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cands.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"id":"c2","city":"Haifa"}]`), 0o600))

	cands, err := loadCandidates(context.Background(), path, nil)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "Haifa", cands[0].City)
}

func TestEvaluate(t *testing.T) {
	ctx := context.Background()
	repo := subscription.NewMemoryRepository()
	at := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	add := func(email string, p domain.Preferences) {
		_, err := repo.Activate(ctx, email, domain.SubscriptionPayload{Preferences: p.Normalize()}, at)
		require.NoError(t, err)
	}
	add("alice@example.com", domain.Preferences{Cities: domain.NewStringSet("Tel Aviv")})
	add("bob@example.com", domain.Preferences{Cities: domain.NewStringSet("Haifa"), Categories: domain.NewStringSet("Finance")})
	add("carol@example.com", domain.Preferences{})

	cands := []domain.Candidate{{ID: "c1", City: "tel aviv", Category: "IT"}}
	reports, skipped, err := evaluate(ctx, repo, cands, 2, true)
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, reports, 1)

	r := reports[0]
	assert.Equal(t, []string{"alice@example.com", "carol@example.com"}, r.Matched)
	assert.Equal(t, 1, r.Rejected[matching.DimCity])
	assert.Equal(t, 1, r.Rejected[matching.DimCategory])
	assert.Equal(t, []matching.Dimension{matching.DimCity, matching.DimCategory}, r.Reasons["bob@example.com"])

	var buf bytes.Buffer
	printReports(&buf, reports, skipped)
	out := buf.String()
	assert.Contains(t, out, "candidate c1")
	assert.Contains(t, out, "2 matching subscriber(s)")
	assert.Contains(t, out, "rejected on city: 1")
	assert.Contains(t, out, "1 candidate(s), 2 notification(s) would be sent")
}
