package seekers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/worknow/newsletter/internal/domain"
)

func TestCandidatesSince(t *testing.T) {
	since := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/seekers", r.URL.Path)
		assert.Equal(t, "2026-03-01T09:00:00Z", r.URL.Query().Get("createdAfter"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"items":[
			{"id":"old","city":"Haifa","createdAt":"2026-03-01T09:00:00Z"},
			{"id":"c1","name":"Dana","city":"Tel Aviv","category":"dev","languages":["Hebrew"],"gender":"female","isDemanded":true,"createdAt":"2026-03-01T09:05:00Z"}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "s3cret", srv.Client())
	cands, err := c.CandidatesSince(context.Background(), since, 50)
	require.NoError(t, err)
	require.Len(t, cands, 2, "page is returned as the backend sent it")
	assert.Equal(t, "old", cands[0].ID)
	assert.Equal(t, "c1", cands[1].ID)
	assert.Equal(t, domain.GenderFemale, cands[1].Gender)
	assert.True(t, cands[1].IsDemanded)
}

func TestCandidatesSince_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", srv.Client()).CandidatesSince(context.Background(), time.Now(), 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestDecodeCandidates(t *testing.T) {
	cands, err := DecodeCandidates(strings.NewReader(` [{"id":"a"},{"id":"b"}] `))
	require.NoError(t, err)
	assert.Len(t, cands, 2)

	cands, err = DecodeCandidates(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, cands)

	_, err = DecodeCandidates(strings.NewReader("{broken"))
	assert.Error(t, err)
}
