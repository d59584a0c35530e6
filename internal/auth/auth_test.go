package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/worknow/newsletter/internal/config"
)

func testConfig() config.AuthConfig {
	return config.AuthConfig{
		Enabled:            true,
		GoogleClientID:     "client-id",
		GoogleClientSecret: "client-secret",
		AllowedDomain:      "worknow.example",
		CookieName:         "newsletter_session",
		CookieMaxAge:       3600,
		AdminAPIKey:        "admin-key",
	}
}

func protected(am *AuthManager) http.Handler {
	return am.RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := FromContext(r.Context())
		_ = json.NewEncoder(w).Encode(p)
	}))
}

func TestRequireAdmin_APIKey(t *testing.T) {
	am := NewAuthManager(testConfig(), "http://localhost:8080", nil)
	h := protected(am)

	req := httptest.NewRequest(http.MethodGet, "/newsletter/subscribers", nil)
	req.Header.Set("Authorization", "Bearer admin-key")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var p Principal
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&p))
	assert.Equal(t, "api_key", p.Method)
}

func TestRequireAdmin_Rejects(t *testing.T) {
	am := NewAuthManager(testConfig(), "http://localhost:8080", nil)
	h := protected(am)

	for name, header := range map[string]string{
		"missing":    "",
		"wrong key":  "Bearer nope",
		"not bearer": "admin-key",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/newsletter/subscribers", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestRequireAdmin_EmptyKeyNeverMatches(t *testing.T) {
	cfg := testConfig()
	cfg.AdminAPIKey = ""
	am := NewAuthManager(cfg, "http://localhost:8080", nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	protected(am).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAdmin_Session(t *testing.T) {
	store := NewMemorySessions()
	am := NewAuthManager(testConfig(), "http://localhost:8080", store)
	require.NoError(t, store.Save(context.Background(), "sid", &Session{
		Email:     "ops@worknow.example",
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "newsletter_session", Value: "sid"})
	rec := httptest.NewRecorder()
	protected(am).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var p Principal
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&p))
	assert.Equal(t, "session", p.Method)
	assert.Equal(t, "ops@worknow.example", p.Email)
}

func TestHandleLogin_SetsStateAndRedirects(t *testing.T) {
	am := NewAuthManager(testConfig(), "http://localhost:8080", nil)
	rec := httptest.NewRecorder()
	am.HandleLogin(rec, httptest.NewRequest(http.MethodGet, "/auth/login", nil))

	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "worknow.example", loc.Query().Get("hd"))
	assert.Equal(t, "http://localhost:8080/auth/callback", loc.Query().Get("redirect_uri"))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, stateCookie, cookies[0].Name)
	assert.Equal(t, cookies[0].Value, loc.Query().Get("state"))
}

func TestHandleCallback_StateMismatch(t *testing.T) {
	am := NewAuthManager(testConfig(), "http://localhost:8080", nil)
	req := httptest.NewRequest(http.MethodGet, "/auth/callback?state=a&code=x", nil)
	req.AddCookie(&http.Cookie{Name: stateCookie, Value: "b"})
	rec := httptest.NewRecorder()
	am.HandleCallback(rec, req)

	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, "/?error=invalid_state", rec.Header().Get("Location"))
}

func fakeGoogle(t *testing.T, email string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(GoogleUserInfo{ID: "42", Email: email, VerifiedEmail: true, Name: "Ops"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func callback(t *testing.T, am *AuthManager) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/auth/callback?state=s1&code=c1", nil)
	req.AddCookie(&http.Cookie{Name: stateCookie, Value: "s1"})
	rec := httptest.NewRecorder()
	am.HandleCallback(rec, req)
	return rec
}

func pointAt(am *AuthManager, srv *httptest.Server) {
	am.oauth2Config.Endpoint = oauth2.Endpoint{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token"}
	am.userInfoURL = srv.URL + "/userinfo"
}

func TestHandleCallback_CreatesSession(t *testing.T) {
	store := NewMemorySessions()
	am := NewAuthManager(testConfig(), "http://localhost:8080", store)
	pointAt(am, fakeGoogle(t, "ops@worknow.example"))

	rec := callback(t, am)
	assert.Equal(t, "/", rec.Header().Get("Location"))

	var sid string
	for _, c := range rec.Result().Cookies() {
		if c.Name == "newsletter_session" {
			sid = c.Value
		}
	}
	require.NotEmpty(t, sid)

	s, err := store.Get(context.Background(), sid)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "ops@worknow.example", s.Email)

	// The session now unlocks the user info endpoint.
	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.AddCookie(&http.Cookie{Name: "newsletter_session", Value: sid})
	me := httptest.NewRecorder()
	am.HandleUserInfo(me, req)
	assert.Equal(t, http.StatusOK, me.Code)
	assert.Contains(t, me.Body.String(), "ops@worknow.example")

	// Logout drops it.
	out := httptest.NewRecorder()
	am.HandleLogout(out, req)
	s, err = store.Get(context.Background(), sid)
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestHandleCallback_WrongDomain(t *testing.T) {
	am := NewAuthManager(testConfig(), "http://localhost:8080", nil)
	pointAt(am, fakeGoogle(t, "someone@gmail.com"))

	rec := callback(t, am)
	assert.Equal(t, "/?error=domain_not_allowed", rec.Header().Get("Location"))
}

func TestHandleUserInfo_Anonymous(t *testing.T) {
	am := NewAuthManager(testConfig(), "http://localhost:8080", nil)
	rec := httptest.NewRecorder()
	am.HandleUserInfo(rec, httptest.NewRequest(http.MethodGet, "/auth/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"authenticated":false}`, rec.Body.String())
}

func TestMemorySessions_Expiry(t *testing.T) {
	m := NewMemorySessions()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, m.Save(ctx, "old", &Session{ExpiresAt: now.Add(-time.Second)}))
	require.NoError(t, m.Save(ctx, "new", &Session{ExpiresAt: now.Add(time.Hour)}))

	assert.Equal(t, 1, m.CleanupExpired())
	s, err := m.Get(ctx, "new")
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestRedisSessions(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := NewRedisSessions(client, "")
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "sid", &Session{Email: "ops@worknow.example", ExpiresAt: time.Now().Add(time.Minute)}))
	assert.True(t, mr.Exists("newsletter:session:sid"))

	s, err := store.Get(ctx, "sid")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "ops@worknow.example", s.Email)

	mr.FastForward(2 * time.Minute)
	s, err = store.Get(ctx, "sid")
	require.NoError(t, err)
	assert.Nil(t, s)

	require.NoError(t, store.Delete(ctx, "missing"))
}
