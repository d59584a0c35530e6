package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/worknow/newsletter/internal/config"
	"github.com/worknow/newsletter/internal/pkg/httputil"
	"github.com/worknow/newsletter/internal/pkg/logger"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	stateCookie        = "oauth_state"
	defaultUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"
)

// GoogleUserInfo represents the user info returned by Google
type GoogleUserInfo struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
	HD            string `json:"hd"` // Hosted domain (GSuite domain)
}

type ctxKey struct{}

// Principal identifies who passed RequireAdmin.
type Principal struct {
	Email  string
	Method string // "session" or "api_key"
}

// FromContext returns the principal attached by RequireAdmin.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}

// AuthManager handles Google OAuth login for admins and guards the admin
// endpoints with either a session cookie or the admin API key.
type AuthManager struct {
	config       config.AuthConfig
	oauth2Config *oauth2.Config
	sessions     SessionStore
	httpClient   *http.Client
	userInfoURL  string
	now          func() time.Time
}

// NewAuthManager creates a new authentication manager. A nil store keeps
// sessions in memory.
func NewAuthManager(cfg config.AuthConfig, baseURL string, store SessionStore) *AuthManager {
	redirect := cfg.RedirectURL
	if redirect == "" {
		redirect = strings.TrimRight(baseURL, "/") + "/auth/callback"
	}
	if store == nil {
		store = NewMemorySessions()
	}
	return &AuthManager{
		config: cfg,
		oauth2Config: &oauth2.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  redirect,
			Scopes: []string{
				"https://www.googleapis.com/auth/userinfo.email",
				"https://www.googleapis.com/auth/userinfo.profile",
			},
			Endpoint: google.Endpoint,
		},
		sessions:    store,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		userInfoURL: defaultUserInfoURL,
		now:         time.Now,
	}
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HandleLogin initiates the Google OAuth flow
func (am *AuthManager) HandleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := randomToken()
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("generate state: %w", err))
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   300,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOnline}
	if am.config.AllowedDomain != "" {
		opts = append(opts, oauth2.SetAuthURLParam("hd", am.config.AllowedDomain))
	}
	http.Redirect(w, r, am.oauth2Config.AuthCodeURL(state, opts...), http.StatusTemporaryRedirect)
}

// HandleCallback processes the OAuth callback from Google
func (am *AuthManager) HandleCallback(w http.ResponseWriter, r *http.Request) {
	sc, err := r.Cookie(stateCookie)
	if err != nil || sc.Value == "" || r.URL.Query().Get("state") != sc.Value {
		logger.Warn("auth: state mismatch")
		http.Redirect(w, r, "/?error=invalid_state", http.StatusTemporaryRedirect)
		return
	}

	http.SetCookie(w, &http.Cookie{Name: stateCookie, Value: "", Path: "/", MaxAge: -1})

	if errMsg := r.URL.Query().Get("error"); errMsg != "" {
		logger.Warn("auth: google returned error", "error", errMsg)
		http.Redirect(w, r, "/?error=oauth_denied", http.StatusTemporaryRedirect)
		return
	}

	token, err := am.oauth2Config.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		logger.Warn("auth: code exchange failed", "error", err)
		http.Redirect(w, r, "/?error=exchange_failed", http.StatusTemporaryRedirect)
		return
	}

	info, err := am.getUserInfo(r.Context(), token.AccessToken)
	if err != nil {
		logger.Warn("auth: user info failed", "error", err)
		http.Redirect(w, r, "/?error=userinfo_failed", http.StatusTemporaryRedirect)
		return
	}

	if !am.domainAllowed(info) {
		logger.Warn("auth: domain not allowed", "email", info.Email, "allowed_domain", am.config.AllowedDomain)
		http.Redirect(w, r, "/?error=domain_not_allowed", http.StatusTemporaryRedirect)
		return
	}

	id, err := randomToken()
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("generate session id: %w", err))
		return
	}
	now := am.now()
	session := &Session{
		UserID:    info.ID,
		Email:     info.Email,
		Name:      info.Name,
		Picture:   info.Picture,
		Domain:    info.HD,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(am.config.CookieMaxAge) * time.Second),
	}
	if err := am.sessions.Save(r.Context(), id, session); err != nil {
		logger.Error("auth: save session failed", "error", err)
		http.Redirect(w, r, "/?error=session_failed", http.StatusTemporaryRedirect)
		return
	}

	logger.Info("auth: admin logged in", "email", info.Email)

	http.SetCookie(w, &http.Cookie{
		Name:     am.config.CookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   am.config.CookieMaxAge,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
}

func (am *AuthManager) domainAllowed(info *GoogleUserInfo) bool {
	if !info.VerifiedEmail {
		return false
	}
	if am.config.AllowedDomain == "" {
		return true
	}
	at := strings.LastIndexByte(info.Email, '@')
	return at > 0 && strings.EqualFold(info.Email[at+1:], am.config.AllowedDomain)
}

// HandleLogout logs out the user
func (am *AuthManager) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(am.config.CookieName); err == nil {
		if err := am.sessions.Delete(r.Context(), c.Value); err != nil {
			logger.Warn("auth: delete session failed", "error", err)
		}
	}
	http.SetCookie(w, &http.Cookie{Name: am.config.CookieName, Value: "", Path: "/", MaxAge: -1})
	http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
}

// HandleUserInfo returns the current admin as JSON
func (am *AuthManager) HandleUserInfo(w http.ResponseWriter, r *http.Request) {
	s := am.GetSession(r)
	if s == nil {
		httputil.JSON(w, http.StatusUnauthorized, map[string]any{"authenticated": false})
		return
	}
	httputil.OK(w, map[string]any{
		"authenticated": true,
		"user": map[string]string{
			"id":      s.UserID,
			"email":   s.Email,
			"name":    s.Name,
			"picture": s.Picture,
			"domain":  s.Domain,
		},
	})
}

// GetSession returns the session for the current request, or nil if not authenticated
func (am *AuthManager) GetSession(r *http.Request) *Session {
	c, err := r.Cookie(am.config.CookieName)
	if err != nil || c.Value == "" {
		return nil
	}
	s, err := am.sessions.Get(r.Context(), c.Value)
	if err != nil {
		logger.Warn("auth: session lookup failed", "error", err)
		return nil
	}
	return s
}

func (am *AuthManager) apiKeyMatches(r *http.Request) bool {
	if am.config.AdminAPIKey == "" {
		return false
	}
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return false
	}
	got := strings.TrimSpace(h[len(prefix):])
	return subtle.ConstantTimeCompare([]byte(got), []byte(am.config.AdminAPIKey)) == 1
}

// RequireAdmin is middleware that accepts either the admin API key as a
// bearer token or a valid session cookie.
func (am *AuthManager) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if am.apiKeyMatches(r) {
			ctx := context.WithValue(r.Context(), ctxKey{}, Principal{Method: "api_key"})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		if s := am.GetSession(r); s != nil {
			ctx := context.WithValue(r.Context(), ctxKey{}, Principal{Email: s.Email, Method: "session"})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		httputil.Unauthorized(w, "admin authentication required")
	})
}

// getUserInfo fetches the user's profile from Google
func (am *AuthManager) getUserInfo(ctx context.Context, accessToken string) (*GoogleUserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, am.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := am.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("google API error: HTTP %d", resp.StatusCode)
	}

	var info GoogleUserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse user info: %w", err)
	}
	return &info, nil
}
