package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/worknow/newsletter/internal/auth"
	"github.com/worknow/newsletter/internal/pkg/httputil"
	"github.com/worknow/newsletter/internal/pkg/ratelimit"
)

var defaultOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// RouteOptions carries the optional parts of the router.
type RouteOptions struct {
	CORSOrigins []string
	// Limiter guards the endpoints that issue or check codes. Nil disables it.
	Limiter *ratelimit.Limiter
}

// SetupRoutes configures all routes. When authManager is nil the admin
// endpoints are not mounted at all.
func SetupRoutes(h *NewsletterHandlers, hc *HealthChecker, authManager *auth.AuthManager, opts RouteOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = defaultOrigins
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if hc != nil {
		r.Get("/health", hc.HandleHealth)
		r.Get("/health/live", hc.HandleLiveness)
		r.Get("/health/ready", hc.HandleReadiness)
	}

	if authManager != nil {
		r.Get("/auth/login", authManager.HandleLogin)
		r.Get("/auth/callback", authManager.HandleCallback)
		r.Get("/auth/logout", authManager.HandleLogout)
		r.Get("/auth/user", authManager.HandleUserInfo)
	}

	r.Route("/newsletter", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if opts.Limiter != nil {
				r.Use(opts.Limiter.Middleware)
			}
			r.Post("/send-verification", h.SendVerification)
			r.Post("/resend-verification", h.SendVerification)
			r.Post("/verify-code", h.VerifyCode)
		})
		r.Get("/check-subscription", h.CheckSubscription)
		r.Post("/unsubscribe", h.Unsubscribe)

		if authManager != nil {
			r.Group(func(r chi.Router) {
				r.Use(authManager.RequireAdmin)
				r.Get("/subscribers", h.ListSubscribers)
				r.Post("/send", h.Send)
				r.Post("/check-and-send", h.CheckAndSend)
			})
		}
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		httputil.NotFound(w, "route not found")
	})

	return r
}
