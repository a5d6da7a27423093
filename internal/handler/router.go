package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"email-auth-service/internal/config"
	"email-auth-service/internal/metrics"
	"email-auth-service/internal/oauth"
	"email-auth-service/internal/service"
	"email-auth-service/internal/util"
)

// HealthChecker reports whether the stores behind the API are reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// RouterDeps carries what NewRouter wires. Limiter and Health may be nil.
type RouterDeps struct {
	Config    *config.Config
	Service   *service.AuthService
	Providers *oauth.Registry
	Limiter   RateLimiter
	Health    HealthChecker
	Logger    *zap.Logger
}

// requireHTTPS rejects any request that wasn't made over TLS
func requireHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
			respondMessage(w, http.StatusUpgradeRequired, false, "https required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(deps RouterDeps) chi.Router {
	cfg := deps.Config
	if deps.Logger == nil {
		deps.Logger = util.Get()
	}
	limits := cfg.RateLimit
	auth := NewAuthHandler(deps.Service)
	oauthHandler := NewOAuthHandler(deps.Service, deps.Providers, cfg.OAuth.FrontendURL, cfg.IsProduction())

	router := chi.NewRouter()

	if cfg.IsProduction() && cfg.Server.EnableTLS {
		router.Use(requireHTTPS)
	}

	// Middleware stack
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(deps.Logger))
	router.Use(middleware.Recoverer)
	router.Use(MetricsMiddleware)
	router.Use(ClientInfoMiddleware)
	router.Use(middleware.Timeout(60 * time.Second))

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", healthHandler(deps.Health))
	router.Method(http.MethodGet, "/metrics", metrics.Handler())

	router.Group(func(r chi.Router) {
		r.Use(RateLimit(deps.Limiter, scopeGeneral, limits.General))

		r.Route("/auth", func(r chi.Router) {
			r.With(RateLimit(deps.Limiter, scopeAuth, limits.Auth)).Post("/signup", auth.Signup)
			r.With(RateLimit(deps.Limiter, scopeAuth, limits.Auth)).Post("/login", auth.Login)
			r.With(RateLimit(deps.Limiter, scopeAuth, limits.Auth)).Post("/refresh-token", auth.RefreshToken)
			r.With(RateLimit(deps.Limiter, scopeOTP, limits.OTP)).Post("/verify-email", auth.VerifyEmail)
			r.With(RateLimit(deps.Limiter, scopeOTP, limits.OTP)).Post("/resend-email", auth.ResendEmail)
			r.With(RateLimit(deps.Limiter, scopeReset, limits.Reset)).Post("/forgot-password", auth.ForgotPassword)
			r.With(RateLimit(deps.Limiter, scopeReset, limits.Reset)).Post("/reset-password", auth.ResetPassword)

			r.Group(func(r chi.Router) {
				r.Use(RequireAuth(deps.Service))
				r.Post("/logout", auth.Logout)
				r.Post("/change-password", auth.ChangePassword)
				r.Delete("/account", auth.DeleteAccount)
				r.Delete("/oauth/{provider}/unlink", auth.UnlinkProvider)

				r.With(RequireVerified).Get("/profile", auth.GetProfile)
				r.With(RequireVerified).Put("/profile", auth.UpdateProfile)
			})
		})

		r.Route("/oauth/{provider}", func(r chi.Router) {
			r.Use(RateLimit(deps.Limiter, scopeAuth, limits.Auth))
			r.Get("/", oauthHandler.Begin)
			r.Get("/callback", oauthHandler.Callback)
		})
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondMessage(w, http.StatusNotFound, false, "endpoint not found")
	})

	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondMessage(w, http.StatusMethodNotAllowed, false, "method not allowed")
	})

	return router
}

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Time    string `json:"timestamp"`
}

func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := healthResponse{Status: "healthy", Service: "email-auth-service", Time: time.Now().UTC().Format(time.RFC3339)}
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := checker.HealthCheck(ctx); err != nil {
				util.Warn("Health check failed", zap.Error(err))
				body.Status = "unhealthy"
				respondWithJSON(w, http.StatusServiceUnavailable, body)
				return
			}
		}
		respondWithJSON(w, http.StatusOK, body)
	}
}
