package handler

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"email-auth-service/internal/config"
	"email-auth-service/internal/metrics"
	"email-auth-service/internal/models"
	cache "email-auth-service/internal/repository/redis"
	"email-auth-service/internal/service"
	"email-auth-service/internal/util"
)

// Rate limit scopes.
const (
	scopeGeneral = "general"
	scopeAuth    = "auth"
	scopeOTP     = "otp"
	scopeReset   = "reset"
)

type accountKey struct{}

// AccountFrom returns the account attached by RequireAuth.
func AccountFrom(ctx context.Context) *models.Account {
	a, _ := ctx.Value(accountKey{}).(*models.Account)
	return a
}

// LoggerMiddleware writes one access log line per request.
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("remote_addr", r.RemoteAddr),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
					util.String("user_agent", r.UserAgent()),
					util.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// MetricsMiddleware records request counts and latency by route pattern.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.ObserveHTTP(route, r.Method, status, time.Since(start))
	})
}

// ClientInfoMiddleware stores the caller address and user agent for audit
// events. It runs after middleware.RealIP.
func ClientInfoMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := service.WithClientInfo(r.Context(), service.ClientInfo{
			IP:        clientIP(r),
			UserAgent: r.UserAgent(),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RequireAuth resolves the bearer token to an active account.
func RequireAuth(svc *service.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(raw) == "" {
				respondMessage(w, http.StatusUnauthorized, false, "Access token required")
				return
			}
			acct, err := svc.Authenticate(r.Context(), strings.TrimSpace(raw))
			if err != nil {
				respondWithError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), accountKey{}, acct)))
		})
	}
}

// RequireVerified rejects accounts whose email is not verified yet.
func RequireVerified(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		acct := AccountFrom(r.Context())
		if acct == nil {
			respondMessage(w, http.StatusUnauthorized, false, "Authentication required")
			return
		}
		if !acct.IsVerified {
			respondWithJSON(w, http.StatusForbidden, Response{
				Success:              false,
				Message:              "Email verification required",
				RequiresVerification: true,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimiter counts requests per client IP in fixed windows.
type RateLimiter interface {
	Allow(ctx context.Context, scope, key string, limit int, window time.Duration) (cache.RateLimitResult, error)
}

var _ RateLimiter = (*cache.RateLimitCache)(nil)

var rateLimitMessages = map[string]string{
	scopeGeneral: "Too many requests from this IP, please try again later.",
	scopeAuth:    "Too many authentication attempts, please try again later.",
	scopeOTP:     "Too many OTP requests, please wait before requesting again.",
	scopeReset:   "Too many password reset attempts, please try again later.",
}

// RateLimit enforces one window for scope. A nil limiter lets everything
// through and a failing one is logged and ignored.
func RateLimit(limiter RateLimiter, scope string, cfg config.RateLimitWindow) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil || cfg.Limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := limiter.Allow(r.Context(), scope, clientIP(r), cfg.Limit, cfg.Window)
			if err != nil {
				util.Warn("Rate limiter unavailable", zap.String("scope", scope), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("RateLimit-Remaining", strconv.Itoa(res.Remaining))
			reset := int(time.Until(res.ResetAt).Seconds() + 0.5)
			if reset < 1 {
				reset = 1
			}
			w.Header().Set("RateLimit-Reset", strconv.Itoa(reset))

			if !res.Allowed {
				metrics.RateLimited(scope)
				w.Header().Set("Retry-After", strconv.Itoa(reset))
				respondMessage(w, http.StatusTooManyRequests, false, rateLimitMessages[scope])
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
