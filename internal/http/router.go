package http

import (
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/droplink/server/internal/http/handlers"
	"github.com/droplink/server/internal/middleware"
)

// Options configures the cross-cutting middleware of the router.
type Options struct {
	AdminSecret  string
	CORSOrigins  []string
	IPRateLimit  int
	IPRateWindow time.Duration
	// CodeLimiter throttles the send-code endpoints per email. Nil disables it.
	CodeLimiter middleware.Limiter
	Log         *slog.Logger
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(
	authHandler *handlers.AuthHandler,
	adminHandler *handlers.AdminHandler,
	healthHandler *handlers.HealthHandler,
	authn middleware.Authenticator,
	opts Options,
) *chi.Mux {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.WithMetrics(opts.Log))
	r.Use(chimw.Recoverer)

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", middleware.AdminSecretHeader},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/health", healthHandler.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/auth", func(r chi.Router) {
		if opts.IPRateLimit > 0 {
			r.Use(httprate.LimitByIP(opts.IPRateLimit, opts.IPRateWindow))
		}

		r.Post("/register", authHandler.HandleRegister)
		r.Post("/login", authHandler.HandleLogin)
		r.Post("/refresh", authHandler.HandleRefresh)
		r.Post("/verify-code", authHandler.HandleVerifyCode)
		r.Post("/verify-recovery-code", authHandler.HandleVerifyRecoveryCode)
		r.Post("/reset-password", authHandler.HandleResetPassword)
		r.Post("/check-password-strength", authHandler.HandleCheckPasswordStrength)

		r.Group(func(r chi.Router) {
			if opts.CodeLimiter != nil {
				r.Use(middleware.RateLimitMiddleware(opts.CodeLimiter, middleware.GetEmailKey, opts.Log))
			}
			r.Post("/send-verification-code", authHandler.HandleSendVerificationCode)
			r.Post("/send-recovery-code", authHandler.HandleSendRecoveryCode)
		})

		// Protected routes (require valid JWT)
		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(authn))
			r.Get("/me", authHandler.HandleMe)
			r.Post("/change-password", authHandler.HandleChangePassword)
			r.Post("/change-username", authHandler.HandleChangeUsername)

			r.With(middleware.AdminOnly(opts.AdminSecret)).Post("/unlock-account", adminHandler.HandleUnlockAccount)
		})

		r.With(middleware.AdminOnly(opts.AdminSecret)).Post("/rotate-keys", adminHandler.HandleRotateKeys)
	})

	return r
}
