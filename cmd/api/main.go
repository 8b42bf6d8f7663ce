package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/droplink/server/internal/auth"
	"github.com/droplink/server/internal/config"
	"github.com/droplink/server/internal/db"
	httphandler "github.com/droplink/server/internal/http"
	"github.com/droplink/server/internal/http/handlers"
	"github.com/droplink/server/internal/logging"
	"github.com/droplink/server/internal/metrics"
	"github.com/droplink/server/internal/middleware"
	"github.com/droplink/server/internal/password"
	"github.com/droplink/server/internal/repo"
)

const codeJanitorInterval = time.Minute

func main() {
	// Load .env from CWD (env vars override)
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logging.NewLogger(logging.Config{
		ServiceName: "droplink-api",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
	})
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("server exited")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	metrics.MustRegister()

	var (
		users  repo.UserRepo
		codes  repo.CodeRepo
		pinger handlers.Pinger
	)
	if cfg.UsesMemoryStore() {
		log.Warn("DEV_MODE without DATABASE_URL: using in-memory store, data is lost on restart")
		store := repo.NewMemoryStore()
		users, codes = store.Users(), store.Codes()
	} else {
		database, err := db.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, log)
		if err != nil {
			return err
		}
		defer database.Close()

		if err := db.Migrate(ctx, database); err != nil {
			return err
		}
		users, codes = repo.NewUserRepo(database), repo.NewCodeRepo(database)
		pinger = database
	}

	codeLimiter, closeLimiter, err := newCodeLimiter(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeLimiter()

	keys, err := auth.NewKeyring(cfg.JWTSecret, cfg.JWTPreviousSecret, cfg.KeyVersion)
	if err != nil {
		return err
	}
	tokens, err := auth.NewTokenService(keys, auth.TokenConfig{
		Algorithm:         cfg.JWTAlgorithm,
		Lifetime:          cfg.TokenLifetime,
		SessionTimeout:    cfg.SessionTimeout,
		RememberMeTimeout: cfg.RememberMeTimeout,
	})
	if err != nil {
		return err
	}

	mailer := auth.NewLogMailer(log)
	lockout := auth.NewLockoutPolicy(users, mailer, log, auth.LockoutConfig{
		Threshold:   cfg.LockoutThreshold,
		Duration:    cfg.LockoutDuration,
		MailTimeout: cfg.MailTimeout,
	})
	codeFlow := auth.NewCodeFlow(codes, mailer, log, auth.CodeConfig{
		Salt:        cfg.CodeSalt,
		TTL:         cfg.CodeTTL,
		MailTimeout: cfg.MailTimeout,
	})
	authService := auth.NewAuthService(users, password.NewPolicy(cfg.BcryptCost), tokens, lockout, codeFlow, log, cfg.DevMode)

	router := httphandler.NewRouter(
		handlers.NewAuthHandler(authService, log),
		handlers.NewAdminHandler(authService, log),
		handlers.NewHealthHandler(pinger),
		authService,
		httphandler.Options{
			AdminSecret:  cfg.AdminSecret,
			CORSOrigins:  cfg.CORSOrigins,
			IPRateLimit:  cfg.IPRateLimit,
			IPRateWindow: cfg.IPRateWindow,
			CodeLimiter:  codeLimiter,
			Log:          log,
		},
	)

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go runCodeJanitor(ctx, authService, log)

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "port", cfg.Port, "dev_mode", cfg.DevMode, "key_version", cfg.KeyVersion)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newCodeLimiter picks the Redis limiter when REDIS_URL is set so every
// instance shares the per-email budget.
func newCodeLimiter(ctx context.Context, cfg *config.Config, log *slog.Logger) (middleware.Limiter, func(), error) {
	if cfg.RedisURL == "" {
		rl := middleware.NewRateLimiter(cfg.CodeSendWindow, cfg.CodeSendLimit)
		return rl, rl.Stop, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	log.Info("code send limiter backed by redis", "addr", opts.Addr)
	limiter := middleware.NewRedisLimiter(client, "droplink:code-send", cfg.CodeSendWindow, cfg.CodeSendLimit)
	return limiter, func() { _ = client.Close() }, nil
}

func runCodeJanitor(ctx context.Context, svc *auth.AuthService, log *slog.Logger) {
	ticker := time.NewTicker(codeJanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.PurgeExpiredCodes(ctx)
			if err != nil {
				log.Warn("purge expired codes failed", "error", err)
				continue
			}
			if n > 0 {
				log.Debug("purged expired codes", "count", n)
			}
		}
	}
}
