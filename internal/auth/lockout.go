package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/droplink/server/internal/logging"
	"github.com/droplink/server/internal/metrics"
	"github.com/droplink/server/internal/model"
	"github.com/droplink/server/internal/repo"
)

const (
	defaultLockoutThreshold = 5
	defaultLockoutDuration  = 15 * time.Minute
)

// LockoutConfig configures a LockoutPolicy.
type LockoutConfig struct {
	Threshold   int
	Duration    time.Duration
	MailTimeout time.Duration
	Now         func() time.Time
}

// LockoutPolicy locks an account for a fixed duration after Threshold
// consecutive failed logins. All state lives in the user row.
type LockoutPolicy struct {
	users       repo.UserRepo
	mailer      Mailer
	log         *slog.Logger
	threshold   int
	duration    time.Duration
	mailTimeout time.Duration
	now         func() time.Time
}

// NewLockoutPolicy creates a LockoutPolicy.
func NewLockoutPolicy(users repo.UserRepo, mailer Mailer, log *slog.Logger, cfg LockoutConfig) *LockoutPolicy {
	p := &LockoutPolicy{
		users:       users,
		mailer:      mailer,
		log:         log,
		threshold:   cfg.Threshold,
		duration:    cfg.Duration,
		mailTimeout: cfg.MailTimeout,
		now:         cfg.Now,
	}
	if p.threshold <= 0 {
		p.threshold = defaultLockoutThreshold
	}
	if p.duration <= 0 {
		p.duration = defaultLockoutDuration
	}
	if p.mailTimeout <= 0 {
		p.mailTimeout = defaultMailTimeout
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Threshold returns the number of failures that triggers a lock.
func (p *LockoutPolicy) Threshold() int { return p.threshold }

// Check runs the lock-expiry transition for u and reports a *LockedError while
// the lock still holds. u is updated in place when a lock is released.
func (p *LockoutPolicy) Check(ctx context.Context, u *model.User) error {
	if u.LockedUntil == nil {
		return nil
	}
	now := p.now()
	if !u.LockedUntil.Before(now) {
		return &LockedError{Until: *u.LockedUntil, Remaining: u.LockedUntil.Sub(now)}
	}

	if _, err := p.users.ReleaseExpiredLock(ctx, u.ID, now); err != nil {
		return fmt.Errorf("release expired lock: %w", err)
	}
	p.log.InfoContext(ctx, "account lock expired", "user_id", u.ID)
	u.FailedLoginAttempts = 0
	u.LockedUntil = nil
	return nil
}

// RecordFailure counts a failed password check for u. It always returns an
// error: *CredentialsError while the account stays open, or *LockedError when
// this failure (or a concurrent one) locked it.
func (p *LockoutPolicy) RecordFailure(ctx context.Context, u model.User) error {
	now := p.now()
	attempts, lockedUntil, ok, err := p.users.RecordFailedLogin(ctx, u.ID, p.threshold, now.Add(p.duration), now)
	if err != nil {
		return fmt.Errorf("record failed login: %w", err)
	}
	if !ok {
		// Another request locked the account between Check and here.
		fresh, err := p.users.GetByID(ctx, u.ID)
		if err != nil {
			return fmt.Errorf("reload user: %w", err)
		}
		if fresh.LockedUntil != nil && !fresh.LockedUntil.Before(now) {
			return &LockedError{Until: *fresh.LockedUntil, Remaining: fresh.LockedUntil.Sub(now)}
		}
		return ErrInvalidCredentials
	}

	if lockedUntil == nil {
		p.log.InfoContext(ctx, "failed login recorded", "user_id", u.ID, "attempts", attempts)
		return &CredentialsError{Remaining: max(p.threshold-attempts, 0)}
	}

	metrics.AccountLockoutsTotal.Inc()
	p.log.WarnContext(ctx, "account locked",
		"user_id", u.ID,
		"attempts", attempts,
		"locked_until", lockedUntil.UTC().Format(time.RFC3339),
	)
	p.notify(ctx, u, *lockedUntil)
	return &LockedError{Until: *lockedUntil, Remaining: lockedUntil.Sub(now)}
}

func (p *LockoutPolicy) notify(ctx context.Context, u model.User, until time.Time) {
	email := u.EmailOrEmpty()
	if email == "" {
		return
	}
	err := deliver(ctx, p.mailTimeout, func(ctx context.Context) error {
		return p.mailer.SendLockoutNotice(ctx, email, until)
	})
	if err != nil {
		p.log.WarnContext(ctx, "lockout notice delivery failed",
			"user_id", u.ID,
			"email", logging.MaskEmail(email),
			"error", err,
		)
	}
}

// RecordSuccess clears the failure counter and any lock.
func (p *LockoutPolicy) RecordSuccess(ctx context.Context, u model.User) error {
	if err := p.users.ResetLoginFailures(ctx, u.ID); err != nil {
		return fmt.Errorf("reset login failures: %w", err)
	}
	return nil
}

// Unlock force-clears the lock state of the named account.
func (p *LockoutPolicy) Unlock(ctx context.Context, username string) (model.User, error) {
	u, err := p.users.GetByUsername(ctx, username)
	if errors.Is(err, repo.ErrNotFound) {
		return model.User{}, ErrUserNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("load user: %w", err)
	}
	if err := p.users.ResetLoginFailures(ctx, u.ID); err != nil {
		return model.User{}, fmt.Errorf("reset login failures: %w", err)
	}
	u.FailedLoginAttempts = 0
	u.LockedUntil = nil
	return u, nil
}
