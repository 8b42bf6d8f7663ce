package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/droplink/server/internal/logging"
	"github.com/droplink/server/internal/model"
)

// Mailer delivers account emails. Implementations talk to the mail provider.
type Mailer interface {
	SendVerificationCode(ctx context.Context, email, code string, purpose model.CodePurpose) error
	SendLockoutNotice(ctx context.Context, email string, lockedUntil time.Time) error
}

// LogMailer stands in for a mail provider by logging each delivery. It never
// logs the code itself.
type LogMailer struct {
	log *slog.Logger
}

// NewLogMailer creates a LogMailer writing to log.
func NewLogMailer(log *slog.Logger) *LogMailer {
	return &LogMailer{log: log}
}

func (m *LogMailer) SendVerificationCode(ctx context.Context, email, code string, purpose model.CodePurpose) error {
	m.log.InfoContext(ctx, "verification code dispatched",
		"email", logging.MaskEmail(email),
		"purpose", string(purpose),
	)
	return nil
}

func (m *LogMailer) SendLockoutNotice(ctx context.Context, email string, lockedUntil time.Time) error {
	m.log.InfoContext(ctx, "lockout notice dispatched",
		"email", logging.MaskEmail(email),
		"locked_until", lockedUntil.UTC().Format(time.RFC3339),
	)
	return nil
}

// deliver runs send with its own deadline, detached from the caller's
// cancellation. It returns once send finishes or the deadline passes,
// whichever comes first.
func deliver(ctx context.Context, timeout time.Duration, send func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- send(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
