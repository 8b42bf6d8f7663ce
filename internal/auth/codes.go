package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/droplink/server/internal/logging"
	"github.com/droplink/server/internal/metrics"
	"github.com/droplink/server/internal/model"
	"github.com/droplink/server/internal/repo"
)

const (
	codeDigits         = 6
	defaultCodeTTL     = 10 * time.Minute
	defaultMailTimeout = 5 * time.Second
)

var codeSpace = big.NewInt(1_000_000)

// CodeConfig configures a CodeFlow.
type CodeConfig struct {
	Salt        string
	TTL         time.Duration
	MailTimeout time.Duration
	Now         func() time.Time
}

// CodeFlow issues and checks six-digit verification codes. Only a salted
// hash of each code is stored.
type CodeFlow struct {
	codes       repo.CodeRepo
	mailer      Mailer
	log         *slog.Logger
	salt        string
	ttl         time.Duration
	mailTimeout time.Duration
	now         func() time.Time
}

// NewCodeFlow creates a CodeFlow over the given store and mailer.
func NewCodeFlow(codes repo.CodeRepo, mailer Mailer, log *slog.Logger, cfg CodeConfig) *CodeFlow {
	f := &CodeFlow{
		codes:       codes,
		mailer:      mailer,
		log:         log,
		salt:        cfg.Salt,
		ttl:         cfg.TTL,
		mailTimeout: cfg.MailTimeout,
		now:         cfg.Now,
	}
	if f.ttl <= 0 {
		f.ttl = defaultCodeTTL
	}
	if f.mailTimeout <= 0 {
		f.mailTimeout = defaultMailTimeout
	}
	if f.now == nil {
		f.now = time.Now
	}
	return f
}

// Send replaces any code for (email, purpose) with a fresh one and mails it.
// A delivery failure is logged and does not fail Send. The plaintext code is
// returned so dev mode can surface it; callers must not log it.
func (f *CodeFlow) Send(ctx context.Context, email string, purpose model.CodePurpose) (string, error) {
	email = strings.ToLower(email)
	code, err := generateCode()
	if err != nil {
		return "", err
	}

	now := f.now()
	err = f.codes.Replace(ctx, model.VerificationCode{
		Email:     email,
		CodeHash:  hashCodeHex(email, purpose, code, f.salt),
		Purpose:   purpose,
		ExpiresAt: now.Add(f.ttl),
		CreatedAt: now,
	})
	if err != nil {
		return "", fmt.Errorf("store verification code: %w", err)
	}

	delivery := "ok"
	err = deliver(ctx, f.mailTimeout, func(ctx context.Context) error {
		return f.mailer.SendVerificationCode(ctx, email, code, purpose)
	})
	if err != nil {
		delivery = "failed"
		f.log.WarnContext(ctx, "verification code delivery failed",
			"email", logging.MaskEmail(email),
			"purpose", string(purpose),
			"error", err,
		)
	}
	metrics.VerificationCodesSentTotal.WithLabelValues(string(purpose), delivery).Inc()
	return code, nil
}

// Verify checks code against the stored one. Expired codes are deleted and
// rejected. On a match the code is consumed, except for password recovery
// where it stays until Consume so the reset step can check it again.
func (f *CodeFlow) Verify(ctx context.Context, email, code string, purpose model.CodePurpose) error {
	email = strings.ToLower(email)
	stored, err := f.codes.Get(ctx, email, purpose)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrCodeNotFound
	}
	if err != nil {
		return fmt.Errorf("load verification code: %w", err)
	}

	if stored.Expired(f.now()) {
		if err := f.codes.Delete(ctx, email, purpose); err != nil {
			f.log.WarnContext(ctx, "delete expired code failed", "error", err)
		}
		return ErrCodeExpired
	}

	want, err := hex.DecodeString(stored.CodeHash)
	if err != nil {
		return fmt.Errorf("decode stored code hash: %w", err)
	}
	if subtle.ConstantTimeCompare(hashCode(email, purpose, code, f.salt), want) != 1 {
		return ErrCodeMismatch
	}

	if purpose == model.PurposeRecoveryPassword {
		return nil
	}
	return f.Consume(ctx, email, purpose)
}

// Consume deletes the code for (email, purpose).
func (f *CodeFlow) Consume(ctx context.Context, email string, purpose model.CodePurpose) error {
	if err := f.codes.Delete(ctx, strings.ToLower(email), purpose); err != nil {
		return fmt.Errorf("delete verification code: %w", err)
	}
	return nil
}

// PurgeExpired removes every code past its expiry.
func (f *CodeFlow) PurgeExpired(ctx context.Context) (int64, error) {
	return f.codes.DeleteExpired(ctx, f.now())
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

// hashCodeHex returns SHA-256(email:purpose:code:salt) as hex for storage.
func hashCodeHex(email string, purpose model.CodePurpose, code, salt string) string {
	return hex.EncodeToString(hashCode(email, purpose, code, salt))
}

func hashCode(email string, purpose model.CodePurpose, code, salt string) []byte {
	data := fmt.Sprintf("%s:%s:%s:%s", email, purpose, code, salt)
	hash := sha256.Sum256([]byte(data))
	return hash[:]
}
