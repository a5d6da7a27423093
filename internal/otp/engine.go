// Package otp issues and verifies one-time codes scoped by (email, purpose).
// Only the newest unexpired, unverified record for a scope is ever consulted,
// and issuing a code replaces every earlier one in the same store operation.
package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"email-auth-service/internal/config"
	"email-auth-service/internal/models"
	"email-auth-service/internal/repository"

	"github.com/google/uuid"
)

const codeDigits = 6

var (
	// ErrNotFound covers never requested, expired, superseded and already used.
	ErrNotFound        = errors.New("otp not found or expired")
	ErrTooManyAttempts = errors.New("too many otp attempts")
	ErrInvalidCode     = errors.New("invalid otp")
	ErrInvalidPurpose  = errors.New("invalid otp purpose")
)

// InvalidCodeError reports a wrong code and how many tries the record has left.
type InvalidCodeError struct {
	Remaining int
}

func (e *InvalidCodeError) Error() string {
	return fmt.Sprintf("invalid otp, %d attempts left", e.Remaining)
}

func (e *InvalidCodeError) Is(target error) bool {
	return target == ErrInvalidCode
}

// CodeHasher is the one-way hash used for stored codes.
type CodeHasher interface {
	HashOTP(code string) (string, error)
	VerifyOTP(code, encoded string) (bool, error)
}

type Engine struct {
	repo        repository.OTPRepository
	hasher      CodeHasher
	ttl         time.Duration
	maxAttempts int
	now         func() time.Time
	generate    func() (string, error)
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithGenerator replaces the random code source.
func WithGenerator(generate func() (string, error)) Option {
	return func(e *Engine) { e.generate = generate }
}

func NewEngine(repo repository.OTPRepository, hasher CodeHasher, cfg config.OTPConfig, opts ...Option) *Engine {
	e := &Engine{
		repo:        repo,
		hasher:      hasher,
		ttl:         cfg.TTL,
		maxAttempts: cfg.MaxAttempts,
		now:         time.Now,
		generate:    GenerateCode,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) TTL() time.Duration { return e.ttl }

func (e *Engine) MaxAttempts() int { return e.maxAttempts }

// Issue creates a fresh code for the scope and returns it in plaintext for
// delivery. Every earlier record for the scope is gone once Issue returns.
func (e *Engine) Issue(ctx context.Context, email string, purpose models.Purpose) (string, error) {
	if !purpose.Valid() {
		return "", ErrInvalidPurpose
	}

	code, err := e.generate()
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	codeHash, err := e.hasher.HashOTP(code)
	if err != nil {
		return "", fmt.Errorf("hash otp: %w", err)
	}

	now := e.now().UTC()
	rec := &models.OTPRecord{
		ID:        uuid.New(),
		Email:     email,
		Purpose:   purpose,
		CodeHash:  codeHash,
		ExpiresAt: now.Add(e.ttl),
		CreatedAt: now,
	}
	if err := e.repo.Replace(ctx, rec); err != nil {
		return "", fmt.Errorf("store otp: %w", err)
	}
	return code, nil
}

// Verify checks a candidate against the newest active record. An attempt is
// reserved before the comparison, so concurrent guesses can never exceed the
// cap. On success the record is marked verified; the caller invalidates the
// scope afterwards.
func (e *Engine) Verify(ctx context.Context, email string, purpose models.Purpose, candidate string) (*models.OTPRecord, error) {
	if !purpose.Valid() {
		return nil, ErrInvalidPurpose
	}

	rec, err := e.repo.FindActive(ctx, email, purpose, e.now().UTC())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load otp: %w", err)
	}
	if rec.Attempts >= e.maxAttempts {
		return nil, ErrTooManyAttempts
	}

	attempts, err := e.repo.IncrementAttempts(ctx, rec, e.maxAttempts)
	switch {
	case errors.Is(err, repository.ErrAttemptsExhausted):
		return nil, ErrTooManyAttempts
	case errors.Is(err, repository.ErrNotFound):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("record otp attempt: %w", err)
	}
	rec.Attempts = attempts

	ok, err := e.hasher.VerifyOTP(candidate, rec.CodeHash)
	if err != nil {
		return nil, fmt.Errorf("compare otp: %w", err)
	}
	if !ok {
		return nil, &InvalidCodeError{Remaining: e.maxAttempts - attempts}
	}

	if err := e.repo.MarkVerified(ctx, rec); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("mark otp verified: %w", err)
	}
	rec.Verified = true
	return rec, nil
}

func (e *Engine) InvalidateAll(ctx context.Context, email string, purpose models.Purpose) error {
	if err := e.repo.DeleteAll(ctx, email, purpose); err != nil {
		return fmt.Errorf("invalidate otp: %w", err)
	}
	return nil
}

// GenerateCode returns a uniformly random 6-digit code; leading zeros allowed.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

// ValidCodeFormat reports whether s looks like a code this package issues.
func ValidCodeFormat(s string) bool {
	if len(s) != codeDigits {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
