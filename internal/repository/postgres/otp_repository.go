package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"email-auth-service/internal/models"
	"email-auth-service/internal/repository"
)

type OTPRepository struct {
	db *sql.DB
}

func NewOTPRepository(db *sql.DB) *OTPRepository {
	return &OTPRepository{db: db}
}

// Replace clears the scope and inserts rec in one transaction, so readers see
// either the old set or the single new record.
func (r *OTPRepository) Replace(ctx context.Context, rec *models.OTPRecord) error {
	return WithTx(ctx, r.db, func(ctx context.Context, tx DBTX) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM otp_codes WHERE email = $1 AND purpose = $2`,
			rec.Email, rec.Purpose.String(),
		); err != nil {
			return fmt.Errorf("delete otp codes: %w", err)
		}

		query := `
			INSERT INTO otp_codes (id, email, purpose, code_hash, expires_at, verified, attempts, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`
		if _, err := tx.ExecContext(ctx, query,
			rec.ID, rec.Email, rec.Purpose.String(), rec.CodeHash,
			rec.ExpiresAt, rec.Verified, rec.Attempts, rec.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert otp code: %w", err)
		}
		return nil
	})
}

func (r *OTPRepository) FindActive(ctx context.Context, email string, purpose models.Purpose, now time.Time) (*models.OTPRecord, error) {
	query := `
		SELECT id, email, purpose, code_hash, expires_at, verified, attempts, created_at
		FROM otp_codes
		WHERE email = $1 AND purpose = $2 AND verified = FALSE AND expires_at >= $3
		ORDER BY created_at DESC
		LIMIT 1
	`
	rec := &models.OTPRecord{}
	var storedPurpose string
	err := r.db.QueryRowContext(ctx, query, email, purpose.String(), now).Scan(
		&rec.ID, &rec.Email, &storedPurpose, &rec.CodeHash,
		&rec.ExpiresAt, &rec.Verified, &rec.Attempts, &rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	if rec.Purpose, err = models.ParsePurpose(storedPurpose); err != nil {
		return nil, err
	}
	return rec, nil
}

// IncrementAttempts is a guarded single-statement bump. When no row matches,
// a follow-up read tells a deleted record apart from an exhausted one.
func (r *OTPRepository) IncrementAttempts(ctx context.Context, rec *models.OTPRecord, maxAttempts int) (int, error) {
	var attempts int
	err := r.db.QueryRowContext(ctx,
		`UPDATE otp_codes SET attempts = attempts + 1 WHERE id = $1 AND attempts < $2 RETURNING attempts`,
		rec.ID, maxAttempts,
	).Scan(&attempts)
	if err == nil {
		return attempts, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("db error: %w", err)
	}

	err = r.db.QueryRowContext(ctx, `SELECT attempts FROM otp_codes WHERE id = $1`, rec.ID).Scan(&attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, repository.ErrNotFound
		}
		return 0, fmt.Errorf("db error: %w", err)
	}
	return attempts, repository.ErrAttemptsExhausted
}

func (r *OTPRepository) MarkVerified(ctx context.Context, rec *models.OTPRecord) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE otp_codes SET verified = TRUE WHERE id = $1 AND verified = FALSE`, rec.ID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *OTPRepository) DeleteAll(ctx context.Context, email string, purpose models.Purpose) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM otp_codes WHERE email = $1 AND purpose = $2`, email, purpose.String(),
	); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// DeleteExpired purges records that can no longer be verified.
func (r *OTPRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM otp_codes WHERE expires_at < $1 OR verified = TRUE`, before)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return res.RowsAffected()
}
