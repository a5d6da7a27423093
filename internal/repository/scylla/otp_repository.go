package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"email-auth-service/internal/models"
	"email-auth-service/internal/repository"
	"email-auth-service/internal/util"
)

// casRetries bounds the compare-and-set loop in IncrementAttempts.
const casRetries = 5

// OTPRepository stores codes in one partition per (email, purpose), newest
// first. Attempt and verification updates are lightweight transactions.
type OTPRepository struct {
	client *ScyllaClient
	now    func() time.Time
}

func NewOTPRepository(client *ScyllaClient) *OTPRepository {
	return &OTPRepository{
		client: client,
		now:    time.Now,
	}
}

// Replace drops the whole scope partition and inserts rec in one logged batch.
// The delete is stamped one microsecond before the insert so the new row is
// never shadowed by its own tombstone.
func (r *OTPRepository) Replace(ctx context.Context, rec *models.OTPRecord) error {
	stmts := r.client.Statements
	deleteTS, insertTS := replaceTimestamps(r.now())

	batch := r.client.Batch(ctx, gocql.LoggedBatch)
	batch.Query(stmts.DeleteOTPScope, deleteTS, rec.Email, rec.Purpose.String())
	batch.Query(stmts.InsertOTP,
		rec.Email, rec.Purpose.String(), rec.CreatedAt, rec.ID.String(),
		rec.CodeHash, rec.ExpiresAt, rec.Verified, rec.Attempts, insertTS)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to replace OTP",
			util.Email(rec.Email),
			zap.String("purpose", rec.Purpose.String()),
			zap.Error(err))
		return fmt.Errorf("failed to replace OTP: %w", err)
	}
	return nil
}

// replaceTimestamps returns write times for the scope tombstone and the new
// row. The tombstone is one microsecond older so it never shadows the insert.
func replaceTimestamps(now time.Time) (deleteTS, insertTS int64) {
	insertTS = now.UnixMicro()
	return insertTS - 1, insertTS
}

// otpRow is one scanned otp_codes row.
type otpRow struct {
	id        string
	createdAt time.Time
	codeHash  string
	expiresAt time.Time
	verified  bool
	attempts  int
}

// activeRecord converts a row into a record when it can still be verified.
// Rows without a hash are partial writes left by a tombstoned insert.
func activeRecord(row otpRow, email string, purpose models.Purpose, now time.Time) (*models.OTPRecord, bool) {
	rec := &models.OTPRecord{
		Email:     email,
		Purpose:   purpose,
		CreatedAt: row.createdAt,
		CodeHash:  row.codeHash,
		ExpiresAt: row.expiresAt,
		Verified:  row.verified,
		Attempts:  row.attempts,
	}
	if rec.Verified || rec.Expired(now) || rec.CodeHash == "" {
		return nil, false
	}
	if err := rec.ID.UnmarshalText([]byte(row.id)); err != nil {
		return nil, false
	}
	return rec, true
}

func (r *OTPRepository) FindActive(ctx context.Context, email string, purpose models.Purpose, now time.Time) (*models.OTPRecord, error) {
	iter := r.client.Query(ctx, r.client.Statements.ListOTPs, email, purpose.String()).Iter()

	var (
		row   otpRow
		found *models.OTPRecord
	)
	for iter.Scan(&row.id, &row.createdAt, &row.codeHash, &row.expiresAt, &row.verified, &row.attempts) {
		if rec, ok := activeRecord(row, email, purpose, now); ok {
			found = rec
			break
		}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to read OTP: %w", err)
	}
	if found == nil {
		return nil, repository.ErrNotFound
	}
	return found, nil
}

// casStep decides what follows one attempts compare-and-set. done reports
// that n is the final count; otherwise n is the stored value to retry from.
func casStep(applied bool, prev map[string]interface{}, current int) (n int, done bool, err error) {
	if applied {
		return current + 1, true, nil
	}
	stored, ok := prev["attempts"].(int)
	if !ok {
		return 0, true, repository.ErrNotFound
	}
	return stored, false, nil
}

// IncrementAttempts bumps the counter with a CAS on its previous value and
// retries when another verifier got there first.
func (r *OTPRepository) IncrementAttempts(ctx context.Context, rec *models.OTPRecord, maxAttempts int) (int, error) {
	current := rec.Attempts
	for i := 0; i < casRetries; i++ {
		if current >= maxAttempts {
			return current, repository.ErrAttemptsExhausted
		}

		prev := map[string]interface{}{}
		applied, err := r.client.Query(ctx, r.client.Statements.CASOTPAttempts,
			current+1, rec.Email, rec.Purpose.String(), rec.CreatedAt, rec.ID.String(), current).
			MapScanCAS(prev)
		if err != nil {
			return 0, fmt.Errorf("failed to increment OTP attempts: %w", err)
		}

		n, done, err := casStep(applied, prev, current)
		if done {
			return n, err
		}
		current = n
	}
	return current, fmt.Errorf("failed to increment OTP attempts: contention after %d tries", casRetries)
}

func (r *OTPRepository) MarkVerified(ctx context.Context, rec *models.OTPRecord) error {
	prev := map[string]interface{}{}
	applied, err := r.client.Query(ctx, r.client.Statements.MarkOTPVerified,
		rec.Email, rec.Purpose.String(), rec.CreatedAt, rec.ID.String()).MapScanCAS(prev)
	if err != nil {
		return fmt.Errorf("failed to mark OTP verified: %w", err)
	}
	if !applied {
		return repository.ErrNotFound
	}
	return nil
}

func (r *OTPRepository) DeleteAll(ctx context.Context, email string, purpose models.Purpose) error {
	query := r.client.Query(ctx, r.client.Statements.DeleteOTPScope, r.now().UnixMicro(), email, purpose.String())
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to delete OTPs: %w", err)
	}
	return nil
}
