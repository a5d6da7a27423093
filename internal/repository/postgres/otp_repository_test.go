package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"email-auth-service/internal/models"
	"email-auth-service/internal/repository"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord() *models.OTPRecord {
	now := time.Now().UTC()
	return &models.OTPRecord{
		ID:        uuid.New(),
		Email:     "a@x.com",
		Purpose:   models.PurposePasswordReset,
		CodeHash:  "$argon2id$...",
		ExpiresAt: now.Add(10 * time.Minute),
		CreatedAt: now,
	}
}

func TestOTPReplace_DeleteThenInsertInOneTx(t *testing.T) {
	db, mock := newMock(t)
	repo := NewOTPRepository(db)
	rec := testRecord()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE\s+FROM\s+otp_codes\s+WHERE\s+email\s*=\s*\$1\s+AND\s+purpose\s*=\s*\$2`).
		WithArgs("a@x.com", "password_reset").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT\s+INTO\s+otp_codes`).
		WithArgs(rec.ID, "a@x.com", "password_reset", rec.CodeHash, rec.ExpiresAt, false, 0, rec.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Replace(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOTPReplace_InsertFailureRollsBack(t *testing.T) {
	db, mock := newMock(t)
	repo := NewOTPRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE\s+FROM\s+otp_codes`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT\s+INTO\s+otp_codes`).WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err := repo.Replace(context.Background(), testRecord())
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOTPFindActive(t *testing.T) {
	db, mock := newMock(t)
	repo := NewOTPRepository(db)
	rec := testRecord()
	now := time.Now()

	mock.ExpectQuery(`(?s)FROM\s+otp_codes\s+WHERE\s+email\s*=\s*\$1\s+AND\s+purpose\s*=\s*\$2\s+AND\s+verified\s*=\s*FALSE\s+AND\s+expires_at\s*>=\s*\$3\s+ORDER\s+BY\s+created_at\s+DESC\s+LIMIT\s+1`).
		WithArgs("a@x.com", "password_reset", now).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "purpose", "code_hash", "expires_at", "verified", "attempts", "created_at"}).
			AddRow(rec.ID.String(), rec.Email, "password_reset", rec.CodeHash, rec.ExpiresAt, false, 2, rec.CreatedAt))

	got, err := repo.FindActive(context.Background(), "a@x.com", models.PurposePasswordReset, now)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, models.PurposePasswordReset, got.Purpose)
	assert.Equal(t, 2, got.Attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOTPFindActive_NotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := NewOTPRepository(db)

	mock.ExpectQuery(`FROM\s+otp_codes`).WillReturnError(sql.ErrNoRows)

	_, err := repo.FindActive(context.Background(), "a@x.com", models.PurposeEmailVerification, time.Now())
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestOTPIncrementAttempts(t *testing.T) {
	db, mock := newMock(t)
	repo := NewOTPRepository(db)
	rec := testRecord()
	bump := `UPDATE\s+otp_codes\s+SET\s+attempts\s*=\s*attempts\s*\+\s*1\s+WHERE\s+id\s*=\s*\$1\s+AND\s+attempts\s*<\s*\$2\s+RETURNING\s+attempts`
	lookup := `SELECT\s+attempts\s+FROM\s+otp_codes\s+WHERE\s+id\s*=\s*\$1`

	mock.ExpectQuery(bump).WithArgs(rec.ID, 3).
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(1))

	mock.ExpectQuery(bump).WithArgs(rec.ID, 3).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(lookup).WithArgs(rec.ID).
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(3))

	mock.ExpectQuery(bump).WithArgs(rec.ID, 3).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(lookup).WithArgs(rec.ID).WillReturnError(sql.ErrNoRows)

	n, err := repo.IncrementAttempts(context.Background(), rec, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = repo.IncrementAttempts(context.Background(), rec, 3)
	assert.ErrorIs(t, err, repository.ErrAttemptsExhausted)
	assert.Equal(t, 3, n)

	_, err = repo.IncrementAttempts(context.Background(), rec, 3)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOTPMarkVerified_OnlyOnce(t *testing.T) {
	db, mock := newMock(t)
	repo := NewOTPRepository(db)
	rec := testRecord()
	q := `UPDATE\s+otp_codes\s+SET\s+verified\s*=\s*TRUE\s+WHERE\s+id\s*=\s*\$1\s+AND\s+verified\s*=\s*FALSE`

	mock.ExpectExec(q).WithArgs(rec.ID).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).WithArgs(rec.ID).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.MarkVerified(context.Background(), rec))
	assert.ErrorIs(t, repo.MarkVerified(context.Background(), rec), repository.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOTPDeleteExpired(t *testing.T) {
	db, mock := newMock(t)
	repo := NewOTPRepository(db)
	cutoff := time.Now()

	mock.ExpectExec(`DELETE\s+FROM\s+otp_codes\s+WHERE\s+expires_at\s*<\s*\$1\s+OR\s+verified\s*=\s*TRUE`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := repo.DeleteExpired(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}
