package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"email-auth-service/internal/models"
	"email-auth-service/internal/repository"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ repository.Store = (*Store)(nil)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func accountRow(id uuid.UUID, email string) *sqlmock.Rows {
	now := time.Now().UTC()
	hash := "hash"
	return sqlmock.NewRows([]string{
		"id", "email", "password_hash", "refresh_token", "is_verified", "is_active",
		"first_name", "last_name", "avatar_url", "latitude", "longitude", "address_encrypted", "city",
		"schema_version", "created_at", "updated_at",
	}).AddRow(id.String(), email, hash, nil, true, true, "Ann", "Lee", nil, nil, nil, nil, nil, 1, now, now)
}

func TestAccountCreate_Success(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAccountRepository(db)
	acc := &models.Account{
		ID:         uuid.New(),
		Email:      "a@x.com",
		IsActive:   true,
		Identities: []models.Identity{{Provider: models.ProviderGoogle, ProviderUserID: "g1"}},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)^\s*INSERT\s+INTO\s+accounts\b`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`(?s)INSERT\s+INTO\s+account_identities\b`).
		WithArgs(acc.ID, "google", "g1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Create(context.Background(), acc))
	assert.Equal(t, models.AccountSchemaVersion, acc.SchemaVersion)
	assert.False(t, acc.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountCreate_DuplicateEmail(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAccountRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)INSERT\s+INTO\s+accounts\b`).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	err := repo.Create(context.Background(), &models.Account{ID: uuid.New(), Email: "a@x.com"})
	assert.ErrorIs(t, err, repository.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountFindByEmail(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAccountRepository(db)
	id := uuid.New()

	mock.ExpectQuery(`(?s)^SELECT\s+id,\s*email.*FROM\s+accounts\s+WHERE\s+email\s*=\s*\$1$`).
		WithArgs("a@x.com").
		WillReturnRows(accountRow(id, "a@x.com"))
	mock.ExpectQuery(`(?s)FROM\s+account_identities\s+WHERE\s+account_id\s*=\s*\$1`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"provider", "provider_user_id", "linked_at"}).
			AddRow("github", "42", time.Now()))

	got, err := repo.FindByEmail(context.Background(), "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.True(t, got.HasPassword())
	assert.Nil(t, got.RefreshToken)
	assert.True(t, got.HasProvider(models.ProviderGitHub))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountFindByID_NotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAccountRepository(db)

	mock.ExpectQuery(`FROM\s+accounts\s+WHERE\s+id\s*=\s*\$1`).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestAccountRotateRefreshToken(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAccountRepository(db)
	id := uuid.New()
	q := `UPDATE\s+accounts\s+SET\s+refresh_token\s*=\s*\$3.*WHERE\s+id\s*=\s*\$1\s+AND\s+refresh_token\s*=\s*\$2`

	mock.ExpectExec(q).WithArgs(id, "old", "new").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).WithArgs(id, "old", "newer").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.RotateRefreshToken(context.Background(), id, "old", "new"))
	assert.ErrorIs(t, repo.RotateRefreshToken(context.Background(), id, "old", "newer"), repository.ErrStaleToken)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountSetPasswordClearsToken(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAccountRepository(db)
	id := uuid.New()

	mock.ExpectExec(`SET\s+password_hash\s*=\s*\$2,\s*refresh_token\s*=\s*NULL`).
		WithArgs(id, "h").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.SetPassword(context.Background(), id, "h"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountLinkIdentity_ErrorMapping(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAccountRepository(db)
	identity := models.Identity{AccountID: uuid.New(), Provider: models.ProviderGitHub, ProviderUserID: "7"}

	mock.ExpectExec(`INSERT\s+INTO\s+account_identities`).WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectExec(`INSERT\s+INTO\s+account_identities`).WillReturnError(&pgconn.PgError{Code: "23503"})
	mock.ExpectExec(`INSERT\s+INTO\s+account_identities`).WillReturnError(errors.New("db down"))

	assert.ErrorIs(t, repo.LinkIdentity(context.Background(), identity), repository.ErrConflict)
	assert.ErrorIs(t, repo.LinkIdentity(context.Background(), identity), repository.ErrNotFound)
	err := repo.LinkIdentity(context.Background(), identity)
	assert.ErrorContains(t, err, "db down")
}

func TestAccountDelete(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAccountRepository(db)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT\s+email\s+FROM\s+accounts\s+WHERE\s+id\s*=\s*\$1\s+FOR\s+UPDATE`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"email"}).AddRow("a@x.com"))
	mock.ExpectExec(`DELETE\s+FROM\s+otp_codes\s+WHERE\s+email\s*=\s*\$1`).
		WithArgs("a@x.com").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE\s+FROM\s+accounts\s+WHERE\s+id\s*=\s*\$1`).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Delete(context.Background(), id))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountDelete_NotFoundRollsBack(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAccountRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT\s+email\s+FROM\s+accounts`).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	assert.ErrorIs(t, repo.Delete(context.Background(), uuid.New()), repository.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
