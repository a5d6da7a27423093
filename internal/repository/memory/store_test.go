package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"email-auth-service/internal/models"
	"email-auth-service/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ repository.Store = (*Store)(nil)

func newAccount(email string) *models.Account {
	hash := "hash"
	return &models.Account{ID: uuid.New(), Email: email, PasswordHash: &hash, IsActive: true}
}

func TestCreateRejectsDuplicateEmail(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	require.NoError(t, s.Accounts().Create(ctx, newAccount("a@x.com")))
	err := s.Accounts().Create(ctx, newAccount("a@x.com"))
	assert.ErrorIs(t, err, repository.ErrConflict)

	_, err = s.Accounts().FindByEmail(ctx, "missing@x.com")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestRotateRefreshTokenSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	acc := newAccount("a@x.com")
	require.NoError(t, s.Accounts().Create(ctx, acc))
	old := "old"
	require.NoError(t, s.Accounts().SetRefreshToken(ctx, acc.ID, &old))

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.Accounts().RotateRefreshToken(ctx, acc.ID, "old", uuid.NewString())
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, repository.ErrStaleToken)
		}
	}
	assert.Equal(t, 1, winners)
}

func TestSetPasswordClearsRefreshToken(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	acc := newAccount("a@x.com")
	require.NoError(t, s.Accounts().Create(ctx, acc))
	tok := "t"
	require.NoError(t, s.Accounts().SetRefreshToken(ctx, acc.ID, &tok))

	require.NoError(t, s.Accounts().SetPassword(ctx, acc.ID, "new-hash"))
	got, err := s.Accounts().FindByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.Nil(t, got.RefreshToken)
	assert.Equal(t, "new-hash", *got.PasswordHash)
}

func TestIncrementAttemptsIsCapped(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	rec := &models.OTPRecord{ID: uuid.New(), Email: "a@x.com", Purpose: models.PurposeEmailVerification,
		ExpiresAt: time.Now().Add(time.Minute), CreatedAt: time.Now()}
	require.NoError(t, s.OTPs().Replace(ctx, rec))

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.OTPs().IncrementAttempts(ctx, rec, 3); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, ok)
	assert.Equal(t, 3, s.OTPRecords("a@x.com", models.PurposeEmailVerification)[0].Attempts)
}

func TestFindActiveSkipsExpiredAndVerified(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Now()
	rec := &models.OTPRecord{ID: uuid.New(), Email: "a@x.com", Purpose: models.PurposePasswordReset,
		ExpiresAt: now.Add(time.Minute), CreatedAt: now}
	require.NoError(t, s.OTPs().Replace(ctx, rec))

	_, err := s.OTPs().FindActive(ctx, "a@x.com", models.PurposePasswordReset, now.Add(2*time.Minute))
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = s.OTPs().FindActive(ctx, "a@x.com", models.PurposeEmailVerification, now)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	require.NoError(t, s.OTPs().MarkVerified(ctx, rec))
	assert.ErrorIs(t, s.OTPs().MarkVerified(ctx, rec), repository.ErrNotFound)
	_, err = s.OTPs().FindActive(ctx, "a@x.com", models.PurposePasswordReset, now)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestDeleteCascades(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	acc := newAccount("a@x.com")
	require.NoError(t, s.Accounts().Create(ctx, acc))
	require.NoError(t, s.Accounts().LinkIdentity(ctx, models.Identity{AccountID: acc.ID, Provider: models.ProviderGitHub, ProviderUserID: "42"}))
	require.NoError(t, s.Activity().Append(ctx, &models.Activity{AccountID: acc.ID, Action: "login"}))
	require.NoError(t, s.OTPs().Replace(ctx, &models.OTPRecord{ID: uuid.New(), Email: acc.Email,
		Purpose: models.PurposeEmailVerification, ExpiresAt: time.Now().Add(time.Minute)}))

	require.NoError(t, s.Accounts().Delete(ctx, acc.ID))

	_, err := s.Accounts().FindByID(ctx, acc.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Empty(t, s.OTPRecords(acc.Email, models.PurposeEmailVerification))
	acts, err := s.Activity().ListByAccount(ctx, acc.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, acts)

	// the provider identity is free again
	other := newAccount("b@x.com")
	require.NoError(t, s.Accounts().Create(ctx, other))
	assert.NoError(t, s.Accounts().LinkIdentity(ctx, models.Identity{AccountID: other.ID, Provider: models.ProviderGitHub, ProviderUserID: "42"}))
}

func TestIdentityLinking(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	a, b := newAccount("a@x.com"), newAccount("b@x.com")
	require.NoError(t, s.Accounts().Create(ctx, a))
	require.NoError(t, s.Accounts().Create(ctx, b))

	require.NoError(t, s.Accounts().LinkIdentity(ctx, models.Identity{AccountID: a.ID, Provider: models.ProviderGoogle, ProviderUserID: "g1"}))
	err := s.Accounts().LinkIdentity(ctx, models.Identity{AccountID: b.ID, Provider: models.ProviderGoogle, ProviderUserID: "g1"})
	assert.ErrorIs(t, err, repository.ErrConflict)

	got, err := s.Accounts().FindByEmail(ctx, "a@x.com")
	require.NoError(t, err)
	assert.True(t, got.HasProvider(models.ProviderGoogle))

	require.NoError(t, s.Accounts().UnlinkIdentity(ctx, a.ID, models.ProviderGoogle))
	assert.ErrorIs(t, s.Accounts().UnlinkIdentity(ctx, a.ID, models.ProviderGoogle), repository.ErrNotFound)
}
