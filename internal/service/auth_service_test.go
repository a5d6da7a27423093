package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"email-auth-service/internal/audit"
	"email-auth-service/internal/bucketing"
	"email-auth-service/internal/config"
	"email-auth-service/internal/hashing"
	"email-auth-service/internal/models"
	"email-auth-service/internal/oauth"
	"email-auth-service/internal/otp"
	"email-auth-service/internal/repository/memory"
	"email-auth-service/internal/token"
)

const (
	testEmail    = "alice@example.com"
	testPassword = "Secret1!x"
)

type sentCode struct {
	email   string
	code    string
	purpose models.Purpose
}

type captureNotifier struct {
	mu       sync.Mutex
	codes    []sentCode
	welcomes []string
	fail     error
}

func (n *captureNotifier) SendOTP(_ context.Context, email, code string, purpose models.Purpose, _ time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return n.fail
	}
	n.codes = append(n.codes, sentCode{email, code, purpose})
	return nil
}

func (n *captureNotifier) SendWelcome(_ context.Context, email, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.welcomes = append(n.welcomes, email)
	return nil
}

func (n *captureNotifier) last(t *testing.T, purpose models.Purpose) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.codes) - 1; i >= 0; i-- {
		if n.codes[i].purpose == purpose {
			return n.codes[i].code
		}
	}
	t.Fatalf("no %s code sent", purpose)
	return ""
}

type denyThrottle struct{}

func (denyThrottle) Allow(context.Context, string, models.Purpose) (bool, error) { return false, nil }
func (denyThrottle) Reset(context.Context, string, models.Purpose) error           { return nil }

// recordingThrottle allows every send and remembers which scopes were reset.
type recordingThrottle struct {
	resets []models.Purpose
}

func (t *recordingThrottle) Allow(context.Context, string, models.Purpose) (bool, error) {
	return true, nil
}

func (t *recordingThrottle) Reset(_ context.Context, _ string, purpose models.Purpose) error {
	t.resets = append(t.resets, purpose)
	return nil
}

type fixture struct {
	store    *memory.Store
	notifier *captureNotifier
	svc      *AuthService
	tokens   *token.Issuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	hasher := hashing.NewHasherWithPeppers(
		hashing.Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32},
		&hashing.Pepper{Value: "test", Version: 1},
	)
	issuer, err := token.NewIssuer(config.JWTConfig{
		AccessSecret:  "access-secret",
		RefreshSecret: "refresh-secret",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    24 * time.Hour,
		Issuer:        "email-auth-api",
		Audience:      "email-auth-client",
	})
	require.NoError(t, err)

	// distinct codes so a stale one never matches by chance
	var mu sync.Mutex
	next := 100000
	engine := otp.NewEngine(store.OTPs(), hasher, config.OTPConfig{TTL: 10 * time.Minute, MaxAttempts: 5},
		otp.WithGenerator(func() (string, error) {
			mu.Lock()
			defer mu.Unlock()
			next += 11
			return fmt.Sprintf("%06d", next), nil
		}))

	notifier := &captureNotifier{}
	dispatcher := audit.NewDispatcher(
		bucketing.NewBucketingManager(config.BucketingConfig{UserBuckets: 16, EventBuckets: 8}),
		audit.NewActivitySink(store.Activity()),
	)
	svc := NewAuthService(Dependencies{
		Accounts:  NewAccountManager(store.Accounts()),
		OTP:       engine,
		Tokens:    issuer,
		Passwords: hasher,
		Notifier:  notifier,
		Audit:     dispatcher,
	})
	return &fixture{store: store, notifier: notifier, svc: svc, tokens: issuer}
}

func (f *fixture) signup(t *testing.T, email string) *models.Account {
	t.Helper()
	acct, err := f.svc.Signup(context.Background(), SignupInput{Email: email, Password: testPassword, FirstName: "Alice"})
	require.NoError(t, err)
	return acct
}

func (f *fixture) verified(t *testing.T, email string) *models.Account {
	t.Helper()
	f.signup(t, email)
	res, err := f.svc.VerifyOTP(context.Background(), email, models.PurposeEmailVerification, f.notifier.last(t, models.PurposeEmailVerification))
	require.NoError(t, err)
	return res.Account
}

func TestSignupCreatesUnverifiedAccountAndSendsCode(t *testing.T) {
	f := newFixture(t)
	acct := f.signup(t, "  Alice@Example.COM ")

	assert.Equal(t, testEmail, acct.Email)
	assert.False(t, acct.IsVerified)
	assert.True(t, acct.IsActive)
	assert.NotEqual(t, testPassword, *acct.PasswordHash)
	require.Len(t, f.notifier.codes, 1)
	assert.Equal(t, testEmail, f.notifier.codes[0].email)
	assert.Len(t, f.store.OTPRecords(testEmail, models.PurposeEmailVerification), 1)

	_, err := f.svc.Signup(context.Background(), SignupInput{Email: testEmail, Password: testPassword})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestSignupValidation(t *testing.T) {
	f := newFixture(t)
	cases := map[string]SignupInput{
		"bad email":      {Email: "not-an-email", Password: testPassword},
		"short password": {Email: testEmail, Password: "Ab1!"},
		"no special":     {Email: testEmail, Password: "Secret123"},
		"bad name":       {Email: testEmail, Password: testPassword, FirstName: "R2D2"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Signup(context.Background(), in)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
	assert.Empty(t, f.notifier.codes)
}

func TestSignupFailsWhenCodeCannotBeDelivered(t *testing.T) {
	f := newFixture(t)
	f.notifier.fail = errors.New("smtp down")

	_, err := f.svc.Signup(context.Background(), SignupInput{Email: testEmail, Password: testPassword})
	assert.ErrorIs(t, err, ErrInternal)
}

func TestResendSupersedesEarlierCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signup(t, testEmail)
	first := f.notifier.last(t, models.PurposeEmailVerification)

	res, err := f.svc.ResendOTP(ctx, testEmail, models.PurposeEmailVerification)
	require.NoError(t, err)
	assert.True(t, res.Success)
	second := f.notifier.last(t, models.PurposeEmailVerification)
	require.NotEqual(t, first, second)

	_, err = f.svc.VerifyOTP(ctx, testEmail, models.PurposeEmailVerification, first)
	require.ErrorIs(t, err, ErrInvalidCode)
	var serr *Error
	require.True(t, errors.As(err, &serr))
	require.NotNil(t, serr.AttemptsLeft)
	assert.Equal(t, 4, *serr.AttemptsLeft)

	verified, err := f.svc.VerifyOTP(ctx, testEmail, models.PurposeEmailVerification, second)
	require.NoError(t, err)
	assert.True(t, verified.Account.IsVerified)
	require.NotNil(t, verified.Tokens)
	assert.Equal(t, []string{testEmail}, f.notifier.welcomes)
	assert.Empty(t, f.store.OTPRecords(testEmail, models.PurposeEmailVerification))

	_, err = f.svc.VerifyOTP(ctx, testEmail, models.PurposeEmailVerification, second)
	assert.ErrorIs(t, err, ErrInvalidCode)
	assert.ErrorIs(t, err, otp.ErrNotFound)
}

func TestResendAnswers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.ResendOTP(ctx, "ghost@example.com", models.PurposeEmailVerification)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, f.notifier.codes)

	f.verified(t, testEmail)
	res, err = f.svc.ResendOTP(ctx, testEmail, models.PurposeEmailVerification)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, msgAlreadyVerified, res.Message)
}

func TestResendDoesNotRevealAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signup(t, testEmail)

	known, err := f.svc.ResendOTP(ctx, testEmail, models.PurposeEmailVerification)
	require.NoError(t, err)
	unknown, err := f.svc.ResendOTP(ctx, "ghost@example.com", models.PurposeEmailVerification)
	require.NoError(t, err)

	assert.Equal(t, unknown, known)
	assert.Equal(t, msgGenericResend, known.Message)
}

func TestVerifyInactiveAccountIsForbidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.signup(t, testEmail)
	code := f.notifier.last(t, models.PurposeEmailVerification)
	require.NoError(t, f.svc.Accounts().SetActive(ctx, acct.ID, false))

	res, err := f.svc.VerifyOTP(ctx, testEmail, models.PurposeEmailVerification, code)
	require.ErrorIs(t, err, ErrForbidden)
	assert.Nil(t, res)

	stored, err := f.svc.Accounts().FindByID(ctx, acct.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsVerified)
	assert.Nil(t, stored.RefreshToken)
}

func TestVerifiedScopesResetThrottle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	throttle := &recordingThrottle{}
	f.svc.throttle = throttle

	f.verified(t, testEmail)
	_, err := f.svc.ForgotPassword(ctx, testEmail)
	require.NoError(t, err)
	require.NoError(t, f.svc.ResetPassword(ctx, testEmail, f.notifier.last(t, models.PurposePasswordReset), "NewSecret1!"))

	assert.Equal(t, []models.Purpose{models.PurposeEmailVerification, models.PurposePasswordReset}, throttle.resets)
}

func TestVerifyLocksAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signup(t, testEmail)
	code := f.notifier.last(t, models.PurposeEmailVerification)

	for i := 0; i < 5; i++ {
		_, err := f.svc.VerifyOTP(ctx, testEmail, models.PurposeEmailVerification, "999999")
		require.ErrorIs(t, err, ErrInvalidCode)
	}
	_, err := f.svc.VerifyOTP(ctx, testEmail, models.PurposeEmailVerification, code)
	assert.ErrorIs(t, err, ErrTooManyAttempts)
}

func TestVerifyRejectsMalformedInput(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.VerifyOTP(context.Background(), testEmail, models.PurposeEmailVerification, "12ab56")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.VerifyOTP(context.Background(), testEmail, models.Purpose(9), "123456")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestThrottledSendLooksDelivered(t *testing.T) {
	f := newFixture(t)
	f.svc.throttle = denyThrottle{}

	_, err := f.svc.Signup(context.Background(), SignupInput{Email: testEmail, Password: testPassword})
	require.NoError(t, err)
	assert.Empty(t, f.notifier.codes)
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signup(t, testEmail)

	_, err := f.svc.Login(ctx, testEmail, "Wrong1!pass")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.svc.Login(ctx, "nobody@example.com", testPassword)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	res, err := f.svc.Login(ctx, "ALICE@example.com", testPassword)
	require.NoError(t, err)
	assert.True(t, res.RequiresVerification)
	assert.NotEmpty(t, res.Tokens.AccessToken)

	stored, err := f.store.Accounts().FindByID(ctx, res.Account.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.RefreshToken)
	assert.Equal(t, res.Tokens.RefreshToken, *stored.RefreshToken)
}

func TestLoginInactiveAccountIsForbidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.verified(t, testEmail)
	require.NoError(t, f.svc.Accounts().SetActive(ctx, acct.ID, false))

	_, err := f.svc.Login(ctx, testEmail, "Wrong1!pass")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.Login(ctx, testEmail, testPassword)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestForgotPasswordIsGeneric(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unknown, err := f.svc.ForgotPassword(ctx, "ghost@example.com")
	require.NoError(t, err)
	f.verified(t, testEmail)
	known, err := f.svc.ForgotPassword(ctx, testEmail)
	require.NoError(t, err)

	assert.Equal(t, unknown, known)
	f.notifier.last(t, models.PurposePasswordReset)

	f.notifier.fail = errors.New("smtp down")
	failed, err := f.svc.ForgotPassword(ctx, testEmail)
	require.NoError(t, err)
	assert.Equal(t, known, failed)
}

func TestResetPasswordEndsSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verified(t, testEmail)
	login, err := f.svc.Login(ctx, testEmail, testPassword)
	require.NoError(t, err)

	_, err = f.svc.ForgotPassword(ctx, testEmail)
	require.NoError(t, err)
	code := f.notifier.last(t, models.PurposePasswordReset)

	err = f.svc.ResetPassword(ctx, testEmail, "000000", "NewSecret1!")
	require.ErrorIs(t, err, ErrInvalidCode)

	require.NoError(t, f.svc.ResetPassword(ctx, testEmail, code, "NewSecret1!"))
	assert.Empty(t, f.store.OTPRecords(testEmail, models.PurposePasswordReset))

	_, err = f.svc.Refresh(ctx, login.Tokens.RefreshToken)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.svc.Login(ctx, testEmail, testPassword)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.svc.Login(ctx, testEmail, "NewSecret1!")
	assert.NoError(t, err)

	err = f.svc.ResetPassword(ctx, testEmail, code, "Another1!x")
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestStandaloneResetVerifyConsumesCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verified(t, testEmail)
	_, err := f.svc.ForgotPassword(ctx, testEmail)
	require.NoError(t, err)
	code := f.notifier.last(t, models.PurposePasswordReset)

	res, err := f.svc.VerifyOTP(ctx, testEmail, models.PurposePasswordReset, code)
	require.NoError(t, err)
	assert.Nil(t, res.Tokens)

	err = f.svc.ResetPassword(ctx, testEmail, code, "NewSecret1!")
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestRefreshRotatesAndRejectsReuse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verified(t, testEmail)
	login, err := f.svc.Login(ctx, testEmail, testPassword)
	require.NoError(t, err)

	pair, err := f.svc.Refresh(ctx, login.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, login.Tokens.RefreshToken, pair.RefreshToken)

	_, err = f.svc.Refresh(ctx, login.Tokens.RefreshToken)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.Refresh(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.svc.Refresh(ctx, "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestConcurrentRefreshHasOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verified(t, testEmail)
	login, err := f.svc.Login(ctx, testEmail, testPassword)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Refresh(ctx, login.Tokens.RefreshToken)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrUnauthorized)
	}
	assert.Equal(t, 1, wins)
}

func TestLogoutAndAuthenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.verified(t, testEmail)
	login, err := f.svc.Login(ctx, testEmail, testPassword)
	require.NoError(t, err)

	got, err := f.svc.Authenticate(ctx, login.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, acct.ID, got.ID)

	_, err = f.svc.Authenticate(ctx, login.Tokens.RefreshToken)
	assert.ErrorIs(t, err, ErrUnauthorized)

	require.NoError(t, f.svc.Logout(ctx, acct.ID))
	_, err = f.svc.Refresh(ctx, login.Tokens.RefreshToken)
	assert.ErrorIs(t, err, ErrUnauthorized)

	require.NoError(t, f.svc.Accounts().SetActive(ctx, acct.ID, false))
	_, err = f.svc.Authenticate(ctx, login.Tokens.AccessToken)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestActivityRecordedWithClientInfo(t *testing.T) {
	f := newFixture(t)
	ctx := WithClientInfo(context.Background(), ClientInfo{IP: "203.0.113.9", UserAgent: "curl/8"})
	acct := f.verified(t, testEmail)
	_, err := f.svc.Login(ctx, testEmail, testPassword)
	require.NoError(t, err)

	rows, err := f.store.Activity().ListByAccount(ctx, acct.ID, 10)
	require.NoError(t, err)
	var login *models.Activity
	for i := range rows {
		if rows[i].Action == string(models.EventLogin) {
			login = &rows[i]
		}
	}
	require.NotNil(t, login)
	assert.Equal(t, "203.0.113.9", login.IPAddress)
	assert.Equal(t, "curl/8", login.UserAgent)
}

func TestProfileUpdateEncryptsAddress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.verified(t, testEmail)

	lat, lng := 52.52, 13.405
	view, err := f.svc.UpdateProfile(ctx, acct.ID, ProfileInput{
		FirstName: strPtr("Alicia"),
		Latitude:  &lat,
		Longitude: &lng,
		Address:   strPtr("Unter den Linden 1"),
		City:      strPtr("Berlin"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Alicia", view.FirstName)
	require.NotNil(t, view.Address)
	assert.Equal(t, "Unter den Linden 1", *view.Address)

	stored, err := f.store.Accounts().FindByID(ctx, acct.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.AddressEncrypted)
	assert.NotContains(t, *stored.AddressEncrypted, "Linden")

	bad := 91.0
	_, err = f.svc.UpdateProfile(ctx, acct.ID, ProfileInput{Latitude: &bad})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.UpdateProfile(ctx, acct.ID, ProfileInput{Avatar: strPtr("javascript:alert(1)")})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.UpdateProfile(ctx, uuid.New(), ProfileInput{City: strPtr("Paris")})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.verified(t, testEmail)

	err := f.svc.ChangePassword(ctx, acct.ID, "Wrong1!pass", "NewSecret1!")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	err = f.svc.ChangePassword(ctx, acct.ID, testPassword, testPassword)
	assert.ErrorIs(t, err, ErrValidation)

	require.NoError(t, f.svc.ChangePassword(ctx, acct.ID, testPassword, "NewSecret1!"))
	_, err = f.svc.Login(ctx, testEmail, "NewSecret1!")
	assert.NoError(t, err)
}

func TestDeleteAccountCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.verified(t, testEmail)
	_, err := f.svc.ForgotPassword(ctx, testEmail)
	require.NoError(t, err)

	err = f.svc.DeleteAccount(ctx, acct.ID, "")
	assert.ErrorIs(t, err, ErrValidation)
	err = f.svc.DeleteAccount(ctx, acct.ID, "Wrong1!pass")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	require.NoError(t, f.svc.DeleteAccount(ctx, acct.ID, testPassword))
	_, err = f.svc.Accounts().FindByID(ctx, acct.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, f.store.OTPRecords(testEmail, models.PurposePasswordReset))
	rows, err := f.store.Activity().ListByAccount(ctx, acct.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestOAuthLoginCreatesVerifiedAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.OAuthLogin(ctx, &oauth.Profile{
		Provider:       models.ProviderGitHub,
		ProviderUserID: "42",
		Email:          "Octo@Example.com",
		FirstName:      "Octo",
		LastName:       "Cat",
		AvatarURL:      "https://avatars.example.com/42.png",
	})
	require.NoError(t, err)
	assert.Equal(t, "octo@example.com", res.Account.Email)
	assert.True(t, res.Account.IsVerified)
	assert.False(t, res.Account.HasPassword())
	assert.True(t, res.Account.HasProvider(models.ProviderGitHub))
	assert.NotEmpty(t, res.Tokens.RefreshToken)

	again, err := f.svc.OAuthLogin(ctx, &oauth.Profile{Provider: models.ProviderGitHub, ProviderUserID: "42", Email: "octo@example.com"})
	require.NoError(t, err)
	assert.Equal(t, res.Account.ID, again.Account.ID)

	err = f.svc.DeleteAccount(ctx, res.Account.ID, "")
	assert.NoError(t, err)
}

func TestOAuthLoginLinksExistingAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.signup(t, testEmail)

	res, err := f.svc.OAuthLogin(ctx, &oauth.Profile{
		Provider:       models.ProviderGoogle,
		ProviderUserID: "g-1",
		Email:          testEmail,
		AvatarURL:      "https://lh3.example.com/a.png",
	})
	require.NoError(t, err)
	assert.Equal(t, acct.ID, res.Account.ID)
	assert.True(t, res.Account.IsVerified)
	assert.True(t, res.Account.HasPassword())
	assert.True(t, res.Account.HasProvider(models.ProviderGoogle))
	require.NotNil(t, res.Account.AvatarURL)
	assert.Equal(t, "https://lh3.example.com/a.png", *res.Account.AvatarURL)

	// the same google identity cannot be claimed by a second account
	f.signup(t, "bob@example.com")
	_, err = f.svc.OAuthLogin(ctx, &oauth.Profile{Provider: models.ProviderGoogle, ProviderUserID: "g-1", Email: "bob@example.com"})
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, f.svc.Accounts().SetActive(ctx, acct.ID, false))
	_, err = f.svc.OAuthLogin(ctx, &oauth.Profile{Provider: models.ProviderGoogle, ProviderUserID: "g-1", Email: testEmail})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestUnlinkProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.OAuthLogin(ctx, &oauth.Profile{Provider: models.ProviderGitHub, ProviderUserID: "7", Email: "solo@example.com"})
	require.NoError(t, err)
	id := res.Account.ID

	err = f.svc.UnlinkProvider(ctx, id, "github")
	assert.ErrorIs(t, err, ErrForbidden)
	err = f.svc.UnlinkProvider(ctx, id, "google")
	assert.ErrorIs(t, err, ErrNotFound)
	err = f.svc.UnlinkProvider(ctx, id, "myspace")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.OAuthLogin(ctx, &oauth.Profile{Provider: models.ProviderGoogle, ProviderUserID: "g-7", Email: "solo@example.com"})
	require.NoError(t, err)
	require.NoError(t, f.svc.UnlinkProvider(ctx, id, "GitHub"))

	ids, err := f.svc.Accounts().ListIdentities(ctx, id)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, models.ProviderGoogle, ids[0].Provider)
}

func TestKindName(t *testing.T) {
	assert.Equal(t, "ok", KindName(nil))
	assert.Equal(t, "too_many_attempts", KindName(newError(ErrTooManyAttempts, "x")))
	assert.Equal(t, "invalid_code", KindName(wrapError(ErrInvalidCode, "x", otp.ErrNotFound)))
	assert.Equal(t, "internal", KindName(errors.New("boom")))
}

func strPtr(s string) *string { return &s }
