package service

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"email-auth-service/internal/audit"
	"email-auth-service/internal/config"
	"email-auth-service/internal/encryption"
	"email-auth-service/internal/metrics"
	"email-auth-service/internal/models"
	"email-auth-service/internal/notify"
	"email-auth-service/internal/otp"
	"email-auth-service/internal/token"
	"email-auth-service/internal/util"
)

const (
	msgGenericResend    = "If an account exists for this email, a new OTP has been sent"
	msgGenericForgot    = "If an account exists for this email, a password reset OTP has been sent"
	msgAlreadyVerified  = "Email is already verified"
	msgInvalidOrExpired = "Invalid or expired OTP. Please request a new one"
	msgTooManyAttempts  = "Too many failed attempts. Please request a new OTP"
	msgBadCredentials   = "Invalid email or password"

	addressKeyPurpose = "profile_address"
)

// PasswordHasher hashes account passwords.
type PasswordHasher interface {
	HashPassword(password string) (string, error)
	VerifyPassword(password, encoded string) (bool, error)
}

// SendThrottle caps code emails per (email, purpose). Reset reopens the
// window once a code for the scope has been verified.
type SendThrottle interface {
	Allow(ctx context.Context, email string, purpose models.Purpose) (bool, error)
	Reset(ctx context.Context, email string, purpose models.Purpose) error
}

// FieldEncryptor encrypts profile fields at rest.
type FieldEncryptor interface {
	EncryptString(ctx context.Context, plaintext, keyPurpose string) (string, error)
	DecryptString(ctx context.Context, stored, keyPurpose string) (string, error)
}

var _ FieldEncryptor = (*encryption.EncryptionManager)(nil)

// Dependencies wires the orchestrator. Throttle, Audit and Encryptor are
// optional.
type Dependencies struct {
	Accounts  *AccountManager
	OTP       *otp.Engine
	Tokens    *token.Issuer
	Passwords PasswordHasher
	Notifier  notify.Notifier
	Throttle  SendThrottle
	Audit     *audit.Dispatcher
	Encryptor FieldEncryptor
}

// AuthService runs the signup, login, code, token and account flows.
type AuthService struct {
	accounts  *AccountManager
	otp       *otp.Engine
	tokens    *token.Issuer
	passwords PasswordHasher
	notifier  notify.Notifier
	throttle  SendThrottle
	audit     *audit.Dispatcher
	encryptor FieldEncryptor
}

// NewAuthService builds the orchestrator. Without an Encryptor, addresses
// are sealed with local data keys.
func NewAuthService(deps Dependencies) *AuthService {
	if deps.Encryptor == nil {
		deps.Encryptor = encryption.NewEncryptionManager(config.KMSConfig{}, nil)
	}
	return &AuthService{
		accounts:  deps.Accounts,
		otp:       deps.OTP,
		tokens:    deps.Tokens,
		passwords: deps.Passwords,
		notifier:  deps.Notifier,
		throttle:  deps.Throttle,
		audit:     deps.Audit,
		encryptor: deps.Encryptor,
	}
}

func (s *AuthService) Accounts() *AccountManager {
	return s.accounts
}

type SignupInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

type LoginResult struct {
	Account              *models.Account
	Tokens               token.Pair
	RequiresVerification bool
}

// VerifyResult carries tokens only for email verification.
type VerifyResult struct {
	Account *models.Account
	Tokens  *token.Pair
}

type MessageResult struct {
	Success bool
	Message string
}

// Signup creates an unverified account and emails a verification code.
func (s *AuthService) Signup(ctx context.Context, in SignupInput) (acct *models.Account, err error) {
	defer s.observe("signup", &err)

	email, verr := normalizeEmail(in.Email)
	if verr != nil {
		return nil, verr
	}
	if verr := validatePassword(in.Password); verr != nil {
		return nil, verr
	}
	if verr := validateName("First name", in.FirstName, true); verr != nil {
		return nil, verr
	}
	if verr := validateName("Last name", in.LastName, true); verr != nil {
		return nil, verr
	}

	if _, err := s.accounts.FindByEmail(ctx, email); err == nil {
		return nil, newError(ErrConflict, "User already exists with this email")
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	hash, err := s.passwords.HashPassword(in.Password)
	if err != nil {
		return nil, internalError("hash password", err)
	}

	acct = &models.Account{
		Email:        email,
		PasswordHash: &hash,
		IsVerified:   false,
		IsActive:     true,
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
	}
	if err := s.accounts.Create(ctx, acct); err != nil {
		return nil, err
	}

	if err := s.sendCode(ctx, email, models.PurposeEmailVerification); err != nil {
		return nil, err
	}

	s.record(ctx, audit.Event{AccountID: acct.ID, Email: email, Type: models.EventSignup, Success: true})
	util.Info("Account created", util.String("account_id", acct.ID.String()), util.Email(email))
	return acct, nil
}

// Login issues tokens for any active account with a matching password,
// verified or not.
func (s *AuthService) Login(ctx context.Context, rawEmail, password string) (res *LoginResult, err error) {
	defer s.observe("login", &err)

	email, verr := normalizeEmail(rawEmail)
	if verr != nil {
		return nil, verr
	}
	if password == "" {
		return nil, validationError("Password is required")
	}

	acct, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.record(ctx, audit.Event{Email: email, Type: models.EventLoginFailed, Reason: "unknown_email"})
			return nil, newError(ErrInvalidCredentials, msgBadCredentials)
		}
		return nil, err
	}

	// an inactive account is refused whether or not the password matches
	if !acct.IsActive {
		s.record(ctx, audit.Event{AccountID: acct.ID, Email: email, Type: models.EventLoginFailed, Reason: "inactive"})
		return nil, newError(ErrForbidden, "Account is deactivated")
	}
	if !acct.HasPassword() {
		s.record(ctx, audit.Event{AccountID: acct.ID, Email: email, Type: models.EventLoginFailed, Reason: "no_password"})
		return nil, newError(ErrInvalidCredentials, msgBadCredentials)
	}
	ok, err := s.passwords.VerifyPassword(password, *acct.PasswordHash)
	if err != nil {
		return nil, internalError("verify password", err)
	}
	if !ok {
		s.record(ctx, audit.Event{AccountID: acct.ID, Email: email, Type: models.EventLoginFailed, Reason: "bad_password"})
		return nil, newError(ErrInvalidCredentials, msgBadCredentials)
	}

	pair, err := s.issueAndStore(ctx, acct)
	if err != nil {
		return nil, err
	}

	s.record(ctx, audit.Event{AccountID: acct.ID, Email: email, Type: models.EventLogin, Success: true})
	return &LoginResult{Account: acct, Tokens: pair, RequiresVerification: !acct.IsVerified}, nil
}

// VerifyOTP checks a code. Email verification marks the account verified
// and returns fresh tokens; a password reset code is consumed without tokens.
func (s *AuthService) VerifyOTP(ctx context.Context, rawEmail string, purpose models.Purpose, code string) (res *VerifyResult, err error) {
	defer s.observe("verify_otp", &err)

	email, verr := normalizeEmail(rawEmail)
	if verr != nil {
		return nil, verr
	}
	if verr := validateCode(code); verr != nil {
		return nil, verr
	}
	if !purpose.Valid() {
		return nil, validationError("Invalid OTP type")
	}

	if err := s.checkCode(ctx, email, purpose, code); err != nil {
		return nil, err
	}

	acct, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, wrapError(ErrInvalidCode, msgInvalidOrExpired, otp.ErrNotFound)
		}
		return nil, err
	}

	if !acct.IsActive {
		s.record(ctx, audit.Event{AccountID: acct.ID, Email: email, Type: models.EventLoginFailed, Reason: "inactive"})
		return nil, newError(ErrForbidden, "Account is deactivated")
	}

	res = &VerifyResult{Account: acct}
	if purpose == models.PurposeEmailVerification {
		firstVerification := !acct.IsVerified
		if firstVerification {
			if err := s.accounts.MarkVerified(ctx, acct.ID); err != nil {
				return nil, err
			}
			acct.IsVerified = true
		}
		pair, err := s.issueAndStore(ctx, acct)
		if err != nil {
			return nil, err
		}
		res.Tokens = &pair
		if firstVerification {
			s.sendWelcome(ctx, acct)
		}
	}

	if err := s.otp.InvalidateAll(ctx, email, purpose); err != nil {
		return nil, internalError("invalidate otp", err)
	}
	s.resetThrottle(ctx, email, purpose)

	s.record(ctx, audit.Event{AccountID: acct.ID, Email: email, Type: models.EventOTPVerified, Success: true, Reason: purpose.String()})
	return res, nil
}

// ResendOTP issues a new code for an existing account. Unknown addresses get
// the same success answer as known ones.
func (s *AuthService) ResendOTP(ctx context.Context, rawEmail string, purpose models.Purpose) (res *MessageResult, err error) {
	defer s.observe("resend_otp", &err)

	email, verr := normalizeEmail(rawEmail)
	if verr != nil {
		return nil, verr
	}
	if !purpose.Valid() {
		return nil, validationError("Invalid OTP type")
	}

	acct, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &MessageResult{Success: true, Message: msgGenericResend}, nil
		}
		return nil, err
	}
	if purpose == models.PurposeEmailVerification && acct.IsVerified {
		return &MessageResult{Success: false, Message: msgAlreadyVerified}, nil
	}

	if err := s.sendCode(ctx, email, purpose); err != nil {
		return nil, err
	}
	return &MessageResult{Success: true, Message: msgGenericResend}, nil
}

// ForgotPassword always answers with the same message. Delivery failures are
// logged rather than returned so the response does not reveal the account.
func (s *AuthService) ForgotPassword(ctx context.Context, rawEmail string) (res *MessageResult, err error) {
	defer s.observe("forgot_password", &err)

	email, verr := normalizeEmail(rawEmail)
	if verr != nil {
		return nil, verr
	}
	generic := &MessageResult{Success: true, Message: msgGenericForgot}

	acct, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return generic, nil
		}
		return nil, err
	}
	if !acct.IsActive {
		return generic, nil
	}

	if err := s.sendCode(ctx, email, models.PurposePasswordReset); err != nil {
		util.Warn("Password reset code not delivered", util.Email(email), zap.Error(err))
	}
	return generic, nil
}

// ResetPassword verifies a reset code, stores the new password and ends
// every session by clearing the refresh token.
func (s *AuthService) ResetPassword(ctx context.Context, rawEmail, code, newPassword string) (err error) {
	defer s.observe("reset_password", &err)

	email, verr := normalizeEmail(rawEmail)
	if verr != nil {
		return verr
	}
	if verr := validateCode(code); verr != nil {
		return verr
	}
	if verr := validatePassword(newPassword); verr != nil {
		return verr
	}

	if err := s.checkCode(ctx, email, models.PurposePasswordReset, code); err != nil {
		return err
	}

	acct, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return wrapError(ErrInvalidCode, msgInvalidOrExpired, otp.ErrNotFound)
		}
		return err
	}

	hash, err := s.passwords.HashPassword(newPassword)
	if err != nil {
		return internalError("hash password", err)
	}
	if err := s.accounts.SetPassword(ctx, acct.ID, hash); err != nil {
		return err
	}
	if err := s.otp.InvalidateAll(ctx, email, models.PurposePasswordReset); err != nil {
		return internalError("invalidate otp", err)
	}
	s.resetThrottle(ctx, email, models.PurposePasswordReset)

	s.record(ctx, audit.Event{AccountID: acct.ID, Email: email, Type: models.EventPasswordReset, Success: true})
	return nil
}

// Refresh rotates the token pair. The presented token must be the one
// stored for the account; a reused token fails.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (pair token.Pair, err error) {
	defer s.observe("refresh", &err)

	if refreshToken == "" {
		return token.Pair{}, newError(ErrUnauthorized, "Refresh token required")
	}
	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return token.Pair{}, wrapError(ErrUnauthorized, "Invalid refresh token", err)
	}
	id, err := claims.AccountID()
	if err != nil {
		return token.Pair{}, wrapError(ErrUnauthorized, "Invalid refresh token", err)
	}

	acct, err := s.accounts.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return token.Pair{}, newError(ErrUnauthorized, "Invalid refresh token")
		}
		return token.Pair{}, err
	}
	if acct.RefreshToken == nil || *acct.RefreshToken != refreshToken {
		s.record(ctx, audit.Event{AccountID: acct.ID, Email: acct.Email, Type: models.EventRefreshReuse})
		return token.Pair{}, newError(ErrUnauthorized, "Invalid refresh token")
	}
	if !acct.IsActive {
		return token.Pair{}, newError(ErrForbidden, "Account is deactivated")
	}

	pair, err = s.tokens.IssueTokens(acct)
	if err != nil {
		return token.Pair{}, internalError("issue tokens", err)
	}
	if err := s.accounts.RotateRefreshToken(ctx, acct.ID, refreshToken, pair.RefreshToken); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			s.record(ctx, audit.Event{AccountID: acct.ID, Email: acct.Email, Type: models.EventRefreshReuse, Reason: "lost_rotation"})
		}
		return token.Pair{}, err
	}

	s.record(ctx, audit.Event{AccountID: acct.ID, Email: acct.Email, Type: models.EventTokenRefreshed, Success: true})
	return pair, nil
}

// Logout drops the stored refresh token. Access tokens stay valid until
// they expire.
func (s *AuthService) Logout(ctx context.Context, accountID uuid.UUID) (err error) {
	defer s.observe("logout", &err)

	if err := s.accounts.ClearRefreshToken(ctx, accountID); err != nil {
		return err
	}
	s.record(ctx, audit.Event{AccountID: accountID, Type: models.EventLogout, Success: true})
	return nil
}

// Authenticate resolves a bearer access token to its active account.
func (s *AuthService) Authenticate(ctx context.Context, accessToken string) (*models.Account, error) {
	if accessToken == "" {
		return nil, newError(ErrUnauthorized, "Access token required")
	}
	claims, err := s.tokens.VerifyAccess(accessToken)
	if err != nil {
		return nil, wrapError(ErrUnauthorized, "Invalid or expired token", err)
	}
	id, err := claims.AccountID()
	if err != nil {
		return nil, wrapError(ErrUnauthorized, "Invalid or expired token", err)
	}
	acct, err := s.accounts.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, newError(ErrUnauthorized, "User not found")
		}
		return nil, err
	}
	if !acct.IsActive {
		return nil, newError(ErrForbidden, "Account is deactivated")
	}
	return acct, nil
}

// checkCode runs the OTP engine and maps its outcome onto error kinds.
func (s *AuthService) checkCode(ctx context.Context, email string, purpose models.Purpose, code string) error {
	_, err := s.otp.Verify(ctx, email, purpose, code)
	if err == nil {
		metrics.OTPVerification(purpose.String(), "ok")
		return nil
	}

	var invalid *otp.InvalidCodeError
	switch {
	case errors.As(err, &invalid):
		metrics.OTPVerification(purpose.String(), "invalid_code")
		s.record(ctx, audit.Event{Email: email, Type: models.EventOTPFailed, Reason: "invalid_code"})
		left := invalid.Remaining
		e := wrapError(ErrInvalidCode, "Invalid OTP", err)
		e.AttemptsLeft = &left
		return e
	case errors.Is(err, otp.ErrTooManyAttempts):
		metrics.OTPVerification(purpose.String(), "too_many_attempts")
		s.record(ctx, audit.Event{Email: email, Type: models.EventOTPFailed, Reason: "too_many_attempts"})
		return wrapError(ErrTooManyAttempts, msgTooManyAttempts, err)
	case errors.Is(err, otp.ErrNotFound):
		metrics.OTPVerification(purpose.String(), "not_found")
		return wrapError(ErrInvalidCode, msgInvalidOrExpired, err)
	default:
		return internalError("verify otp", err)
	}
}

// sendCode issues a code and emails it. A throttled scope is skipped
// silently so the answer is the same as a delivered code.
func (s *AuthService) sendCode(ctx context.Context, email string, purpose models.Purpose) error {
	if s.throttle != nil {
		allowed, err := s.throttle.Allow(ctx, email, purpose)
		if err != nil {
			util.Warn("OTP send throttle unavailable", util.Email(email), zap.Error(err))
		} else if !allowed {
			return nil
		}
	}

	code, err := s.otp.Issue(ctx, email, purpose)
	if err != nil {
		return internalError("issue otp", err)
	}
	metrics.OTPIssued(purpose.String())

	if err := s.notifier.SendOTP(ctx, email, code, purpose, s.otp.TTL()); err != nil {
		metrics.NotificationFailed("otp")
		return internalError("send otp", err)
	}
	s.record(ctx, audit.Event{Email: email, Type: models.EventOTPIssued, Success: true, Reason: purpose.String()})
	return nil
}

func (s *AuthService) resetThrottle(ctx context.Context, email string, purpose models.Purpose) {
	if s.throttle == nil {
		return
	}
	if err := s.throttle.Reset(ctx, email, purpose); err != nil {
		util.Warn("Failed to reset OTP send throttle", util.Email(email), zap.Error(err))
	}
}

func (s *AuthService) sendWelcome(ctx context.Context, acct *models.Account) {
	if err := s.notifier.SendWelcome(ctx, acct.Email, acct.FirstName); err != nil {
		metrics.NotificationFailed("welcome")
		util.Warn("Welcome email not delivered", util.Email(acct.Email), zap.Error(err))
	}
}

func (s *AuthService) issueAndStore(ctx context.Context, acct *models.Account) (token.Pair, error) {
	pair, err := s.tokens.IssueTokens(acct)
	if err != nil {
		return token.Pair{}, internalError("issue tokens", err)
	}
	if err := s.accounts.SetRefreshToken(ctx, acct.ID, pair.RefreshToken); err != nil {
		return token.Pair{}, err
	}
	rt := pair.RefreshToken
	acct.RefreshToken = &rt
	return pair, nil
}

// record stamps the event with the caller's address and user agent.
func (s *AuthService) record(ctx context.Context, e audit.Event) {
	if s.audit == nil {
		return
	}
	info := ClientInfoFrom(ctx)
	e.IPAddress = info.IP
	e.UserAgent = info.UserAgent
	_ = s.audit.Record(ctx, e)
}

func (s *AuthService) observe(op string, err *error) {
	metrics.AuthOperation(op, KindName(*err))
}

type clientInfoKey struct{}

// ClientInfo identifies the caller of a request.
type ClientInfo struct {
	IP        string
	UserAgent string
}

func WithClientInfo(ctx context.Context, info ClientInfo) context.Context {
	return context.WithValue(ctx, clientInfoKey{}, info)
}

func ClientInfoFrom(ctx context.Context) ClientInfo {
	info, _ := ctx.Value(clientInfoKey{}).(ClientInfo)
	return info
}
