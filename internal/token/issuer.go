package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"email-auth-service/internal/config"
	"email-auth-service/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken covers bad signatures, expiry, wrong issuer/audience and
	// wrong token type alike.
	ErrInvalidToken  = errors.New("invalid token")
	ErrMissingSecret = errors.New("token signing secret not configured")
)

const (
	typeAccess  = "access"
	typeRefresh = "refresh"
	leeway      = 5 * time.Second
)

type AccessClaims struct {
	UserID     string `json:"userId"`
	Email      string `json:"email"`
	IsVerified bool   `json:"isVerified"`
	Type       string `json:"typ"`
	jwt.RegisteredClaims
}

type RefreshClaims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Type   string `json:"typ"`
	jwt.RegisteredClaims
}

// AccountID parses the subject claim.
func (c *AccessClaims) AccountID() (uuid.UUID, error) {
	return uuid.Parse(c.UserID)
}

func (c *RefreshClaims) AccountID() (uuid.UUID, error) {
	return uuid.Parse(c.UserID)
}

type Pair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Issuer signs and verifies HS256 access/refresh tokens with distinct secrets.
type Issuer struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	issuer        string
	audience      string
	now           func() time.Time

	accessParser  *jwt.Parser
	refreshParser *jwt.Parser
}

type Option func(*Issuer)

// WithClock overrides the time source used for iat/exp.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

func NewIssuer(cfg config.JWTConfig, opts ...Option) (*Issuer, error) {
	if cfg.AccessSecret == "" || cfg.RefreshSecret == "" {
		return nil, ErrMissingSecret
	}
	if cfg.AccessSecret == cfg.RefreshSecret {
		return nil, fmt.Errorf("%w: access and refresh secrets must differ", ErrMissingSecret)
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("invalid token TTL configuration")
	}

	i := &Issuer{
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		issuer:        cfg.Issuer,
		audience:      cfg.Audience,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}

	i.accessParser = i.newParser()
	i.refreshParser = i.newParser()
	return i, nil
}

func (i *Issuer) newParser() *jwt.Parser {
	return jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(leeway),
		jwt.WithTimeFunc(i.now),
	)
}

// IssueTokens creates a new access/refresh pair for the account.
func (i *Issuer) IssueTokens(account *models.Account) (Pair, error) {
	now := i.now()
	id := account.ID.String()

	access := AccessClaims{
		UserID:           id,
		Email:            account.Email,
		IsVerified:       account.IsVerified,
		Type:             typeAccess,
		RegisteredClaims: i.registered(id, now, i.accessTTL),
	}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, access).SignedString(i.accessSecret)
	if err != nil {
		return Pair{}, fmt.Errorf("sign access token: %w", err)
	}

	refresh := RefreshClaims{
		UserID:           id,
		Email:            account.Email,
		Type:             typeRefresh,
		RegisteredClaims: i.registered(id, now, i.refreshTTL),
	}
	refresh.ID, err = randomID()
	if err != nil {
		return Pair{}, err
	}
	refreshToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, refresh).SignedString(i.refreshSecret)
	if err != nil {
		return Pair{}, fmt.Errorf("sign refresh token: %w", err)
	}

	return Pair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

func (i *Issuer) registered(subject string, now time.Time, ttl time.Duration) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    i.issuer,
		Audience:  jwt.ClaimStrings{i.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func (i *Issuer) VerifyAccess(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if _, err := i.accessParser.ParseWithClaims(raw, claims, keyFunc(i.accessSecret)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Type != typeAccess || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (i *Issuer) VerifyRefresh(raw string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if _, err := i.refreshParser.ParseWithClaims(raw, claims, keyFunc(i.refreshSecret)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Type != typeRefresh || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func keyFunc(secret []byte) jwt.Keyfunc {
	return func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}
}

func randomID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token id: %w", err)
	}
	return hex.EncodeToString(b), nil
}
