package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"

	"email-auth-service/internal/config"
	"email-auth-service/internal/models"
)

var (
	ErrNoEmail          = errors.New("provider returned no verified email")
	ErrUnknownProvider  = errors.New("unknown oauth provider")
	ErrProviderDisabled = errors.New("oauth provider not configured")
)

// Profile is the identity a provider vouches for.
type Profile struct {
	Provider       models.Provider
	ProviderUserID string
	Email          string
	FirstName      string
	LastName       string
	AvatarURL      string
}

// Provider runs the authorization code flow against one identity provider.
type Provider struct {
	name   models.Provider
	Config oauth2.Config

	// UserInfoURL and EmailsURL point at the provider API. Tests override them.
	UserInfoURL string
	EmailsURL   string

	// HTTPClient is used for the code exchange and API calls when set.
	HTTPClient *http.Client
}

func NewGoogle(cfg config.OAuthProviderConfig) *Provider {
	return &Provider{
		name: models.ProviderGoogle,
		Config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes: []string{
				"https://www.googleapis.com/auth/userinfo.email",
				"https://www.googleapis.com/auth/userinfo.profile",
			},
			Endpoint: google.Endpoint,
		},
		UserInfoURL: "https://www.googleapis.com/oauth2/v2/userinfo",
	}
}

func NewGitHub(cfg config.OAuthProviderConfig) *Provider {
	return &Provider{
		name: models.ProviderGitHub,
		Config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{"read:user", "user:email"},
			Endpoint:     github.Endpoint,
		},
		UserInfoURL: "https://api.github.com/user",
		EmailsURL:   "https://api.github.com/user/emails",
	}
}

func (p *Provider) Name() models.Provider {
	return p.name
}

func (p *Provider) AuthCodeURL(state string) string {
	return p.Config.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Exchange trades the callback code for a token and loads the profile.
func (p *Provider) Exchange(ctx context.Context, code string) (*Profile, error) {
	if p.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.HTTPClient)
	}
	token, err := p.Config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%s code exchange: %w", p.name, err)
	}
	client := p.Config.Client(ctx, token)

	switch p.name {
	case models.ProviderGoogle:
		return p.googleProfile(ctx, client)
	case models.ProviderGitHub:
		return p.githubProfile(ctx, client)
	default:
		return nil, ErrUnknownProvider
	}
}

type googleUser struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
	Picture       string `json:"picture"`
}

func (p *Provider) googleProfile(ctx context.Context, client *http.Client) (*Profile, error) {
	var u googleUser
	if err := getJSON(ctx, client, p.UserInfoURL, &u); err != nil {
		return nil, err
	}
	if u.Email == "" || !u.VerifiedEmail {
		return nil, ErrNoEmail
	}
	first, last := SplitName(u.Name, u.GivenName, u.FamilyName)
	return &Profile{
		Provider:       models.ProviderGoogle,
		ProviderUserID: u.ID,
		Email:          u.Email,
		FirstName:      first,
		LastName:       last,
		AvatarURL:      u.Picture,
	}, nil
}

type githubUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

func (p *Provider) githubProfile(ctx context.Context, client *http.Client) (*Profile, error) {
	var u githubUser
	if err := getJSON(ctx, client, p.UserInfoURL, &u); err != nil {
		return nil, err
	}

	email := u.Email
	if email == "" {
		var emails []githubEmail
		if err := getJSON(ctx, client, p.EmailsURL, &emails); err != nil {
			return nil, err
		}
		email = primaryVerified(emails)
	}
	if email == "" {
		return nil, ErrNoEmail
	}

	display := u.Name
	if display == "" {
		display = u.Login
	}
	first, last := SplitName(display, "", "")
	return &Profile{
		Provider:       models.ProviderGitHub,
		ProviderUserID: strconv.FormatInt(u.ID, 10),
		Email:          email,
		FirstName:      first,
		LastName:       last,
		AvatarURL:      u.AvatarURL,
	}, nil
}

func primaryVerified(emails []githubEmail) string {
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email
		}
	}
	for _, e := range emails {
		if e.Verified {
			return e.Email
		}
	}
	return ""
}

// SplitName takes the first word of display as the first name and the rest
// as the last name, falling back to the given and family names.
func SplitName(display, given, family string) (string, string) {
	parts := strings.Fields(display)
	first, last := given, family
	if len(parts) > 0 {
		first = parts[0]
	}
	if len(parts) > 1 {
		last = strings.Join(parts[1:], " ")
	}
	return first, last
}

func getJSON(ctx context.Context, client *http.Client, url string, target interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed getting user info: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("user info request failed: %s: %s", res.Status, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(res.Body).Decode(target); err != nil {
		return fmt.Errorf("failed to parse user info: %w", err)
	}
	return nil
}

// Registry holds the configured providers.
type Registry struct {
	providers map[models.Provider]*Provider
}

// NewRegistry registers every provider that has client credentials.
func NewRegistry(cfg config.OAuthConfig) *Registry {
	r := &Registry{providers: map[models.Provider]*Provider{}}
	if cfg.Google.Configured() {
		r.Register(NewGoogle(cfg.Google))
	}
	if cfg.GitHub.Configured() {
		r.Register(NewGitHub(cfg.GitHub))
	}
	return r
}

func (r *Registry) Register(p *Provider) {
	r.providers[p.Name()] = p
}

func (r *Registry) Get(name string) (*Provider, error) {
	provider, err := models.ParseProvider(name)
	if err != nil {
		return nil, ErrUnknownProvider
	}
	p, ok := r.providers[provider]
	if !ok {
		return nil, ErrProviderDisabled
	}
	return p, nil
}
