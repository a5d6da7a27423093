package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"email-auth-service/internal/config"
	"email-auth-service/internal/models"
)

// fakeProvider serves a token endpoint and the given API routes.
func fakeProvider(t *testing.T, routes map[string]interface{}) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.Form.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-123","token_type":"bearer"}`))
	})
	for path, body := range routes {
		body := body
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer tok-123" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(body)
		})
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func pointAt(p *Provider, srv *httptest.Server) {
	p.Config.Endpoint = oauth2.Endpoint{
		AuthURL:   srv.URL + "/authorize",
		TokenURL:  srv.URL + "/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
	p.UserInfoURL = srv.URL + "/user"
	p.EmailsURL = srv.URL + "/user/emails"
	p.HTTPClient = srv.Client()
}

func creds() config.OAuthProviderConfig {
	return config.OAuthProviderConfig{ClientID: "id", ClientSecret: "secret", RedirectURL: "http://localhost/cb"}
}

func TestGoogleExchange(t *testing.T) {
	srv := fakeProvider(t, map[string]interface{}{
		"/user": map[string]interface{}{
			"id": "g-1", "email": "Ann@Example.com", "verified_email": true,
			"name": "Ann Marie Smith", "picture": "http://img/ann.png",
		},
	})
	p := NewGoogle(creds())
	pointAt(p, srv)

	profile, err := p.Exchange(context.Background(), "good-code")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderGoogle, profile.Provider)
	assert.Equal(t, "g-1", profile.ProviderUserID)
	assert.Equal(t, "Ann@Example.com", profile.Email)
	assert.Equal(t, "Ann", profile.FirstName)
	assert.Equal(t, "Marie Smith", profile.LastName)
	assert.Equal(t, "http://img/ann.png", profile.AvatarURL)
}

func TestGoogleRejectsUnverifiedEmail(t *testing.T) {
	srv := fakeProvider(t, map[string]interface{}{
		"/user": map[string]interface{}{"id": "g-1", "email": "a@b.io", "verified_email": false},
	})
	p := NewGoogle(creds())
	pointAt(p, srv)

	_, err := p.Exchange(context.Background(), "good-code")
	assert.ErrorIs(t, err, ErrNoEmail)
}

func TestGitHubFallsBackToEmailsEndpoint(t *testing.T) {
	srv := fakeProvider(t, map[string]interface{}{
		"/user": map[string]interface{}{"id": 42, "login": "octo", "name": "", "email": nil, "avatar_url": "http://img/o.png"},
		"/user/emails": []map[string]interface{}{
			{"email": "old@b.io", "primary": false, "verified": true},
			{"email": "main@b.io", "primary": true, "verified": true},
		},
	})
	p := NewGitHub(creds())
	pointAt(p, srv)

	profile, err := p.Exchange(context.Background(), "good-code")
	require.NoError(t, err)
	assert.Equal(t, "42", profile.ProviderUserID)
	assert.Equal(t, "main@b.io", profile.Email)
	assert.Equal(t, "octo", profile.FirstName)
	assert.Equal(t, "", profile.LastName)
}

func TestGitHubWithoutVerifiedEmail(t *testing.T) {
	srv := fakeProvider(t, map[string]interface{}{
		"/user":        map[string]interface{}{"id": 42, "login": "octo"},
		"/user/emails": []map[string]interface{}{{"email": "x@b.io", "primary": true, "verified": false}},
	})
	p := NewGitHub(creds())
	pointAt(p, srv)

	_, err := p.Exchange(context.Background(), "good-code")
	assert.ErrorIs(t, err, ErrNoEmail)
}

func TestExchangeBadCode(t *testing.T) {
	srv := fakeProvider(t, nil)
	p := NewGoogle(creds())
	pointAt(p, srv)

	_, err := p.Exchange(context.Background(), "bad-code")
	assert.Error(t, err)
}

func TestAuthCodeURLCarriesState(t *testing.T) {
	u, err := url.Parse(NewGitHub(creds()).AuthCodeURL("st-1"))
	require.NoError(t, err)
	assert.Equal(t, "st-1", u.Query().Get("state"))
	assert.Equal(t, "id", u.Query().Get("client_id"))
	assert.Equal(t, "github.com", u.Host)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(config.OAuthConfig{Google: creds()})

	p, err := r.Get("GOOGLE")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderGoogle, p.Name())

	_, err = r.Get("github")
	assert.ErrorIs(t, err, ErrProviderDisabled)

	_, err = r.Get("myspace")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestSplitName(t *testing.T) {
	first, last := SplitName("", "Ann", "Smith")
	assert.Equal(t, "Ann", first)
	assert.Equal(t, "Smith", last)

	first, last = SplitName("  Cher ", "", "")
	assert.Equal(t, "Cher", first)
	assert.Equal(t, "", last)
}

func TestStateRoundTrip(t *testing.T) {
	rec := httptest.NewRecorder()
	state, err := IssueState(rec, false)
	require.NoError(t, err)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.True(t, cookies[0].HttpOnly)

	req := httptest.NewRequest(http.MethodGet, "/oauth/google/callback?state="+url.QueryEscape(state), nil)
	req.AddCookie(cookies[0])
	assert.NoError(t, CheckState(httptest.NewRecorder(), req))

	req = httptest.NewRequest(http.MethodGet, "/oauth/google/callback?state=forged", nil)
	req.AddCookie(cookies[0])
	assert.ErrorIs(t, CheckState(httptest.NewRecorder(), req), ErrStateMismatch)

	req = httptest.NewRequest(http.MethodGet, "/oauth/google/callback?state="+url.QueryEscape(state), nil)
	assert.ErrorIs(t, CheckState(httptest.NewRecorder(), req), ErrStateMismatch)
}
