package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"email-auth-service/internal/oauth"
	"email-auth-service/internal/service"
	"email-auth-service/internal/util"
)

// OAuthHandler runs the provider redirect and callback legs.
type OAuthHandler struct {
	svc          *service.AuthService
	providers    *oauth.Registry
	frontendURL  string
	secureCookie bool
}

func NewOAuthHandler(svc *service.AuthService, providers *oauth.Registry, frontendURL string, secureCookie bool) *OAuthHandler {
	return &OAuthHandler{
		svc:          svc,
		providers:    providers,
		frontendURL:  strings.TrimRight(frontendURL, "/"),
		secureCookie: secureCookie,
	}
}

// Begin redirects the browser to the provider consent screen.
func (h *OAuthHandler) Begin(w http.ResponseWriter, r *http.Request) {
	p, ok := h.provider(w, r)
	if !ok {
		return
	}
	state, err := oauth.IssueState(w, h.secureCookie)
	if err != nil {
		util.Error("Failed to create oauth state", zap.Error(err))
		h.fail(w, r)
		return
	}
	http.Redirect(w, r, p.AuthCodeURL(state), http.StatusFound)
}

// Callback completes the code exchange and hands tokens to the frontend.
func (h *OAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	p, ok := h.provider(w, r)
	if !ok {
		return
	}
	if err := oauth.CheckState(w, r); err != nil {
		util.Warn("OAuth callback rejected", zap.String("provider", string(p.Name())), zap.Error(err))
		h.fail(w, r)
		return
	}
	if e := r.URL.Query().Get("error"); e != "" {
		util.Info("OAuth consent declined", zap.String("provider", string(p.Name())), zap.String("error", e))
		h.fail(w, r)
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		h.fail(w, r)
		return
	}

	profile, err := p.Exchange(r.Context(), code)
	if err != nil {
		util.Warn("OAuth exchange failed", zap.String("provider", string(p.Name())), zap.Error(err))
		h.fail(w, r)
		return
	}
	res, err := h.svc.OAuthLogin(r.Context(), profile)
	if err != nil {
		util.Warn("OAuth login failed",
			zap.String("provider", string(p.Name())),
			zap.String("kind", service.KindName(err)),
			zap.Error(err))
		h.fail(w, r)
		return
	}

	user, err := json.Marshal(summarize(res.Account))
	if err != nil {
		h.fail(w, r)
		return
	}
	q := url.Values{}
	q.Set("access_token", res.Tokens.AccessToken)
	q.Set("refresh_token", res.Tokens.RefreshToken)
	q.Set("user", string(user))
	http.Redirect(w, r, h.frontendURL+"/auth/callback?"+q.Encode(), http.StatusFound)
}

func (h *OAuthHandler) provider(w http.ResponseWriter, r *http.Request) (*oauth.Provider, bool) {
	p, err := h.providers.Get(chi.URLParam(r, "provider"))
	switch {
	case err == nil:
		return p, true
	case errors.Is(err, oauth.ErrUnknownProvider):
		respondMessage(w, http.StatusNotFound, false, "Unknown provider")
	default:
		h.fail(w, r)
	}
	return nil, false
}

func (h *OAuthHandler) fail(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, h.frontendURL+"/login?error=oauth_failed", http.StatusFound)
}
