package oauth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"time"
)

const (
	StateCookie = "oauthstate"
	stateTTL    = 10 * time.Minute
)

var ErrStateMismatch = errors.New("oauth state mismatch")

// IssueState sets a fresh state cookie and returns its value.
func IssueState(w http.ResponseWriter, secure bool) (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	state := base64.URLEncoding.EncodeToString(b)
	http.SetCookie(w, &http.Cookie{
		Name:     StateCookie,
		Value:    state,
		Path:     "/oauth",
		Expires:  time.Now().Add(stateTTL),
		MaxAge:   int(stateTTL.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
	return state, nil
}

// CheckState compares the callback state with the cookie and clears the
// cookie either way.
func CheckState(w http.ResponseWriter, r *http.Request) error {
	http.SetCookie(w, &http.Cookie{Name: StateCookie, Path: "/oauth", MaxAge: -1})

	cookie, err := r.Cookie(StateCookie)
	if err != nil || cookie.Value == "" {
		return ErrStateMismatch
	}
	if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(r.FormValue("state"))) != 1 {
		return ErrStateMismatch
	}
	return nil
}
