package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"email-auth-service/internal/models"
	"email-auth-service/internal/otp"
	"email-auth-service/internal/service"
	"email-auth-service/internal/util"
)

const maxBodyBytes = 1 << 20

// Response is the envelope every JSON endpoint answers with.
type Response struct {
	Success              bool        `json:"success"`
	Message              string      `json:"message,omitempty"`
	Data                 interface{} `json:"data,omitempty"`
	AttemptsLeft         *int        `json:"attemptsLeft,omitempty"`
	RequiresVerification bool        `json:"requiresVerification,omitempty"`
}

// userSummary is the account shape returned next to tokens.
type userSummary struct {
	ID            string  `json:"id"`
	Email         string  `json:"email"`
	FirstName     string  `json:"firstName"`
	LastName      string  `json:"lastName"`
	Avatar        *string `json:"avatar"`
	IsVerified    bool    `json:"isVerified"`
	EmailVerified bool    `json:"emailVerified"`
	IsActive      bool    `json:"isActive"`
}

func summarize(a *models.Account) userSummary {
	return userSummary{
		ID:            a.ID.String(),
		Email:         a.Email,
		FirstName:     a.FirstName,
		LastName:      a.LastName,
		Avatar:        a.AvatarURL,
		IsVerified:    a.IsVerified,
		EmailVerified: a.IsVerified,
		IsActive:      a.IsActive,
	}
}

func respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		util.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func respondMessage(w http.ResponseWriter, statusCode int, success bool, message string) {
	respondWithJSON(w, statusCode, Response{Success: success, Message: message})
}

// respondWithError renders a service error with the status of its kind.
func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := Response{Success: false, Message: "Internal server error"}

	var serr *service.Error
	if errors.As(err, &serr) {
		if status != http.StatusInternalServerError {
			body.Message = serr.Message
		}
		body.AttemptsLeft = serr.AttemptsLeft
		body.RequiresVerification = serr.RequiresVerification
	}

	if status >= http.StatusInternalServerError {
		util.Error("HTTP error response",
			zap.String("path", r.URL.Path),
			zap.Int("status_code", status),
			zap.Error(err))
	} else {
		util.Debug("HTTP error response",
			zap.String("path", r.URL.Path),
			zap.Int("status_code", status),
			zap.String("kind", service.KindName(err)))
	}
	respondWithJSON(w, status, body)
}

// statusFor maps an error kind onto its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation), errors.Is(err, service.ErrConflict):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidCode), errors.Is(err, otp.ErrNotFound):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrTooManyAttempts):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrInvalidCredentials), errors.Is(err, service.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a bounded JSON body into dst. An empty body leaves dst
// zero valued.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		respondMessage(w, http.StatusBadRequest, false, "Invalid request body")
		return false
	}
	return true
}
