package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"email-auth-service/internal/models"
	"email-auth-service/internal/service"
	"email-auth-service/internal/token"
	"email-auth-service/internal/util"
)

// AuthHandler serves the /auth endpoints.
type AuthHandler struct {
	svc *service.AuthService
}

func NewAuthHandler(svc *service.AuthService) *AuthHandler {
	return &AuthHandler{svc: svc}
}

type signupRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type otpRequest struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
	Type  string `json:"type"`
}

type resetRequest struct {
	Email       string `json:"email"`
	OTP         string `json:"otp"`
	NewPassword string `json:"newPassword"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type deleteAccountRequest struct {
	Password string `json:"password"`
}

type profileRequest struct {
	FirstName *string  `json:"firstName"`
	LastName  *string  `json:"lastName"`
	Avatar    *string  `json:"avatar"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Address   *string  `json:"address"`
	City      *string  `json:"city"`
}

type tokenData struct {
	User         *userSummary `json:"user,omitempty"`
	AccessToken  string       `json:"accessToken"`
	RefreshToken string       `json:"refreshToken"`
}

type loginResponse struct {
	Success              bool        `json:"success"`
	Message              string      `json:"message"`
	User                 userSummary `json:"user"`
	Data                 tokenData   `json:"data"`
	Token                string      `json:"token"`
	RequiresVerification bool        `json:"requiresVerification"`
}

type verifyResponse struct {
	Success      bool         `json:"success"`
	Message      string       `json:"message"`
	User         *userSummary `json:"user,omitempty"`
	Data         interface{}  `json:"data,omitempty"`
	Token        string       `json:"token,omitempty"`
	AccessToken  string       `json:"accessToken,omitempty"`
	RefreshToken string       `json:"refreshToken,omitempty"`
}

type signupData struct {
	ID                   string `json:"id"`
	Email                string `json:"email"`
	IsVerified           bool   `json:"isVerified"`
	RequiresVerification bool   `json:"requiresVerification"`
}

func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	acct, err := h.svc.Signup(r.Context(), service.SignupInput{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, Response{
		Success: true,
		Message: "Account created successfully. Please check your email for verification code.",
		Data: signupData{
			ID:                   acct.ID.String(),
			Email:                acct.Email,
			IsVerified:           acct.IsVerified,
			RequiresVerification: !acct.IsVerified,
		},
	})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	user := summarize(res.Account)
	respondWithJSON(w, http.StatusOK, loginResponse{
		Success:              true,
		Message:              "Login successful",
		User:                 user,
		Data:                 tokenData{User: &user, AccessToken: res.Tokens.AccessToken, RefreshToken: res.Tokens.RefreshToken},
		Token:                res.Tokens.AccessToken,
		RequiresVerification: res.RequiresVerification,
	})
}

func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	purpose, err := models.ParsePurpose(req.Type)
	if err != nil {
		respondMessage(w, http.StatusBadRequest, false, "Invalid OTP type")
		return
	}
	res, err := h.svc.VerifyOTP(r.Context(), req.Email, purpose, req.OTP)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	body := verifyResponse{Success: true, Message: "OTP verified successfully!"}
	if purpose == models.PurposeEmailVerification {
		body.Message = "Email verified successfully!"
		user := summarize(res.Account)
		body.User = &user
		body.Data = map[string]interface{}{"user": user}
		if res.Tokens != nil {
			body.Token = res.Tokens.AccessToken
			body.AccessToken = res.Tokens.AccessToken
			body.RefreshToken = res.Tokens.RefreshToken
		}
	}
	respondWithJSON(w, http.StatusOK, body)
}

func (h *AuthHandler) ResendEmail(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	purpose, err := models.ParsePurpose(req.Type)
	if err != nil {
		respondMessage(w, http.StatusBadRequest, false, "Invalid OTP type")
		return
	}
	res, err := h.svc.ResendOTP(r.Context(), req.Email, purpose)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	// an already verified address is reported in the body, not the status
	respondMessage(w, http.StatusOK, res.Success, res.Message)
}

func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.svc.ForgotPassword(r.Context(), req.Email)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondMessage(w, http.StatusOK, res.Success, res.Message)
}

func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.ResetPassword(r.Context(), req.Email, req.OTP, req.NewPassword); err != nil {
		respondWithError(w, r, err)
		return
	}
	respondMessage(w, http.StatusOK, true, "Password reset successfully. Please login with your new password.")
}

func (h *AuthHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	pair, err := h.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, Response{
		Success: true,
		Message: "Tokens refreshed successfully",
		Data:    pairData(pair),
	})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	acct := AccountFrom(r.Context())
	if err := h.svc.Logout(r.Context(), acct.ID); err != nil {
		respondWithError(w, r, err)
		return
	}
	respondMessage(w, http.StatusOK, true, "Logged out successfully")
}

func (h *AuthHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Profile(r.Context(), AccountFrom(r.Context()).ID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, Response{Success: true, Data: map[string]interface{}{"user": view}})
}

func (h *AuthHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	view, err := h.svc.UpdateProfile(r.Context(), AccountFrom(r.Context()).ID, service.ProfileInput{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Avatar:    req.Avatar,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Address:   req.Address,
		City:      req.City,
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, Response{
		Success: true,
		Message: "Profile updated successfully",
		Data:    map[string]interface{}{"user": view},
	})
}

func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.ChangePassword(r.Context(), AccountFrom(r.Context()).ID, req.CurrentPassword, req.NewPassword); err != nil {
		respondWithError(w, r, err)
		return
	}
	respondMessage(w, http.StatusOK, true, "Password changed successfully. Please login again.")
}

func (h *AuthHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	var req deleteAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.DeleteAccount(r.Context(), AccountFrom(r.Context()).ID, req.Password); err != nil {
		respondWithError(w, r, err)
		return
	}
	respondMessage(w, http.StatusOK, true, "Account deleted successfully")
}

func (h *AuthHandler) UnlinkProvider(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if err := h.svc.UnlinkProvider(r.Context(), AccountFrom(r.Context()).ID, provider); err != nil {
		respondWithError(w, r, err)
		return
	}
	util.Debug("Provider unlinked", util.String("provider", provider))
	respondMessage(w, http.StatusOK, true, "Provider unlinked successfully")
}

func pairData(p token.Pair) tokenData {
	return tokenData{AccessToken: p.AccessToken, RefreshToken: p.RefreshToken}
}
