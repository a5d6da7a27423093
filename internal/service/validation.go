package service

import (
	"net/mail"
	"regexp"
	"strings"
	"unicode"

	"email-auth-service/internal/otp"
	"email-auth-service/internal/util"
)

const (
	minPasswordLength = 8
	maxPasswordLength = 128
	maxEmailLength    = 254
	passwordSpecials  = "@$!%*?&"
)

var namePattern = regexp.MustCompile(`^[\p{L} ]{2,50}$`)

// normalizeEmail validates the address and returns its stored form.
func normalizeEmail(raw string) (string, *Error) {
	email := util.NormalizeEmail(raw)
	if email == "" {
		return "", validationError("Email is required")
	}
	if len(email) > maxEmailLength {
		return "", validationError("Please provide a valid email")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@"):], ".") {
		return "", validationError("Please provide a valid email")
	}
	return email, nil
}

// validatePassword enforces length and character classes.
func validatePassword(password string) *Error {
	if len(password) < minPasswordLength {
		return validationError("Password must be at least %d characters long", minPasswordLength)
	}
	if len(password) > maxPasswordLength {
		return validationError("Password must be at most %d characters long", maxPasswordLength)
	}
	var lower, upper, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		case strings.ContainsRune(passwordSpecials, r):
			special = true
		}
	}
	if !lower || !upper || !digit || !special {
		return validationError("Password must contain uppercase, lowercase, number and special character (%s)", passwordSpecials)
	}
	return nil
}

// validateName accepts an empty name when optional is set.
func validateName(field, value string, optional bool) *Error {
	value = strings.TrimSpace(value)
	if value == "" && optional {
		return nil
	}
	if !namePattern.MatchString(value) {
		return validationError("%s must be 2-50 characters and contain only letters and spaces", field)
	}
	return nil
}

func validateCode(code string) *Error {
	if !otp.ValidCodeFormat(code) {
		return validationError("OTP must be %d digits", 6)
	}
	return nil
}
