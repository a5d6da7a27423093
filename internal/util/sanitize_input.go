package util

import (
	"html"
	"os"
	"strings"
)

// SanitizeInput trims and escapes HTML/script-like characters
func SanitizeInput(s string) string {
	return html.EscapeString(strings.TrimSpace(s))
}

// ContainsSuspicious reports markup or template fragments in free-text input.
func ContainsSuspicious(s string) bool {
	lower := strings.ToLower(s)
	for _, c := range []string{"<", ">", "${", "{{", "script", "onerror", "onload", "javascript:"} {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}

// NormalizeEmail lowercases and trims an address. Accounts and OTP scopes are
// keyed by the normalized form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// MaskEmail keeps the first character of the local part and the domain:
// "alice@example.com" -> "a****@example.com".
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		if email == "" {
			return ""
		}
		return "***"
	}
	local := email[:at]
	return local[:1] + strings.Repeat("*", len(local)-1) + email[at:]
}

// GetEnv returns the environment value or the fallback when unset.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
