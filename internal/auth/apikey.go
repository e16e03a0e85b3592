package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

// ErrInvalidAPIKey is returned when a presented key does not match.
var ErrInvalidAPIKey = errors.New("auth: invalid api key")

// APIKeyValidator compares presented keys against the shared sync secret.
type APIKeyValidator struct {
	expected []byte
}

// NewAPIKeyValidator requires a non-blank secret.
func NewAPIKeyValidator(secret string) (*APIKeyValidator, error) {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return nil, errors.New("api key secret must be provided")
	}
	return &APIKeyValidator{expected: []byte(trimmed)}, nil
}

// Validate compares in constant time.
func (v *APIKeyValidator) Validate(presented string) error {
	candidate := []byte(strings.TrimSpace(presented))
	if len(candidate) == 0 || subtle.ConstantTimeCompare(candidate, v.expected) != 1 {
		return ErrInvalidAPIKey
	}
	return nil
}
