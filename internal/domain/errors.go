package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors used across adapter boundaries.
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrInvalidToken       = errors.New("invalid token")
	ErrNoCredential       = errors.New("no credential")
	ErrBackend            = errors.New("backend request failed")
	ErrCredential         = errors.New("credential rejected")
	ErrWeakPassword       = errors.New("weak password")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrFederatedAuth      = errors.New("federated sign-in failed")
	ErrProfileUpdate      = errors.New("profile update failed")
	ErrTooManyAttempts    = errors.New("too many attempts")
)

// ErrFederatedCancelled is returned when the user closes or denies the federated
// sign-in flow. It matches ErrFederatedAuth under errors.Is; callers should not
// treat it as an alarm.
var ErrFederatedCancelled = fmt.Errorf("%w: cancelled by user", ErrFederatedAuth)

// AuthError carries the provider's error code and message alongside its kind.
// RetryAfter is in seconds and set only for ErrTooManyAttempts.
type AuthError struct {
	Kind       error
	Code       string
	Message    string
	RetryAfter int
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AuthError) Unwrap() error { return e.Kind }

// ErrorResponse is the standard JSON error envelope.
type ErrorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}
