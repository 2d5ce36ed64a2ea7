package client

import (
	"context"
	"crypto/rsa"
	"net/http"

	"lessons/internal/domain"
)

// IdentityProvider is the boundary to the external identity service.
type IdentityProvider interface {
	SignUp(ctx context.Context, email, password, displayName string) (*domain.Principal, error)
	SignInWithPassword(ctx context.Context, email, password string) (*domain.Principal, error)
	SignInFederated(ctx context.Context, flow FederatedFlow) (*domain.Principal, error)
	// SignOut always clears the local identity; remote failures are not returned.
	SignOut(ctx context.Context) error
	UpdateProfile(ctx context.Context, update ProfileUpdate) error
	// OnIdentityChanged calls fn once with the current identity (nil when signed out)
	// and again on every change. The returned func unsubscribes.
	OnIdentityChanged(fn func(*domain.Principal)) (unsubscribe func())
}

// FederatedFlow runs the third-party consent step (popup or redirect) and
// returns the authorization code it produced.
type FederatedFlow interface {
	AuthorizationCode(ctx context.Context, authURL string) (string, error)
}

// FederatedFlowFunc adapts a function to FederatedFlow.
type FederatedFlowFunc func(ctx context.Context, authURL string) (string, error)

func (f FederatedFlowFunc) AuthorizationCode(ctx context.Context, authURL string) (string, error) {
	return f(ctx, authURL)
}

// ProfileUpdate is a partial update of presentation attributes; nil fields are left unchanged.
type ProfileUpdate struct {
	DisplayName *string `json:"display_name,omitempty"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
}

// EntitlementSource looks up the backend entitlement record keyed by email.
type EntitlementSource interface {
	FetchStatus(ctx context.Context, email string) (domain.Entitlement, error)
}

// UserRecord is the backend user document created on first sign-in.
type UserRecord struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	PhotoURL string `json:"photoURL"`
}

// UserDirectory creates or returns backend user records.
type UserDirectory interface {
	UpsertUser(ctx context.Context, u UserRecord) error
}

// SessionReader is the read side of the session store consumed by guards and transports.
type SessionReader interface {
	Get() domain.Session
}

// JWKSProvider fetches and caches public keys from the identity provider's JWKS endpoint.
type JWKSProvider interface {
	GetKey(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// StatusWriter wraps http.ResponseWriter to capture the status code.
// Code stays 0 until the response starts unless the caller presets it.
type StatusWriter struct {
	http.ResponseWriter
	Code int
}

func (sw *StatusWriter) WriteHeader(code int) {
	sw.Code = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *StatusWriter) Write(b []byte) (int, error) {
	if sw.Code == 0 {
		sw.Code = http.StatusOK
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer, which the
// /api proxy needs to flush streamed responses.
func (sw *StatusWriter) Unwrap() http.ResponseWriter { return sw.ResponseWriter }

// PrincipalFromContext extracts a token-authenticated principal from a request context.
func PrincipalFromContext(ctx context.Context) (domain.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(domain.Principal)
	return p, ok
}

// ContextWithPrincipal stores an authenticated principal in the context.
func ContextWithPrincipal(ctx context.Context, p domain.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

type principalKey struct{}

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// ContextWithRequestID stores the request ID in the context.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

type requestIDKey struct{}
