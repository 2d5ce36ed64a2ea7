package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"lessons/internal/client"
	"lessons/internal/domain"
)

type signUpRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// handleSession returns the session snapshot. With ?wait=<duration> it first
// waits, up to that long, for entitlement resolution to finish.
func (r *Router) handleSession(w http.ResponseWriter, req *http.Request) {
	s := r.auth.Session()
	if v := req.URL.Query().Get("wait"); v != "" && s.Resolving {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, domain.ErrorResponse{Error: "bad_request", Message: "wait must be a positive duration"})
			return
		}
		ctx, cancel := context.WithTimeout(req.Context(), min(d, maxSessionWait))
		defer cancel()
		// A timeout still answers with the current, resolving snapshot.
		s, _ = r.auth.AwaitResolved(ctx)
	}
	writeJSON(w, http.StatusOK, s.View())
}

func (r *Router) handleSignUp(w http.ResponseWriter, req *http.Request) {
	var body signUpRequest
	if !decodeJSON(w, req, &body) {
		return
	}
	if body.Email == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, domain.ErrorResponse{Error: "bad_request", Message: "email and password are required"})
		return
	}
	if _, err := r.auth.SignUp(req.Context(), body.Email, body.Password, body.DisplayName); err != nil {
		r.writeAuthError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, r.auth.Session().View())
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	var body loginRequest
	if !decodeJSON(w, req, &body) {
		return
	}
	if body.Email == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, domain.ErrorResponse{Error: "bad_request", Message: "email and password are required"})
		return
	}
	if _, err := r.auth.SignInWithPassword(req.Context(), body.Email, body.Password); err != nil {
		r.writeAuthError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, r.auth.Session().View())
}

func (r *Router) handleLogout(w http.ResponseWriter, req *http.Request) {
	if err := r.auth.SignOut(req.Context()); err != nil {
		r.writeAuthError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleProfile(w http.ResponseWriter, req *http.Request) {
	if !r.auth.Session().Authenticated() {
		writeError(w, http.StatusUnauthorized, domain.ErrorResponse{Error: "unauthorized", Message: "sign in to update the profile"})
		return
	}
	var update client.ProfileUpdate
	if !decodeJSON(w, req, &update) {
		return
	}
	if err := r.auth.UpdateProfile(req.Context(), update); err != nil {
		r.writeAuthError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, r.auth.Session().View())
}

func (r *Router) handleRefresh(w http.ResponseWriter, req *http.Request) {
	if err := r.auth.Refresh(req.Context()); err != nil {
		r.writeAuthError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, r.auth.Session().View())
}

// writeAuthError maps identity errors to the JSON error envelope.
// A cancelled federated sign-in is reported but not logged as a failure.
func (r *Router) writeAuthError(w http.ResponseWriter, req *http.Request, err error) {
	status, code := errorStatus(err)
	resp := domain.ErrorResponse{Error: code, Message: err.Error()}

	var ae *domain.AuthError
	if errors.As(err, &ae) && ae.RetryAfter > 0 {
		resp.RetryAfter = ae.RetryAfter
		w.Header().Set("Retry-After", strconv.Itoa(ae.RetryAfter))
	}

	switch {
	case status == http.StatusInternalServerError:
		r.logger.Error("auth request failed", "path", req.URL.Path, "error", err)
		resp.Message = "internal error"
	case status >= http.StatusBadGateway:
		r.logger.Warn("identity provider request failed", "path", req.URL.Path, "error", err)
	default:
		r.logger.Debug("auth request rejected", "path", req.URL.Path, "error", err)
	}
	writeError(w, status, resp)
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrTooManyAttempts):
		return http.StatusTooManyRequests, "too_many_attempts"
	case errors.Is(err, domain.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials"
	case errors.Is(err, domain.ErrWeakPassword):
		return http.StatusUnprocessableEntity, "weak_password"
	case errors.Is(err, domain.ErrCredential):
		return http.StatusBadRequest, "credential_error"
	// Cancelled wraps ErrFederatedAuth, so it is matched first.
	case errors.Is(err, domain.ErrFederatedCancelled):
		return http.StatusConflict, "federated_cancelled"
	case errors.Is(err, domain.ErrFederatedAuth):
		return http.StatusBadGateway, "federated_error"
	case errors.Is(err, domain.ErrProfileUpdate):
		return http.StatusBadGateway, "profile_update_failed"
	case errors.Is(err, domain.ErrNoCredential), errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func decodeJSON(w http.ResponseWriter, req *http.Request, v any) bool {
	err := json.NewDecoder(req.Body).Decode(v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, domain.ErrorResponse{Error: "request_too_large", Message: "request body too large"})
		return false
	}
	writeError(w, http.StatusBadRequest, domain.ErrorResponse{Error: "bad_request", Message: "malformed JSON body"})
	return false
}
