// Package mockidp is a small identity provider for local runs and tests.
//
// It keeps accounts in memory, hashes passwords with bcrypt, signs RS256
// identity tokens and serves the matching JWKS. The federated flow is an
// OAuth2 authorization code grant with PKCE that auto-approves a configured
// external identity.
package mockidp

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"lessons/internal/domain"
)

const minPasswordLen = 6

// Identity is the external account the federated flow signs in as.
type Identity struct {
	Email       string
	DisplayName string
	AvatarURL   string
}

type account struct {
	id          string
	email       string
	displayName string
	avatarURL   string
	hash        []byte
}

type pendingCode struct {
	accountID   string
	challenge   string
	redirectURI string
	expires     time.Time
}

// Server is an in-memory identity provider. The zero value is not usable; call New.
type Server struct {
	kid    string
	priv   *rsa.PrivateKey
	issuer string
	ttl    time.Duration
	logger *slog.Logger

	attempts *throttle

	mu        sync.Mutex
	accounts  map[string]*account // by email
	byID      map[string]*account
	refresh   map[string]string // refresh token -> account id
	codes     map[string]pendingCode
	federated *Identity
	deny      bool
	signOuts  int
}

// Option configures a Server.
type Option func(*Server)

// WithKey signs tokens with priv under kid instead of a generated key.
func WithKey(kid string, priv *rsa.PrivateKey) Option {
	return func(s *Server) {
		s.kid = kid
		s.priv = priv
	}
}

// WithTokenTTL sets the lifetime of issued identity tokens.
func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Server) { s.ttl = ttl }
}

// WithSignInThrottle limits password sign-in attempts per email to burst,
// refilled at rate attempts per second.
func WithSignInThrottle(rate float64, burst int) Option {
	return func(s *Server) { s.attempts = newThrottle(rate, burst, time.Now) }
}

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New returns a Server with no accounts.
func New(opts ...Option) (*Server, error) {
	s := &Server{
		issuer:   "mock-identity",
		ttl:      15 * time.Minute,
		logger:   slog.Default(),
		accounts: make(map[string]*account),
		byID:     make(map[string]*account),
		refresh:  make(map[string]string),
		codes:    make(map[string]pendingCode),
		attempts: newThrottle(0.2, 5, time.Now),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.priv == nil {
		priv, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generating RSA key: %w", err)
		}
		s.priv = priv
		s.kid = fmt.Sprintf("mock-key-%d", time.Now().Unix())
	}
	return s, nil
}

// KeyID returns the kid of the signing key.
func (s *Server) KeyID() string { return s.kid }

// AddAccount seeds a password account.
func (s *Server) AddAccount(email, password, displayName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.createLocked(email, password, displayName, "", false)
	return err
}

// SetFederatedIdentity sets the identity the authorize endpoint approves.
func (s *Server) SetFederatedIdentity(id Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.federated = &id
	s.deny = false
}

// DenyFederated makes the authorize endpoint answer access_denied, as if the
// user closed the consent screen.
func (s *Server) DenyFederated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deny = true
}

// Sweep drops idle sign-in throttle state.
func (s *Server) Sweep() {
	s.attempts.sweep()
}

// SignOuts returns how many remote sign-outs were accepted.
func (s *Server) SignOuts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signOuts
}

// Handler returns the provider's HTTP API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/jwks.json", s.handleJWKS)
	mux.HandleFunc("POST /v1/accounts", s.handleSignUp)
	mux.HandleFunc("POST /v1/sessions", s.handleSignIn)
	mux.HandleFunc("DELETE /v1/sessions/current", s.handleSignOut)
	mux.HandleFunc("PATCH /v1/accounts/current", s.handleUpdateProfile)
	mux.HandleFunc("GET /oauth/authorize", s.handleAuthorize)
	mux.HandleFunc("POST /oauth/token", s.handleToken)
	return mux
}

func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	pub := &s.priv.PublicKey
	writeJSON(w, http.StatusOK, map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"alg": "RS256",
			"use": "sig",
			"kid": s.kid,
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	s.mu.Lock()
	acct, err := s.createLocked(req.Email, req.Password, req.DisplayName, "", false)
	s.mu.Unlock()
	switch {
	case errors.Is(err, errWeakPassword):
		writeError(w, http.StatusUnprocessableEntity, "weak_password", fmt.Sprintf("password must be at least %d characters", minPasswordLen))
		return
	case errors.Is(err, errEmailExists):
		writeError(w, http.StatusConflict, "email_exists", "an account with this email already exists")
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, "invalid_email", err.Error())
		return
	}

	s.logger.Info("account created", "email", acct.email)
	s.writeTokens(w, http.StatusCreated, acct)
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if ok, retryAfter := s.attempts.allow(email); !ok {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeJSON(w, http.StatusTooManyRequests, domain.ErrorResponse{
			Error:      "too_many_attempts",
			Message:    "too many sign-in attempts, try again later",
			RetryAfter: retryAfter,
		})
		return
	}

	s.mu.Lock()
	acct, ok := s.accounts[email]
	s.mu.Unlock()
	if !ok || acct.hash == nil || bcrypt.CompareHashAndPassword(acct.hash, []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "email or password is incorrect")
		return
	}
	s.attempts.reset(email)
	s.writeTokens(w, http.StatusOK, acct)
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	for rt, id := range s.refresh {
		if id == acct.id {
			delete(s.refresh, rt)
		}
	}
	s.signOuts++
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req struct {
		DisplayName *string `json:"display_name"`
		AvatarURL   *string `json:"avatar_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.AvatarURL != nil && *req.AvatarURL != "" {
		if u, err := url.Parse(*req.AvatarURL); err != nil || u.Scheme == "" || u.Host == "" {
			writeError(w, http.StatusBadRequest, "invalid_avatar", "avatar must be an absolute URL")
			return
		}
	}

	s.mu.Lock()
	if req.DisplayName != nil {
		acct.displayName = *req.DisplayName
	}
	if req.AvatarURL != nil {
		acct.avatarURL = *req.AvatarURL
	}
	s.mu.Unlock()
	s.writeTokens(w, http.StatusOK, acct)
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirect, err := url.Parse(q.Get("redirect_uri"))
	if err != nil || redirect.Scheme == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "redirect_uri is required")
		return
	}
	if q.Get("response_type") != "code" || q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "code flow with S256 PKCE is required")
		return
	}

	params := redirect.Query()
	params.Set("state", q.Get("state"))

	s.mu.Lock()
	if s.deny || s.federated == nil {
		s.mu.Unlock()
		params.Set("error", "access_denied")
		redirect.RawQuery = params.Encode()
		http.Redirect(w, r, redirect.String(), http.StatusFound)
		return
	}
	acct := s.accounts[strings.ToLower(s.federated.Email)]
	if acct == nil {
		var err error
		if acct, err = s.createLocked(s.federated.Email, "", s.federated.DisplayName, s.federated.AvatarURL, true); err != nil {
			s.mu.Unlock()
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}
	code := uuid.NewString()
	s.codes[code] = pendingCode{
		accountID:   acct.id,
		challenge:   q.Get("code_challenge"),
		redirectURI: q.Get("redirect_uri"),
		expires:     time.Now().Add(time.Minute),
	}
	s.mu.Unlock()

	params.Set("code", code)
	redirect.RawQuery = params.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, "invalid_request")
		return
	}

	var acct *account
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		code := r.PostForm.Get("code")
		verifier := r.PostForm.Get("code_verifier")
		s.mu.Lock()
		pc, ok := s.codes[code]
		delete(s.codes, code)
		if ok && time.Now().Before(pc.expires) &&
			r.PostForm.Get("redirect_uri") == pc.redirectURI &&
			oauth2.S256ChallengeFromVerifier(verifier) == pc.challenge {
			acct = s.byID[pc.accountID]
		}
		s.mu.Unlock()
	case "refresh_token":
		s.mu.Lock()
		if id, ok := s.refresh[r.PostForm.Get("refresh_token")]; ok {
			acct = s.byID[id]
		}
		s.mu.Unlock()
	default:
		writeOAuthError(w, "unsupported_grant_type")
		return
	}
	if acct == nil {
		writeOAuthError(w, "invalid_grant")
		return
	}

	idToken, refreshToken, err := s.issue(acct)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to sign token")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  idToken,
		"id_token":      idToken,
		"refresh_token": refreshToken,
		"token_type":    "Bearer",
		"expires_in":    int(s.ttl.Seconds()),
	})
}

// authenticate resolves the bearer identity token to an account.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*account, bool) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	token, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
		return &s.priv.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithIssuer(s.issuer))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return nil, false
	}
	sub, _ := token.Claims.GetSubject()

	s.mu.Lock()
	acct, found := s.byID[sub]
	s.mu.Unlock()
	if !found {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unknown account")
		return nil, false
	}
	return acct, true
}

func (s *Server) writeTokens(w http.ResponseWriter, status int, acct *account) {
	idToken, refreshToken, err := s.issue(acct)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to sign token")
		return
	}
	writeJSON(w, status, domain.TokenPair{
		AccessToken:  idToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int(s.ttl.Seconds()),
		TokenType:    "Bearer",
	})
}

// issue signs an identity token for acct and records a new refresh token.
func (s *Server) issue(acct *account) (string, string, error) {
	s.mu.Lock()
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":     acct.id,
		"email":   acct.email,
		"name":    acct.displayName,
		"picture": acct.avatarURL,
		"iat":     now.Unix(),
		"exp":     now.Add(s.ttl).Unix(),
		"iss":     s.issuer,
		"jti":     uuid.NewString(),
	}
	refreshToken := uuid.NewString()
	s.refresh[refreshToken] = acct.id
	s.mu.Unlock()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.kid
	signed, err := token.SignedString(s.priv)
	if err != nil {
		return "", "", err
	}
	return signed, refreshToken, nil
}

var (
	errWeakPassword = errors.New("weak password")
	errEmailExists  = errors.New("email exists")
)

// createLocked adds an account. Federated accounts have no password.
// Caller holds mu.
func (s *Server) createLocked(email, password, displayName, avatarURL string, federated bool) (*account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if at := strings.IndexByte(email, '@'); at <= 0 || at == len(email)-1 {
		return nil, fmt.Errorf("invalid email %q", email)
	}
	if _, exists := s.accounts[email]; exists {
		return nil, errEmailExists
	}

	acct := &account{
		id:          uuid.NewString(),
		email:       email,
		displayName: displayName,
		avatarURL:   avatarURL,
	}
	if !federated {
		if len(password) < minPasswordLen {
			return nil, errWeakPassword
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		if err != nil {
			return nil, fmt.Errorf("hashing password: %w", err)
		}
		acct.hash = hash
	}
	s.accounts[email] = acct
	s.byID[acct.id] = acct
	return acct, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, domain.ErrorResponse{Error: code, Message: msg})
}

func writeOAuthError(w http.ResponseWriter, code string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": code})
}
