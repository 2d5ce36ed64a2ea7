// Package identity is the client's adapter to the external identity provider.
//
// The provider issues RS256-signed identity tokens. The adapter verifies each
// token against the provider's JWKS before turning its claims into a
// domain.Principal, persists the sign-in so it survives restarts, and
// publishes every identity change to its subscribers in order.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"lessons/internal/client"
	"lessons/internal/client/adapter/credstore"
	"lessons/internal/client/adapter/jwks"
	"lessons/internal/domain"
	"lessons/internal/platform/telemetry"
)

const restoreTimeout = 10 * time.Second

// errSessionChanged means the sign-in a request was made for ended while it
// was in flight.
var errSessionChanged = fmt.Errorf("%w: sign-in changed while the request was in flight", domain.ErrNoCredential)

// CredentialStore persists the current sign-in.
type CredentialStore interface {
	Save(rec credstore.Record) error
	Load() (credstore.Record, error)
	Delete() error
}

// Config wires a Client to its collaborators.
type Config struct {
	BaseURL     string
	ClientID    string
	RedirectURL string
	HTTPClient  *http.Client
	Keys        client.JWKSProvider
	Store       CredentialStore
	Metrics     *telemetry.ClientMetrics
	Logger      *slog.Logger
}

// Client implements client.IdentityProvider over the provider's HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	keys       client.JWKSProvider
	store      CredentialStore
	oauth      *oauth2.Config
	metrics    *telemetry.ClientMetrics
	logger     *slog.Logger

	// emitMu serializes identity changes with their delivery.
	emitMu       sync.Mutex
	restored     bool
	current      *domain.Principal
	refreshToken string
	// generation counts sign-ins and sign-outs; a rotated credential is only
	// kept if it is unchanged since the request started.
	generation uint64

	subsMu  sync.Mutex
	subs    map[uint64]func(*domain.Principal)
	nextSub uint64

	refreshes singleflight.Group
}

var _ client.IdentityProvider = (*Client)(nil)

// New returns an identity client. Keys and Store are required.
func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: hc,
		keys:       cfg.Keys,
		store:      cfg.Store,
		metrics:    cfg.Metrics,
		logger:     logger,
		oauth: &oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURL,
			Scopes:      []string{"openid", "email", "profile"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.BaseURL + "/oauth/authorize",
				TokenURL:  cfg.BaseURL + "/oauth/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		subs: make(map[uint64]func(*domain.Principal)),
	}
}

// OnIdentityChanged calls fn with the current identity, restoring a persisted
// sign-in on first use, and then on every change. Callbacks run synchronously
// and must not call back into the Client.
func (c *Client) OnIdentityChanged(fn func(*domain.Principal)) (unsubscribe func()) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	if !c.restored {
		ctx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
		c.restore(ctx)
		cancel()
		c.restored = true
	}

	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subsMu.Unlock()

	fn(c.current.Clone())

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subsMu.Lock()
			delete(c.subs, id)
			c.subsMu.Unlock()
		})
	}
}

// Current returns the signed-in principal, or nil.
func (c *Client) Current() *domain.Principal {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	return c.current.Clone()
}

// SignUp creates an account and signs it in.
func (c *Client) SignUp(ctx context.Context, email, password, displayName string) (*domain.Principal, error) {
	body := map[string]string{"email": email, "password": password, "display_name": displayName}
	pair, err := c.postTokens(ctx, "/v1/accounts", body, "")
	if err != nil {
		c.metrics.RecordIdentityOperation(ctx, "sign_up", "failure")
		return nil, classify(err, func(status int) error {
			switch status {
			case http.StatusUnprocessableEntity:
				return domain.ErrWeakPassword
			case http.StatusBadRequest, http.StatusConflict:
				return domain.ErrCredential
			}
			return nil
		})
	}
	p, err := c.establish(ctx, pair)
	c.record(ctx, "sign_up", err)
	return p, err
}

// SignInWithPassword signs in with email and password.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*domain.Principal, error) {
	body := map[string]string{"email": email, "password": password}
	pair, err := c.postTokens(ctx, "/v1/sessions", body, "")
	if err != nil {
		c.metrics.RecordIdentityOperation(ctx, "sign_in", "failure")
		return nil, classify(err, func(status int) error {
			switch status {
			case http.StatusUnauthorized, http.StatusBadRequest:
				return domain.ErrInvalidCredentials
			case http.StatusTooManyRequests:
				return domain.ErrTooManyAttempts
			}
			return nil
		})
	}
	p, err := c.establish(ctx, pair)
	c.record(ctx, "sign_in", err)
	return p, err
}

// SignInFederated runs the authorization code flow (with PKCE) through flow
// and exchanges the resulting code for an identity token.
func (c *Client) SignInFederated(ctx context.Context, flow client.FederatedFlow) (*domain.Principal, error) {
	verifier := oauth2.GenerateVerifier()
	state := uuid.NewString()
	authURL := c.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))

	code, err := flow.AuthorizationCode(ctx, authURL)
	if err != nil {
		c.metrics.RecordIdentityOperation(ctx, "sign_in_federated", "failure")
		if errors.Is(err, domain.ErrFederatedCancelled) || errors.Is(err, context.Canceled) {
			return nil, domain.ErrFederatedCancelled
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrFederatedAuth, err)
	}

	tok, err := c.oauth.Exchange(c.oauthContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		c.metrics.RecordIdentityOperation(ctx, "sign_in_federated", "failure")
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.ErrorCode == "access_denied" {
			return nil, domain.ErrFederatedCancelled
		}
		return nil, fmt.Errorf("%w: exchanging code: %w", domain.ErrFederatedAuth, err)
	}

	p, err := c.establish(ctx, pairFromOAuth(tok))
	if err != nil {
		err = fmt.Errorf("%w: %w", domain.ErrFederatedAuth, err)
	}
	c.record(ctx, "sign_in_federated", err)
	return p, err
}

// SignOut revokes the session at the provider if it can and always clears
// the local identity.
func (c *Client) SignOut(ctx context.Context) error {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	if c.current != nil {
		req, err := c.newRequest(ctx, http.MethodDelete, "/v1/sessions/current", nil, c.current.Credential)
		if err == nil {
			var resp *http.Response
			if resp, err = c.httpClient.Do(req); err == nil {
				resp.Body.Close()
				if resp.StatusCode >= 300 {
					err = fmt.Errorf("identity provider returned %d", resp.StatusCode)
				}
			}
		}
		if err != nil {
			c.logger.Warn("remote sign-out failed, clearing local session", "error", err)
		}
	}

	if err := c.store.Delete(); err != nil {
		c.logger.Warn("clearing persisted credentials", "error", err)
	}
	c.refreshToken = ""
	c.generation++
	c.setLocked(nil)
	c.metrics.RecordIdentityOperation(ctx, "sign_out", "success")
	return nil
}

// UpdateProfile changes display attributes of the signed-in account. The
// provider answers with a reissued token, which is published as an identity change.
func (c *Client) UpdateProfile(ctx context.Context, update client.ProfileUpdate) error {
	c.emitMu.Lock()
	p, gen := c.current, c.generation
	c.emitMu.Unlock()
	if p == nil {
		return &domain.AuthError{Kind: domain.ErrProfileUpdate, Code: "not_signed_in", Message: "no signed-in account"}
	}

	pair, err := c.sendTokens(ctx, http.MethodPatch, "/v1/accounts/current", update, p.Credential)
	if err != nil {
		c.metrics.RecordIdentityOperation(ctx, "update_profile", "failure")
		var se *statusError
		if !errors.As(err, &se) {
			return fmt.Errorf("%w: %w", domain.ErrProfileUpdate, err)
		}
		return classify(err, func(int) error { return domain.ErrProfileUpdate })
	}
	if _, err := c.renew(ctx, pair, gen); err != nil {
		c.metrics.RecordIdentityOperation(ctx, "update_profile", "failure")
		return fmt.Errorf("%w: %w", domain.ErrProfileUpdate, err)
	}
	c.metrics.RecordIdentityOperation(ctx, "update_profile", "success")
	return nil
}

// Refresh exchanges the refresh token for a new credential and publishes the
// rotated principal. Concurrent calls share one exchange.
func (c *Client) Refresh(ctx context.Context) error {
	_, err, _ := c.refreshes.Do("refresh", func() (any, error) {
		c.emitMu.Lock()
		rt, gen := c.refreshToken, c.generation
		c.emitMu.Unlock()
		if rt == "" {
			return nil, domain.ErrNoCredential
		}

		pair, err := c.exchangeRefresh(ctx, rt)
		if err != nil {
			return nil, err
		}
		return c.renew(ctx, pair, gen)
	})
	c.record(ctx, "refresh", err)
	return err
}

func (c *Client) exchangeRefresh(ctx context.Context, refreshToken string) (domain.TokenPair, error) {
	src := c.oauth.TokenSource(c.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return domain.TokenPair{}, fmt.Errorf("%w: refreshing credential: %w", domain.ErrUnauthorized, err)
	}
	pair := pairFromOAuth(tok)
	if pair.RefreshToken == "" {
		pair.RefreshToken = refreshToken
	}
	return pair, nil
}

// restore re-establishes a persisted sign-in. An unusable record is dropped.
// Caller holds emitMu.
func (c *Client) restore(ctx context.Context) {
	rec, err := c.store.Load()
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			c.logger.Warn("loading persisted credentials", "error", err)
		}
		return
	}

	p, err := c.verify(ctx, rec.IDToken)
	if err != nil && rec.RefreshToken != "" {
		c.logger.Debug("persisted token unusable, refreshing", "error", err)
		var pair domain.TokenPair
		if pair, err = c.exchangeRefresh(ctx, rec.RefreshToken); err == nil {
			if p, err = c.verify(ctx, pair.AccessToken); err == nil {
				rec = credstore.Record{IDToken: pair.AccessToken, RefreshToken: pair.RefreshToken, SavedAt: time.Now()}
				if err := c.store.Save(rec); err != nil {
					c.logger.Warn("persisting refreshed credentials", "error", err)
				}
			}
		}
	}
	if err != nil {
		c.logger.Info("discarding persisted sign-in", "error", err)
		if err := c.store.Delete(); err != nil {
			c.logger.Warn("clearing persisted credentials", "error", err)
		}
		return
	}

	c.current = p
	c.refreshToken = rec.RefreshToken
	c.logger.Info("restored sign-in", "email", p.Email)
}

// establish verifies pair, persists it and publishes it as a new sign-in.
func (c *Client) establish(ctx context.Context, pair domain.TokenPair) (*domain.Principal, error) {
	return c.commit(ctx, pair, nil)
}

// renew is establish for a credential reissued to the sign-in current at gen.
// It is dropped with errSessionChanged if a sign-out or another sign-in
// happened since.
func (c *Client) renew(ctx context.Context, pair domain.TokenPair, gen uint64) (*domain.Principal, error) {
	return c.commit(ctx, pair, &gen)
}

func (c *Client) commit(ctx context.Context, pair domain.TokenPair, gen *uint64) (*domain.Principal, error) {
	p, err := c.verify(ctx, pair.AccessToken)
	if err != nil {
		return nil, err
	}

	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	if gen == nil {
		c.generation++
	} else if *gen != c.generation {
		c.logger.Info("dropping reissued credential for an ended sign-in", "email", p.Email)
		return nil, errSessionChanged
	}

	if pair.RefreshToken != "" {
		c.refreshToken = pair.RefreshToken
	}
	rec := credstore.Record{IDToken: pair.AccessToken, RefreshToken: c.refreshToken, SavedAt: time.Now()}
	if err := c.store.Save(rec); err != nil {
		c.logger.Warn("persisting credentials", "error", err)
	}
	c.restored = true
	c.setLocked(p)
	return p.Clone(), nil
}

// setLocked replaces the current principal and notifies subscribers. Caller holds emitMu.
func (c *Client) setLocked(p *domain.Principal) {
	c.current = p

	c.subsMu.Lock()
	subs := make([]func(*domain.Principal), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.subsMu.Unlock()

	for _, fn := range subs {
		fn(p.Clone())
	}
}

// verify checks the token signature and expiry and builds a Principal from its claims.
func (c *Client) verify(ctx context.Context, raw string) (*domain.Principal, error) {
	return jwks.Verify(ctx, c.keys, raw)
}

func (c *Client) record(ctx context.Context, op string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.metrics.RecordIdentityOperation(ctx, op, result)
}

func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func (c *Client) postTokens(ctx context.Context, path string, body any, bearer string) (domain.TokenPair, error) {
	return c.sendTokens(ctx, http.MethodPost, path, body, bearer)
}

func (c *Client) sendTokens(ctx context.Context, method, path string, body any, bearer string) (domain.TokenPair, error) {
	req, err := c.newRequest(ctx, method, path, body, bearer)
	if err != nil {
		return domain.TokenPair{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.TokenPair{}, fmt.Errorf("calling identity provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return domain.TokenPair{}, decodeStatusError(resp)
	}
	var pair domain.TokenPair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return domain.TokenPair{}, fmt.Errorf("decoding token response: %w", err)
	}
	return pair, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any, bearer string) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if reqID := client.RequestIDFromContext(ctx); reqID != "" {
		req.Header.Set("X-Request-ID", reqID)
	}
	return req, nil
}

// statusError is a non-2xx answer from the provider.
type statusError struct {
	status int
	body   domain.ErrorResponse
}

func (e *statusError) Error() string {
	return fmt.Sprintf("identity provider returned %d: %s", e.status, e.body.Error)
}

func decodeStatusError(resp *http.Response) error {
	se := &statusError{status: resp.StatusCode}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&se.body)
	return se
}

// classify maps a provider status answer to a typed AuthError using kindOf.
// Transport failures and unmapped statuses are returned unchanged.
func classify(err error, kindOf func(status int) error) error {
	var se *statusError
	if !errors.As(err, &se) {
		return err
	}
	kind := kindOf(se.status)
	if kind == nil {
		return err
	}
	return &domain.AuthError{Kind: kind, Code: se.body.Error, Message: se.body.Message, RetryAfter: se.body.RetryAfter}
}

func pairFromOAuth(tok *oauth2.Token) domain.TokenPair {
	idToken := tok.AccessToken
	if v, ok := tok.Extra("id_token").(string); ok && v != "" {
		idToken = v
	}
	pair := domain.TokenPair{
		AccessToken:  idToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if !tok.Expiry.IsZero() {
		pair.ExpiresIn = int(time.Until(tok.Expiry).Seconds())
	}
	return pair
}
