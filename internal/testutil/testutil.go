package testutil

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"lessons/internal/client"
	"lessons/internal/client/adapter/identity"
	"lessons/internal/domain"
	"lessons/internal/mockidp"
)

// Issuer is the iss claim of tokens minted by IssueTestToken.
const Issuer = "lessons-test"

// GenerateTestKeyPair generates an RSA key pair for testing.
// Returns (keyID, privateKey, publicKey).
func GenerateTestKeyPair(t *testing.T) (string, *rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating RSA key: %v", err)
	}
	kid := fmt.Sprintf("test-key-%d", time.Now().UnixNano())
	return kid, priv, &priv.PublicKey
}

// IssueTestToken creates a signed identity token for p.
// A negative ttl produces an already-expired token.
func IssueTestToken(t *testing.T, kid string, priv *rsa.PrivateKey, p domain.Principal, ttl time.Duration) string {
	t.Helper()

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":     p.IdentityID,
		"email":   p.Email,
		"name":    p.DisplayName,
		"picture": p.AvatarURL,
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
		"iss":     Issuer,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid

	signed, err := token.SignedString(priv)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

// MockJWKSHandler returns an http.Handler that serves a JWKS response
// containing the given public key.
func MockJWKSHandler(kid string, pub *rsa.PublicKey) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jwks := map[string]any{
			"keys": []map[string]any{
				{
					"kty": "RSA",
					"alg": "RS256",
					"use": "sig",
					"kid": kid,
					"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
					"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(jwks)
	})
}

// MockBackendHandler returns an http.Handler that echoes request details,
// including the Authorization header it received.
func MockBackendHandler(name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"backend":       name,
			"method":        r.Method,
			"path":          r.URL.Path,
			"authorization": r.Header.Get("Authorization"),
			"request_id":    r.Header.Get("X-Request-ID"),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
}

// StatusRecord is the backend's user status document.
type StatusRecord struct {
	IsPremium bool   `json:"isPremium"`
	Role      string `json:"role"`
	DBID      string `json:"dbId"`
}

// StatusBackend is a fake REST backend serving GET /users/status/{email}
// and POST /users. Per-email delays and failures let tests reorder responses.
type StatusBackend struct {
	mu       sync.Mutex
	records  map[string]StatusRecord
	delays   map[string]time.Duration
	failures map[string]int
	upserts  []map[string]string
	auth     []string
}

// NewStatusBackend returns an empty StatusBackend.
func NewStatusBackend() *StatusBackend {
	return &StatusBackend{
		records:  make(map[string]StatusRecord),
		delays:   make(map[string]time.Duration),
		failures: make(map[string]int),
	}
}

// Set stores the status record returned for email.
func (b *StatusBackend) Set(email string, rec StatusRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[email] = rec
}

// Delay makes status lookups for email wait d before answering.
func (b *StatusBackend) Delay(email string, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delays[email] = d
}

// Fail makes status lookups for email answer with status code.
func (b *StatusBackend) Fail(email string, code int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[email] = code
}

// Upserts returns the bodies received by POST /users.
func (b *StatusBackend) Upserts() []map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]map[string]string(nil), b.upserts...)
}

// Authorizations returns the Authorization headers seen, in arrival order.
func (b *StatusBackend) Authorizations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.auth...)
}

func (b *StatusBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/status/{email}", b.status)
	mux.HandleFunc("POST /users", b.upsert)

	b.mu.Lock()
	b.auth = append(b.auth, r.Header.Get("Authorization"))
	b.mu.Unlock()

	mux.ServeHTTP(w, r)
}

func (b *StatusBackend) status(w http.ResponseWriter, r *http.Request) {
	email := r.PathValue("email")

	b.mu.Lock()
	rec, ok := b.records[email]
	delay := b.delays[email]
	code := b.failures[email]
	b.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if code != 0 {
		w.WriteHeader(code)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

func (b *StatusBackend) upsert(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	b.mu.Lock()
	b.upserts = append(b.upserts, body)
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(body)
}

// StartIdentityProvider runs a mock identity provider for the duration of the
// test and returns it with its base URL.
func StartIdentityProvider(t *testing.T, opts ...mockidp.Option) (*mockidp.Server, string) {
	t.Helper()
	kid, priv, _ := GenerateTestKeyPair(t)
	opts = append([]mockidp.Option{
		mockidp.WithKey(kid, priv),
		mockidp.WithLogger(slog.New(slog.DiscardHandler)),
	}, opts...)
	idp, err := mockidp.New(opts...)
	if err != nil {
		t.Fatalf("mockidp.New: %v", err)
	}
	srv := httptest.NewServer(idp.Handler())
	t.Cleanup(srv.Close)
	return idp, srv.URL
}

// AutoApproveFlow completes the federated consent step without a browser by
// reading the code from the provider's redirect.
func AutoApproveFlow() client.FederatedFlowFunc {
	hc := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	return func(ctx context.Context, authURL string) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
		if err != nil {
			return "", err
		}
		resp, err := hc.Do(req)
		if err != nil {
			return "", err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusFound {
			return "", fmt.Errorf("authorize returned %d", resp.StatusCode)
		}
		return identity.ParseCallback(authURL, resp.Header.Get("Location"))
	}
}
