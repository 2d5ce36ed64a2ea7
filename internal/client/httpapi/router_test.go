package httpapi_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"lessons/internal/client"
	"lessons/internal/client/adapter/backend"
	"lessons/internal/client/adapter/credstore"
	"lessons/internal/client/adapter/identity"
	"lessons/internal/client/adapter/jwks"
	"lessons/internal/client/adapter/transport"
	"lessons/internal/client/auth"
	"lessons/internal/client/httpapi"
	"lessons/internal/client/resolver"
	"lessons/internal/client/session"
	"lessons/internal/domain"
	"lessons/internal/mockidp"
	"lessons/internal/platform/config"
	"lessons/internal/testutil"
)

var routes = config.RouteConfig{LoginPath: "/login", HomePath: "/"}

type harness struct {
	router  *httpapi.Router
	store   *session.Store
	idp     *mockidp.Server
	backend *testutil.StatusBackend
}

func newHarness(t *testing.T, opts ...mockidp.Option) *harness {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	idp, idpURL := testutil.StartIdentityProvider(t, opts...)
	sb := testutil.NewStatusBackend()
	statusSrv := httptest.NewServer(sb)
	t.Cleanup(statusSrv.Close)
	apiSrv := httptest.NewServer(testutil.MockBackendHandler("lessons"))
	t.Cleanup(apiSrv.Close)

	store := session.NewStore(logger)
	bearer := &transport.Bearer{Source: store}
	api := backend.NewClient(statusSrv.URL, &http.Client{Transport: bearer, Timeout: 5 * time.Second})
	res := resolver.New(store, api, logger, nil)
	t.Cleanup(res.Close)

	provider := identity.New(identity.Config{
		BaseURL:     idpURL,
		ClientID:    "lessons-web",
		RedirectURL: "http://localhost:8080/auth/callback",
		Keys:        jwks.NewClient(idpURL+"/.well-known/jwks.json", time.Minute),
		Store:       &credstore.Memory{},
		Logger:      logger,
	})
	svc := auth.NewService(provider, res, store, api, logger)
	t.Cleanup(svc.Start())

	router, err := httpapi.NewRouter(httpapi.Deps{
		Auth:       svc,
		BackendURL: apiSrv.URL,
		Transport:  bearer,
		Routes:     routes,
		Logger:     logger,

		FederatedTimeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return &harness{router: router, store: store, idp: idp, backend: sb}
}

func (h *harness) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *harness) login(t *testing.T, email string) {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/auth/login", `{"email":"`+email+`","password":"secret1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

// settled returns the session once entitlement resolution has finished.
func (h *harness) settled(t *testing.T) domain.SessionView {
	t.Helper()
	rec := h.do(t, http.MethodGet, "/auth/session?wait=5s", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("session: expected 200, got %d", rec.Code)
	}
	var v domain.SessionView
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decoding session: %v", err)
	}
	if v.Resolving {
		t.Fatal("session still resolving")
	}
	return v
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) domain.ErrorResponse {
	t.Helper()
	var resp domain.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding error response: %v", err)
	}
	return resp
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

// resolvingAuth reports a session that never finishes resolving.
type resolvingAuth struct {
	httpapi.Authenticator
}

func (resolvingAuth) Session() domain.Session { return domain.Session{Resolving: true} }

func TestReadyzWhileResolving(t *testing.T) {
	router, err := httpapi.NewRouter(httpapi.Deps{Auth: resolvingAuth{}, BackendURL: "http://unused", Routes: routes})
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard/profile", nil))
	if rec.Code != http.StatusServiceUnavailable || rec.Header().Get("Retry-After") != "1" {
		t.Errorf("expected loading placeholder, got %d", rec.Code)
	}
}

func TestAnonymousSession(t *testing.T) {
	h := newHarness(t)

	v := h.settled(t)
	if v.Authenticated || v.Premium || v.Admin {
		t.Errorf("expected anonymous session, got %+v", v)
	}
	if rec := h.do(t, http.MethodGet, "/readyz", ""); rec.Code != http.StatusOK {
		t.Errorf("expected ready, got %d", rec.Code)
	}

	rec := h.do(t, http.MethodGet, "/dashboard/add-lesson", "")
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != "/login?redirect=%2Fdashboard%2Fadd-lesson" {
		t.Errorf("unexpected Location %q", got)
	}

	rec = h.do(t, http.MethodGet, "/admin/reported-lessons", "")
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/" {
		t.Errorf("expected redirect home, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
}

func TestSessionWaitValidation(t *testing.T) {
	h := newHarness(t)
	h.idp.AddAccount("u@x.com", "secret1", "U")
	h.backend.Delay("u@x.com", time.Second)
	h.login(t, "u@x.com")

	if rec := h.do(t, http.MethodGet, "/auth/session?wait=soon", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestLoginResolvesAdmin(t *testing.T) {
	h := newHarness(t)
	h.idp.AddAccount("admin@x.com", "secret1", "Admin")
	h.backend.Set("admin@x.com", testutil.StatusRecord{IsPremium: true, Role: "admin", DBID: "u1"})

	h.login(t, "admin@x.com")
	v := h.settled(t)
	if !v.Authenticated || !v.Premium || !v.Admin || v.InternalUserID != "u1" || v.Email != "admin@x.com" {
		t.Fatalf("unexpected session %+v", v)
	}

	rec := h.do(t, http.MethodGet, "/admin/users", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected admin page, got %d", rec.Code)
	}
	var page struct {
		Page string `json:"page"`
	}
	json.NewDecoder(rec.Body).Decode(&page)
	if page.Page != "admin" {
		t.Errorf("expected admin page, got %q", page.Page)
	}
}

func TestNonAdminSentHome(t *testing.T) {
	h := newHarness(t)
	h.idp.AddAccount("u@x.com", "secret1", "U")
	h.backend.Set("u@x.com", testutil.StatusRecord{IsPremium: true, Role: "user", DBID: "u2"})

	h.login(t, "u@x.com")
	h.settled(t)

	if rec := h.do(t, http.MethodGet, "/dashboard/my-lessons", ""); rec.Code != http.StatusOK {
		t.Errorf("expected private page, got %d", rec.Code)
	}
	rec := h.do(t, http.MethodGet, "/admin/", "")
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/" {
		t.Errorf("expected redirect home, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
}

func TestStatusOutageKeepsPrivatePages(t *testing.T) {
	h := newHarness(t)
	h.idp.AddAccount("admin@x.com", "secret1", "Admin")
	h.backend.Set("admin@x.com", testutil.StatusRecord{IsPremium: true, Role: "admin", DBID: "u1"})
	h.backend.Fail("admin@x.com", http.StatusInternalServerError)

	h.login(t, "admin@x.com")
	if v := h.settled(t); v.Admin || v.Premium {
		t.Fatalf("expected least-privileged session, got %+v", v)
	}
	if rec := h.do(t, http.MethodGet, "/dashboard/profile", ""); rec.Code != http.StatusOK {
		t.Errorf("expected private page, got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/admin/", ""); rec.Code != http.StatusSeeOther {
		t.Errorf("expected admin redirect, got %d", rec.Code)
	}
}

func TestAuthErrors(t *testing.T) {
	h := newHarness(t)
	h.idp.AddAccount("taken@x.com", "secret1", "Taken")

	tests := []struct {
		name       string
		target     string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"wrong password", "/auth/login", `{"email":"taken@x.com","password":"nope123"}`, http.StatusUnauthorized, "invalid_credentials"},
		{"unknown account", "/auth/login", `{"email":"ghost@x.com","password":"secret1"}`, http.StatusUnauthorized, "invalid_credentials"},
		{"missing password", "/auth/login", `{"email":"taken@x.com"}`, http.StatusBadRequest, "bad_request"},
		{"malformed body", "/auth/login", `{"email":`, http.StatusBadRequest, "bad_request"},
		{"weak password", "/auth/signup", `{"email":"new@x.com","password":"abc"}`, http.StatusUnprocessableEntity, "weak_password"},
		{"duplicate account", "/auth/signup", `{"email":"taken@x.com","password":"secret1"}`, http.StatusBadRequest, "credential_error"},
		{"oversized body", "/auth/login", `{"email":"` + strings.Repeat("x", 70<<10) + `"}`, http.StatusRequestEntityTooLarge, "request_too_large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, tt.target, tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if resp := decodeError(t, rec); resp.Error != tt.wantCode {
				t.Errorf("expected %q, got %q", tt.wantCode, resp.Error)
			}
		})
	}

	if v := h.settled(t); v.Authenticated {
		t.Errorf("failed attempts must leave the session signed out, got %+v", v)
	}
}

func TestLoginThrottled(t *testing.T) {
	h := newHarness(t, mockidp.WithSignInThrottle(0.001, 1))
	h.idp.AddAccount("u@x.com", "secret1", "U")

	h.do(t, http.MethodPost, "/auth/login", `{"email":"u@x.com","password":"wrong12"}`)
	rec := h.do(t, http.MethodPost, "/auth/login", `{"email":"u@x.com","password":"wrong12"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if resp := decodeError(t, rec); resp.Error != "too_many_attempts" || resp.RetryAfter <= 0 {
		t.Errorf("unexpected error response %+v", resp)
	}
}

func TestSignUpSignsIn(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/auth/signup", `{"email":"new@x.com","password":"secret1","display_name":"New"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if v := h.settled(t); !v.Authenticated || v.DisplayName != "New" {
		t.Errorf("unexpected session %+v", v)
	}
	if ups := h.backend.Upserts(); len(ups) != 1 || ups[0]["email"] != "new@x.com" {
		t.Errorf("expected one backend user, got %v", ups)
	}
}

func TestLogoutClearsSession(t *testing.T) {
	h := newHarness(t)
	h.idp.AddAccount("admin@x.com", "secret1", "Admin")
	h.backend.Set("admin@x.com", testutil.StatusRecord{IsPremium: true, Role: "admin", DBID: "u1"})
	h.login(t, "admin@x.com")
	h.settled(t)

	if rec := h.do(t, http.MethodPost, "/auth/logout", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	v := h.settled(t)
	if v.Authenticated || v.Admin || v.Premium || v.InternalUserID != "" {
		t.Errorf("expected cleared session, got %+v", v)
	}
	if rec := h.do(t, http.MethodGet, "/payment", ""); rec.Code != http.StatusSeeOther {
		t.Errorf("expected redirect to login, got %d", rec.Code)
	}
}

func TestProfileUpdate(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPatch, "/auth/profile", `{"display_name":"X"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 while signed out, got %d", rec.Code)
	}

	h.idp.AddAccount("u@x.com", "secret1", "U")
	h.login(t, "u@x.com")

	rec = h.do(t, http.MethodPatch, "/auth/profile", `{"display_name":"Renamed","avatar_url":"https://img.example/u.png"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if v := h.settled(t); v.DisplayName != "Renamed" || v.AvatarURL != "https://img.example/u.png" {
		t.Errorf("unexpected session %+v", v)
	}

	rec = h.do(t, http.MethodPatch, "/auth/profile", `{"avatar_url":"not a url"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Error != "profile_update_failed" {
		t.Errorf("expected profile_update_failed, got %q", resp.Error)
	}
}

func TestRefresh(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/auth/refresh", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 while signed out, got %d", rec.Code)
	}

	h.idp.AddAccount("u@x.com", "secret1", "U")
	h.login(t, "u@x.com")
	before, _ := h.store.Get().Credential()

	if rec := h.do(t, http.MethodPost, "/auth/refresh", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	after, ok := h.store.Get().Credential()
	if !ok || after == before {
		t.Error("expected a rotated credential")
	}
}

func TestAPIProxyCarriesCurrentCredential(t *testing.T) {
	h := newHarness(t)

	get := func() map[string]any {
		t.Helper()
		req := httptest.NewRequest(http.MethodGet, "/api/lessons/42", nil)
		req.Header.Set("Authorization", "Bearer forged")
		req = req.WithContext(client.ContextWithRequestID(req.Context(), "req-7"))
		rec := httptest.NewRecorder()
		h.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var body map[string]any
		json.NewDecoder(rec.Body).Decode(&body)
		return body
	}

	body := get()
	if body["authorization"] != "" {
		t.Errorf("signed-out requests must carry no credential, got %v", body["authorization"])
	}
	if body["path"] != "/lessons/42" {
		t.Errorf("expected /api prefix stripped, got %v", body["path"])
	}
	if body["request_id"] != "req-7" {
		t.Errorf("expected request id propagated, got %v", body["request_id"])
	}

	h.idp.AddAccount("u@x.com", "secret1", "U")
	h.login(t, "u@x.com")
	cred, _ := h.store.Get().Credential()

	if got := get()["authorization"]; got != "Bearer "+cred {
		t.Errorf("expected session credential, got %v", got)
	}
}

func TestAPIProxyBackendDown(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	store := session.NewStore(slog.New(slog.DiscardHandler))
	router, err := httpapi.NewRouter(httpapi.Deps{
		Auth:       resolvingAuth{},
		BackendURL: dead.URL,
		Transport:  &transport.Bearer{Source: store},
		Routes:     routes,
		Logger:     slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/lessons", nil))
	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}
}

func TestNewRouterRejectsBadBackendURL(t *testing.T) {
	if _, err := httpapi.NewRouter(httpapi.Deps{BackendURL: "://bad", Routes: routes}); err == nil {
		t.Error("expected error for malformed backend URL")
	}
}

// callbackFor follows the authorization URL to the provider and returns the
// query of the redirect it answers with.
func callbackFor(t *testing.T, authURL string) string {
	t.Helper()
	hc := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, authURL, nil)
	resp, err := hc.Do(req)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("authorize: expected 302, got %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parsing redirect: %v", err)
	}
	return loc.RawQuery
}

func (h *harness) startFederated(t *testing.T) string {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/auth/federated", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		AuthorizationURL string `json:"authorization_url"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body.AuthorizationURL == "" {
		t.Fatalf("expected authorization_url, got %v", err)
	}
	return body.AuthorizationURL
}

func TestFederatedSignIn(t *testing.T) {
	h := newHarness(t)
	h.idp.SetFederatedIdentity(mockidp.Identity{Email: "fed@x.com", DisplayName: "Fed", AvatarURL: "https://img.example/f.png"})

	query := callbackFor(t, h.startFederated(t))
	rec := h.do(t, http.MethodGet, "/auth/callback?"+query, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if v := h.settled(t); v.Email != "fed@x.com" || v.AvatarURL != "https://img.example/f.png" {
		t.Errorf("unexpected session %+v", v)
	}

	// The state is spent; a replayed callback finds nothing waiting.
	if rec := h.do(t, http.MethodGet, "/auth/callback?"+query, ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for replayed callback, got %d", rec.Code)
	}
}

func TestFederatedDenied(t *testing.T) {
	h := newHarness(t)
	h.idp.DenyFederated()

	query := callbackFor(t, h.startFederated(t))
	rec := h.do(t, http.MethodGet, "/auth/callback?"+query, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Error != "federated_cancelled" {
		t.Errorf("expected federated_cancelled, got %q", resp.Error)
	}
	if v := h.settled(t); v.Authenticated {
		t.Errorf("expected signed out, got %+v", v)
	}
}

func TestFederatedStateMismatch(t *testing.T) {
	h := newHarness(t)
	h.idp.SetFederatedIdentity(mockidp.Identity{Email: "fed@x.com"})

	h.startFederated(t)
	rec := h.do(t, http.MethodGet, "/auth/callback?code=abc&state=forged", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}
