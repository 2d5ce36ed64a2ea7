package mockidp_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"golang.org/x/oauth2"

	"lessons/internal/mockidp"
)

func newServer(t *testing.T) (*mockidp.Server, *httptest.Server) {
	t.Helper()
	idp, err := mockidp.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(idp.Handler())
	t.Cleanup(srv.Close)
	return idp, srv
}

func noRedirect() *http.Client {
	return &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
}

func TestSignUpRules(t *testing.T) {
	_, srv := newServer(t)

	tests := []struct {
		body string
		want int
	}{
		{`{"email":"a@x.com","password":"secret1"}`, http.StatusCreated},
		{`{"email":"a@x.com","password":"secret1"}`, http.StatusConflict},
		{`{"email":"b@x.com","password":"123"}`, http.StatusUnprocessableEntity},
		{`{"email":"nope","password":"secret1"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		resp, err := http.Post(srv.URL+"/v1/accounts", "application/json", strings.NewReader(tt.body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("%s: expected %d, got %d", tt.body, tt.want, resp.StatusCode)
		}
	}
}

func TestAuthorizationCodeRequiresVerifier(t *testing.T) {
	idp, srv := newServer(t)
	idp.SetFederatedIdentity(mockidp.Identity{Email: "fed@x.com"})

	verifier := oauth2.GenerateVerifier()
	redirect := "http://127.0.0.1/callback"
	q := url.Values{
		"response_type":         {"code"},
		"redirect_uri":          {redirect},
		"state":                 {"s1"},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(verifier)},
		"code_challenge_method": {"S256"},
	}

	authorize := func() string {
		resp, err := noRedirect().Get(srv.URL + "/oauth/authorize?" + q.Encode())
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusFound {
			t.Fatalf("expected 302, got %d", resp.StatusCode)
		}
		loc, _ := url.Parse(resp.Header.Get("Location"))
		if loc.Query().Get("state") != "s1" {
			t.Errorf("state not echoed: %s", loc)
		}
		return loc.Query().Get("code")
	}

	exchange := func(code, v string) int {
		resp, err := http.PostForm(srv.URL+"/oauth/token", url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {code},
			"code_verifier": {v},
			"redirect_uri":  {redirect},
		})
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if got := exchange(authorize(), "wrong-verifier"); got != http.StatusBadRequest {
		t.Errorf("expected 400 for wrong verifier, got %d", got)
	}

	code := authorize()
	if got := exchange(code, verifier); got != http.StatusOK {
		t.Errorf("expected 200, got %d", got)
	}
	if got := exchange(code, verifier); got != http.StatusBadRequest {
		t.Errorf("codes are single use, got %d", got)
	}
}

func TestDeniedConsentRedirectsWithError(t *testing.T) {
	idp, srv := newServer(t)
	idp.DenyFederated()

	q := url.Values{
		"response_type":         {"code"},
		"redirect_uri":          {"http://127.0.0.1/callback"},
		"code_challenge":        {"c"},
		"code_challenge_method": {"S256"},
	}
	resp, err := noRedirect().Get(srv.URL + "/oauth/authorize?" + q.Encode())
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	loc, _ := url.Parse(resp.Header.Get("Location"))
	if loc.Query().Get("error") != "access_denied" {
		t.Errorf("expected access_denied, got %s", loc)
	}
}

func TestRefreshGrantAndSignOut(t *testing.T) {
	idp, srv := newServer(t)
	idp.AddAccount("u@x.com", "secret1", "U")

	resp, err := http.Post(srv.URL+"/v1/sessions", "application/json", strings.NewReader(`{"email":"u@x.com","password":"secret1"}`))
	if err != nil {
		t.Fatal(err)
	}
	var pair struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	json.NewDecoder(resp.Body).Decode(&pair)
	resp.Body.Close()

	refresh := func() int {
		resp, err := http.PostForm(srv.URL+"/oauth/token", url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {pair.RefreshToken},
		})
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if got := refresh(); got != http.StatusOK {
		t.Fatalf("expected refresh to succeed, got %d", got)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/v1/sessions/current", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if got := refresh(); got != http.StatusBadRequest {
		t.Errorf("expected refresh token revoked, got %d", got)
	}
	if idp.SignOuts() != 1 {
		t.Errorf("expected 1 sign-out, got %d", idp.SignOuts())
	}
}
