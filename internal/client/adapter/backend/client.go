// Package backend talks to the platform's REST backend.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"lessons/internal/client"
	"lessons/internal/domain"
)

// Client calls the backend through an http.Client that carries the session
// credential (see transport.NewClient).
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var (
	_ client.EntitlementSource = (*Client)(nil)
	_ client.UserDirectory     = (*Client)(nil)
)

// NewClient returns a backend client rooted at baseURL.
func NewClient(baseURL string, hc *http.Client) *Client {
	return &Client{baseURL: baseURL, httpClient: hc}
}

type statusResponse struct {
	IsPremium bool   `json:"isPremium"`
	Role      string `json:"role"`
	DBID      string `json:"dbId"`
}

// FetchStatus returns the entitlement record for email. Unknown roles are
// treated as ordinary users.
func (c *Client) FetchStatus(ctx context.Context, email string) (domain.Entitlement, error) {
	u := c.baseURL + "/users/status/" + url.PathEscape(email)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return domain.Entitlement{}, fmt.Errorf("creating status request: %w", err)
	}

	var sr statusResponse
	if err := c.do(req, &sr); err != nil {
		return domain.Entitlement{}, fmt.Errorf("fetching status for %s: %w", email, err)
	}

	role := domain.RoleUser
	if domain.Role(sr.Role) == domain.RoleAdmin {
		role = domain.RoleAdmin
	}
	return domain.Entitlement{Premium: sr.IsPremium, Role: role, InternalUserID: sr.DBID}, nil
}

// UpsertUser creates the backend user record, or leaves an existing one untouched.
func (c *Client) UpsertUser(ctx context.Context, u client.UserRecord) error {
	body, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encoding user: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/users", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating upsert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("upserting user %s: %w", u.Email, err)
	}
	return nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrBackend, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.ErrNotFound
	case resp.StatusCode >= 300:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return fmt.Errorf("%w: status %d", domain.ErrBackend, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %w", domain.ErrBackend, err)
	}
	return nil
}
