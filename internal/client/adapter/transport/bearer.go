// Package transport attaches the current session credential to outgoing
// backend requests.
package transport

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"lessons/internal/client"
	"lessons/internal/domain"
	"lessons/internal/platform/telemetry"
)

// Bearer is an http.RoundTripper that reads the credential from Source on
// every request, so a rotated or revoked credential takes effect on the next
// call. Without a credential the request goes out unauthenticated.
type Bearer struct {
	Source  oauth2.TokenSource
	Base    http.RoundTripper
	Metrics *telemetry.ClientMetrics
}

func (b *Bearer) RoundTrip(req *http.Request) (*http.Response, error) {
	tok, err := b.Source.Token()
	switch {
	case errors.Is(err, domain.ErrNoCredential):
		tok = nil
	case err != nil:
		return nil, fmt.Errorf("reading credential: %w", err)
	}

	// RoundTrippers must not modify the caller's request.
	out := req.Clone(req.Context())
	out.Header.Del("Authorization")
	if tok != nil && tok.AccessToken != "" {
		tok.SetAuthHeader(out)
	}
	if reqID := client.RequestIDFromContext(req.Context()); reqID != "" && out.Header.Get("X-Request-ID") == "" {
		out.Header.Set("X-Request-ID", reqID)
	}

	start := time.Now()
	resp, err := b.base().RoundTrip(out)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	b.Metrics.RecordBackendRequest(req.Context(), status, tok != nil, time.Since(start).Seconds())
	return resp, err
}

func (b *Bearer) base() http.RoundTripper {
	if b.Base != nil {
		return b.Base
	}
	return http.DefaultTransport
}

// NewClient returns an http.Client whose requests carry the credential from source.
func NewClient(source oauth2.TokenSource, timeout time.Duration, m *telemetry.ClientMetrics) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &Bearer{Source: source, Metrics: m},
	}
}
