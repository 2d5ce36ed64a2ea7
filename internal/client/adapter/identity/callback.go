package identity

import (
	"fmt"
	"net/url"

	"lessons/internal/domain"
)

// ParseCallback extracts the authorization code from the provider's redirect
// to callbackURL. The state parameter must match the one in authURL.
// A denied consent yields domain.ErrFederatedCancelled.
func ParseCallback(authURL, callbackURL string) (string, error) {
	au, err := url.Parse(authURL)
	if err != nil {
		return "", fmt.Errorf("%w: parsing authorize URL: %w", domain.ErrFederatedAuth, err)
	}
	cb, err := url.Parse(callbackURL)
	if err != nil {
		return "", fmt.Errorf("%w: parsing callback: %w", domain.ErrFederatedAuth, err)
	}

	q := cb.Query()
	if q.Get("state") != au.Query().Get("state") {
		return "", fmt.Errorf("%w: state mismatch", domain.ErrFederatedAuth)
	}
	switch e := q.Get("error"); e {
	case "":
	case "access_denied":
		return "", domain.ErrFederatedCancelled
	default:
		return "", fmt.Errorf("%w: provider answered %s", domain.ErrFederatedAuth, e)
	}

	code := q.Get("code")
	if code == "" {
		return "", fmt.Errorf("%w: callback carries no code", domain.ErrFederatedAuth)
	}
	return code, nil
}
