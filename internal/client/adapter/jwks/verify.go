package jwks

import (
	"context"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"lessons/internal/domain"
)

// MaxClockSkew is the leeway applied to exp, nbf and iat.
const MaxClockSkew = 30 * time.Second

// ErrIncompleteClaims means the token verified but lacks sub or email.
var ErrIncompleteClaims = fmt.Errorf("%w: missing sub or email", domain.ErrInvalidToken)

// KeySource resolves a signing key by kid. *Client implements it.
type KeySource interface {
	GetKey(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// Verify checks an identity token's RS256 signature and expiry against keys
// and builds the Principal it describes, with raw as its Credential.
// All errors wrap domain.ErrInvalidToken.
func Verify(ctx context.Context, keys KeySource, raw string) (*domain.Principal, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("%w: no kid header", domain.ErrInvalidToken)
		}
		return keys.GetKey(ctx, kid)
	},
		// SECURITY: only RS256 is accepted.
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithLeeway(MaxClockSkew),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, domain.ErrInvalidToken
	}
	sub, _ := claims["sub"].(string)
	email, _ := claims["email"].(string)
	if sub == "" || email == "" {
		return nil, ErrIncompleteClaims
	}
	name, _ := claims["name"].(string)
	picture, _ := claims["picture"].(string)

	return &domain.Principal{
		IdentityID:  sub,
		Email:       email,
		DisplayName: name,
		AvatarURL:   picture,
		Credential:  raw,
	}, nil
}
