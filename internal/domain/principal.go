package domain

// Role is the backend-assigned role of a user record.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Principal is the authenticated identity of the current user as known to the client.
type Principal struct {
	IdentityID  string
	Email       string
	DisplayName string
	AvatarURL   string

	// Credential is the bearer token issued by the identity provider. It rotates,
	// so callers must read it from the session on each use.
	Credential string
}

// Clone returns a copy of p, or nil when p is nil.
func (p *Principal) Clone() *Principal {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// Entitlement is the authorization record the backend keeps for a principal.
type Entitlement struct {
	Premium        bool
	Role           Role
	InternalUserID string
}

// IsAdmin reports whether the entitlement carries the admin role.
func (e Entitlement) IsAdmin() bool {
	return e.Role == RoleAdmin
}

// DefaultEntitlement is the least-privileged entitlement, used when the
// backend cannot be asked or has no record.
func DefaultEntitlement() Entitlement {
	return Entitlement{Role: RoleUser}
}

// TokenPair is the token response of the identity provider.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}
