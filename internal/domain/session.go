package domain

// Session is a snapshot of the client's authentication state.
//
// Premium, Admin and InternalUserID are only meaningful while Principal is set;
// they are always zero when Principal is nil.
type Session struct {
	Principal      *Principal
	Resolving      bool
	Premium        bool
	Admin          bool
	InternalUserID string

	// Epoch identifies the identity the session belongs to. It changes on every
	// identity change, including a sign-in of the same account.
	Epoch uint64
}

// Authenticated reports whether a principal is present.
func (s Session) Authenticated() bool {
	return s.Principal != nil
}

// Credential returns the current bearer credential, if any.
func (s Session) Credential() (string, bool) {
	if s.Principal == nil || s.Principal.Credential == "" {
		return "", false
	}
	return s.Principal.Credential, true
}

// SessionView is the JSON shape of a session served to the view layer.
// It never includes the credential.
type SessionView struct {
	Authenticated  bool   `json:"authenticated"`
	Resolving      bool   `json:"resolving"`
	IdentityID     string `json:"identity_id,omitempty"`
	Email          string `json:"email,omitempty"`
	DisplayName    string `json:"display_name,omitempty"`
	AvatarURL      string `json:"avatar_url,omitempty"`
	Premium        bool   `json:"premium"`
	Admin          bool   `json:"admin"`
	InternalUserID string `json:"internal_user_id,omitempty"`
}

// View converts the session to its public JSON shape.
func (s Session) View() SessionView {
	v := SessionView{
		Authenticated:  s.Principal != nil,
		Resolving:      s.Resolving,
		Premium:        s.Premium,
		Admin:          s.Admin,
		InternalUserID: s.InternalUserID,
	}
	if p := s.Principal; p != nil {
		v.IdentityID = p.IdentityID
		v.Email = p.Email
		v.DisplayName = p.DisplayName
		v.AvatarURL = p.AvatarURL
	}
	return v
}
