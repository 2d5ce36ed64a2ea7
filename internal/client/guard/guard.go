// Package guard decides whether a route may render for a session.
//
// The decisions are pure functions of a session snapshot so that every view
// layer (HTTP middleware, CLI) renders them the same way.
package guard

import (
	"net/url"

	"lessons/internal/domain"
)

// Kind is the decision a guard reaches.
type Kind int

const (
	// Loading means the session is still resolving; show a placeholder.
	Loading Kind = iota
	// Redirect means navigate to Location instead of the protected content.
	Redirect
	// Render means show the protected content.
	Render
)

func (k Kind) String() string {
	switch k {
	case Loading:
		return "loading"
	case Redirect:
		return "redirect"
	case Render:
		return "render"
	default:
		return "unknown"
	}
}

// Outcome is a guard decision. Location is set only for Redirect.
type Outcome struct {
	Kind     Kind
	Location string
}

// Auth admits any signed-in session. Anonymous sessions are sent to loginPath
// with the original target preserved in the redirect query parameter.
func Auth(s domain.Session, target, loginPath string) Outcome {
	if s.Resolving {
		return Outcome{Kind: Loading}
	}
	if !s.Authenticated() {
		return Outcome{Kind: Redirect, Location: LoginLocation(loginPath, target)}
	}
	return Outcome{Kind: Render}
}

// Admin admits signed-in sessions with the admin flag and sends everyone else home.
func Admin(s domain.Session, homePath string) Outcome {
	if s.Resolving {
		return Outcome{Kind: Loading}
	}
	if !s.Authenticated() || !s.Admin {
		return Outcome{Kind: Redirect, Location: homePath}
	}
	return Outcome{Kind: Render}
}

// LoginLocation builds the login URL that returns to target after sign-in.
func LoginLocation(loginPath, target string) string {
	if target == "" {
		return loginPath
	}
	return loginPath + "?" + url.Values{"redirect": {target}}.Encode()
}
