// Package auth ties the identity provider, the entitlement resolver and the
// session store together behind the operations views and the CLI call.
package auth

import (
	"context"
	"log/slog"

	"lessons/internal/client"
	"lessons/internal/domain"
)

// Store is the session store as seen by the service.
type Store interface {
	client.SessionReader
	Subscribe(fn func(domain.Session)) (unsubscribe func())
}

// IdentityHandler receives identity-changed events.
type IdentityHandler interface {
	HandleIdentity(p *domain.Principal)
}

// Refresher rotates the current credential.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Service is the client's authentication facade.
type Service struct {
	provider client.IdentityProvider
	handler  IdentityHandler
	store    Store
	users    client.UserDirectory
	logger   *slog.Logger
}

// NewService returns a Service. users may be nil to skip creating backend
// user records on sign-up.
func NewService(provider client.IdentityProvider, handler IdentityHandler, store Store, users client.UserDirectory, logger *slog.Logger) *Service {
	return &Service{
		provider: provider,
		handler:  handler,
		store:    store,
		users:    users,
		logger:   logger,
	}
}

// Start routes the provider's identity changes to the resolver. The returned
// func stops delivery.
func (s *Service) Start() (stop func()) {
	return s.provider.OnIdentityChanged(s.handler.HandleIdentity)
}

// Session returns the current session snapshot.
func (s *Service) Session() domain.Session {
	return s.store.Get()
}

// SignUp creates an account and its backend user record.
func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (*domain.Principal, error) {
	p, err := s.provider.SignUp(ctx, email, password, displayName)
	if err != nil {
		return nil, err
	}
	s.upsert(ctx, p)
	return p, nil
}

// SignInWithPassword signs in an existing account.
func (s *Service) SignInWithPassword(ctx context.Context, email, password string) (*domain.Principal, error) {
	return s.provider.SignInWithPassword(ctx, email, password)
}

// SignInFederated signs in through the third-party flow and makes sure the
// backend knows the user.
func (s *Service) SignInFederated(ctx context.Context, flow client.FederatedFlow) (*domain.Principal, error) {
	p, err := s.provider.SignInFederated(ctx, flow)
	if err != nil {
		return nil, err
	}
	s.upsert(ctx, p)
	return p, nil
}

// SignOut ends the session. The local session is cleared even if the
// provider emits nothing.
func (s *Service) SignOut(ctx context.Context) error {
	err := s.provider.SignOut(ctx)
	if s.store.Get().Principal != nil {
		s.handler.HandleIdentity(nil)
	}
	return err
}

// UpdateProfile changes the signed-in user's display name or avatar.
func (s *Service) UpdateProfile(ctx context.Context, update client.ProfileUpdate) error {
	return s.provider.UpdateProfile(ctx, update)
}

// Refresh rotates the credential when the provider supports it.
func (s *Service) Refresh(ctx context.Context) error {
	r, ok := s.provider.(Refresher)
	if !ok {
		return domain.ErrNoCredential
	}
	return r.Refresh(ctx)
}

// AwaitResolved blocks until the session leaves the resolving state.
func (s *Service) AwaitResolved(ctx context.Context) (domain.Session, error) {
	changed := make(chan struct{}, 1)
	unsubscribe := s.store.Subscribe(func(domain.Session) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	for {
		if sess := s.store.Get(); !sess.Resolving {
			return sess, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return s.store.Get(), ctx.Err()
		}
	}
}

func (s *Service) upsert(ctx context.Context, p *domain.Principal) {
	if s.users == nil {
		return
	}
	u := client.UserRecord{Name: p.DisplayName, Email: p.Email, PhotoURL: p.AvatarURL}
	if err := s.users.UpsertUser(ctx, u); err != nil {
		s.logger.Warn("creating backend user record", "email", p.Email, "error", err)
	}
}
