// Package session holds the client's single authoritative Session.
//
// All reads and writes go through a Store. Every change is published to
// subscribers in the order it was applied, and each subscriber sees the
// post-change snapshot, so no subscriber can observe entitlements that
// outlive the principal they were granted to.
package session

import (
	"log/slog"
	"sync"

	"golang.org/x/oauth2"

	"lessons/internal/domain"
)

// Store is an observable holder of a domain.Session.
// Subscriber callbacks run synchronously and must not call Store mutators.
type Store struct {
	// writeMu serializes mutation and notification so subscribers see changes in order.
	writeMu sync.Mutex

	mu      sync.RWMutex
	state   domain.Session
	subs    map[uint64]func(domain.Session)
	nextSub uint64

	logger *slog.Logger
}

// NewStore returns a store in its startup state: no principal, resolving.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		state:  domain.Session{Resolving: true},
		subs:   make(map[uint64]func(domain.Session)),
		logger: logger,
	}
}

// Get returns a snapshot of the current session.
func (s *Store) Get() domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshot(s.state)
}

// Subscribe registers fn to be called after every state change.
func (s *Store) Subscribe(fn func(domain.Session)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// SetPrincipal replaces the principal and starts a new epoch. Clearing the
// principal, or switching to another account, resets entitlements in the same update.
func (s *Store) SetPrincipal(p *domain.Principal) uint64 {
	var epoch uint64
	s.update("set_principal", func(st *domain.Session) {
		setPrincipal(st, p)
		epoch = st.Epoch
	})
	return epoch
}

// BeginIdentity is SetPrincipal followed by SetResolving(true), published as one change.
func (s *Store) BeginIdentity(p *domain.Principal) uint64 {
	var epoch uint64
	s.update("begin_identity", func(st *domain.Session) {
		setPrincipal(st, p)
		st.Resolving = true
		epoch = st.Epoch
	})
	return epoch
}

// SetEntitlements updates entitlement fields without touching the principal.
// Without a principal the flags stay false.
func (s *Store) SetEntitlements(premium, admin bool, internalUserID string) {
	s.update("set_entitlements", func(st *domain.Session) {
		if st.Principal == nil {
			return
		}
		st.Premium = premium
		st.Admin = admin
		st.InternalUserID = internalUserID
	})
}

// ApplyEntitlements stores e and clears Resolving if epoch is still the
// current identity. It reports false, changing nothing, for a stale epoch.
func (s *Store) ApplyEntitlements(epoch uint64, e domain.Entitlement) bool {
	applied := false
	s.update("apply_entitlements", func(st *domain.Session) {
		if st.Epoch != epoch {
			return
		}
		applied = true
		if st.Principal != nil {
			st.Premium = e.Premium
			st.Admin = e.IsAdmin()
			st.InternalUserID = e.InternalUserID
		}
		st.Resolving = false
	})
	return applied
}

// SetResolving updates the loading flag.
func (s *Store) SetResolving(resolving bool) {
	s.update("set_resolving", func(st *domain.Session) {
		st.Resolving = resolving
	})
}

// Token implements oauth2.TokenSource. It reads the credential on every call
// and returns domain.ErrNoCredential when signed out.
func (s *Store) Token() (*oauth2.Token, error) {
	cred, ok := s.Get().Credential()
	if !ok {
		return nil, domain.ErrNoCredential
	}
	return &oauth2.Token{AccessToken: cred, TokenType: "Bearer"}, nil
}

var _ oauth2.TokenSource = (*Store)(nil)

func (s *Store) update(op string, fn func(*domain.Session)) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	before := snapshot(s.state)
	fn(&s.state)
	after := snapshot(s.state)
	subs := make([]func(domain.Session), 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	if equal(before, after) {
		return
	}

	s.logger.Debug("session changed",
		"op", op,
		"epoch", after.Epoch,
		"authenticated", after.Principal != nil,
		"resolving", after.Resolving,
		"premium", after.Premium,
		"admin", after.Admin,
	)
	for _, sub := range subs {
		sub(snapshot(after))
	}
}

func setPrincipal(st *domain.Session, p *domain.Principal) {
	switched := p == nil || st.Principal == nil || st.Principal.IdentityID != p.IdentityID
	st.Principal = p.Clone()
	st.Epoch++
	// Entitlements belong to an account; a different account starts from none.
	if switched {
		st.Premium = false
		st.Admin = false
		st.InternalUserID = ""
	}
}

func snapshot(s domain.Session) domain.Session {
	s.Principal = s.Principal.Clone()
	return s
}

func equal(a, b domain.Session) bool {
	if (a.Principal == nil) != (b.Principal == nil) {
		return false
	}
	if a.Principal != nil && *a.Principal != *b.Principal {
		return false
	}
	return a.Resolving == b.Resolving &&
		a.Premium == b.Premium &&
		a.Admin == b.Admin &&
		a.InternalUserID == b.InternalUserID &&
		a.Epoch == b.Epoch
}
