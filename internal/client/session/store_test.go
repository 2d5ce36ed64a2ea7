package session_test

import (
	"errors"
	"sync"
	"testing"

	"lessons/internal/client/session"
	"lessons/internal/domain"
)

func alice() *domain.Principal {
	return &domain.Principal{IdentityID: "id-alice", Email: "alice@x.com", Credential: "tok-alice"}
}

func bob() *domain.Principal {
	return &domain.Principal{IdentityID: "id-bob", Email: "bob@x.com", Credential: "tok-bob"}
}

func TestNewStoreStartsResolving(t *testing.T) {
	s := session.NewStore(nil)
	got := s.Get()

	if !got.Resolving {
		t.Error("expected new store to be resolving")
	}
	if got.Principal != nil || got.Premium || got.Admin {
		t.Errorf("expected empty session, got %+v", got)
	}
}

func TestSetPrincipalAbsentClearsEntitlements(t *testing.T) {
	s := session.NewStore(nil)
	s.SetPrincipal(alice())
	s.SetEntitlements(true, true, "u1")

	var seen []domain.Session
	s.Subscribe(func(sess domain.Session) { seen = append(seen, sess) })

	s.SetPrincipal(nil)

	got := s.Get()
	if got.Principal != nil || got.Premium || got.Admin || got.InternalUserID != "" {
		t.Errorf("expected cleared session, got %+v", got)
	}
	if len(seen) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(seen))
	}
	if seen[0].Premium || seen[0].Admin {
		t.Errorf("subscriber observed stale entitlements without principal: %+v", seen[0])
	}
}

func TestSetPrincipalSwitchingAccountResetsEntitlements(t *testing.T) {
	s := session.NewStore(nil)
	s.SetPrincipal(alice())
	s.SetEntitlements(true, true, "u1")

	s.SetPrincipal(bob())
	got := s.Get()
	if got.Premium || got.Admin || got.InternalUserID != "" {
		t.Errorf("entitlements of previous account leaked: %+v", got)
	}
}

func TestSetPrincipalSameAccountKeepsEntitlements(t *testing.T) {
	s := session.NewStore(nil)
	s.SetPrincipal(alice())
	s.SetEntitlements(true, false, "u1")

	rotated := alice()
	rotated.Credential = "tok-alice-2"
	s.SetPrincipal(rotated)

	got := s.Get()
	if !got.Premium || got.InternalUserID != "u1" {
		t.Errorf("expected entitlements kept on credential rotation, got %+v", got)
	}
	if cred, _ := got.Credential(); cred != "tok-alice-2" {
		t.Errorf("expected rotated credential, got %q", cred)
	}
}

func TestSetEntitlementsWithoutPrincipalIgnored(t *testing.T) {
	s := session.NewStore(nil)
	s.SetEntitlements(true, true, "u1")

	got := s.Get()
	if got.Premium || got.Admin || got.InternalUserID != "" {
		t.Errorf("entitlements must stay false without a principal, got %+v", got)
	}
}

func TestSetEntitlementsIdempotent(t *testing.T) {
	s := session.NewStore(nil)
	s.SetPrincipal(alice())

	notifications := 0
	s.Subscribe(func(domain.Session) { notifications++ })

	s.SetEntitlements(true, false, "u1")
	first := s.Get()
	s.SetEntitlements(true, false, "u1")
	second := s.Get()

	if first.Premium != second.Premium || first.Admin != second.Admin || first.InternalUserID != second.InternalUserID {
		t.Errorf("repeated SetEntitlements changed state: %+v vs %+v", first, second)
	}
	if notifications != 1 {
		t.Errorf("expected 1 notification, got %d", notifications)
	}
}

func TestBeginIdentityIsOneChange(t *testing.T) {
	s := session.NewStore(nil)
	s.SetResolving(false)

	var seen []domain.Session
	s.Subscribe(func(sess domain.Session) { seen = append(seen, sess) })

	epoch := s.BeginIdentity(alice())

	if len(seen) != 1 {
		t.Fatalf("expected one notification, got %d", len(seen))
	}
	if !seen[0].Resolving || seen[0].Principal == nil {
		t.Errorf("expected principal and resolving together, got %+v", seen[0])
	}
	if seen[0].Epoch != epoch {
		t.Errorf("expected epoch %d, got %d", epoch, seen[0].Epoch)
	}
}

func TestApplyEntitlementsDiscardsStaleEpoch(t *testing.T) {
	s := session.NewStore(nil)
	epochA := s.BeginIdentity(alice())
	epochB := s.BeginIdentity(bob())

	// B resolves first, then A's late response arrives.
	if !s.ApplyEntitlements(epochB, domain.Entitlement{Premium: false, Role: domain.RoleUser, InternalUserID: "ub"}) {
		t.Fatal("expected current epoch to apply")
	}
	if s.ApplyEntitlements(epochA, domain.Entitlement{Premium: true, Role: domain.RoleAdmin, InternalUserID: "ua"}) {
		t.Error("expected stale epoch to be discarded")
	}

	got := s.Get()
	if got.Principal.Email != "bob@x.com" {
		t.Fatalf("expected bob, got %+v", got.Principal)
	}
	if got.Premium || got.Admin || got.InternalUserID != "ub" {
		t.Errorf("expected bob's entitlements, got %+v", got)
	}
	if got.Resolving {
		t.Error("expected resolving cleared")
	}
}

func TestApplyEntitlementsStaleKeepsResolving(t *testing.T) {
	s := session.NewStore(nil)
	epochA := s.BeginIdentity(alice())
	s.BeginIdentity(bob())

	s.ApplyEntitlements(epochA, domain.DefaultEntitlement())

	if !s.Get().Resolving {
		t.Error("stale response must not end resolution of the newer identity")
	}
}

func TestApplyEntitlementsSignedOut(t *testing.T) {
	s := session.NewStore(nil)
	epoch := s.BeginIdentity(nil)

	if !s.ApplyEntitlements(epoch, domain.Entitlement{Premium: true, Role: domain.RoleAdmin}) {
		t.Fatal("expected apply for current epoch")
	}
	got := s.Get()
	if got.Resolving || got.Premium || got.Admin {
		t.Errorf("expected signed-out, resolved, no entitlements: %+v", got)
	}
}

func TestSubscribersSeeChangesInOrder(t *testing.T) {
	s := session.NewStore(nil)
	var epochs []uint64
	unsubscribe := s.Subscribe(func(sess domain.Session) { epochs = append(epochs, sess.Epoch) })

	s.SetPrincipal(alice())
	s.SetPrincipal(nil)
	s.SetPrincipal(bob())

	for i := 1; i < len(epochs); i++ {
		if epochs[i] <= epochs[i-1] {
			t.Errorf("notifications out of order: %v", epochs)
		}
	}
	if len(epochs) != 3 {
		t.Errorf("expected 3 notifications, got %d", len(epochs))
	}

	unsubscribe()
	unsubscribe()
	s.SetPrincipal(alice())
	if len(epochs) != 3 {
		t.Errorf("expected no notification after unsubscribe, got %d", len(epochs))
	}
}

func TestSubscriberSnapshotIsolated(t *testing.T) {
	s := session.NewStore(nil)
	s.Subscribe(func(sess domain.Session) {
		if sess.Principal != nil {
			sess.Principal.Credential = "tampered"
		}
	})
	s.SetPrincipal(alice())

	if cred, _ := s.Get().Credential(); cred != "tok-alice" {
		t.Errorf("subscriber mutated store state: %q", cred)
	}
}

func TestTokenReadsCurrentCredential(t *testing.T) {
	s := session.NewStore(nil)

	if _, err := s.Token(); !errors.Is(err, domain.ErrNoCredential) {
		t.Errorf("expected ErrNoCredential, got %v", err)
	}

	s.SetPrincipal(alice())
	tok, err := s.Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.AccessToken != "tok-alice" || tok.Type() != "Bearer" {
		t.Errorf("unexpected token %+v", tok)
	}

	rotated := alice()
	rotated.Credential = "tok-alice-2"
	s.SetPrincipal(rotated)
	tok, _ = s.Token()
	if tok.AccessToken != "tok-alice-2" {
		t.Errorf("expected rotated credential, got %q", tok.AccessToken)
	}
}

func TestInvariantUnderConcurrentChanges(t *testing.T) {
	s := session.NewStore(nil)

	var mu sync.Mutex
	var violations int
	s.Subscribe(func(sess domain.Session) {
		if sess.Principal == nil && (sess.Premium || sess.Admin || sess.InternalUserID != "") {
			mu.Lock()
			violations++
			mu.Unlock()
		}
	})

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				epoch := s.BeginIdentity(alice())
				s.ApplyEntitlements(epoch, domain.Entitlement{Premium: true, Role: domain.RoleAdmin})
			} else {
				s.SetPrincipal(nil)
			}
			s.SetEntitlements(true, true, "u1")
		}()
	}
	wg.Wait()

	if violations != 0 {
		t.Errorf("observed %d snapshots with entitlements but no principal", violations)
	}
}
