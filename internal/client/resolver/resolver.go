// Package resolver derives a session's entitlements from the backend each
// time the identity changes.
package resolver

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"lessons/internal/client"
	"lessons/internal/domain"
	"lessons/internal/platform/telemetry"
)

// Store is the part of the session store the resolver drives.
type Store interface {
	BeginIdentity(p *domain.Principal) uint64
	ApplyEntitlements(epoch uint64, e domain.Entitlement) bool
}

// Resolver turns identity-changed events into entitlement lookups. Each
// lookup is tagged with the session epoch it was started for; a result that
// arrives after the identity changed again is dropped.
type Resolver struct {
	store   Store
	source  client.EntitlementSource
	logger  *slog.Logger
	metrics *telemetry.ClientMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a Resolver. logger and metrics may be nil.
func New(store Store, source client.EntitlementSource, logger *slog.Logger, m *telemetry.ClientMetrics) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Resolver{
		store:   store,
		source:  source,
		logger:  logger,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// HandleIdentity records p in the store and resolves its entitlements.
// It does not block on the backend.
func (r *Resolver) HandleIdentity(p *domain.Principal) {
	epoch := r.store.BeginIdentity(p)
	if p == nil {
		r.store.ApplyEntitlements(epoch, domain.DefaultEntitlement())
		r.metrics.RecordEntitlementResolution(r.ctx, "anonymous")
		return
	}

	email := p.Email
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.resolve(epoch, email)
	}()
}

func (r *Resolver) resolve(epoch uint64, email string) {
	result := "success"
	e, err := r.source.FetchStatus(r.ctx, email)
	if err != nil {
		// Any failure degrades to a plain user; the session must leave the loading state.
		result = "failure"
		if errors.Is(err, context.Canceled) {
			r.logger.Debug("entitlement lookup cancelled", "email", email)
		} else {
			r.logger.Warn("entitlement lookup failed, using defaults", "email", email, "error", err)
		}
		e = domain.DefaultEntitlement()
	}

	if !r.store.ApplyEntitlements(epoch, e) {
		r.logger.Debug("discarding stale entitlements", "email", email, "epoch", epoch)
		result = "stale"
	}
	r.metrics.RecordEntitlementResolution(r.ctx, result)
}

// Wait blocks until every started lookup has finished.
func (r *Resolver) Wait() {
	r.wg.Wait()
}

// Close cancels in-flight lookups and waits for them.
func (r *Resolver) Close() {
	r.cancel()
	r.wg.Wait()
}
