package httpapi

import (
	"context"
	"net/http"
	"net/url"
	"sync"

	"lessons/internal/client"
	"lessons/internal/client/adapter/identity"
	"lessons/internal/domain"
)

// pendingSignIn is a federated sign-in waiting for the provider to redirect
// the browser back to /auth/callback.
type pendingSignIn struct {
	callback chan string
	done     chan struct{}
	err      error // set before done is closed
}

// flows tracks pending federated sign-ins by their OAuth state.
type flows struct {
	mu      sync.Mutex
	pending map[string]*pendingSignIn
}

func newFlows() *flows {
	return &flows{pending: make(map[string]*pendingSignIn)}
}

func (f *flows) add(state string, p *pendingSignIn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[state] = p
}

// take removes and returns the sign-in for state. Each state is usable once.
func (f *flows) take(state string) (*pendingSignIn, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pending[state]
	delete(f.pending, state)
	return p, ok
}

func (f *flows) remove(state string, p *pendingSignIn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending[state] == p {
		delete(f.pending, state)
	}
}

type federatedStart struct {
	AuthorizationURL string `json:"authorization_url"`
}

// handleFederatedStart begins a federated sign-in and answers with the URL the
// browser must open. The sign-in completes when the provider redirects to
// /auth/callback, or fails after the federated timeout.
func (r *Router) handleFederatedStart(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), r.federatedTimeout)

	p := &pendingSignIn{callback: make(chan string, 1), done: make(chan struct{})}
	started := make(chan string, 1)
	flow := client.FederatedFlowFunc(func(ctx context.Context, authURL string) (string, error) {
		state := stateOf(authURL)
		r.flows.add(state, p)
		defer r.flows.remove(state, p)

		started <- authURL
		select {
		case cb := <-p.callback:
			return identity.ParseCallback(authURL, cb)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	go func() {
		defer cancel()
		_, p.err = r.auth.SignInFederated(ctx, flow)
		if p.err != nil {
			r.logger.Debug("federated sign-in ended", "error", p.err)
		}
		close(p.done)
	}()

	select {
	case authURL := <-started:
		writeJSON(w, http.StatusAccepted, federatedStart{AuthorizationURL: authURL})
	case <-p.done:
		r.writeAuthError(w, req, p.err)
	}
}

// handleFederatedCallback hands the provider's redirect to the waiting
// sign-in and answers with its result.
func (r *Router) handleFederatedCallback(w http.ResponseWriter, req *http.Request) {
	p, ok := r.flows.take(req.URL.Query().Get("state"))
	if !ok {
		writeError(w, http.StatusBadRequest, domain.ErrorResponse{
			Error:   "federated_error",
			Message: "no sign-in is waiting for this callback",
		})
		return
	}
	p.callback <- req.URL.RequestURI()

	select {
	case <-p.done:
	case <-req.Context().Done():
		return
	}
	if p.err != nil {
		r.writeAuthError(w, req, p.err)
		return
	}
	writeJSON(w, http.StatusOK, r.auth.Session().View())
}

func stateOf(authURL string) string {
	u, err := url.Parse(authURL)
	if err != nil {
		return ""
	}
	return u.Query().Get("state")
}
