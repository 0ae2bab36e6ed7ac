// Package authsession holds pending OIDC handshake state between the login
// redirect and the provider callback.
package authsession

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// Session is one pending authorization attempt, keyed by its state token.
type Session struct {
	State        string
	CodeVerifier string
	Nonce        string
	RedirectURI  string
	ExpiresAt    time.Time
}

// Registry is an in-memory store of pending authorization attempts.
//
// This is process-local state: a restart abandons in-flight logins, which is
// acceptable because re-initiating always creates a fresh attempt.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	now           func() time.Time
	sweepInterval time.Duration
}

// NewRegistry creates an empty registry sweeping on the given interval.
func NewRegistry(sweepInterval time.Duration) *Registry {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	return &Registry{
		sessions:      make(map[string]*Session),
		now:           time.Now,
		sweepInterval: sweepInterval,
	}
}

// newStateToken returns an unguessable state value.
func newStateToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Create registers a pending attempt and returns its state token.
func (r *Registry) Create(codeVerifier, nonce, redirectURI string, ttl time.Duration) (string, error) {
	state, err := newStateToken()
	if err != nil {
		return "", err
	}
	session := &Session{
		State:        state,
		CodeVerifier: codeVerifier,
		Nonce:        nonce,
		RedirectURI:  redirectURI,
		ExpiresAt:    r.now().UTC().Add(ttl),
	}
	r.mu.Lock()
	r.sessions[state] = session
	r.mu.Unlock()
	return state, nil
}

// Consume atomically retrieves and deletes a pending attempt.
//
// A second Consume with the same state returns nil even when the calls race:
// exactly one caller observes the session. The expired return is reported
// separately so the call site can tell an abandoned attempt from an unknown
// state, without handing either distinction to the remote caller.
func (r *Registry) Consume(state string) (session *Session, expired bool) {
	r.mu.Lock()
	session, ok := r.sessions[state]
	if ok {
		delete(r.sessions, state)
	}
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	if !r.now().UTC().Before(session.ExpiresAt) {
		return nil, true
	}
	return session, false
}

// Len reports the number of pending attempts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Run sweeps expired attempts until ctx is done.
//
// The sweep only bounds memory held by abandoned attempts; correctness comes
// from the expiry check in Consume.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	now := r.now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	for state, session := range r.sessions {
		if !now.Before(session.ExpiresAt) {
			delete(r.sessions, state)
		}
	}
}
