package oidcflow

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/opsdeck/opsdeck/internal/auth/authsession"
	"github.com/opsdeck/opsdeck/internal/auth/logincode"
	"github.com/opsdeck/opsdeck/internal/platform/requestmeta"
	"github.com/opsdeck/opsdeck/internal/settings"
	"github.com/opsdeck/opsdeck/internal/storage/sqlite"
)

const (
	// PendingSessionTTL bounds how long a browser may take between the
	// redirect to the provider and the callback.
	PendingSessionTTL = 10 * time.Minute

	callbackPath = "/auth/oidc/entra/callback"
)

// Server hosts the browser-facing legs of the authorization-code flow.
type Server struct {
	settings *settings.Service
	store    *sqlite.Store
	sessions *authsession.Registry
	bridge   *logincode.Bridge
	discover DiscoverFunc
	scheme   requestmeta.SchemePolicy
	clock    func() time.Time

	// appRedirectPath is where the callback sends the browser, success or
	// failure. The frontend picks oidc_code or oidc_error off the query.
	appRedirectPath string
}

// NewServer builds the flow server bound to settings, storage, and the
// pending-session registry. Discovery defaults to the live Entra resolver.
func NewServer(svc *settings.Service, store *sqlite.Store, sessions *authsession.Registry, bridge *logincode.Bridge, scheme requestmeta.SchemePolicy) *Server {
	return &Server{
		settings:        svc,
		store:           store,
		sessions:        sessions,
		bridge:          bridge,
		discover:        DiscoverEntra,
		scheme:          scheme,
		clock:           time.Now,
		appRedirectPath: "/",
	}
}

// RegisterRoutes registers the flow endpoints on the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/auth/oidc/entra/config", s.handleConfig)
	mux.HandleFunc("/auth/oidc/entra/login", s.handleLogin)
	mux.HandleFunc(callbackPath, s.handleCallback)
}

// StartCleanup starts the periodic sweep for pending sessions and expired
// login codes.
func (s *Server) StartCleanup(ctx context.Context, interval time.Duration) {
	if s == nil || interval <= 0 {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go s.sessions.Run(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.store.CleanupExpired(s.clock().UTC())
			}
		}
	}()
}

func (s *Server) callbackURI(r *http.Request) string {
	return requestmeta.BaseURL(r, s.scheme) + callbackPath
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
