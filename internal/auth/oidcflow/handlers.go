package oidcflow

import (
	"log/slog"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"

	apperrors "github.com/opsdeck/opsdeck/internal/platform/errors"
)

// User-facing failure messages. The callback never explains which validation
// step failed; specifics go to the log only.
const (
	msgGenericFailure = "Authentication failed. Please try again."
	msgSessionInvalid = "Invalid or expired login session. Please try again."
	msgSsoDisabled    = "Single sign-on is disabled."
	msgNotAuthorized  = "You are not authorized to access this application."
	msgNotProvisioned = "Your account has not been provisioned for this application."
)

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cfg, err := s.settings.LoadOidc(r.Context())
	if err != nil {
		slog.Error("load oidc settings", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": cfg.Enabled && cfg.Complete()})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	cfg, err := s.settings.LoadOidc(ctx)
	if err != nil {
		slog.Error("load oidc settings", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}
	if !cfg.Enabled {
		writeJSONError(w, http.StatusBadRequest, msgSsoDisabled)
		return
	}
	if !cfg.Complete() {
		writeJSONError(w, http.StatusInternalServerError, "single sign-on is misconfigured")
		return
	}

	issuer, err := s.discover(ctx, cfg.TenantID, cfg.ClientID, cfg.ClientSecret)
	if err != nil {
		slog.Error("oidc discovery", "err", err)
		writeJSONError(w, apperrors.CodeOf(err).HTTPStatus(), "identity provider is unreachable")
		return
	}

	verifier := oauth2.GenerateVerifier()
	nonce := oauth2.GenerateVerifier()
	redirectURI := s.callbackURI(r)

	state, err := s.sessions.Create(verifier, nonce, redirectURI, PendingSessionTTL)
	if err != nil {
		slog.Error("create pending auth session", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to start login")
		return
	}

	http.Redirect(w, r, issuer.AuthCodeURL(redirectURI, state, nonce, verifier), http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	query := r.URL.Query()

	if providerErr := query.Get("error"); providerErr != "" {
		slog.Warn("oidc provider returned error",
			"error", providerErr,
			"description", query.Get("error_description"))
		s.redirectError(w, r, msgGenericFailure)
		return
	}

	session, expired := s.sessions.Consume(query.Get("state"))
	if session == nil {
		if expired {
			slog.Warn("oidc callback with expired state")
		} else {
			slog.Warn("oidc callback with unknown state")
		}
		s.redirectError(w, r, msgSessionInvalid)
		return
	}

	code := query.Get("code")
	if code == "" {
		slog.Warn("oidc callback without authorization code")
		s.redirectError(w, r, msgGenericFailure)
		return
	}

	cfg, err := s.settings.LoadOidc(ctx)
	if err != nil {
		slog.Error("load oidc settings", "err", err)
		s.redirectError(w, r, msgGenericFailure)
		return
	}
	if !cfg.Enabled || !cfg.Complete() {
		s.redirectError(w, r, msgSsoDisabled)
		return
	}

	issuer, err := s.discover(ctx, cfg.TenantID, cfg.ClientID, cfg.ClientSecret)
	if err != nil {
		slog.Error("oidc discovery", "err", err)
		s.redirectError(w, r, msgGenericFailure)
		return
	}

	claims, err := issuer.Exchange(ctx, session.RedirectURI, code, session.CodeVerifier, session.Nonce)
	if err != nil {
		slog.Warn("oidc code exchange", "err", err)
		s.redirectError(w, r, msgGenericFailure)
		return
	}
	if claims.SubjectID == "" {
		slog.Warn("oidc id token without subject")
		s.redirectError(w, r, msgGenericFailure)
		return
	}

	if !groupAllowed(cfg.AllowedGroups, claims.Groups) {
		slog.Warn("oidc login denied by group allow-list", "subject", claims.SubjectID)
		s.redirectError(w, r, msgNotAuthorized)
		return
	}

	user, err := s.resolveUser(ctx, cfg, claims)
	if err != nil {
		slog.Warn("oidc user resolution", "subject", claims.SubjectID, "err", err)
		s.redirectError(w, r, callbackMessageFor(err))
		return
	}

	loginCode, err := s.bridge.Issue(ctx, user.ID)
	if err != nil {
		slog.Error("issue login code", "user_id", user.ID, "err", err)
		s.redirectError(w, r, msgGenericFailure)
		return
	}

	slog.Info("oidc login succeeded", "user_id", user.ID)
	s.redirectResult(w, r, url.Values{"oidc_code": {loginCode}})
}

// groupAllowed reports whether the token's groups intersect the allow-list.
// An empty allow-list admits everyone.
func groupAllowed(allowed, actual []string) bool {
	if len(allowed) == 0 {
		return true
	}
	members := make(map[string]struct{}, len(actual))
	for _, g := range actual {
		members[g] = struct{}{}
	}
	for _, g := range allowed {
		if _, ok := members[g]; ok {
			return true
		}
	}
	return false
}

func callbackMessageFor(err error) string {
	switch apperrors.CodeOf(err) {
	case apperrors.CodeNotProvisioned:
		return msgNotProvisioned
	case apperrors.CodeNotAuthorized:
		return msgNotAuthorized
	default:
		return msgGenericFailure
	}
}

func (s *Server) redirectError(w http.ResponseWriter, r *http.Request, message string) {
	s.redirectResult(w, r, url.Values{"oidc_error": {message}})
}

func (s *Server) redirectResult(w http.ResponseWriter, r *http.Request, values url.Values) {
	http.Redirect(w, r, s.appRedirectPath+"?"+values.Encode(), http.StatusFound)
}
