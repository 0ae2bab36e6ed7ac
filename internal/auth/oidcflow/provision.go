package oidcflow

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/opsdeck/opsdeck/internal/auth/role"
	apperrors "github.com/opsdeck/opsdeck/internal/platform/errors"
	"github.com/opsdeck/opsdeck/internal/platform/id"
	"github.com/opsdeck/opsdeck/internal/settings"
	"github.com/opsdeck/opsdeck/internal/storage/sqlite"
)

// errNotProvisioned rejects subjects that have no local account when
// auto-provisioning is off.
var errNotProvisioned = apperrors.New(apperrors.CodeNotProvisioned, "account is not provisioned")

// resolveUser maps verified provider claims onto a local account. Known
// subjects get their profile refreshed in place; unknown subjects are
// provisioned when the settings allow it.
func (s *Server) resolveUser(ctx context.Context, cfg settings.Oidc, claims Claims) (*sqlite.User, error) {
	existing, err := s.store.GetUserByExternalSubject(ctx, claims.SubjectID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if err := s.store.UpdateUserProfile(ctx, existing.ID, claims.Email, claims.DisplayName, s.clock().UTC()); err != nil {
			return nil, err
		}
		existing.Email = claims.Email
		existing.DisplayName = claims.DisplayName
		return existing, nil
	}

	if !cfg.AutoCreateUsers {
		return nil, errNotProvisioned
	}

	newRole := cfg.DefaultRole
	if !newRole.Valid() {
		newRole = role.Viewer
	}

	userID, err := id.NewID()
	if err != nil {
		return nil, err
	}

	user := sqlite.User{
		ID:                userID,
		Username:          usernameFromEmail(claims.Email),
		Email:             claims.Email,
		DisplayName:       claims.DisplayName,
		Role:              newRole,
		ExternalSubjectID: claims.SubjectID,
		Active:            true,
		LastLogin:         s.clock().UTC(),
	}

	err = s.store.CreateUser(ctx, user)
	if errors.Is(err, sqlite.ErrUsernameTaken) {
		// Retry once with a random suffix before giving up.
		user.Username = user.Username + "-" + randomSuffix()
		err = s.store.CreateUser(ctx, user)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// usernameFromEmail derives a username from the email local part, keeping
// only characters the username format accepts.
func usernameFromEmail(email string) string {
	local, _, _ := strings.Cut(email, "@")
	var b strings.Builder
	for _, r := range strings.ToLower(local) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		}
	}
	name := b.String()
	if len(name) < 3 {
		name = "user-" + randomSuffix()
	}
	if len(name) > 32 {
		name = name[:32]
	}
	return name
}

func randomSuffix() string {
	raw := make([]byte, 2)
	_, _ = rand.Read(raw)
	return hex.EncodeToString(raw)
}
