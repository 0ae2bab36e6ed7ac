// Package logincode bridges the HTTP redirect flow to the session channel
// with one-time, short-lived login codes.
package logincode

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/opsdeck/opsdeck/internal/platform/errors"
	"github.com/opsdeck/opsdeck/internal/storage/sqlite"
)

// DefaultTTL bounds how long a minted code stays exchangeable.
const DefaultTTL = 5 * time.Minute

var (
	// ErrInvalidCode covers unknown and already-used codes. Consumers must
	// not be able to tell the two apart.
	ErrInvalidCode = apperrors.New(apperrors.CodeNotFound, "invalid or expired login code")
	// ErrExpiredCode indicates a code past its deadline.
	ErrExpiredCode = apperrors.New(apperrors.CodeExpired, "invalid or expired login code")
	// ErrUserUnavailable indicates the owning user is missing or inactive.
	ErrUserUnavailable = apperrors.New(apperrors.CodeNotFound, "user is unavailable")
)

// Bridge mints and redeems one-time login codes.
type Bridge struct {
	store *sqlite.Store
	ttl   time.Duration
	now   func() time.Time
}

// NewBridge creates a bridge over the given store with the default TTL.
func NewBridge(store *sqlite.Store) *Bridge {
	return &Bridge{
		store: store,
		ttl:   DefaultTTL,
		now:   time.Now,
	}
}

// Issue mints a one-time code for a user after a successful OIDC callback.
func (b *Bridge) Issue(ctx context.Context, userID string) (string, error) {
	entry, err := b.store.CreateLoginCode(ctx, userID, b.ttl)
	if err != nil {
		return "", fmt.Errorf("issue login code: %w", err)
	}
	return entry.Code, nil
}

// Exchange redeems a code for its owning user, at most once.
//
// The code is marked used before the user is resolved, so the replay window
// closes even when a later step fails. Concurrent exchanges of the same code
// yield exactly one success.
func (b *Bridge) Exchange(ctx context.Context, code string) (*sqlite.User, error) {
	entry, err := b.store.GetUnusedLoginCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("look up login code: %w", err)
	}
	if entry == nil {
		slog.Warn("login code rejected", "reason", "unknown or already used")
		return nil, ErrInvalidCode
	}
	if !b.now().UTC().Before(entry.ExpiresAt) {
		b.store.DeleteLoginCode(ctx, code)
		slog.Warn("login code rejected", "reason", "expired", "user_id", entry.UserID)
		return nil, ErrExpiredCode
	}

	won, err := b.store.MarkLoginCodeUsed(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("mark login code used: %w", err)
	}
	if !won {
		slog.Warn("login code rejected", "reason", "lost consume race", "user_id", entry.UserID)
		return nil, ErrInvalidCode
	}

	user, err := b.store.GetUser(ctx, entry.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolve login code user: %w", err)
	}
	if user == nil || !user.Active {
		slog.Warn("login code rejected", "reason", "user unavailable", "user_id", entry.UserID)
		return nil, ErrUserUnavailable
	}
	return user, nil
}
