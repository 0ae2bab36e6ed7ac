// Package role defines the closed role set and the permission checks gating
// privileged operations.
package role

import (
	"strings"

	apperrors "github.com/opsdeck/opsdeck/internal/platform/errors"
)

// Role is one of the two roles every user carries.
type Role string

const (
	// Admin holds every permission.
	Admin Role = "admin"
	// Viewer holds a fixed read-only subset.
	Viewer Role = "viewer"
)

// Permission names a privileged operation.
type Permission string

const (
	PermissionViewDashboard  Permission = "dashboard.view"
	PermissionViewContainers Permission = "containers.view"
	PermissionViewLogs       Permission = "logs.view"
	PermissionManageUsers    Permission = "users.manage"
	PermissionManageSettings Permission = "settings.manage"
)

// viewerPermissions is the explicit read-only grant for the viewer role.
// Admin is a wildcard and never consults this table.
var viewerPermissions = map[Permission]struct{}{
	PermissionViewDashboard:  {},
	PermissionViewContainers: {},
	PermissionViewLogs:       {},
}

var (
	// ErrUnauthenticated indicates a session with no bound identity.
	ErrUnauthenticated = apperrors.New(apperrors.CodeUnauthenticated, "not logged in")
	// ErrForbidden indicates a session whose role does not allow the operation.
	ErrForbidden = apperrors.New(apperrors.CodeForbidden, "permission denied")
	// ErrInvalidRole indicates a role value outside the closed set.
	ErrInvalidRole = apperrors.New(apperrors.CodeValidation, "role must be admin or viewer")
)

// ParseRole validates a free-form role value against the closed set.
func ParseRole(value string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case Admin:
		return Admin, nil
	case Viewer:
		return Viewer, nil
	default:
		return "", ErrInvalidRole
	}
}

// Valid reports whether r is a member of the closed role set.
func (r Role) Valid() bool {
	return r == Admin || r == Viewer
}

// PermissionsForRole returns the permission set granted to a role.
//
// Admin reports the full enumerated set; unknown roles report nothing.
func PermissionsForRole(r Role) []Permission {
	switch r {
	case Admin:
		return []Permission{
			PermissionViewDashboard,
			PermissionViewContainers,
			PermissionViewLogs,
			PermissionManageUsers,
			PermissionManageSettings,
		}
	case Viewer:
		perms := make([]Permission, 0, len(viewerPermissions))
		for p := range viewerPermissions {
			perms = append(perms, p)
		}
		return perms
	default:
		return nil
	}
}

// HasPermission reports whether a role grants a permission.
//
// Admin holds every permission implicitly, so new permission values never
// require touching the admin grant.
func HasPermission(r Role, p Permission) bool {
	switch r {
	case Admin:
		return true
	case Viewer:
		_, ok := viewerPermissions[p]
		return ok
	default:
		return false
	}
}

// Identity is the authenticated principal bound to a channel session.
type Identity struct {
	UserID string
	Role   Role
}

// LoggedIn reports whether an identity has been bound.
func (i Identity) LoggedIn() bool {
	return i.UserID != ""
}

// RequireLoggedIn fails unless the session has a bound identity.
func RequireLoggedIn(identity Identity) error {
	if !identity.LoggedIn() {
		return ErrUnauthenticated
	}
	return nil
}

// RequireAdmin fails unless the session identity holds the admin role.
func RequireAdmin(identity Identity) error {
	if err := RequireLoggedIn(identity); err != nil {
		return err
	}
	if identity.Role != Admin {
		return ErrForbidden
	}
	return nil
}

// RequirePermission fails with Unauthenticated before Forbidden as applicable.
func RequirePermission(identity Identity, p Permission) error {
	if err := RequireLoggedIn(identity); err != nil {
		return err
	}
	if !HasPermission(identity.Role, p) {
		return ErrForbidden
	}
	return nil
}
