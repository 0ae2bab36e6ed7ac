package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opsdeck/opsdeck/internal/auth/role"
	apperrors "github.com/opsdeck/opsdeck/internal/platform/errors"
)

// User is a stored identity record.
type User struct {
	ID                string
	Username          string
	Email             string
	DisplayName       string
	Role              role.Role
	ExternalSubjectID string
	PasswordHash      string
	Active            bool
	LastLogin         time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HasPassword reports whether the user can authenticate with a local password.
func (u *User) HasPassword() bool {
	return u != nil && u.PasswordHash != ""
}

// HasExternalIdentity reports whether the user is linked to the identity provider.
func (u *User) HasExternalIdentity() bool {
	return u != nil && u.ExternalSubjectID != ""
}

// ErrUsernameTaken indicates a username collision on create.
var ErrUsernameTaken = apperrors.New(apperrors.CodeConflict, "username is already taken")

// ErrLastAdmin indicates a mutation that would leave zero active admins.
var ErrLastAdmin = apperrors.New(apperrors.CodeConflict, "cannot remove the last admin")

const userColumns = `id, username, email, display_name, role, external_subject_id, password_hash, active, last_login, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var (
		u          User
		roleValue  string
		externalID sql.NullString
		password   sql.NullString
		active     int
		lastLogin  sql.NullInt64
		createdAt  int64
		updatedAt  int64
	)
	err := row.Scan(
		&u.ID, &u.Username, &u.Email, &u.DisplayName, &roleValue,
		&externalID, &password, &active, &lastLogin, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	u.Role = role.Role(roleValue)
	u.ExternalSubjectID = externalID.String
	u.PasswordHash = password.String
	u.Active = active != 0
	if lastLogin.Valid {
		u.LastLogin = fromMillis(lastLogin.Int64)
	}
	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updatedAt)
	return &u, nil
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

// CreateUser inserts a new user record.
func (s *Store) CreateUser(ctx context.Context, u User) error {
	if err := s.ensureDB(); err != nil {
		return err
	}
	if !u.Role.Valid() {
		return role.ErrInvalidRole
	}
	now := toMillis(time.Now())
	var lastLogin sql.NullInt64
	if !u.LastLogin.IsZero() {
		lastLogin = sql.NullInt64{Int64: toMillis(u.LastLogin), Valid: true}
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.Email, u.DisplayName, string(u.Role),
		nullString(u.ExternalSubjectID), nullString(u.PasswordHash),
		boolToInt(u.Active), lastLogin, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrUsernameTaken
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser returns a user by id, or nil if absent.
func (s *Store) GetUser(ctx context.Context, userID string) (*User, error) {
	if err := s.ensureDB(); err != nil {
		return nil, err
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, userID)
	return scanUser(row)
}

// GetUserByUsername returns a user by username, or nil if absent.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	if err := s.ensureDB(); err != nil {
		return nil, err
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	return scanUser(row)
}

// GetUserByExternalSubject returns the active user linked to an external
// subject id, or nil if absent. SSO continuity is keyed on the subject id,
// never on email.
func (s *Store) GetUserByExternalSubject(ctx context.Context, subjectID string) (*User, error) {
	if err := s.ensureDB(); err != nil {
		return nil, err
	}
	if subjectID == "" {
		return nil, nil
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE external_subject_id = ? AND active = 1`, subjectID)
	return scanUser(row)
}

// ListActiveUsers returns all active users ordered by username.
func (s *Store) ListActiveUsers(ctx context.Context) ([]User, error) {
	if err := s.ensureDB(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE active = 1 ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// UpdateUserProfile updates provider-sourced profile fields and advances
// last_login for an SSO user.
func (s *Store) UpdateUserProfile(ctx context.Context, userID, email, displayName string, lastLogin time.Time) error {
	if err := s.ensureDB(); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`UPDATE users SET email = ?, display_name = ?, last_login = ?, updated_at = ? WHERE id = ?`,
		email, displayName, toMillis(lastLogin), toMillis(time.Now()), userID,
	)
	if err != nil {
		return fmt.Errorf("update user profile: %w", err)
	}
	return nil
}

// TouchLastLogin advances last_login after a successful authentication.
func (s *Store) TouchLastLogin(ctx context.Context, userID string, at time.Time) error {
	if err := s.ensureDB(); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`UPDATE users SET last_login = ?, updated_at = ? WHERE id = ?`,
		toMillis(at), toMillis(time.Now()), userID,
	)
	if err != nil {
		return fmt.Errorf("touch last login: %w", err)
	}
	return nil
}

// SetUserRole changes a user's role, refusing any change that would leave
// zero active admins. The admin count is re-checked inside the transaction
// that performs the change, not against a value read earlier.
func (s *Store) SetUserRole(ctx context.Context, userID string, newRole role.Role) error {
	if err := s.ensureDB(); err != nil {
		return err
	}
	if !newRole.Valid() {
		return role.ErrInvalidRole
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin role change: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	target, err := getUserTx(ctx, tx, userID)
	if err != nil {
		return err
	}
	if target == nil || !target.Active {
		return apperrors.New(apperrors.CodeNotFound, "user not found")
	}

	if target.Role == role.Admin && newRole != role.Admin {
		otherAdmins, err := countOtherActiveAdmins(ctx, tx, userID)
		if err != nil {
			return err
		}
		if otherAdmins == 0 {
			return ErrLastAdmin
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET role = ?, updated_at = ? WHERE id = ?`,
		string(newRole), toMillis(time.Now()), userID,
	); err != nil {
		return fmt.Errorf("update role: %w", err)
	}
	return tx.Commit()
}

// DeactivateUser soft-deletes a user and purges their login codes, refusing
// to remove the last active admin.
func (s *Store) DeactivateUser(ctx context.Context, userID string) error {
	if err := s.ensureDB(); err != nil {
		return err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin deactivate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	target, err := getUserTx(ctx, tx, userID)
	if err != nil {
		return err
	}
	if target == nil || !target.Active {
		return apperrors.New(apperrors.CodeNotFound, "user not found")
	}

	if target.Role == role.Admin {
		otherAdmins, err := countOtherActiveAdmins(ctx, tx, userID)
		if err != nil {
			return err
		}
		if otherAdmins == 0 {
			return ErrLastAdmin
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET active = 0, updated_at = ? WHERE id = ?`,
		toMillis(time.Now()), userID,
	); err != nil {
		return fmt.Errorf("deactivate user: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM login_codes WHERE user_id = ?`, userID,
	); err != nil {
		return fmt.Errorf("purge login codes: %w", err)
	}
	return tx.Commit()
}

func getUserTx(ctx context.Context, tx *sql.Tx, userID string) (*User, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, userID)
	return scanUser(row)
}

func countOtherActiveAdmins(ctx context.Context, tx *sql.Tx, excludeUserID string) (int, error) {
	var count int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE role = 'admin' AND active = 1 AND id != ?`,
		excludeUserID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count admins: %w", err)
	}
	return count, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
