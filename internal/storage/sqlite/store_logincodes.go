package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LoginCode is a one-time credential bridging the HTTP redirect flow to the
// session channel.
type LoginCode struct {
	Code      string
	UserID    string
	ExpiresAt time.Time
	Used      bool
}

// CreateLoginCode stores a new one-time login code for a user.
//
// The code is generated here with randomness independent of the OIDC state,
// nonce, and verifier tokens.
func (s *Store) CreateLoginCode(ctx context.Context, userID string, ttl time.Duration) (*LoginCode, error) {
	if err := s.ensureDB(); err != nil {
		return nil, err
	}
	code, err := generateToken(32)
	if err != nil {
		return nil, fmt.Errorf("generate login code: %w", err)
	}
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO login_codes (code, user_id, expires_at, used, created_at)
		VALUES (?, ?, ?, 0, ?)`,
		code, userID, toMillis(expiresAt), toMillis(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert login code: %w", err)
	}
	return &LoginCode{Code: code, UserID: userID, ExpiresAt: expiresAt}, nil
}

// GetUnusedLoginCode returns an unused login code record, or nil if the code
// is unknown or already consumed. Consumers must treat both identically.
func (s *Store) GetUnusedLoginCode(ctx context.Context, code string) (*LoginCode, error) {
	if err := s.ensureDB(); err != nil {
		return nil, err
	}
	var (
		entry     LoginCode
		expiresAt int64
		used      int
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT code, user_id, expires_at, used FROM login_codes WHERE code = ? AND used = 0`,
		code,
	).Scan(&entry.Code, &entry.UserID, &expiresAt, &used)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	entry.ExpiresAt = fromMillis(expiresAt)
	entry.Used = used != 0
	return &entry, nil
}

// MarkLoginCodeUsed flips a code to used. It reports false when the code was
// already consumed, so exactly one concurrent caller wins.
func (s *Store) MarkLoginCodeUsed(ctx context.Context, code string) (bool, error) {
	if err := s.ensureDB(); err != nil {
		return false, err
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE login_codes SET used = 1 WHERE code = ? AND used = 0`,
		code,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// DeleteLoginCode removes a login code.
func (s *Store) DeleteLoginCode(ctx context.Context, code string) {
	if s == nil || s.sqlDB == nil {
		return
	}
	_, _ = s.sqlDB.ExecContext(ctx, `DELETE FROM login_codes WHERE code = ?`, code)
}

// PurgeLoginCodesForUser removes every login code owned by a user.
func (s *Store) PurgeLoginCodesForUser(ctx context.Context, userID string) error {
	if err := s.ensureDB(); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx, `DELETE FROM login_codes WHERE user_id = ?`, userID)
	return err
}
