package channel

import (
	"context"
	"encoding/json"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/opsdeck/opsdeck/internal/auth/role"
	"github.com/opsdeck/opsdeck/internal/auth/token"
	apperrors "github.com/opsdeck/opsdeck/internal/platform/errors"
	"github.com/opsdeck/opsdeck/internal/settings"
	"github.com/opsdeck/opsdeck/internal/storage/sqlite"
)

var (
	errInvalidLoginCode   = apperrors.New(apperrors.CodeUnauthenticated, "login code is invalid or expired")
	errInvalidCredentials = apperrors.New(apperrors.CodeUnauthenticated, "invalid username or password")
)

// userView is the user shape handed to clients. It carries derived booleans
// instead of password hashes or provider subject ids.
type userView struct {
	ID                  string    `json:"id"`
	Username            string    `json:"username"`
	Email               string    `json:"email"`
	DisplayName         string    `json:"displayName"`
	Role                role.Role `json:"role"`
	HasExternalIdentity bool      `json:"hasExternalIdentity"`
	HasPassword         bool      `json:"hasPassword"`
	LastLogin           int64     `json:"lastLogin,omitempty"`
	CreatedAt           int64     `json:"createdAt"`
}

func viewOf(u *sqlite.User) userView {
	view := userView{
		ID:                  u.ID,
		Username:            u.Username,
		Email:               u.Email,
		DisplayName:         u.DisplayName,
		Role:                u.Role,
		HasExternalIdentity: u.HasExternalIdentity(),
		HasPassword:         u.HasPassword(),
	}
	if !u.LastLogin.IsZero() {
		view.LastLogin = u.LastLogin.UnixMilli()
	}
	if !u.CreatedAt.IsZero() {
		view.CreatedAt = u.CreatedAt.UnixMilli()
	}
	return view
}

type loginResult struct {
	Token string    `json:"token"`
	Role  role.Role `json:"role"`
	User  userView  `json:"user"`
}

// finishLogin binds the connection identity and mints the bearer token.
func (s *Server) finishLogin(sess *session, u *sqlite.User) (loginResult, error) {
	bearer, err := token.Mint(s.tokens, u.ID, u.Role)
	if err != nil {
		return loginResult{}, apperrors.Wrap(apperrors.CodeInternal, "mint token", err)
	}
	sess.identity = role.Identity{UserID: u.ID, Role: u.Role}
	return loginResult{Token: bearer, Role: u.Role, User: viewOf(u)}, nil
}

func (s *Server) opLoginByOidcCode(ctx context.Context, sess *session, data json.RawMessage) (any, error) {
	var payload struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.Code == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "code is required")
	}
	user, err := s.bridge.Exchange(ctx, payload.Code)
	if err != nil {
		// All rejection causes collapse to one client-facing answer.
		return nil, errInvalidLoginCode
	}
	return s.finishLogin(sess, user)
}

func (s *Server) opLogin(ctx context.Context, sess *session, data json.RawMessage) (any, error) {
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.Username == "" || payload.Password == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "username and password are required")
	}

	user, err := s.store.GetUserByUsername(ctx, strings.ToLower(strings.TrimSpace(payload.Username)))
	if err != nil {
		return nil, err
	}
	if user == nil || !user.Active || !user.HasPassword() {
		return nil, errInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(payload.Password)) != nil {
		return nil, errInvalidCredentials
	}

	now := s.clock().UTC()
	if err := s.store.TouchLastLogin(ctx, user.ID, now); err != nil {
		return nil, err
	}
	user.LastLogin = now
	return s.finishLogin(sess, user)
}

func (s *Server) opGetOidcSettings(ctx context.Context, sess *session) (any, error) {
	if err := role.RequireAdmin(sess.identity); err != nil {
		return nil, err
	}
	cfg, err := s.settings.LoadOidc(ctx)
	if err != nil {
		return nil, err
	}
	return settings.Masked(cfg), nil
}

func (s *Server) opSaveOidcSettings(ctx context.Context, sess *session, data json.RawMessage) (any, error) {
	if err := role.RequireAdmin(sess.identity); err != nil {
		return nil, err
	}
	var incoming settings.Oidc
	if err := json.Unmarshal(data, &incoming); err != nil {
		return nil, apperrors.New(apperrors.CodeValidation, "invalid settings payload")
	}
	if err := s.settings.SaveOidc(ctx, incoming); err != nil {
		return nil, err
	}
	cfg, err := s.settings.LoadOidc(ctx)
	if err != nil {
		return nil, err
	}
	return settings.Masked(cfg), nil
}

func (s *Server) opGetUsers(ctx context.Context, sess *session) (any, error) {
	if err := role.RequireAdmin(sess.identity); err != nil {
		return nil, err
	}
	users, err := s.store.ListActiveUsers(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]userView, 0, len(users))
	for i := range users {
		views = append(views, viewOf(&users[i]))
	}
	return views, nil
}

func (s *Server) opSetUserRole(ctx context.Context, sess *session, data json.RawMessage) (any, error) {
	if err := role.RequireAdmin(sess.identity); err != nil {
		return nil, err
	}
	var payload struct {
		UserID string `json:"userId"`
		Role   string `json:"role"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.UserID == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "userId is required")
	}
	newRole, err := role.ParseRole(payload.Role)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetUserRole(ctx, payload.UserID, newRole); err != nil {
		return nil, err
	}
	updated, err := s.store.GetUser(ctx, payload.UserID)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, apperrors.New(apperrors.CodeNotFound, "user not found")
	}
	return viewOf(updated), nil
}

func (s *Server) opDeleteUser(ctx context.Context, sess *session, data json.RawMessage) (any, error) {
	if err := role.RequireAdmin(sess.identity); err != nil {
		return nil, err
	}
	var payload struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.UserID == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "userId is required")
	}
	if payload.UserID == sess.identity.UserID {
		return nil, apperrors.New(apperrors.CodeValidation, "cannot delete your own account")
	}
	if err := s.store.DeactivateUser(ctx, payload.UserID); err != nil {
		return nil, err
	}
	return map[string]bool{"deleted": true}, nil
}
