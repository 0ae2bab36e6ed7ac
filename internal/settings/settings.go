// Package settings provides typed access to admin-writable settings stored in
// the key-value settings table.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/opsdeck/opsdeck/internal/auth/role"
	apperrors "github.com/opsdeck/opsdeck/internal/platform/errors"
)

// SecretSentinel is returned in place of the stored client secret. A client
// echoing it back on save leaves the stored secret untouched.
const SecretSentinel = "********"

// Settings keys for the OIDC configuration.
const (
	keyOidcEnabled         = "oidc.enabled"
	keyOidcTenantID        = "oidc.tenant_id"
	keyOidcClientID        = "oidc.client_id"
	keyOidcClientSecret    = "oidc.client_secret"
	keyOidcAllowedGroups   = "oidc.allowed_groups"
	keyOidcDefaultRole     = "oidc.default_role"
	keyOidcAutoCreateUsers = "oidc.auto_create_users"
)

// KV is the settings storage contract.
type KV interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Oidc is the OIDC provider configuration.
type Oidc struct {
	Enabled         bool      `json:"enabled"`
	TenantID        string    `json:"tenantId"`
	ClientID        string    `json:"clientId"`
	ClientSecret    string    `json:"clientSecret"`
	AllowedGroups   []string  `json:"allowedGroups"`
	DefaultRole     role.Role `json:"defaultRole"`
	AutoCreateUsers bool      `json:"autoCreateUsers"`
}

// Complete reports whether the provider coordinates are fully configured.
func (o Oidc) Complete() bool {
	return strings.TrimSpace(o.TenantID) != "" &&
		strings.TrimSpace(o.ClientID) != "" &&
		o.ClientSecret != ""
}

// Service reads and writes typed settings over the KV store.
type Service struct {
	kv KV
}

// NewService creates a settings service over the given store.
func NewService(kv KV) *Service {
	return &Service{kv: kv}
}

// LoadOidc returns the stored OIDC settings with the real client secret.
// Callers that hand settings to the outside must mask them first.
func (s *Service) LoadOidc(ctx context.Context) (Oidc, error) {
	out := Oidc{DefaultRole: role.Viewer}

	enabled, found, err := s.kv.GetSetting(ctx, keyOidcEnabled)
	if err != nil {
		return Oidc{}, fmt.Errorf("load oidc enabled: %w", err)
	}
	if found {
		out.Enabled, _ = strconv.ParseBool(enabled)
	}

	if out.TenantID, _, err = s.kv.GetSetting(ctx, keyOidcTenantID); err != nil {
		return Oidc{}, fmt.Errorf("load oidc tenant: %w", err)
	}
	if out.ClientID, _, err = s.kv.GetSetting(ctx, keyOidcClientID); err != nil {
		return Oidc{}, fmt.Errorf("load oidc client id: %w", err)
	}
	if out.ClientSecret, _, err = s.kv.GetSetting(ctx, keyOidcClientSecret); err != nil {
		return Oidc{}, fmt.Errorf("load oidc client secret: %w", err)
	}

	groupsValue, found, err := s.kv.GetSetting(ctx, keyOidcAllowedGroups)
	if err != nil {
		return Oidc{}, fmt.Errorf("load oidc allowed groups: %w", err)
	}
	if found && strings.TrimSpace(groupsValue) != "" {
		if err := json.Unmarshal([]byte(groupsValue), &out.AllowedGroups); err != nil {
			return Oidc{}, fmt.Errorf("decode oidc allowed groups: %w", err)
		}
	}

	roleValue, found, err := s.kv.GetSetting(ctx, keyOidcDefaultRole)
	if err != nil {
		return Oidc{}, fmt.Errorf("load oidc default role: %w", err)
	}
	if found {
		parsed, err := role.ParseRole(roleValue)
		if err == nil {
			out.DefaultRole = parsed
		}
	}

	autoCreate, found, err := s.kv.GetSetting(ctx, keyOidcAutoCreateUsers)
	if err != nil {
		return Oidc{}, fmt.Errorf("load oidc auto create: %w", err)
	}
	if found {
		out.AutoCreateUsers, _ = strconv.ParseBool(autoCreate)
	}

	return out, nil
}

// Masked returns a copy safe to hand to clients: the stored secret is
// replaced with the sentinel whenever one is set.
func Masked(o Oidc) Oidc {
	if o.ClientSecret != "" {
		o.ClientSecret = SecretSentinel
	}
	return o
}

// SaveOidc validates and persists incoming OIDC settings.
//
// The sentinel secret value means "keep what is stored". Enabling SSO
// requires tenant id, client id, and a resolvable secret; nothing is
// persisted when validation fails.
func (s *Service) SaveOidc(ctx context.Context, incoming Oidc) error {
	incoming.TenantID = strings.TrimSpace(incoming.TenantID)
	incoming.ClientID = strings.TrimSpace(incoming.ClientID)

	if incoming.DefaultRole == "" {
		incoming.DefaultRole = role.Viewer
	}
	if !incoming.DefaultRole.Valid() {
		return role.ErrInvalidRole
	}

	stored, err := s.LoadOidc(ctx)
	if err != nil {
		return err
	}

	secret := incoming.ClientSecret
	if secret == SecretSentinel {
		secret = stored.ClientSecret
	}

	if incoming.Enabled {
		if incoming.TenantID == "" || incoming.ClientID == "" {
			return apperrors.New(apperrors.CodeValidation, "tenant id and client id are required to enable SSO")
		}
		if secret == "" {
			return apperrors.New(apperrors.CodeValidation, "a client secret is required to enable SSO")
		}
	}

	groups := make([]string, 0, len(incoming.AllowedGroups))
	for _, group := range incoming.AllowedGroups {
		group = strings.TrimSpace(group)
		if group != "" {
			groups = append(groups, group)
		}
	}
	groupsValue, err := json.Marshal(groups)
	if err != nil {
		return fmt.Errorf("encode allowed groups: %w", err)
	}

	values := map[string]string{
		keyOidcEnabled:         strconv.FormatBool(incoming.Enabled),
		keyOidcTenantID:        incoming.TenantID,
		keyOidcClientID:        incoming.ClientID,
		keyOidcClientSecret:    secret,
		keyOidcAllowedGroups:   string(groupsValue),
		keyOidcDefaultRole:     string(incoming.DefaultRole),
		keyOidcAutoCreateUsers: strconv.FormatBool(incoming.AutoCreateUsers),
	}
	for key, value := range values {
		if err := s.kv.SetSetting(ctx, key, value); err != nil {
			return err
		}
	}
	return nil
}
