package settings

import (
	"context"
	"reflect"
	"testing"

	"github.com/opsdeck/opsdeck/internal/auth/role"
	apperrors "github.com/opsdeck/opsdeck/internal/platform/errors"
)

type memoryKV struct {
	values map[string]string
}

func newMemoryKV() *memoryKV {
	return &memoryKV{values: make(map[string]string)}
}

func (m *memoryKV) GetSetting(_ context.Context, key string) (string, bool, error) {
	value, ok := m.values[key]
	return value, ok, nil
}

func (m *memoryKV) SetSetting(_ context.Context, key, value string) error {
	m.values[key] = value
	return nil
}

func TestLoadOidcDefaults(t *testing.T) {
	service := NewService(newMemoryKV())
	got, err := service.LoadOidc(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Enabled {
		t.Fatal("expected disabled by default")
	}
	if got.DefaultRole != role.Viewer {
		t.Fatalf("expected viewer default role, got %v", got.DefaultRole)
	}
	if got.AutoCreateUsers {
		t.Fatal("expected auto-create off by default")
	}
}

func TestSaveOidcRoundTrip(t *testing.T) {
	service := NewService(newMemoryKV())
	ctx := context.Background()

	in := Oidc{
		Enabled:         true,
		TenantID:        "t1",
		ClientID:        "c1",
		ClientSecret:    "s1",
		AllowedGroups:   []string{"G1", " G2 ", ""},
		DefaultRole:     role.Admin,
		AutoCreateUsers: true,
	}
	if err := service.SaveOidc(ctx, in); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := service.LoadOidc(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !got.Enabled || got.TenantID != "t1" || got.ClientID != "c1" || got.ClientSecret != "s1" {
		t.Fatalf("unexpected settings: %+v", got)
	}
	if !reflect.DeepEqual(got.AllowedGroups, []string{"G1", "G2"}) {
		t.Fatalf("unexpected groups: %v", got.AllowedGroups)
	}
	if got.DefaultRole != role.Admin || !got.AutoCreateUsers {
		t.Fatalf("unexpected policy fields: %+v", got)
	}
}

func TestSecretMasking(t *testing.T) {
	t.Run("set secret is masked", func(t *testing.T) {
		masked := Masked(Oidc{ClientSecret: "s1"})
		if masked.ClientSecret != SecretSentinel {
			t.Fatalf("expected sentinel, got %q", masked.ClientSecret)
		}
	})

	t.Run("empty secret stays empty", func(t *testing.T) {
		masked := Masked(Oidc{})
		if masked.ClientSecret != "" {
			t.Fatalf("expected empty secret, got %q", masked.ClientSecret)
		}
	})
}

func TestSaveOidcSentinelKeepsStoredSecret(t *testing.T) {
	service := NewService(newMemoryKV())
	ctx := context.Background()

	first := Oidc{Enabled: true, TenantID: "t1", ClientID: "c1", ClientSecret: "s1"}
	if err := service.SaveOidc(ctx, first); err != nil {
		t.Fatalf("first save: %v", err)
	}

	// Echoing the sentinel back must be a no-op on the stored secret.
	second := Oidc{Enabled: true, TenantID: "t2", ClientID: "c2", ClientSecret: SecretSentinel}
	if err := service.SaveOidc(ctx, second); err != nil {
		t.Fatalf("second save: %v", err)
	}

	got, err := service.LoadOidc(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.ClientSecret != "s1" {
		t.Fatalf("expected stored secret to survive, got %q", got.ClientSecret)
	}
	if got.TenantID != "t2" || got.ClientID != "c2" {
		t.Fatalf("expected other fields to update: %+v", got)
	}
}

func TestSaveOidcEnableRequiresCompleteConfig(t *testing.T) {
	ctx := context.Background()

	t.Run("missing secret is rejected", func(t *testing.T) {
		kv := newMemoryKV()
		service := NewService(kv)
		err := service.SaveOidc(ctx, Oidc{Enabled: true, TenantID: "t1", ClientID: "c1"})
		if apperrors.CodeOf(err) != apperrors.CodeValidation {
			t.Fatalf("expected validation error, got %v", err)
		}
		// Nothing may be persisted on validation failure.
		if len(kv.values) != 0 {
			t.Fatalf("expected no persisted values, got %v", kv.values)
		}
	})

	t.Run("same request with a secret is accepted", func(t *testing.T) {
		service := NewService(newMemoryKV())
		err := service.SaveOidc(ctx, Oidc{Enabled: true, TenantID: "t1", ClientID: "c1", ClientSecret: "s1"})
		if err != nil {
			t.Fatalf("save: %v", err)
		}
		got, err := service.LoadOidc(ctx)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if got.ClientSecret != "s1" {
			t.Fatalf("expected stored secret s1, got %q", got.ClientSecret)
		}
	})

	t.Run("missing tenant is rejected", func(t *testing.T) {
		service := NewService(newMemoryKV())
		err := service.SaveOidc(ctx, Oidc{Enabled: true, ClientID: "c1", ClientSecret: "s1"})
		if apperrors.CodeOf(err) != apperrors.CodeValidation {
			t.Fatalf("expected validation error, got %v", err)
		}
	})

	t.Run("disabled saves do not require coordinates", func(t *testing.T) {
		service := NewService(newMemoryKV())
		if err := service.SaveOidc(ctx, Oidc{}); err != nil {
			t.Fatalf("save disabled: %v", err)
		}
	})
}

func TestSaveOidcRejectsUnknownDefaultRole(t *testing.T) {
	service := NewService(newMemoryKV())
	err := service.SaveOidc(context.Background(), Oidc{DefaultRole: role.Role("owner")})
	if apperrors.CodeOf(err) != apperrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}
