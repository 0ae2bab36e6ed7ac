package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/opsdeck/opsdeck/internal/auth/logincode"
	"github.com/opsdeck/opsdeck/internal/auth/role"
	"github.com/opsdeck/opsdeck/internal/auth/token"
	"github.com/opsdeck/opsdeck/internal/settings"
	"github.com/opsdeck/opsdeck/internal/storage/sqlite"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "channel.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return NewServer(store, settings.NewService(store), logincode.NewBridge(store), token.Config{
		Secret: []byte("test-secret"),
		TTL:    time.Hour,
	})
}

func seedUser(t *testing.T, srv *Server, u sqlite.User) {
	t.Helper()
	if u.Role == "" {
		u.Role = role.Viewer
	}
	u.Active = true
	if err := srv.store.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("seed user %s: %v", u.ID, err)
	}
}

func seedPasswordUser(t *testing.T, srv *Server, id, username, password string, r role.Role) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	seedUser(t, srv, sqlite.User{ID: id, Username: username, Role: r, PasswordHash: string(hash)})
}

func adminSession(id string) *session {
	return &session{identity: role.Identity{UserID: id, Role: role.Admin}}
}

func mustData(t *testing.T, resp Response) []byte {
	t.Helper()
	if !resp.Ok {
		t.Fatalf("operation failed: %s", resp.Msg)
	}
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		t.Fatalf("marshal response data: %v", err)
	}
	return raw
}

func call(srv *Server, sess *session, op string, data any) Response {
	raw, _ := json.Marshal(data)
	return srv.dispatch(context.Background(), sess, Request{ID: "req-1", Op: op, Data: raw})
}

func TestLoginByOidcCode(t *testing.T) {
	srv := newTestServer(t)
	seedUser(t, srv, sqlite.User{ID: "u1", Username: "casey", Role: role.Admin})

	code, err := srv.bridge.Issue(context.Background(), "u1")
	if err != nil {
		t.Fatalf("issue code: %v", err)
	}

	sess := &session{}
	resp := call(srv, sess, "loginByOidcCode", map[string]string{"code": code})
	var result loginResult
	if err := json.Unmarshal(mustData(t, resp), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Token == "" {
		t.Fatal("login result carries no token")
	}
	if result.Role != role.Admin {
		t.Fatalf("role = %q, want admin", result.Role)
	}
	if sess.identity.UserID != "u1" {
		t.Fatalf("session identity = %q, want u1", sess.identity.UserID)
	}

	identity, err := token.Verify(srv.tokens, result.Token)
	if err != nil {
		t.Fatalf("verify minted token: %v", err)
	}
	if identity.UserID != "u1" || identity.Role != role.Admin {
		t.Fatalf("token identity = %+v", identity)
	}

	t.Run("replayed code is rejected", func(t *testing.T) {
		resp := call(srv, &session{}, "loginByOidcCode", map[string]string{"code": code})
		if resp.Ok {
			t.Fatal("replayed code accepted")
		}
		if resp.Msg != "login code is invalid or expired" {
			t.Fatalf("msg = %q", resp.Msg)
		}
	})

	t.Run("unknown code gets the same answer", func(t *testing.T) {
		resp := call(srv, &session{}, "loginByOidcCode", map[string]string{"code": strings.Repeat("0", 64)})
		if resp.Ok || resp.Msg != "login code is invalid or expired" {
			t.Fatalf("resp = %+v", resp)
		}
	})
}

func TestLocalLogin(t *testing.T) {
	srv := newTestServer(t)
	seedPasswordUser(t, srv, "u1", "casey", "hunter2!", role.Viewer)

	sess := &session{}
	resp := call(srv, sess, "login", map[string]string{"username": "casey", "password": "hunter2!"})
	var result loginResult
	if err := json.Unmarshal(mustData(t, resp), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Role != role.Viewer {
		t.Fatalf("role = %q, want viewer", result.Role)
	}
	if result.User.LastLogin == 0 {
		t.Fatal("login did not record last login")
	}
	if result.User.HasPassword != true || result.User.HasExternalIdentity != false {
		t.Fatalf("derived booleans wrong: %+v", result.User)
	}

	t.Run("wrong password", func(t *testing.T) {
		resp := call(srv, &session{}, "login", map[string]string{"username": "casey", "password": "wrong"})
		if resp.Ok || resp.Msg != "invalid username or password" {
			t.Fatalf("resp = %+v", resp)
		}
	})

	t.Run("unknown username gets the same answer", func(t *testing.T) {
		resp := call(srv, &session{}, "login", map[string]string{"username": "nobody", "password": "hunter2!"})
		if resp.Ok || resp.Msg != "invalid username or password" {
			t.Fatalf("resp = %+v", resp)
		}
	})

	t.Run("sso-only account has no password path", func(t *testing.T) {
		seedUser(t, srv, sqlite.User{ID: "u2", Username: "ssouser", ExternalSubjectID: "oid-2"})
		resp := call(srv, &session{}, "login", map[string]string{"username": "ssouser", "password": "anything"})
		if resp.Ok || resp.Msg != "invalid username or password" {
			t.Fatalf("resp = %+v", resp)
		}
	})
}

func TestAdminOpsRequireAdmin(t *testing.T) {
	srv := newTestServer(t)
	ops := []struct {
		op   string
		data any
	}{
		{"getOidcSettings", nil},
		{"saveOidcSettings", settings.Oidc{}},
		{"getUsers", nil},
		{"setUserRole", map[string]string{"userId": "u1", "role": "admin"}},
		{"deleteUser", map[string]string{"userId": "u1"}},
	}
	for _, tc := range ops {
		t.Run(tc.op+" anonymous", func(t *testing.T) {
			resp := call(srv, &session{}, tc.op, tc.data)
			if resp.Ok || resp.Msg != "not logged in" {
				t.Fatalf("resp = %+v", resp)
			}
		})
		t.Run(tc.op+" viewer", func(t *testing.T) {
			sess := &session{identity: role.Identity{UserID: "v1", Role: role.Viewer}}
			resp := call(srv, sess, tc.op, tc.data)
			if resp.Ok || resp.Msg != "permission denied" {
				t.Fatalf("resp = %+v", resp)
			}
		})
	}
}

func TestOidcSettingsOps(t *testing.T) {
	srv := newTestServer(t)
	sess := adminSession("a1")

	resp := call(srv, sess, "saveOidcSettings", settings.Oidc{
		Enabled:         true,
		TenantID:        "t1",
		ClientID:        "c1",
		ClientSecret:    "s1",
		DefaultRole:     role.Viewer,
		AllowedGroups:   []string{" G1 ", "G2"},
		AutoCreateUsers: true,
	})
	var saved settings.Oidc
	if err := json.Unmarshal(mustData(t, resp), &saved); err != nil {
		t.Fatalf("decode saved settings: %v", err)
	}
	if saved.ClientSecret != settings.SecretSentinel {
		t.Fatalf("secret = %q, want sentinel", saved.ClientSecret)
	}
	if len(saved.AllowedGroups) != 2 || saved.AllowedGroups[0] != "G1" {
		t.Fatalf("groups = %v", saved.AllowedGroups)
	}

	t.Run("get returns masked secret", func(t *testing.T) {
		resp := call(srv, sess, "getOidcSettings", nil)
		var got settings.Oidc
		if err := json.Unmarshal(mustData(t, resp), &got); err != nil {
			t.Fatalf("decode settings: %v", err)
		}
		if got.ClientSecret != settings.SecretSentinel {
			t.Fatalf("secret = %q, want sentinel", got.ClientSecret)
		}
		if !got.Enabled || got.TenantID != "t1" {
			t.Fatalf("settings = %+v", got)
		}
	})

	t.Run("incomplete enable is rejected", func(t *testing.T) {
		resp := call(srv, sess, "saveOidcSettings", settings.Oidc{Enabled: true, TenantID: "t2", ClientSecret: settings.SecretSentinel})
		if resp.Ok {
			t.Fatal("incomplete enable accepted")
		}
	})
}

func TestUserManagementOps(t *testing.T) {
	srv := newTestServer(t)
	seedUser(t, srv, sqlite.User{ID: "a1", Username: "admin", Role: role.Admin})
	seedUser(t, srv, sqlite.User{ID: "v1", Username: "viewer", Role: role.Viewer, ExternalSubjectID: "oid-v1", PasswordHash: "x"})
	sess := adminSession("a1")

	t.Run("getUsers hides sensitive fields", func(t *testing.T) {
		resp := call(srv, sess, "getUsers", nil)
		raw := mustData(t, resp)
		if strings.Contains(string(raw), "oid-v1") {
			t.Fatal("response leaks external subject id")
		}
		var views []userView
		if err := json.Unmarshal(raw, &views); err != nil {
			t.Fatalf("decode users: %v", err)
		}
		if len(views) != 2 {
			t.Fatalf("users = %d, want 2", len(views))
		}
		for _, v := range views {
			if v.ID == "v1" && (!v.HasExternalIdentity || !v.HasPassword) {
				t.Fatalf("derived booleans wrong: %+v", v)
			}
		}
	})

	t.Run("setUserRole promotes", func(t *testing.T) {
		resp := call(srv, sess, "setUserRole", map[string]string{"userId": "v1", "role": "admin"})
		var view userView
		if err := json.Unmarshal(mustData(t, resp), &view); err != nil {
			t.Fatalf("decode view: %v", err)
		}
		if view.Role != role.Admin {
			t.Fatalf("role = %q, want admin", view.Role)
		}
	})

	t.Run("setUserRole rejects unknown role", func(t *testing.T) {
		resp := call(srv, sess, "setUserRole", map[string]string{"userId": "v1", "role": "owner"})
		if resp.Ok {
			t.Fatal("unknown role accepted")
		}
	})

	t.Run("demoting the last admin is rejected", func(t *testing.T) {
		// v1 was promoted above; demote it back first.
		if resp := call(srv, sess, "setUserRole", map[string]string{"userId": "v1", "role": "viewer"}); !resp.Ok {
			t.Fatalf("demote v1: %s", resp.Msg)
		}
		resp := call(srv, sess, "setUserRole", map[string]string{"userId": "a1", "role": "viewer"})
		if resp.Ok || resp.Msg != "cannot remove the last admin" {
			t.Fatalf("resp = %+v", resp)
		}
	})

	t.Run("self delete is rejected", func(t *testing.T) {
		resp := call(srv, sess, "deleteUser", map[string]string{"userId": "a1"})
		if resp.Ok || resp.Msg != "cannot delete your own account" {
			t.Fatalf("resp = %+v", resp)
		}
	})

	t.Run("delete deactivates and purges codes", func(t *testing.T) {
		code, err := srv.bridge.Issue(context.Background(), "v1")
		if err != nil {
			t.Fatalf("issue code: %v", err)
		}
		if resp := call(srv, sess, "deleteUser", map[string]string{"userId": "v1"}); !resp.Ok {
			t.Fatalf("delete: %s", resp.Msg)
		}
		entry, err := srv.store.GetUnusedLoginCode(context.Background(), code)
		if err != nil {
			t.Fatalf("lookup code: %v", err)
		}
		if entry != nil {
			t.Fatal("login code survived user delete")
		}
		users, err := srv.store.ListActiveUsers(context.Background())
		if err != nil {
			t.Fatalf("list users: %v", err)
		}
		if len(users) != 1 {
			t.Fatalf("active users = %d, want 1", len(users))
		}
	})
}

func TestUnknownOperation(t *testing.T) {
	srv := newTestServer(t)
	resp := call(srv, &session{}, "selfDestruct", nil)
	if resp.Ok || resp.Msg != "unknown operation" {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.ID != "req-1" {
		t.Fatalf("correlation id = %q", resp.ID)
	}
}

func TestWebsocketRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	seedUser(t, srv, sqlite.User{ID: "u1", Username: "casey", Role: role.Admin})
	code, err := srv.bridge.Issue(context.Background(), "u1")
	if err != nil {
		t.Fatalf("issue code: %v", err)
	}

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	httpSrv := httptest.NewServer(mux)
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	login := map[string]any{
		"id":   "1",
		"op":   "loginByOidcCode",
		"data": map[string]string{"code": code},
	}
	if err := conn.WriteJSON(login); err != nil {
		t.Fatalf("write login: %v", err)
	}
	var loginResp Response
	if err := conn.ReadJSON(&loginResp); err != nil {
		t.Fatalf("read login response: %v", err)
	}
	if !loginResp.Ok || loginResp.ID != "1" {
		t.Fatalf("login resp = %+v", loginResp)
	}

	// The bound identity persists across requests on the same connection.
	if err := conn.WriteJSON(map[string]any{"id": "2", "op": "getUsers"}); err != nil {
		t.Fatalf("write getUsers: %v", err)
	}
	var usersResp Response
	if err := conn.ReadJSON(&usersResp); err != nil {
		t.Fatalf("read getUsers response: %v", err)
	}
	if !usersResp.Ok || usersResp.ID != "2" {
		t.Fatalf("getUsers resp = %+v", usersResp)
	}

	// Malformed JSON gets an error answer without dropping the connection.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write malformed: %v", err)
	}
	var badResp Response
	if err := conn.ReadJSON(&badResp); err != nil {
		t.Fatalf("read malformed response: %v", err)
	}
	if badResp.Ok || badResp.Msg != "invalid message format" {
		t.Fatalf("malformed resp = %+v", badResp)
	}

	if err := conn.WriteJSON(map[string]any{"id": "3", "op": "getUsers"}); err != nil {
		t.Fatalf("write after malformed: %v", err)
	}
	var afterResp Response
	if err := conn.ReadJSON(&afterResp); err != nil {
		t.Fatalf("read after malformed: %v", err)
	}
	if !afterResp.Ok {
		t.Fatalf("connection unusable after malformed message: %+v", afterResp)
	}
}
