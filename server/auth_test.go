package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/mendhq/mend/config"
	"github.com/mendhq/mend/server/api"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	cfg := config.DefaultConfig()
	cfg.Auth = config.AuthConfig{
		JWTSecret: "test-secret",
		Users: []config.UserConfig{
			{Username: "alice", PasswordHash: string(hash)},
		},
	}
	h := &api.Handlers{Logger: slog.New(slog.DiscardHandler)}
	return New(cfg, h, "test", slog.New(slog.DiscardHandler))
}

func login(t *testing.T, handler http.Handler, username, password string) *httptest.ResponseRecorder {
	t.Helper()
	body := `{"username": "` + username + `", "password": "` + password + `"}`
	req := httptest.NewRequest("POST", "/api/auth/login", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestLoginAndAuthenticatedRequest(t *testing.T) {
	handler := newTestServer(t).Handler()

	rec := login(t, handler, "alice", "hunter2")
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("empty token")
	}

	req := httptest.NewRequest("GET", "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("me status = %d", rec.Code)
	}
	var me map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &me); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if me["username"] != "alice" {
		t.Errorf("username = %q", me["username"])
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	handler := newTestServer(t).Handler()

	cases := []struct {
		name, user, pass string
	}{
		{"wrong password", "alice", "wrong"},
		{"unknown user", "mallory", "hunter2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := login(t, handler, tc.user, tc.pass); rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	handler := newTestServer(t).Handler()

	req := httptest.NewRequest("GET", "/api/auth/me", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no header: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest("GET", "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer not.a.token")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("garbage token: status = %d, want 401", rec.Code)
	}
}

func TestStatusAndVersionArePublic(t *testing.T) {
	handler := newTestServer(t).Handler()

	for _, path := range []string{"/api/status", "/api/version"} {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", path, rec.Code)
		}
	}
}

func TestTokenSignedWithOtherSecretRejected(t *testing.T) {
	srvA := newTestServer(t)
	handlerA := srvA.Handler()

	rec := login(t, handlerA, "alice", "hunter2")
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	srvB := newTestServer(t)
	srvB.cfg.Auth.JWTSecret = "different-secret"
	srvB.auth = newAuthenticator(srvB.cfg.Auth, srvB.logger)
	handlerB := srvB.Handler()

	req := httptest.NewRequest("GET", "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	out := httptest.NewRecorder()
	handlerB.ServeHTTP(out, req)
	if out.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", out.Code)
	}
}
