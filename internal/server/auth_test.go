package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestAuth(t *testing.T) (*Auth, *Store) {
	t.Helper()
	s := newTestStore(t)
	return NewAuth(s, []byte("test-secret")), s
}

func TestRegisterLoginRoundTrip(t *testing.T) {
	a, _ := newTestAuth(t)
	ctx := context.Background()

	err := a.Register(ctx, RegisterRequest{
		UserID: "u1", AuthKeyHash: "hash1", Salt: "deadbeef", EncryptedMasterKey: "ciphertext",
	}, 1000)
	if err != nil {
		t.Fatal(err)
	}

	token, encKey, err := a.Login(ctx, "hash1", "device1", time.Unix(0, 0))
	if err != nil {
		t.Fatal(err)
	}
	if token == "" || encKey != "ciphertext" {
		t.Fatalf("token=%q encKey=%q", token, encKey)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/files", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	p, err := a.Authenticate(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if p.UserID != "u1" || p.DeviceID != "device1" || p.Scope != "*" {
		t.Fatalf("unexpected principal: %+v", p)
	}
}

func TestLoginWithWrongAuthKeyRejected(t *testing.T) {
	a, _ := newTestAuth(t)
	ctx := context.Background()
	if err := a.Register(ctx, RegisterRequest{UserID: "u1", AuthKeyHash: "hash1", Salt: "ab"}, 1000); err != nil {
		t.Fatal(err)
	}
	if _, _, err := a.Login(ctx, "wrong-hash", "device1", time.Now()); err == nil {
		t.Fatal("expected auth rejection")
	}
}

func TestAPIKeyAuthenticate(t *testing.T) {
	a, s := newTestAuth(t)
	ctx := context.Background()
	createTestUser(t, s)

	secret, err := NewAPIKeySecret()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CreateAPIKey(ctx, APIKey{
		ID: "k1", UserID: "u1", Name: "ci", KeyHash: HashAPIKeySecret(secret),
		Scope: "skills/*", Permissions: "read", CreatedAt: 1,
	}); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/files", nil)
	req.Header.Set("Authorization", "Bearer "+secret)
	p, err := a.Authenticate(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if p.UserID != "u1" || !p.CanRead("skills/a/SKILL.md") || p.CanWrite("skills/a/SKILL.md") {
		t.Fatalf("unexpected principal: %+v", p)
	}
	if p.CanRead("other/file.md") {
		t.Fatal("scope should not extend beyond skills/*")
	}
}

func TestAuthenticateMissingHeaderRejected(t *testing.T) {
	a, _ := newTestAuth(t)
	req := httptest.NewRequest(http.MethodGet, "/api/files", nil)
	if _, err := a.Authenticate(context.Background(), req); err == nil {
		t.Fatal("expected rejection with no Authorization header")
	}
}
