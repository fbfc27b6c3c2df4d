package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fleetlink/fleetlink/internal/config"
	"github.com/fleetlink/fleetlink/internal/store"
)

func newTestAuthService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := config.AuthConfig{
		JWTSecret: "test-secret-at-least-32-chars-long",
		JWTExpiry: config.Duration{Duration: 1 * time.Hour},
		DeviceTokens: []config.DeviceTokenEntry{
			{DeviceID: "dev-1", Token: "token-1"},
		},
		DeviceTokenSecret:   "test-hmac-secret-for-device-tokens",
		DeviceTokenLifetime: config.Duration{Duration: 1 * time.Hour},
		InitialAdmin: &config.InitialAdmin{
			Username: "admin",
			Password: "admin-password",
		},
	}

	svc := NewService(s, cfg)
	return svc, s
}

func TestBootstrap(t *testing.T) {
	svc, s := newTestAuthService(t)
	ctx := context.Background()

	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	user, err := s.GetUser(ctx, "admin")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if user == nil {
		t.Fatal("admin user not created")
	}
	if user.Role != "admin" {
		t.Errorf("Role: got %q, want %q", user.Role, "admin")
	}

	// Second bootstrap should be idempotent (no error, no duplicate)
	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap (idempotent): %v", err)
	}
	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 1 {
		t.Errorf("expected 1 user after double bootstrap, got %d", len(users))
	}
}

func TestLoginAndValidateToken(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	token, err := svc.Login(ctx, "admin", "admin-password")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if token == "" {
		t.Fatal("Login returned empty token")
	}

	id, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if id.Username != "admin" || id.Role != "admin" {
		t.Fatalf("identity mismatch: %+v", id)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	if _, err := svc.Login(ctx, "admin", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("want ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Login(ctx, "nobody", "whatever"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("want ErrInvalidCredentials for unknown user, got %v", err)
	}
}

func TestValidateTokenGarbage(t *testing.T) {
	svc, _ := newTestAuthService(t)
	if _, err := svc.ValidateToken(context.Background(), "not-a-jwt"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "bob", "password", ""); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := svc.Register(ctx, "bob", "password", ""); !errors.Is(err, ErrUserExists) {
		t.Fatalf("want ErrUserExists, got %v", err)
	}
}

func TestValidateDeviceTokenStatic(t *testing.T) {
	svc, _ := newTestAuthService(t)

	id, err := svc.ValidateDeviceToken("dev-1", "token-1")
	if err != nil {
		t.Fatalf("ValidateDeviceToken: %v", err)
	}
	if id != "dev-1" {
		t.Fatalf("device ID = %q, want dev-1", id)
	}

	if _, err := svc.ValidateDeviceToken("dev-1", "wrong-token"); err == nil {
		t.Fatal("wrong static token accepted")
	}
}

func TestValidateDeviceTokenTimeLimited(t *testing.T) {
	svc, _ := newTestAuthService(t)

	token := svc.GenerateDeviceToken("dev-42")
	if !strings.HasPrefix(token, "dev-42:") {
		t.Fatalf("token missing device ID prefix: %q", token)
	}

	// Without a caller-supplied ID, the token's embedded ID wins.
	id, err := svc.ValidateDeviceToken("", token)
	if err != nil {
		t.Fatalf("ValidateDeviceToken: %v", err)
	}
	if id != "dev-42" {
		t.Fatalf("device ID = %q, want dev-42", id)
	}

	// A mismatched caller-supplied ID is rejected.
	if _, err := svc.ValidateDeviceToken("dev-other", token); err == nil {
		t.Fatal("token accepted for the wrong device ID")
	}
}

func TestValidateDeviceTokenTampered(t *testing.T) {
	svc, _ := newTestAuthService(t)

	token := svc.GenerateDeviceToken("dev-42")
	tampered := strings.Replace(token, "dev-42", "dev-43", 1)
	if _, err := svc.ValidateDeviceToken("", tampered); err == nil {
		t.Fatal("tampered token accepted")
	}

	if _, err := svc.ValidateDeviceToken("", "garbage"); err == nil {
		t.Fatal("malformed token accepted")
	}
}
