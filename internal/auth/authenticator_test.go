package auth

import (
	"errors"
	"testing"
	"time"
)

const testSecret = "test-secret-key-for-jwt-signing-32b"

func mustHash(t *testing.T, password string) string {
	t.Helper()
	h, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	return h
}

func TestAuthenticator_Login(t *testing.T) {
	a, err := NewAuthenticator([]Operator{
		{Username: "gardener", PasswordHash: mustHash(t, "tomatoes"), Role: RoleOperator},
		{Username: "neighbour", PasswordHash: mustHash(t, "peeking")},
	}, testSecret, 10*time.Minute)
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}

	token, expires, role, err := a.Login("gardener", "tomatoes")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if role != RoleOperator {
		t.Errorf("role = %q, want operator", role)
	}
	if time.Until(expires) > 10*time.Minute || time.Until(expires) < 9*time.Minute {
		t.Errorf("expires in %v, want ~10m", time.Until(expires))
	}

	claims, err := a.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if claims.Subject != "gardener" {
		t.Errorf("Subject = %q", claims.Subject)
	}

	// Role defaults to operator.
	if _, _, role, err := a.Login("neighbour", "peeking"); err != nil || role != RoleOperator {
		t.Errorf("Login(neighbour) = %q, %v", role, err)
	}
}

func TestAuthenticator_BadCredentials(t *testing.T) {
	a, err := NewAuthenticator([]Operator{
		{Username: "gardener", PasswordHash: mustHash(t, "tomatoes"), Role: RoleViewer},
	}, testSecret, time.Minute)
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}

	if _, _, _, err := a.Login("gardener", "potatoes"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: error = %v", err)
	}
	if _, _, _, err := a.Login("stranger", "tomatoes"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user: error = %v", err)
	}
}

func TestNewAuthenticator_RejectsBadOperators(t *testing.T) {
	good := mustHash(t, "x")
	tests := []struct {
		name string
		ops  []Operator
	}{
		{"bad username", []Operator{{Username: "a b", PasswordHash: good}}},
		{"bad role", []Operator{{Username: "a", PasswordHash: good, Role: "admin"}}},
		{"plaintext password", []Operator{{Username: "a", PasswordHash: "hunter2"}}},
		{"duplicate", []Operator{{Username: "a", PasswordHash: good}, {Username: "a", PasswordHash: good}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewAuthenticator(tt.ops, testSecret, time.Minute); !errors.Is(err, ErrInvalidOperator) {
				t.Errorf("NewAuthenticator() error = %v, want ErrInvalidOperator", err)
			}
		})
	}
}

func TestHasPermission(t *testing.T) {
	if !HasPermission(RoleViewer, PermStateRead) {
		t.Error("viewer should read state")
	}
	if HasPermission(RoleViewer, PermDeviceOperate) {
		t.Error("viewer must not operate the relay")
	}
	for _, p := range []Permission{PermDeviceOperate, PermSettingsManage, PermScheduleManage} {
		if !HasPermission(RoleOperator, p) {
			t.Errorf("operator lacks %s", p)
		}
	}
	if HasPermission("", PermStateRead) {
		t.Error("empty role has permissions")
	}
}
