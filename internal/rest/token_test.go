package rest_test

import (
	"errors"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/omochice/chatsync/internal/rest"
)

func sign(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return s
}

func TestUserIDFromToken(t *testing.T) {
	token := sign(t, jwt.RegisteredClaims{Subject: "user-42"})

	got, err := rest.UserIDFromToken(token)
	if err != nil {
		t.Fatalf("UserIDFromToken() error = %v", err)
	}
	if got != "user-42" {
		t.Errorf("UserIDFromToken() = %q, want %q", got, "user-42")
	}
}

func TestUserIDFromToken_NoSubject(t *testing.T) {
	token := sign(t, jwt.RegisteredClaims{Issuer: "chat"})

	if _, err := rest.UserIDFromToken(token); !errors.Is(err, rest.ErrNoSubject) {
		t.Errorf("UserIDFromToken() error = %v, want ErrNoSubject", err)
	}
}

func TestUserIDFromToken_Malformed(t *testing.T) {
	if _, err := rest.UserIDFromToken("not-a-token"); err == nil {
		t.Error("expected an error for a malformed token")
	}
}
