package auth

import (
	"errors"
	"testing"
	"time"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, "u_1", "SATYAKI", "ADMIN", "jti-1", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	claims, err := ParseToken(secret, issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Subject != "u_1" || claims.Name != "SATYAKI" || claims.Role != "ADMIN" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.ID != "jti-1" {
		t.Fatalf("unexpected jti: %q", claims.ID)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, "u_1", "SATYAKI", "ADMIN", "jti-1", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	_, err = ParseToken(secret, issued)
	if !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	issued, err := IssueToken([]byte("secret"), "u_1", "SATYAKI", "ADMIN", "jti-1", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	_, err = ParseToken([]byte("other"), issued)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	_, err := ParseToken([]byte("secret"), "not.a.token")
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
