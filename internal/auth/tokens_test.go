package auth

import (
	"errors"
	"testing"
)

func TestParsePairs(t *testing.T) {
	tokens, err := ParsePairs([]string{"admin=secret-1", " ops = secret-2 ", ""})
	if err != nil {
		t.Fatalf("ParsePairs returned error: %v", err)
	}
	if tokens["admin"] != "secret-1" || tokens["ops"] != "secret-2" {
		t.Fatalf("unexpected tokens: %v", tokens)
	}

	if _, err := ParsePairs([]string{"no-separator"}); err == nil {
		t.Fatal("expected error for malformed pair")
	}
	if _, err := ParsePairs([]string{"admin=a", "admin=b"}); err == nil {
		t.Fatal("expected error for duplicate owner")
	}
}

func TestAuthenticateResolvesOwner(t *testing.T) {
	authenticator, err := NewAuthenticator(map[string]string{"admin": "secret-1", "ops": "secret-2"})
	if err != nil {
		t.Fatalf("NewAuthenticator returned error: %v", err)
	}

	owner, err := authenticator.Authenticate("secret-2")
	if err != nil {
		t.Fatalf("Authenticate returned error: %v", err)
	}
	if owner != "ops" {
		t.Fatalf("expected owner ops, got %q", owner)
	}

	if _, err := authenticator.Authenticate("wrong"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := authenticator.Authenticate(""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for empty token, got %v", err)
	}
}

func TestAuthenticateDisabledFallsBackToDefaultOwner(t *testing.T) {
	authenticator, err := NewAuthenticator(nil)
	if err != nil {
		t.Fatalf("NewAuthenticator returned error: %v", err)
	}
	if authenticator.Enabled() {
		t.Fatal("empty authenticator must report disabled")
	}

	owner, err := authenticator.Authenticate("anything")
	if err != nil {
		t.Fatalf("Authenticate returned error: %v", err)
	}
	if owner != DefaultOwner {
		t.Fatalf("expected default owner, got %q", owner)
	}
}

func TestPreHashedTokensAreAccepted(t *testing.T) {
	seed, err := NewAuthenticator(map[string]string{"admin": "secret"})
	if err != nil {
		t.Fatalf("NewAuthenticator returned error: %v", err)
	}
	hash := seed.hashes["admin"]

	authenticator, err := NewAuthenticator(map[string]string{"admin": hash})
	if err != nil {
		t.Fatalf("NewAuthenticator with hash returned error: %v", err)
	}
	owner, err := authenticator.Authenticate("secret")
	if err != nil {
		t.Fatalf("Authenticate returned error: %v", err)
	}
	if owner != "admin" {
		t.Fatalf("expected owner admin, got %q", owner)
	}
}
