package auth

import (
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestTokenIssuerRoundTrip(t *testing.T) {
	issuer, err := NewTokenIssuer(testSecret, "", time.Hour)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	token, err := issuer.Issue("user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	sub, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if sub != "user-1" {
		t.Fatalf("subject = %q, want user-1", sub)
	}
}

func TestTokenIssuerRejectsExpiredAndForeignTokens(t *testing.T) {
	issuer, _ := NewTokenIssuer(testSecret, "", time.Minute)
	token, _ := issuer.Issue("user-1")

	issuer.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := issuer.Verify(token); err == nil {
		t.Fatalf("expected expired token to fail")
	}

	other, _ := NewTokenIssuer("another-secret-another-secret", "", time.Minute)
	foreign, _ := other.Issue("user-1")
	fresh, _ := NewTokenIssuer(testSecret, "", time.Minute)
	if _, err := fresh.Verify(foreign); err == nil {
		t.Fatalf("expected token signed with another key to fail")
	}
}

func TestNewTokenIssuerRequiresSecret(t *testing.T) {
	if _, err := NewTokenIssuer("short", "", 0); err == nil {
		t.Fatalf("expected short secret to be rejected")
	}
}
