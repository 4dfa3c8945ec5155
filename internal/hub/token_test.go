package hub

import (
	"errors"
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	tm := NewTokenManager("secret")
	token, err := tm.Issue(Claims{Subject: "ops", Scope: ScopeAdmin}, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := tm.VerifyAdmin(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "ops" || claims.Scope != ScopeAdmin {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if claims.ExpiresAt.IsZero() {
		t.Fatalf("expected expiry")
	}
}

func TestTokenRejections(t *testing.T) {
	tm := NewTokenManager("secret")

	viewerScope, _ := tm.Issue(Claims{Subject: "ops", Scope: "read"}, time.Minute)
	if _, err := tm.VerifyAdmin(viewerScope); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for wrong scope, got %v", err)
	}

	expired, _ := tm.Issue(Claims{Subject: "ops", Scope: ScopeAdmin}, -time.Minute)
	if _, err := tm.VerifyAdmin(expired); err == nil {
		t.Fatalf("expected expired token rejected")
	}

	other, _ := NewTokenManager("other").Issue(Claims{Subject: "ops", Scope: ScopeAdmin}, time.Minute)
	if _, err := tm.Verify(other); err == nil {
		t.Fatalf("expected signature mismatch rejected")
	}

	if _, err := tm.Verify("not-a-token"); err == nil {
		t.Fatalf("expected garbage rejected")
	}
}

func TestTokenManagerDisabled(t *testing.T) {
	tm := NewTokenManager("")
	if tm.Enabled() {
		t.Fatalf("empty secret must disable tokens")
	}
	if _, err := tm.Issue(Claims{Scope: ScopeAdmin}, time.Minute); err == nil {
		t.Fatalf("expected issue to fail without secret")
	}
	var nilManager *TokenManager
	if nilManager.Enabled() {
		t.Fatalf("nil manager must be disabled")
	}
}
