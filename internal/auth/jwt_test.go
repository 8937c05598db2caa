package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

// newTestTokenService creates a TokenService for testing.
// It uses a fixed, known secret so tests are deterministic.
func newTestTokenService(t *testing.T) *TokenService {
	t.Helper()
	ts, err := NewTokenService("test-secret-at-least-16-chars!!")
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	return ts
}

// =========================================================================
// TOKEN SERVICE CONSTRUCTION TESTS
// =========================================================================

func TestNewTokenService_ShortSecret(t *testing.T) {
	_, err := NewTokenService("short")
	if err == nil {
		t.Fatal("NewTokenService() should reject secrets shorter than 16 chars")
	}
}

func TestNewTokenService_ValidSecret(t *testing.T) {
	_, err := NewTokenService("this-is-16-chars")
	if err != nil {
		t.Fatalf("NewTokenService() unexpected error for valid secret: %v", err)
	}
}

// =========================================================================
// ISSUE TESTS
// =========================================================================

func TestIssuePair_ReturnsTwoDistinctJWTs(t *testing.T) {
	ts := newTestTokenService(t)

	pair, err := ts.IssuePair("did:proto:42")
	if err != nil {
		t.Fatalf("IssuePair() error = %v", err)
	}
	if pair.Access == pair.Refresh {
		t.Error("access and refresh tokens must differ")
	}
	// JWT tokens have 3 dot-separated parts: header.payload.signature
	for _, tok := range []string{pair.Access, pair.Refresh} {
		if n := strings.Count(tok, "."); n != 2 {
			t.Errorf("token doesn't look like a JWT (expected 2 dots, got %d)", n)
		}
	}
}

// =========================================================================
// VALIDATE TESTS
// =========================================================================

func TestValidate_RoundTrip(t *testing.T) {
	ts := newTestTokenService(t)
	did := "did:proto:42"

	pair, err := ts.IssuePair(did)
	if err != nil {
		t.Fatalf("IssuePair() error = %v", err)
	}

	got, err := ts.Validate(pair.Access, ScopeAccess)
	if err != nil {
		t.Fatalf("Validate(access) error = %v", err)
	}
	if got != did {
		t.Errorf("Validate() did = %q, want %q", got, did)
	}

	got, err = ts.Validate(pair.Refresh, ScopeRefresh)
	if err != nil || got != did {
		t.Errorf("Validate(refresh) = %q, %v", got, err)
	}
}

func TestValidate_WrongScope(t *testing.T) {
	ts := newTestTokenService(t)
	pair, _ := ts.IssuePair("did:proto:42")

	if _, err := ts.Validate(pair.Refresh, ScopeAccess); !errors.Is(err, ErrWrongScope) {
		t.Errorf("refresh token used as access token: err = %v, want ErrWrongScope", err)
	}
	if _, err := ts.Validate(pair.Access, ScopeRefresh); !errors.Is(err, ErrWrongScope) {
		t.Errorf("access token used as refresh token: err = %v, want ErrWrongScope", err)
	}
}

func TestValidate_ExpiredToken(t *testing.T) {
	ts := newTestTokenService(t)
	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ts.now = func() time.Time { return issued }
	pair, _ := ts.IssuePair("did:proto:42")

	// The access token lives two hours; the refresh token a month.
	ts.now = func() time.Time { return issued.Add(AccessTTL + time.Second) }

	if _, err := ts.Validate(pair.Access, ScopeAccess); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("Validate() err = %v, want ErrTokenExpired", err)
	}
	if _, err := ts.Validate(pair.Refresh, ScopeRefresh); err != nil {
		t.Fatalf("refresh token should still be valid: %v", err)
	}
}

func TestValidate_TamperedToken(t *testing.T) {
	ts := newTestTokenService(t)
	pair, _ := ts.IssuePair("did:proto:42")

	// Flip characters in the signature to simulate an attacker modifying the payload
	tampered := pair.Access[:len(pair.Access)-3] + "xxx"

	if _, err := ts.Validate(tampered, ScopeAccess); err == nil {
		t.Fatal("Validate() should return an error for a tampered token")
	}
}

func TestValidate_WrongSecret(t *testing.T) {
	ts1, _ := NewTokenService("correct-secret-32-chars-long!!!!")
	ts2, _ := NewTokenService("wrong-secret-32-chars-long!!!!!!")

	pair, _ := ts1.IssuePair("did:proto:42")

	if _, err := ts2.Validate(pair.Access, ScopeAccess); err == nil {
		t.Fatal("Validate() should fail when using a different secret")
	}
}

func TestValidate_Garbage(t *testing.T) {
	ts := newTestTokenService(t)

	for _, tok := range []string{"", "not.a.jwt.token"} {
		if _, err := ts.Validate(tok, ScopeAccess); err == nil {
			t.Errorf("Validate(%q) should return an error", tok)
		}
	}
}
