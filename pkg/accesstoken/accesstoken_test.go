package accesstoken

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type fixedClock struct {
	current time.Time
}

func (clock fixedClock) Now() time.Time {
	return clock.current
}

func mintToken(t *testing.T, subject string, issuedAt time.Time, ttl time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		TokenType: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	})
	result, err := token.SignedString([]byte("server-only-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return result
}

func TestDecodeReadsClaimsWithoutSigningKey(t *testing.T) {
	t.Parallel()

	issuedAt := time.Unix(1700000000, 0).UTC()
	token := mintToken(t, "student@example.com", issuedAt, 15*time.Minute)

	claims, err := Decode(token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claims.Email() != "student@example.com" {
		t.Fatalf("unexpected subject %q", claims.Email())
	}
	if claims.TokenType != "access" {
		t.Fatalf("unexpected token type %q", claims.TokenType)
	}
	if !claims.GetExpiresAt().Equal(issuedAt.Add(15 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", claims.GetExpiresAt())
	}
}

func TestDecodeRejectsEmptyAndMalformedTokens(t *testing.T) {
	t.Parallel()

	if _, err := Decode("   "); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
	if _, err := Decode("not-a-jwt"); !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("expected malformed token error, got %v", err)
	}
}

func TestExpiresAtRequiresExpiryClaim(t *testing.T) {
	t.Parallel()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "someone"})
	signed, err := token.SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	if _, err := ExpiresAt(signed); !errors.Is(err, ErrMissingExpiry) {
		t.Fatalf("expected missing expiry error, got %v", err)
	}
}

func TestInspectorNeedsRefreshAtThreshold(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	inspector := NewInspector(fixedClock{current: now})

	nearExpiry := mintToken(t, "a@b.com", now.Add(-10*time.Minute), 10*time.Minute+200*time.Second)
	needsRefresh, err := inspector.NeedsRefresh(nearExpiry, 300*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !needsRefresh {
		t.Fatalf("expected refresh with 200s remaining and a 300s threshold")
	}

	exactlyAtThreshold := mintToken(t, "a@b.com", now, 300*time.Second)
	needsRefresh, err = inspector.NeedsRefresh(exactlyAtThreshold, 300*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !needsRefresh {
		t.Fatalf("expected refresh when remaining lifetime equals the threshold")
	}

	fresh := mintToken(t, "a@b.com", now, time.Hour)
	needsRefresh, err = inspector.NeedsRefresh(fresh, 300*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if needsRefresh {
		t.Fatalf("did not expect refresh for a token with an hour remaining")
	}
}

func TestInspectorRemainingIsNegativeAfterExpiry(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	inspector := NewInspector(fixedClock{current: now})
	expired := mintToken(t, "a@b.com", now.Add(-time.Hour), time.Minute)

	remaining, err := inspector.Remaining(expired)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if remaining >= 0 {
		t.Fatalf("expected negative remaining lifetime, got %v", remaining)
	}
}

func TestNewInspectorDefaultsClock(t *testing.T) {
	t.Parallel()

	inspector := NewInspector(nil)
	if inspector.clock == nil {
		t.Fatalf("expected default clock to be set")
	}
}
