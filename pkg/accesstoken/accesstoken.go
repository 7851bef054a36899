// Package accesstoken reads the claims a client needs from an API access token.
//
// The client never holds the server's signing key, so tokens are parsed without
// signature verification. The result is only used to schedule refreshes; the server
// remains the authority on whether a token is valid.
package accesstoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock {
	return systemClock{}
}

// Sentinel errors exposed by the inspector.
var (
	ErrMissingToken   = errors.New("access_token.missing_token")
	ErrMalformedToken = errors.New("access_token.malformed")
	ErrMissingExpiry  = errors.New("access_token.missing_expiry")
)

// Claims represent the subset of the access token payload the client relies on.
type Claims struct {
	TokenType string `json:"type,omitempty"`
	jwt.RegisteredClaims
}

// Email returns the subject, which the API sets to the account email.
func (claims *Claims) Email() string {
	if claims == nil {
		return ""
	}
	return claims.Subject
}

// GetExpiresAt returns the expiry timestamp.
func (claims *Claims) GetExpiresAt() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// Decode parses the token payload without verifying its signature.
func Decode(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("access_token.decode: %w", ErrMissingToken)
	}
	claims := &Claims{}
	if _, _, parseErr := jwt.NewParser().ParseUnverified(tokenString, claims); parseErr != nil {
		return nil, fmt.Errorf("access_token.decode: %w", ErrMalformedToken)
	}
	return claims, nil
}

// ExpiresAt decodes the token and returns its expiry.
func ExpiresAt(tokenString string) (time.Time, error) {
	claims, err := Decode(tokenString)
	if err != nil {
		return time.Time{}, err
	}
	expiresAt := claims.GetExpiresAt()
	if expiresAt.IsZero() {
		return time.Time{}, fmt.Errorf("access_token.expires_at: %w", ErrMissingExpiry)
	}
	return expiresAt, nil
}

// Inspector answers lifetime questions about access tokens against a clock.
type Inspector struct {
	clock Clock
}

// NewInspector constructs an Inspector; a nil clock selects the system clock.
func NewInspector(clock Clock) *Inspector {
	if clock == nil {
		clock = systemClock{}
	}
	return &Inspector{clock: clock}
}

// Remaining returns the lifetime left on the token. Expired tokens report a negative duration.
func (inspector *Inspector) Remaining(tokenString string) (time.Duration, error) {
	expiresAt, err := ExpiresAt(tokenString)
	if err != nil {
		return 0, err
	}
	return expiresAt.Sub(inspector.clock.Now()), nil
}

// NeedsRefresh reports whether the remaining lifetime is at or below the threshold.
func (inspector *Inspector) NeedsRefresh(tokenString string, threshold time.Duration) (bool, error) {
	remaining, err := inspector.Remaining(tokenString)
	if err != nil {
		return false, err
	}
	return remaining <= threshold, nil
}
