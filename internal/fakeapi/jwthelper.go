package fakeapi

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AccessClaims are embedded in the access token. The subject is the account email.
type AccessClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// MintAccessToken creates a signed HS256 access token for email.
func MintAccessToken(clock Clock, email string, name string, issuer string, signingKey []byte, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(email) == "" {
		return "", time.Time{}, errors.New("jwt.mint.failure: subject must be non-empty")
	}
	issuedAt := clock.Now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, AccessClaims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   email,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("jwt.mint.failure: %w", err)
	}
	return signed, expiresAt, nil
}

// ParseAccessToken validates signature, issuer, and lifetime against clock.
func ParseAccessToken(clock Clock, tokenString string, issuer string, signingKey []byte) (*AccessClaims, error) {
	parsedToken, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(parsed *jwt.Token) (interface{}, error) {
		return signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("jwt.parse.failure: %w", err)
	}
	claims, ok := parsedToken.Claims.(*AccessClaims)
	if !ok || !parsedToken.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, errors.New("jwt.parse.failure: invalid claims")
	}
	return claims, nil
}
