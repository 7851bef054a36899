package fakeapi

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	defaultIssuer     = "tauth-fakeapi"
	defaultAccessTTL  = 30 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

// Clock supplies the current time to token minting and validation.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// FederatedIdentity is the identity carried by a verified federated token.
type FederatedIdentity struct {
	Email      string
	GivenName  string
	FamilyName string
}

// FederatedVerifier resolves a federated identity token.
type FederatedVerifier interface {
	Verify(ctx context.Context, idToken string) (FederatedIdentity, error)
}

// StaticFederatedVerifier accepts exactly the tokens it maps.
type StaticFederatedVerifier map[string]FederatedIdentity

// Verify returns the identity mapped to idToken.
func (verifier StaticFederatedVerifier) Verify(ctx context.Context, idToken string) (FederatedIdentity, error) {
	identity, ok := verifier[idToken]
	if !ok {
		return FederatedIdentity{}, ErrUnknownFederatedToken
	}
	return identity, nil
}

// Config configures signing, lifetimes, and collaborators of the fake API.
type Config struct {
	SigningKey []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Clock      Clock
	Federated  FederatedVerifier
	Logger     *zap.Logger
}
