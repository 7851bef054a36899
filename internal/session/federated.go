package session

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/api/idtoken"
)

// CredentialVerifier checks a federated identity token before it is exchanged
// and returns the verified email it was issued for.
type CredentialVerifier interface {
	VerifiedEmail(ctx context.Context, idToken string) (string, error)
}

// GoogleTokenValidator validates Google ID tokens.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error)
}

// GoogleCredentialVerifier verifies Google ID tokens issued to the configured web client.
type GoogleCredentialVerifier struct {
	validator GoogleTokenValidator
	clientID  string
}

// NewGoogleCredentialVerifier builds a verifier backed by Google's published keys.
func NewGoogleCredentialVerifier(ctx context.Context, clientID string) (*GoogleCredentialVerifier, error) {
	validator, err := idtoken.NewValidator(ctx)
	if err != nil {
		return nil, fmt.Errorf("session.federated.validator: %w", err)
	}
	return NewGoogleCredentialVerifierWithValidator(validator, clientID), nil
}

// NewGoogleCredentialVerifierWithValidator builds a verifier around an existing validator.
func NewGoogleCredentialVerifierWithValidator(validator GoogleTokenValidator, clientID string) *GoogleCredentialVerifier {
	return &GoogleCredentialVerifier{validator: validator, clientID: strings.TrimSpace(clientID)}
}

// VerifiedEmail validates audience, issuer, and email verification and returns the email claim.
func (verifier *GoogleCredentialVerifier) VerifiedEmail(ctx context.Context, idToken string) (string, error) {
	payload, err := verifier.validator.Validate(ctx, idToken, verifier.clientID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFederatedCredential, err)
	}
	issuerValue, _ := payload.Claims["iss"].(string)
	if issuerValue != "https://accounts.google.com" && issuerValue != "accounts.google.com" {
		return "", fmt.Errorf("%w: invalid issuer", ErrFederatedCredential)
	}
	userEmail, _ := payload.Claims["email"].(string)
	emailVerified, _ := payload.Claims["email_verified"].(bool)
	if strings.TrimSpace(userEmail) == "" || !emailVerified {
		return "", fmt.Errorf("%w: unverified identity", ErrFederatedCredential)
	}
	return userEmail, nil
}
