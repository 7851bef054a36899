package session

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/api/idtoken"
)

type stubTokenValidator struct {
	payload  *idtoken.Payload
	err      error
	audience string
}

func (validator *stubTokenValidator) Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error) {
	validator.audience = audience
	if validator.err != nil {
		return nil, validator.err
	}
	return validator.payload, nil
}

func TestGoogleCredentialVerifier(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		validator *stubTokenValidator
		wantEmail string
		wantErr   bool
	}{
		{
			name: "verified google identity",
			validator: &stubTokenValidator{payload: &idtoken.Payload{Claims: map[string]interface{}{
				"iss":            "https://accounts.google.com",
				"email":          "a@b.com",
				"email_verified": true,
			}}},
			wantEmail: "a@b.com",
		},
		{
			name: "foreign issuer",
			validator: &stubTokenValidator{payload: &idtoken.Payload{Claims: map[string]interface{}{
				"iss":            "https://example.com",
				"email":          "a@b.com",
				"email_verified": true,
			}}},
			wantErr: true,
		},
		{
			name: "unverified email",
			validator: &stubTokenValidator{payload: &idtoken.Payload{Claims: map[string]interface{}{
				"iss":            "accounts.google.com",
				"email":          "a@b.com",
				"email_verified": false,
			}}},
			wantErr: true,
		},
		{
			name:      "validator rejects token",
			validator: &stubTokenValidator{err: errors.New("idtoken: audience provided does not match aud claim")},
			wantErr:   true,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			verifier := NewGoogleCredentialVerifierWithValidator(testCase.validator, " client-id.apps.googleusercontent.com ")
			email, err := verifier.VerifiedEmail(context.Background(), "id-token")
			if testCase.validator.audience != "client-id.apps.googleusercontent.com" {
				t.Fatalf("expected trimmed audience, got %q", testCase.validator.audience)
			}
			if testCase.wantErr {
				if !errors.Is(err, ErrFederatedCredential) {
					t.Fatalf("expected ErrFederatedCredential, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if email != testCase.wantEmail {
				t.Fatalf("expected %q, got %q", testCase.wantEmail, email)
			}
		})
	}
}
