package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
)

// LoginType describes how an account authenticates.
type LoginType string

const (
	LoginTypePassword  LoginType = "password"
	LoginTypeFederated LoginType = "federated"
	LoginTypeBoth      LoginType = "both"
)

// Wire values of the login_type form field and profile attribute.
const (
	wireLoginNormal = "normal"
	wireLoginGoogle = "google"
	wireLoginBoth   = "both"
)

// ParseLoginType maps a wire login type onto LoginType. Unknown values read as password.
func ParseLoginType(value string) LoginType {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case wireLoginGoogle, string(LoginTypeFederated):
		return LoginTypeFederated
	case wireLoginBoth:
		return LoginTypeBoth
	default:
		return LoginTypePassword
	}
}

// TokenGrant is the credential issuance and refresh response.
type TokenGrant struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	TokenType        string `json:"token_type"`
	Email            string `json:"email"`
	RequiresPassword bool   `json:"requires_password"`
}

// Profile is the authenticated user's profile.
type Profile struct {
	Email     string
	Name      string
	LoginType LoginType
	FirstName string
	LastName  string
}

type profileResponse struct {
	Email      string `json:"email"`
	Name       string `json:"name"`
	LoginType  string `json:"login_type"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	FamilyName string `json:"family_name"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// ProfileUpdate carries the optional fields of a profile or password update.
type ProfileUpdate struct {
	Name            string `json:"name,omitempty"`
	Password        string `json:"password,omitempty"`
	CurrentPassword string `json:"current_password,omitempty"`
}

// IssueToken exchanges an email and password for a token pair.
func (client *Client) IssueToken(ctx context.Context, email string, password string) (TokenGrant, error) {
	form := url.Values{}
	form.Set("username", email)
	form.Set("password", password)
	form.Set("login_type", wireLoginNormal)
	return client.issue(ctx, form)
}

// IssueFederatedToken exchanges a federated identity token for a token pair.
func (client *Client) IssueFederatedToken(ctx context.Context, email string, idToken string) (TokenGrant, error) {
	form := url.Values{}
	form.Set("username", email)
	form.Set("password", "")
	form.Set("login_type", string(LoginTypeFederated))
	form.Set("token", idToken)
	return client.issue(ctx, form)
}

func (client *Client) issue(ctx context.Context, form url.Values) (TokenGrant, error) {
	var grant TokenGrant
	if err := client.Perform(ctx, http.MethodPost, "/auth/token", FormBody(form), nil, &grant); err != nil {
		return TokenGrant{}, err
	}
	if err := validateGrant("/auth/token", grant); err != nil {
		return TokenGrant{}, err
	}
	return grant, nil
}

// SignUp registers an account and returns the server's message.
func (client *Client) SignUp(ctx context.Context, name string, email string, password string) (string, error) {
	request := map[string]string{
		"name":     name,
		"email":    email,
		"password": password,
	}
	var response messageResponse
	if err := client.Perform(ctx, http.MethodPost, "/auth/signup", JSONBody(request), nil, &response); err != nil {
		return "", err
	}
	return response.Message, nil
}

// FetchProfile reads the profile of the token's owner.
func (client *Client) FetchProfile(ctx context.Context, accessToken string) (Profile, error) {
	var response profileResponse
	if err := client.Perform(ctx, http.MethodGet, "/auth/me", nil, Bearer(accessToken), &response); err != nil {
		return Profile{}, err
	}
	if strings.TrimSpace(response.Email) == "" {
		return Profile{}, &DecodeError{Path: "/auth/me", Err: errors.New("missing email")}
	}
	lastName := response.LastName
	if lastName == "" {
		lastName = response.FamilyName
	}
	return Profile{
		Email:     response.Email,
		Name:      response.Name,
		LoginType: ParseLoginType(response.LoginType),
		FirstName: response.FirstName,
		LastName:  lastName,
	}, nil
}

// UpdateProfile changes the name and/or password of the token's owner.
func (client *Client) UpdateProfile(ctx context.Context, accessToken string, update ProfileUpdate) (string, error) {
	var response messageResponse
	if err := client.Perform(ctx, http.MethodPut, "/auth/me/update", JSONBody(update), Bearer(accessToken), &response); err != nil {
		return "", err
	}
	return response.Message, nil
}

// RefreshToken exchanges a refresh token for a new pair.
func (client *Client) RefreshToken(ctx context.Context, refreshToken string) (TokenGrant, error) {
	request := map[string]string{"refresh_token": refreshToken}
	var grant TokenGrant
	if err := client.Perform(ctx, http.MethodPost, "/auth/refresh", JSONBody(request), nil, &grant); err != nil {
		return TokenGrant{}, err
	}
	if err := validateGrant("/auth/refresh", grant); err != nil {
		return TokenGrant{}, err
	}
	return grant, nil
}

// InvalidateSession asks the server to end the session and revoke refreshToken when present.
func (client *Client) InvalidateSession(ctx context.Context, accessToken string, refreshToken string) error {
	var body Body
	if refreshToken != "" {
		body = JSONBody(map[string]string{"refresh_token": refreshToken})
	}
	return client.Perform(ctx, http.MethodPost, "/auth/logout", body, Bearer(accessToken), nil)
}

func validateGrant(path string, grant TokenGrant) error {
	if strings.TrimSpace(grant.AccessToken) == "" {
		return &DecodeError{Path: path, Err: errors.New("missing access_token")}
	}
	return nil
}
