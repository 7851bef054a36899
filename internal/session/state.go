package session

import (
	"errors"
	"time"

	"github.com/tyemirov/tauth-client/internal/gateway"
)

// State is the lifecycle state of the session handle.
type State int

const (
	StateAnonymous State = iota
	StateRestoring
	StateAuthenticating
	StateAuthenticated
	StateAwaitingPasswordCreation
	StateRefreshingToken
	StateSignedOut
)

var stateNames = map[State]string{
	StateAnonymous:                "anonymous",
	StateRestoring:                "restoring",
	StateAuthenticating:           "authenticating",
	StateAuthenticated:            "authenticated",
	StateAwaitingPasswordCreation: "awaiting_password_creation",
	StateRefreshingToken:          "refreshing_token",
	StateSignedOut:                "signed_out",
}

func (state State) String() string {
	if name, ok := stateNames[state]; ok {
		return name
	}
	return "unknown"
}

// MarshalText renders the state name in JSON views.
func (state State) MarshalText() ([]byte, error) {
	return []byte(state.String()), nil
}

// Sentinel errors exposed by the manager.
var (
	ErrNotAuthenticated        = errors.New("session.not_authenticated")
	ErrAlreadyAuthenticated    = errors.New("session.already_authenticated")
	ErrBusy                    = errors.New("session.busy")
	ErrClosed                  = errors.New("session.closed")
	ErrNoRefreshToken          = errors.New("session.no_refresh_token")
	ErrSuperseded              = errors.New("session.superseded")
	ErrEmptyPassword           = errors.New("session.empty_password")
	ErrFederatedCredential     = errors.New("session.federated.invalid_credential")
	ErrFederatedEmailMismatch  = errors.New("session.federated.email_mismatch")
	ErrMissingGateway          = errors.New("session.missing_gateway")
	ErrMissingTokenStore       = errors.New("session.missing_token_store")
	ErrMissingCacheInvalidator = errors.New("session.missing_cache_invalidator")
)

// UserProfile is the authenticated user's profile.
type UserProfile struct {
	Email     string            `json:"email"`
	Name      string            `json:"name"`
	LoginType gateway.LoginType `json:"login_type"`
	FirstName string            `json:"first_name,omitempty"`
	LastName  string            `json:"last_name,omitempty"`
}

func profileFromGateway(profile gateway.Profile) *UserProfile {
	return &UserProfile{
		Email:     profile.Email,
		Name:      profile.Name,
		LoginType: profile.LoginType,
		FirstName: profile.FirstName,
		LastName:  profile.LastName,
	}
}

// Session is the token material and identity held for the current user.
type Session struct {
	AccessToken              string
	RefreshToken             string
	ExpiresAt                time.Time
	User                     *UserProfile
	RequiresPasswordCreation bool
}

// View is the derived session state exposed to the rest of the application.
type View struct {
	IsAuthenticated          bool         `json:"is_authenticated"`
	RequiresPasswordCreation bool         `json:"requires_password_creation"`
	User                     *UserProfile `json:"user,omitempty"`
	Loading                  bool         `json:"loading"`
	State                    State        `json:"state"`
	ExpiresAt                *time.Time   `json:"expires_at,omitempty"`
}
