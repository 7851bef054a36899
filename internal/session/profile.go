package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/tyemirov/tauth-client/internal/gateway"
)

// settleProfile loads the profile of a freshly established session. An auth
// failure with a refresh token available refreshes once and retries; any other
// failure ends the session.
func (manager *Manager) settleProfile(ctx context.Context, generation uint64) error {
	fetchErr := manager.fetchProfileFor(ctx, generation)
	if fetchErr == nil || errors.Is(fetchErr, ErrSuperseded) {
		return fetchErr
	}
	if manager.isClosed() {
		return fetchErr
	}
	if errors.Is(fetchErr, gateway.ErrAuthExpired) && manager.hasRefreshToken(generation) {
		if refreshErr := manager.refreshGeneration(ctx, generation, ""); refreshErr != nil {
			return refreshErr
		}
		fetchErr = manager.fetchProfileFor(ctx, generation)
		if fetchErr == nil || errors.Is(fetchErr, ErrSuperseded) || manager.isClosed() {
			return fetchErr
		}
	}
	manager.expire(generation, "session.profile.failed", fetchErr)
	return fmt.Errorf("session.profile: %w", fetchErr)
}

func (manager *Manager) fetchProfileFor(ctx context.Context, generation uint64) error {
	manager.mutex.Lock()
	if manager.generation != generation || manager.session == nil {
		manager.mutex.Unlock()
		return ErrSuperseded
	}
	accessToken := manager.session.AccessToken
	manager.mutex.Unlock()

	profile, err := manager.gateway.FetchProfile(ctx, accessToken)
	if err != nil {
		return err
	}
	if !manager.applyProfile(generation, profile) {
		return ErrSuperseded
	}
	return nil
}

// applyProfile installs profile on the session of the given generation. An
// account that only signs in through a federated identity has no local password.
func (manager *Manager) applyProfile(generation uint64, profile gateway.Profile) bool {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	if manager.generation != generation || manager.session == nil {
		return false
	}
	manager.session.User = profileFromGateway(profile)
	manager.session.RequiresPasswordCreation = profile.LoginType == gateway.LoginTypeFederated
	manager.profileLoading = false
	if manager.state != StateRefreshingToken {
		manager.state = manager.resumeStateLocked()
	}
	return true
}

func (manager *Manager) hasRefreshToken(generation uint64) bool {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	return manager.generation == generation && manager.session != nil && strings.TrimSpace(manager.session.RefreshToken) != ""
}

// WithAccessToken runs operation with the current access token. An auth
// failure triggers or joins the single-flight refresh; the original error is
// still returned and the operation is not retried.
func (manager *Manager) WithAccessToken(ctx context.Context, operation func(ctx context.Context, accessToken string) error) error {
	_, err := manager.runAuthorized(ctx, operation)
	return err
}

func (manager *Manager) runAuthorized(ctx context.Context, operation func(ctx context.Context, accessToken string) error) (uint64, error) {
	manager.mutex.Lock()
	if manager.session == nil {
		manager.mutex.Unlock()
		return 0, ErrNotAuthenticated
	}
	accessToken := manager.session.AccessToken
	generation := manager.generation
	manager.mutex.Unlock()

	err := operation(ctx, accessToken)
	if err != nil && errors.Is(err, gateway.ErrAuthExpired) {
		manager.recoverFromAuthFailure(ctx, generation, accessToken)
	}
	return generation, err
}

// recoverFromAuthFailure refreshes unless the rejected token has already been replaced.
func (manager *Manager) recoverFromAuthFailure(ctx context.Context, generation uint64, rejectedToken string) {
	manager.mutex.Lock()
	current := manager.generation == generation && manager.session != nil && manager.session.AccessToken == rejectedToken
	manager.mutex.Unlock()
	if !current {
		return
	}
	if refreshErr := manager.refreshGeneration(ctx, generation, rejectedToken); refreshErr != nil && !errors.Is(refreshErr, ErrSuperseded) {
		manager.logger.Warn("refresh after rejected token failed",
			zap.String("code", "session.auth_expired.refresh_failed"),
			zap.Error(refreshErr))
	}
}

// RefreshProfile reloads the profile. Only auth failures affect the session.
func (manager *Manager) RefreshProfile(ctx context.Context) (*UserProfile, error) {
	var profile gateway.Profile
	generation, err := manager.runAuthorized(ctx, func(ctx context.Context, accessToken string) error {
		fetched, fetchErr := manager.gateway.FetchProfile(ctx, accessToken)
		profile = fetched
		return fetchErr
	})
	if err != nil {
		return nil, fmt.Errorf("session.profile: %w", err)
	}
	if !manager.applyProfile(generation, profile) {
		return nil, ErrSuperseded
	}
	return profileFromGateway(profile), nil
}

// UpdatePassword sets or changes the local password. A session awaiting
// password creation becomes fully authenticated.
func (manager *Manager) UpdatePassword(ctx context.Context, password string, currentPassword string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", ErrEmptyPassword
	}
	var message string
	generation, err := manager.runAuthorized(ctx, func(ctx context.Context, accessToken string) error {
		updated, updateErr := manager.gateway.UpdateProfile(ctx, accessToken, gateway.ProfileUpdate{
			Password:        password,
			CurrentPassword: currentPassword,
		})
		message = updated
		return updateErr
	})
	if err != nil {
		return "", fmt.Errorf("session.password: %w", err)
	}

	manager.mutex.Lock()
	if manager.generation == generation && manager.session != nil {
		manager.session.RequiresPasswordCreation = false
		if manager.session.User != nil && manager.session.User.LoginType == gateway.LoginTypeFederated {
			manager.session.User.LoginType = gateway.LoginTypeBoth
		}
		if manager.state == StateAwaitingPasswordCreation {
			manager.state = StateAuthenticated
		}
	}
	manager.mutex.Unlock()
	manager.metrics.Increment(MetricPasswordUpdated)

	if _, profileErr := manager.RefreshProfile(ctx); profileErr != nil {
		manager.logger.Warn("profile reload after password update failed",
			zap.String("code", "session.password.profile_failed"),
			zap.Error(profileErr))
	}
	return message, nil
}
