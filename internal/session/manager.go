// Package session owns the authenticated identity of the client: restore at
// start, sign-in, credential refresh, profile reload, and sign-out.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tyemirov/tauth-client/internal/gateway"
	"github.com/tyemirov/tauth-client/internal/tokenstore"
	"github.com/tyemirov/tauth-client/pkg/accesstoken"
)

const (
	DefaultRefreshThreshold = 300 * time.Second
	DefaultCheckInterval    = 60 * time.Second
)

// Gateway is the subset of the API client the manager depends on.
type Gateway interface {
	IssueToken(ctx context.Context, email string, password string) (gateway.TokenGrant, error)
	IssueFederatedToken(ctx context.Context, email string, idToken string) (gateway.TokenGrant, error)
	SignUp(ctx context.Context, name string, email string, password string) (string, error)
	FetchProfile(ctx context.Context, accessToken string) (gateway.Profile, error)
	UpdateProfile(ctx context.Context, accessToken string, update gateway.ProfileUpdate) (string, error)
	RefreshToken(ctx context.Context, refreshToken string) (gateway.TokenGrant, error)
	InvalidateSession(ctx context.Context, accessToken string, refreshToken string) error
}

// TokenStore persists the token pair.
type TokenStore interface {
	Get(ctx context.Context) (tokenstore.Credentials, bool)
	Set(ctx context.Context, credentials tokenstore.Credentials) error
	Clear(ctx context.Context) error
}

// CacheInvalidator drops cached entries by key prefix.
type CacheInvalidator interface {
	Invalidate(prefix string) int
}

// TickerFactory returns a tick channel and a function that stops it.
type TickerFactory func(interval time.Duration) (<-chan time.Time, func())

func systemTicker(interval time.Duration) (<-chan time.Time, func()) {
	ticker := time.NewTicker(interval)
	return ticker.C, ticker.Stop
}

// Config wires the manager's collaborators.
type Config struct {
	Gateway          Gateway
	TokenStore       TokenStore
	Cache            CacheInvalidator
	Verifier         CredentialVerifier
	Clock            accesstoken.Clock
	Logger           *zap.Logger
	Metrics          MetricsRecorder
	RefreshThreshold time.Duration
	CheckInterval    time.Duration
	NewTicker        TickerFactory
}

// Manager is the single session handle of the process. It is safe for concurrent use.
type Manager struct {
	gateway          Gateway
	store            TokenStore
	cache            CacheInvalidator
	verifier         CredentialVerifier
	inspector        *accesstoken.Inspector
	logger           *zap.Logger
	metrics          MetricsRecorder
	refreshThreshold time.Duration
	checkInterval    time.Duration
	newTicker        TickerFactory

	baseContext    context.Context
	cancelBase     context.CancelFunc
	refreshFlights singleflight.Group
	background     sync.WaitGroup

	// storeMutex serializes durable writes with the generation check guarding them.
	// Lock order: storeMutex, then mutex.
	storeMutex sync.Mutex

	mutex          sync.Mutex
	state          State
	session        *Session
	generation     uint64
	profileLoading bool
	started        bool
	closed         bool
	checkerStop    chan struct{}
}

// NewManager validates the configuration and returns an Anonymous manager.
func NewManager(config Config) (*Manager, error) {
	if config.Gateway == nil {
		return nil, ErrMissingGateway
	}
	if config.TokenStore == nil {
		return nil, ErrMissingTokenStore
	}
	if config.Cache == nil {
		return nil, ErrMissingCacheInvalidator
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var metrics MetricsRecorder = noopMetrics{}
	if config.Metrics != nil {
		metrics = config.Metrics
	}
	refreshThreshold := config.RefreshThreshold
	if refreshThreshold <= 0 {
		refreshThreshold = DefaultRefreshThreshold
	}
	checkInterval := config.CheckInterval
	if checkInterval <= 0 {
		checkInterval = DefaultCheckInterval
	}
	newTicker := config.NewTicker
	if newTicker == nil {
		newTicker = systemTicker
	}
	baseContext, cancelBase := context.WithCancel(context.Background())
	return &Manager{
		gateway:          config.Gateway,
		store:            config.TokenStore,
		cache:            config.Cache,
		verifier:         config.Verifier,
		inspector:        accesstoken.NewInspector(config.Clock),
		logger:           logger,
		metrics:          metrics,
		refreshThreshold: refreshThreshold,
		checkInterval:    checkInterval,
		newTicker:        newTicker,
		baseContext:      baseContext,
		cancelBase:       cancelBase,
		state:            StateAnonymous,
	}, nil
}

// Start restores a persisted session. A stored access token is trusted
// optimistically while its profile is fetched in the background.
func (manager *Manager) Start(ctx context.Context) error {
	manager.mutex.Lock()
	if manager.closed {
		manager.mutex.Unlock()
		return ErrClosed
	}
	if manager.started || manager.state != StateAnonymous {
		manager.started = true
		manager.mutex.Unlock()
		return nil
	}
	manager.started = true
	manager.state = StateRestoring
	attempt := manager.generation
	manager.mutex.Unlock()

	credentials, found := manager.store.Get(ctx)

	manager.mutex.Lock()
	if manager.generation != attempt || manager.state != StateRestoring {
		manager.mutex.Unlock()
		return nil
	}
	if manager.closed {
		manager.state = StateAnonymous
		manager.mutex.Unlock()
		return ErrClosed
	}
	if !found {
		manager.state = StateAnonymous
		manager.mutex.Unlock()
		manager.metrics.Increment(MetricRestoreEmpty)
		manager.logger.Debug("no stored session", zap.String("code", "session.restore.empty"))
		return nil
	}
	generation := manager.establishLocked(credentials.AccessToken, credentials.RefreshToken, false)
	manager.profileLoading = true
	manager.background.Add(1)
	manager.mutex.Unlock()

	manager.metrics.Increment(MetricRestoreSuccess)
	manager.logger.Info("stored session restored",
		zap.String("code", "session.restore.found"),
		zap.String("token_fingerprint", fingerprint(credentials.AccessToken)))
	go func() {
		defer manager.background.Done()
		if err := manager.settleProfile(manager.baseContext, generation); err != nil {
			manager.logger.Warn("restored session could not load its profile",
				zap.String("code", "session.restore.profile_failed"),
				zap.Error(err))
		}
	}()
	return nil
}

// SignIn exchanges an email and password for a session.
func (manager *Manager) SignIn(ctx context.Context, email string, password string) error {
	return manager.authenticate(ctx, "password", func(ctx context.Context) (gateway.TokenGrant, error) {
		return manager.gateway.IssueToken(ctx, email, password)
	})
}

// SignInWithFederatedCredential exchanges a federated identity token for a session.
// When a verifier is configured the token must be valid and issued for email.
func (manager *Manager) SignInWithFederatedCredential(ctx context.Context, email string, idToken string) error {
	if manager.verifier != nil {
		verifiedEmail, err := manager.verifier.VerifiedEmail(ctx, idToken)
		if err != nil {
			manager.metrics.Increment(MetricSignInFailure)
			return fmt.Errorf("session.sign_in.federated: %w", err)
		}
		if !strings.EqualFold(strings.TrimSpace(verifiedEmail), strings.TrimSpace(email)) {
			manager.metrics.Increment(MetricSignInFailure)
			return fmt.Errorf("session.sign_in.federated: %w", ErrFederatedEmailMismatch)
		}
	}
	return manager.authenticate(ctx, "federated", func(ctx context.Context) (gateway.TokenGrant, error) {
		return manager.gateway.IssueFederatedToken(ctx, email, idToken)
	})
}

func (manager *Manager) authenticate(ctx context.Context, method string, issue func(context.Context) (gateway.TokenGrant, error)) error {
	manager.mutex.Lock()
	switch {
	case manager.closed:
		manager.mutex.Unlock()
		return ErrClosed
	case manager.session != nil:
		manager.mutex.Unlock()
		return ErrAlreadyAuthenticated
	case manager.state == StateRestoring || manager.state == StateAuthenticating:
		manager.mutex.Unlock()
		return ErrBusy
	}
	priorState := manager.state
	manager.state = StateAuthenticating
	attempt := manager.generation
	manager.mutex.Unlock()

	grant, issueErr := issue(ctx)
	if issueErr != nil {
		manager.abandonAttempt(attempt, priorState)
		manager.metrics.Increment(MetricSignInFailure)
		return fmt.Errorf("session.sign_in.%s: %w", method, issueErr)
	}

	manager.storeMutex.Lock()
	if !manager.attemptCurrent(attempt) {
		manager.storeMutex.Unlock()
		return ErrSuperseded
	}
	credentials := tokenstore.Credentials{AccessToken: grant.AccessToken, RefreshToken: grant.RefreshToken}
	if persistErr := manager.store.Set(context.WithoutCancel(ctx), credentials); persistErr != nil {
		manager.storeMutex.Unlock()
		manager.abandonAttempt(attempt, priorState)
		manager.metrics.Increment(MetricSignInFailure)
		return fmt.Errorf("session.sign_in.persist: %w", persistErr)
	}
	manager.mutex.Lock()
	if manager.generation != attempt || manager.state != StateAuthenticating {
		manager.mutex.Unlock()
		manager.storeMutex.Unlock()
		return ErrSuperseded
	}
	generation := manager.establishLocked(grant.AccessToken, grant.RefreshToken, grant.RequiresPassword)
	if grant.RequiresPassword {
		manager.session.User = &UserProfile{Email: grant.Email, LoginType: gateway.LoginTypeFederated}
	} else {
		manager.profileLoading = true
	}
	manager.mutex.Unlock()
	manager.storeMutex.Unlock()

	manager.metrics.Increment(MetricSignInSuccess)
	manager.logger.Info("signed in",
		zap.String("code", "session.sign_in.success"),
		zap.String("method", method),
		zap.Bool("requires_password", grant.RequiresPassword))
	if grant.RequiresPassword {
		return nil
	}
	return manager.settleProfile(ctx, generation)
}

func (manager *Manager) attemptCurrent(attempt uint64) bool {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	return manager.generation == attempt && manager.state == StateAuthenticating
}

func (manager *Manager) abandonAttempt(attempt uint64, priorState State) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	if manager.generation == attempt && manager.state == StateAuthenticating {
		manager.state = priorState
	}
}

// establishLocked installs a new session and returns its generation.
func (manager *Manager) establishLocked(accessToken string, refreshToken string, requiresPassword bool) uint64 {
	manager.generation++
	manager.session = &Session{
		AccessToken:              accessToken,
		RefreshToken:             refreshToken,
		ExpiresAt:                expiryOf(accessToken),
		RequiresPasswordCreation: requiresPassword,
	}
	manager.state = manager.resumeStateLocked()
	manager.startCheckerLocked()
	return manager.generation
}

// destroyLocked ends the current session, if any, and invalidates every result still in flight for it.
func (manager *Manager) destroyLocked(next State) {
	manager.generation++
	manager.session = nil
	manager.state = next
	manager.profileLoading = false
	manager.stopCheckerLocked()
}

func (manager *Manager) resumeStateLocked() State {
	if manager.session != nil && manager.session.RequiresPasswordCreation {
		return StateAwaitingPasswordCreation
	}
	return StateAuthenticated
}

// SignUp registers an account without touching the session.
func (manager *Manager) SignUp(ctx context.Context, name string, email string, password string) (string, error) {
	message, err := manager.gateway.SignUp(ctx, name, email, password)
	if err != nil {
		return "", fmt.Errorf("session.sign_up: %w", err)
	}
	return message, nil
}

// SignOut invalidates the remote session on a best-effort basis, then clears
// the token store and the cache unconditionally. It is safe to call repeatedly.
func (manager *Manager) SignOut(ctx context.Context) error {
	manager.mutex.Lock()
	previous := manager.session
	manager.destroyLocked(StateAnonymous)
	manager.mutex.Unlock()

	if previous != nil {
		if err := manager.gateway.InvalidateSession(ctx, previous.AccessToken, previous.RefreshToken); err != nil {
			manager.metrics.Increment(MetricSignOutRemoteErr)
			manager.logger.Warn("remote session invalidation failed",
				zap.String("code", "session.sign_out.remote_failed"),
				zap.Error(err))
		}
	}
	purgeErr := manager.purge(context.WithoutCancel(ctx))
	manager.metrics.Increment(MetricSignOut)
	manager.logger.Info("signed out", zap.String("code", "session.sign_out"))
	if purgeErr != nil {
		return fmt.Errorf("session.sign_out: %w", purgeErr)
	}
	return nil
}

func (manager *Manager) purge(ctx context.Context) error {
	manager.storeMutex.Lock()
	clearErr := manager.store.Clear(ctx)
	manager.storeMutex.Unlock()
	if clearErr != nil {
		manager.logger.Error("token store could not be cleared",
			zap.String("code", "session.purge.store_failed"),
			zap.Error(clearErr))
	}
	manager.cache.Invalidate("")
	return clearErr
}

// View returns the derived session view.
func (manager *Manager) View() View {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	view := View{
		State:   manager.state,
		Loading: manager.state == StateRestoring || manager.state == StateAuthenticating || manager.profileLoading,
	}
	if manager.session != nil {
		view.IsAuthenticated = true
		view.RequiresPasswordCreation = manager.session.RequiresPasswordCreation
		if manager.session.User != nil {
			user := *manager.session.User
			view.User = &user
		}
		if !manager.session.ExpiresAt.IsZero() {
			expiresAt := manager.session.ExpiresAt
			view.ExpiresAt = &expiresAt
		}
	}
	return view
}

// State returns the current lifecycle state.
func (manager *Manager) State() State {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	return manager.state
}

// Close stops the periodic check, cancels background work, and waits for it.
// The persisted session is left intact.
func (manager *Manager) Close() {
	manager.mutex.Lock()
	if manager.closed {
		manager.mutex.Unlock()
		return
	}
	manager.closed = true
	manager.stopCheckerLocked()
	manager.mutex.Unlock()

	manager.cancelBase()
	manager.background.Wait()
}

func (manager *Manager) isClosed() bool {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	return manager.closed
}

// track registers background work unless the manager is closed.
func (manager *Manager) track() bool {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	if manager.closed {
		return false
	}
	manager.background.Add(1)
	return true
}

func expiryOf(accessToken string) time.Time {
	expiresAt, err := accesstoken.ExpiresAt(accessToken)
	if err != nil {
		return time.Time{}
	}
	return expiresAt
}
