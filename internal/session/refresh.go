package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tyemirov/tauth-client/internal/tokenstore"
)

// Refresh rotates the credentials now. Concurrent triggers join the refresh already in flight.
func (manager *Manager) Refresh(ctx context.Context) error {
	manager.mutex.Lock()
	if manager.session == nil {
		manager.mutex.Unlock()
		return ErrNotAuthenticated
	}
	generation := manager.generation
	manager.mutex.Unlock()
	return manager.refreshGeneration(ctx, generation, "")
}

// refreshGeneration runs at most one refresh per session generation. Callers
// whose ctx ends stop waiting; the refresh itself runs on the manager's context.
// A non-empty observedToken makes the refresh a no-op once that token has been rotated.
func (manager *Manager) refreshGeneration(ctx context.Context, generation uint64, observedToken string) error {
	key := "refresh:" + strconv.FormatUint(generation, 10)
	resultChannel := manager.refreshFlights.DoChan(key, func() (any, error) {
		return nil, manager.runRefresh(generation, observedToken)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case result := <-resultChannel:
		return result.Err
	}
}

func (manager *Manager) runRefresh(generation uint64, observedToken string) error {
	if !manager.track() {
		return ErrClosed
	}
	defer manager.background.Done()

	manager.mutex.Lock()
	if manager.generation != generation || manager.session == nil {
		manager.mutex.Unlock()
		return ErrSuperseded
	}
	if observedToken != "" && manager.session.AccessToken != observedToken {
		manager.mutex.Unlock()
		return nil
	}
	refreshToken := manager.session.RefreshToken
	manager.state = StateRefreshingToken
	manager.mutex.Unlock()
	manager.metrics.Increment(MetricRefreshStarted)

	if strings.TrimSpace(refreshToken) == "" {
		manager.metrics.Increment(MetricRefreshFailure)
		manager.expire(generation, "session.refresh.no_refresh_token", ErrNoRefreshToken)
		return fmt.Errorf("session.refresh: %w", ErrNoRefreshToken)
	}

	grant, refreshErr := manager.gateway.RefreshToken(manager.baseContext, refreshToken)
	if refreshErr != nil {
		if manager.baseContext.Err() != nil {
			manager.resume(generation)
			return fmt.Errorf("session.refresh: %w", ErrClosed)
		}
		manager.metrics.Increment(MetricRefreshFailure)
		manager.expire(generation, "session.refresh.failed", refreshErr)
		return fmt.Errorf("session.refresh: %w", refreshErr)
	}
	nextRefreshToken := grant.RefreshToken
	if strings.TrimSpace(nextRefreshToken) == "" {
		nextRefreshToken = refreshToken
	}

	manager.storeMutex.Lock()
	if !manager.generationCurrent(generation) {
		manager.storeMutex.Unlock()
		manager.metrics.Increment(MetricRefreshDiscarded)
		return ErrSuperseded
	}
	credentials := tokenstore.Credentials{AccessToken: grant.AccessToken, RefreshToken: nextRefreshToken}
	if persistErr := manager.store.Set(context.WithoutCancel(manager.baseContext), credentials); persistErr != nil {
		manager.storeMutex.Unlock()
		manager.metrics.Increment(MetricRefreshFailure)
		manager.expire(generation, "session.refresh.persist_failed", persistErr)
		return fmt.Errorf("session.refresh.persist: %w", persistErr)
	}
	manager.mutex.Lock()
	applied := manager.generation == generation && manager.session != nil
	if applied {
		manager.session.AccessToken = grant.AccessToken
		manager.session.RefreshToken = nextRefreshToken
		manager.session.ExpiresAt = expiryOf(grant.AccessToken)
		manager.state = manager.resumeStateLocked()
	}
	manager.mutex.Unlock()
	manager.storeMutex.Unlock()

	if !applied {
		manager.metrics.Increment(MetricRefreshDiscarded)
		return ErrSuperseded
	}
	manager.metrics.Increment(MetricRefreshSuccess)
	manager.logger.Info("credentials refreshed",
		zap.String("code", "session.refresh.success"),
		zap.String("token_fingerprint", fingerprint(grant.AccessToken)))
	return nil
}

func (manager *Manager) generationCurrent(generation uint64) bool {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	return manager.generation == generation && manager.session != nil
}

// resume leaves RefreshingToken without changing the credentials.
func (manager *Manager) resume(generation uint64) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	if manager.generation == generation && manager.session != nil && manager.state == StateRefreshingToken {
		manager.state = manager.resumeStateLocked()
	}
}

// expire ends the session of the given generation after an unrecoverable
// failure and purges the token store and the cache.
func (manager *Manager) expire(generation uint64, code string, cause error) {
	manager.mutex.Lock()
	if manager.generation != generation || manager.session == nil {
		manager.mutex.Unlock()
		return
	}
	manager.destroyLocked(StateSignedOut)
	manager.mutex.Unlock()

	manager.metrics.Increment(MetricExpired)
	manager.logger.Warn("session ended",
		zap.String("code", code),
		zap.Error(cause))
	_ = manager.purge(context.WithoutCancel(manager.baseContext))
}

func (manager *Manager) startCheckerLocked() {
	if manager.closed || manager.checkerStop != nil {
		return
	}
	stop := make(chan struct{})
	manager.checkerStop = stop
	ticks, stopTicker := manager.newTicker(manager.checkInterval)
	manager.background.Add(1)
	go manager.runChecker(ticks, stopTicker, stop)
}

func (manager *Manager) stopCheckerLocked() {
	if manager.checkerStop != nil {
		close(manager.checkerStop)
		manager.checkerStop = nil
	}
}

func (manager *Manager) runChecker(ticks <-chan time.Time, stopTicker func(), stop <-chan struct{}) {
	defer manager.background.Done()
	defer stopTicker()
	for {
		select {
		case <-stop:
			return
		case <-manager.baseContext.Done():
			return
		case <-ticks:
			manager.checkExpiry()
		}
	}
}

// checkExpiry refreshes when the access token's remaining lifetime is at or below the threshold.
func (manager *Manager) checkExpiry() {
	manager.mutex.Lock()
	if manager.session == nil || manager.state == StateRefreshingToken {
		manager.mutex.Unlock()
		return
	}
	accessToken := manager.session.AccessToken
	generation := manager.generation
	manager.mutex.Unlock()

	needsRefresh, err := manager.inspector.NeedsRefresh(accessToken, manager.refreshThreshold)
	if err != nil {
		manager.logger.Debug("access token expiry unavailable",
			zap.String("code", "session.check.undecodable"),
			zap.Error(err))
		return
	}
	if !needsRefresh {
		return
	}
	manager.logger.Info("access token near expiry",
		zap.String("code", "session.check.refresh_due"))
	if refreshErr := manager.refreshGeneration(manager.baseContext, generation, accessToken); refreshErr != nil && !errors.Is(refreshErr, ErrSuperseded) {
		manager.logger.Warn("scheduled refresh failed",
			zap.String("code", "session.check.refresh_failed"),
			zap.Error(refreshErr))
	}
}

// fingerprint identifies a token in logs without revealing it.
func fingerprint(token string) string {
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:6])
}
