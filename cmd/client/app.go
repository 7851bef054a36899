package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tyemirov/tauth-client/internal/gateway"
	"github.com/tyemirov/tauth-client/internal/market"
	"github.com/tyemirov/tauth-client/internal/reqcache"
	"github.com/tyemirov/tauth-client/internal/session"
	"github.com/tyemirov/tauth-client/internal/tokenstore"
)

const settlePollInterval = 20 * time.Millisecond

var buildCredentialVerifier = func(ctx context.Context, clientID string) (session.CredentialVerifier, error) {
	verifier, err := session.NewGoogleCredentialVerifier(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return verifier, nil
}

// application is the composition root: one token store, gateway, cache and
// session manager per process.
type application struct {
	logger  *zap.Logger
	store   *tokenstore.Store
	cache   *reqcache.Cache[json.RawMessage]
	manager *session.Manager
	market  *market.Service
	metrics *session.CounterMetrics
}

func buildApplication(ctx context.Context, clientConfig ClientConfig, logger *zap.Logger) (*application, error) {
	backend, driver, openErr := tokenstore.OpenBackend(ctx, clientConfig.TokenStoreURL)
	if openErr != nil {
		return nil, openErr
	}
	secret := clientConfig.TokenStoreSecret
	if secret == "" && driver == "memory" {
		secret = "ephemeral-memory-store"
	}
	sealer, sealerErr := tokenstore.NewSealer([]byte(secret))
	if sealerErr != nil {
		_ = backend.Close()
		return nil, sealerErr
	}
	store, storeErr := tokenstore.NewStore(backend, sealer, logger)
	if storeErr != nil {
		_ = backend.Close()
		return nil, storeErr
	}
	logger.Debug("token store opened", zap.String("code", "client.token_store.opened"), zap.String("driver", driver))

	client, gatewayErr := gateway.New(gateway.Config{
		BaseURL: clientConfig.APIBaseURL,
		Timeout: clientConfig.RequestTimeout,
		Logger:  logger,
	})
	if gatewayErr != nil {
		_ = store.Close()
		return nil, gatewayErr
	}

	var verifier session.CredentialVerifier
	if clientConfig.GoogleWebClientID != "" {
		built, verifierErr := buildCredentialVerifier(ctx, clientConfig.GoogleWebClientID)
		if verifierErr != nil {
			_ = store.Close()
			return nil, fmt.Errorf("config.google_validator_init: %w", verifierErr)
		}
		verifier = built
	}

	cache := reqcache.New[json.RawMessage](reqcache.Config{Logger: logger})
	metrics := session.NewCounterMetrics()
	manager, managerErr := session.NewManager(session.Config{
		Gateway:          client,
		TokenStore:       store,
		Cache:            cache,
		Verifier:         verifier,
		Logger:           logger,
		Metrics:          metrics,
		RefreshThreshold: clientConfig.RefreshThreshold,
		CheckInterval:    clientConfig.RefreshCheckInterval,
	})
	if managerErr != nil {
		_ = store.Close()
		return nil, managerErr
	}

	service, marketErr := market.New(market.Config{
		Gateway:     client,
		Authorizer:  manager,
		Cache:       cache,
		Logger:      logger,
		PriceTTL:    clientConfig.CacheTTL,
		ForecastTTL: clientConfig.CacheTTL,
	})
	if marketErr != nil {
		manager.Close()
		_ = store.Close()
		return nil, marketErr
	}

	return &application{
		logger:  logger,
		store:   store,
		cache:   cache,
		manager: manager,
		market:  service,
		metrics: metrics,
	}, nil
}

// start restores the persisted session and waits until the restore settles.
func (app *application) start(ctx context.Context) error {
	if err := app.manager.Start(ctx); err != nil {
		return err
	}
	return awaitSettled(ctx, app.manager)
}

func (app *application) close() {
	app.manager.Close()
	if err := app.store.Close(); err != nil {
		app.logger.Warn("token store close failed", zap.String("code", "client.token_store.close_failed"), zap.Error(err))
	}
}

// awaitSettled blocks while the session is restoring, refreshing, or loading its profile.
func awaitSettled(ctx context.Context, manager *session.Manager) error {
	ticker := time.NewTicker(settlePollInterval)
	defer ticker.Stop()
	for {
		view := manager.View()
		if !view.Loading && view.State != session.StateRestoring && view.State != session.StateRefreshingToken {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("client.await_session: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
