// Package tokenstore keeps the access and refresh secrets durable and encrypted at rest.
package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Fixed storage identifiers for the two persisted secrets.
const (
	AccessTokenKey  = "access_token"
	RefreshTokenKey = "refresh_token"
)

// Credentials is the persisted token pair. RefreshToken may be empty.
type Credentials struct {
	AccessToken  string
	RefreshToken string
}

// Backend persists sealed secrets. SaveSecrets and DeleteSecrets must apply both
// records in a single transaction so that readers never observe half a pair.
type Backend interface {
	// LoadSecrets returns the sealed access and refresh secrets. refresh is nil when absent.
	// ErrSecretsNotFound is returned when no access record exists.
	LoadSecrets(ctx context.Context) (access []byte, refresh []byte, err error)
	// SaveSecrets writes both records; a nil refresh removes the refresh record.
	SaveSecrets(ctx context.Context, access []byte, refresh []byte) error
	// DeleteSecrets removes both records. Deleting absent records succeeds.
	DeleteSecrets(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}

// Store implements get/set/clear over a Backend, sealing every secret with a Sealer.
type Store struct {
	backend Backend
	sealer  *Sealer
	logger  *zap.Logger
}

// NewStore constructs a Store.
func NewStore(backend Backend, sealer *Sealer, logger *zap.Logger) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("token_store.new: %w", ErrMissingBackend)
	}
	if sealer == nil {
		return nil, fmt.Errorf("token_store.new: %w", ErrMissingSealer)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{backend: backend, sealer: sealer, logger: logger}, nil
}

// Get returns the stored pair. Any storage or decryption failure reports absent.
func (store *Store) Get(ctx context.Context) (Credentials, bool) {
	sealedAccess, sealedRefresh, loadErr := store.backend.LoadSecrets(ctx)
	if loadErr != nil {
		if !errors.Is(loadErr, ErrSecretsNotFound) {
			store.logger.Warn("token store unavailable",
				zap.String("code", "token_store.get.load_failed"),
				zap.Error(loadErr))
		}
		return Credentials{}, false
	}

	accessToken, openErr := store.sealer.Open(sealedAccess, []byte(AccessTokenKey))
	if openErr != nil {
		store.logger.Warn("stored access token could not be unsealed",
			zap.String("code", "token_store.get.unseal_failed"),
			zap.Error(openErr))
		return Credentials{}, false
	}
	if strings.TrimSpace(string(accessToken)) == "" {
		return Credentials{}, false
	}

	credentials := Credentials{AccessToken: string(accessToken)}
	if sealedRefresh != nil {
		refreshToken, refreshErr := store.sealer.Open(sealedRefresh, []byte(RefreshTokenKey))
		if refreshErr != nil {
			store.logger.Warn("stored refresh token could not be unsealed",
				zap.String("code", "token_store.get.unseal_failed"),
				zap.Error(refreshErr))
			return Credentials{}, false
		}
		credentials.RefreshToken = string(refreshToken)
	}
	return credentials, true
}

// Set seals and persists the pair atomically.
func (store *Store) Set(ctx context.Context, credentials Credentials) error {
	if strings.TrimSpace(credentials.AccessToken) == "" {
		return fmt.Errorf("token_store.set: %w", ErrEmptyAccessToken)
	}
	sealedAccess, sealErr := store.sealer.Seal([]byte(credentials.AccessToken), []byte(AccessTokenKey))
	if sealErr != nil {
		return fmt.Errorf("token_store.set: %w", sealErr)
	}
	var sealedRefresh []byte
	if credentials.RefreshToken != "" {
		sealedRefresh, sealErr = store.sealer.Seal([]byte(credentials.RefreshToken), []byte(RefreshTokenKey))
		if sealErr != nil {
			return fmt.Errorf("token_store.set: %w", sealErr)
		}
	}
	if err := store.backend.SaveSecrets(ctx, sealedAccess, sealedRefresh); err != nil {
		return fmt.Errorf("token_store.set: %w", err)
	}
	return nil
}

// Clear removes both secrets.
func (store *Store) Clear(ctx context.Context) error {
	if err := store.backend.DeleteSecrets(ctx); err != nil {
		return fmt.Errorf("token_store.clear: %w", err)
	}
	return nil
}

// Close releases the backend.
func (store *Store) Close() error {
	return store.backend.Close()
}
