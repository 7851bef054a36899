package tokenstore

import "errors"

var (
	// ErrSecretsNotFound indicates the backend holds no access token record.
	ErrSecretsNotFound = errors.New("token_store.not_found")
	// ErrEmptyAccessToken indicates an attempt to persist credentials without an access token.
	ErrEmptyAccessToken = errors.New("token_store.empty_access_token")
	// ErrEmptySecret indicates that no device secret was supplied to derive the sealing key.
	ErrEmptySecret = errors.New("token_store.empty_secret")
	// ErrUnsupportedBackend indicates that no backend is available for the store URL scheme.
	ErrUnsupportedBackend = errors.New("token_store.unsupported_backend")
	// ErrMissingBackend indicates a Store was constructed without a backend.
	ErrMissingBackend = errors.New("token_store.missing_backend")
	// ErrMissingSealer indicates a Store was constructed without a sealer.
	ErrMissingSealer = errors.New("token_store.missing_sealer")
)
