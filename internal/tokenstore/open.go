package tokenstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// OpenBackend selects a backend from the store URL scheme:
// memory://, bolt:///path/file.db, sqlite:///path/file.db, postgres://...
// The returned label names the selected driver.
func OpenBackend(ctx context.Context, storeURL string) (Backend, string, error) {
	parsed, err := url.Parse(strings.TrimSpace(storeURL))
	if err != nil {
		return nil, "", fmt.Errorf("token_store.parse_url: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory":
		return NewMemoryBackend(), "memory", nil
	case "bolt", "bbolt":
		path, pathErr := buildLocalPath(parsed)
		if pathErr != nil {
			return nil, "", fmt.Errorf("token_store.bolt: %w", pathErr)
		}
		backend, openErr := OpenBoltBackend(path)
		if openErr != nil {
			return nil, "", openErr
		}
		return backend, "bolt", nil
	case "sqlite", "sqlite3", "postgres", "postgresql":
		backend, openErr := NewDatabaseBackend(ctx, storeURL)
		if openErr != nil {
			return nil, "", openErr
		}
		return backend, backend.Driver(), nil
	case "":
		return nil, "", fmt.Errorf("token_store.dialect: %w", errUnsupportedNoScheme)
	default:
		return nil, "", fmt.Errorf("token_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedBackend)
	}
}
