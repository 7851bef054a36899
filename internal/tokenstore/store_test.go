package tokenstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func newTestSealer(t *testing.T) *Sealer {
	t.Helper()
	sealer, err := NewSealer([]byte("device-secret-for-tests"))
	if err != nil {
		t.Fatalf("failed to create sealer: %v", err)
	}
	return sealer
}

func backendCases() []struct {
	name    string
	backend func(t *testing.T) Backend
} {
	return []struct {
		name    string
		backend func(t *testing.T) Backend
	}{
		{
			name: "memory",
			backend: func(t *testing.T) Backend {
				t.Helper()
				return NewMemoryBackend()
			},
		},
		{
			name: "bolt",
			backend: func(t *testing.T) Backend {
				t.Helper()
				backend, err := OpenBoltBackend(filepath.Join(t.TempDir(), "secrets.db"))
				if err != nil {
					t.Fatalf("failed to open bolt backend: %v", err)
				}
				return backend
			},
		},
		{
			name: "sqlite",
			backend: func(t *testing.T) Backend {
				t.Helper()
				backend, err := NewDatabaseBackend(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "secrets.db"))
				if err != nil {
					t.Fatalf("failed to open sqlite backend: %v", err)
				}
				return backend
			},
		},
	}
}

func TestStoreLifecycleAcrossBackends(t *testing.T) {
	t.Parallel()

	for _, testCase := range backendCases() {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			backend := testCase.backend(t)
			defer func() { _ = backend.Close() }()
			store, err := NewStore(backend, newTestSealer(t), zap.NewNop())
			if err != nil {
				t.Fatalf("failed to create store: %v", err)
			}
			ctx := context.Background()

			if _, ok := store.Get(ctx); ok {
				t.Fatalf("expected empty store")
			}

			if err := store.Set(ctx, Credentials{AccessToken: "access-1", RefreshToken: "refresh-1"}); err != nil {
				t.Fatalf("set failed: %v", err)
			}
			credentials, ok := store.Get(ctx)
			if !ok {
				t.Fatalf("expected stored credentials")
			}
			if credentials.AccessToken != "access-1" || credentials.RefreshToken != "refresh-1" {
				t.Fatalf("unexpected credentials %+v", credentials)
			}

			if err := store.Set(ctx, Credentials{AccessToken: "access-2"}); err != nil {
				t.Fatalf("set without refresh failed: %v", err)
			}
			credentials, ok = store.Get(ctx)
			if !ok || credentials.AccessToken != "access-2" || credentials.RefreshToken != "" {
				t.Fatalf("expected pair replaced without refresh token, got %+v (ok=%v)", credentials, ok)
			}

			if err := store.Clear(ctx); err != nil {
				t.Fatalf("clear failed: %v", err)
			}
			if _, ok := store.Get(ctx); ok {
				t.Fatalf("expected empty store after clear")
			}
			if err := store.Clear(ctx); err != nil {
				t.Fatalf("second clear should succeed, got %v", err)
			}
		})
	}
}

func TestStoreSealsSecretsAtRest(t *testing.T) {
	t.Parallel()

	backend := NewMemoryBackend()
	store, err := NewStore(backend, newTestSealer(t), nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.Set(context.Background(), Credentials{AccessToken: "plain-access", RefreshToken: "plain-refresh"}); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	access, refresh, loadErr := backend.LoadSecrets(context.Background())
	if loadErr != nil {
		t.Fatalf("load failed: %v", loadErr)
	}
	if string(access) == "plain-access" || string(refresh) == "plain-refresh" {
		t.Fatalf("expected sealed values in backend")
	}
}

func TestStoreGetReportsAbsentForForeignKey(t *testing.T) {
	t.Parallel()

	backend := NewMemoryBackend()
	writer, err := NewStore(backend, newTestSealer(t), nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := writer.Set(context.Background(), Credentials{AccessToken: "access"}); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	otherSealer, err := NewSealer([]byte("another-device"))
	if err != nil {
		t.Fatalf("failed to create sealer: %v", err)
	}
	reader, err := NewStore(backend, otherSealer, nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if _, ok := reader.Get(context.Background()); ok {
		t.Fatalf("expected absent when secrets cannot be unsealed")
	}
}

type stubBackend struct {
	loadFunc   func(ctx context.Context) ([]byte, []byte, error)
	saveFunc   func(ctx context.Context, access []byte, refresh []byte) error
	deleteFunc func(ctx context.Context) error
}

func (backend *stubBackend) LoadSecrets(ctx context.Context) ([]byte, []byte, error) {
	if backend.loadFunc != nil {
		return backend.loadFunc(ctx)
	}
	return nil, nil, ErrSecretsNotFound
}

func (backend *stubBackend) SaveSecrets(ctx context.Context, access []byte, refresh []byte) error {
	if backend.saveFunc != nil {
		return backend.saveFunc(ctx, access, refresh)
	}
	return nil
}

func (backend *stubBackend) DeleteSecrets(ctx context.Context) error {
	if backend.deleteFunc != nil {
		return backend.deleteFunc(ctx)
	}
	return nil
}

func (backend *stubBackend) Close() error {
	return nil
}

func TestStoreUnavailableBackendReadsAsAbsent(t *testing.T) {
	t.Parallel()

	unavailable := errors.New("disk unavailable")
	store, err := NewStore(&stubBackend{
		loadFunc: func(ctx context.Context) ([]byte, []byte, error) {
			return nil, nil, unavailable
		},
	}, newTestSealer(t), nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if _, ok := store.Get(context.Background()); ok {
		t.Fatalf("expected absent when backend is unavailable")
	}
}

func TestStoreWriteFailuresPropagate(t *testing.T) {
	t.Parallel()

	writeErr := errors.New("read-only filesystem")
	store, err := NewStore(&stubBackend{
		saveFunc: func(ctx context.Context, access []byte, refresh []byte) error {
			return writeErr
		},
		deleteFunc: func(ctx context.Context) error {
			return writeErr
		},
	}, newTestSealer(t), nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	if err := store.Set(context.Background(), Credentials{AccessToken: "a", RefreshToken: "r"}); !errors.Is(err, writeErr) {
		t.Fatalf("expected set to propagate backend error, got %v", err)
	}
	if err := store.Clear(context.Background()); !errors.Is(err, writeErr) {
		t.Fatalf("expected clear to propagate backend error, got %v", err)
	}
}

func TestStoreRejectsEmptyAccessToken(t *testing.T) {
	t.Parallel()

	store, err := NewStore(NewMemoryBackend(), newTestSealer(t), nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.Set(context.Background(), Credentials{RefreshToken: "refresh-only"}); !errors.Is(err, ErrEmptyAccessToken) {
		t.Fatalf("expected ErrEmptyAccessToken, got %v", err)
	}
}

func TestNewStoreRequiresCollaborators(t *testing.T) {
	t.Parallel()

	if _, err := NewStore(nil, newTestSealer(t), nil); !errors.Is(err, ErrMissingBackend) {
		t.Fatalf("expected ErrMissingBackend, got %v", err)
	}
	if _, err := NewStore(NewMemoryBackend(), nil, nil); !errors.Is(err, ErrMissingSealer) {
		t.Fatalf("expected ErrMissingSealer, got %v", err)
	}
}
