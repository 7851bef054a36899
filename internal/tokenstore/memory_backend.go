package tokenstore

import (
	"context"
	"sync"
)

// MemoryBackend keeps sealed secrets in process memory. Intended for tests and dev.
type MemoryBackend struct {
	mutex   sync.Mutex
	records map[string][]byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string][]byte)}
}

// LoadSecrets returns copies of the stored records.
func (backend *MemoryBackend) LoadSecrets(ctx context.Context) ([]byte, []byte, error) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	access, ok := backend.records[AccessTokenKey]
	if !ok {
		return nil, nil, ErrSecretsNotFound
	}
	return cloneBytes(access), cloneBytes(backend.records[RefreshTokenKey]), nil
}

// SaveSecrets replaces both records under one lock.
func (backend *MemoryBackend) SaveSecrets(ctx context.Context, access []byte, refresh []byte) error {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	backend.records[AccessTokenKey] = cloneBytes(access)
	if refresh == nil {
		delete(backend.records, RefreshTokenKey)
		return nil
	}
	backend.records[RefreshTokenKey] = cloneBytes(refresh)
	return nil
}

// DeleteSecrets removes both records.
func (backend *MemoryBackend) DeleteSecrets(ctx context.Context) error {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	delete(backend.records, AccessTokenKey)
	delete(backend.records, RefreshTokenKey)
	return nil
}

// Len reports the number of stored records.
func (backend *MemoryBackend) Len() int {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	return len(backend.records)
}

// Close is a no-op.
func (backend *MemoryBackend) Close() error {
	return nil
}

func cloneBytes(source []byte) []byte {
	if source == nil {
		return nil
	}
	clone := make([]byte, len(source))
	copy(clone, source)
	return clone
}
