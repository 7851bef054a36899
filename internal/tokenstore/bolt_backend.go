package tokenstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var credentialsBucket = []byte("credentials")

// BoltBackend keeps sealed secrets in a BBolt file on the device.
type BoltBackend struct {
	db *bbolt.DB
}

// OpenBoltBackend opens (or creates) the BBolt file at path with owner-only permissions.
// Missing parent directories are created with owner-only permissions.
func OpenBoltBackend(path string) (*BoltBackend, error) {
	if directory := filepath.Dir(path); directory != "." && directory != "" {
		if err := os.MkdirAll(directory, 0o700); err != nil {
			return nil, fmt.Errorf("token_store.open.bolt: %w", err)
		}
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("token_store.open.bolt: %w", err)
	}
	createErr := db.Update(func(tx *bbolt.Tx) error {
		_, bucketErr := tx.CreateBucketIfNotExists(credentialsBucket)
		return bucketErr
	})
	if createErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("token_store.open.bolt: %w", createErr)
	}
	return &BoltBackend{db: db}, nil
}

// LoadSecrets reads both records in one read transaction.
func (backend *BoltBackend) LoadSecrets(ctx context.Context) ([]byte, []byte, error) {
	var access, refresh []byte
	err := backend.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(credentialsBucket)
		if bucket == nil {
			return ErrSecretsNotFound
		}
		storedAccess := bucket.Get([]byte(AccessTokenKey))
		if storedAccess == nil {
			return ErrSecretsNotFound
		}
		// bbolt values are only valid for the life of the transaction.
		access = cloneBytes(storedAccess)
		refresh = cloneBytes(bucket.Get([]byte(RefreshTokenKey)))
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return access, refresh, nil
}

// SaveSecrets writes both records in one read-write transaction.
func (backend *BoltBackend) SaveSecrets(ctx context.Context, access []byte, refresh []byte) error {
	err := backend.db.Update(func(tx *bbolt.Tx) error {
		bucket, bucketErr := tx.CreateBucketIfNotExists(credentialsBucket)
		if bucketErr != nil {
			return bucketErr
		}
		if putErr := bucket.Put([]byte(AccessTokenKey), access); putErr != nil {
			return putErr
		}
		if refresh == nil {
			return bucket.Delete([]byte(RefreshTokenKey))
		}
		return bucket.Put([]byte(RefreshTokenKey), refresh)
	})
	if err != nil {
		return fmt.Errorf("token_store.save.bolt: %w", err)
	}
	return nil
}

// DeleteSecrets removes both records in one read-write transaction.
func (backend *BoltBackend) DeleteSecrets(ctx context.Context) error {
	err := backend.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(credentialsBucket)
		if bucket == nil {
			return nil
		}
		if deleteErr := bucket.Delete([]byte(AccessTokenKey)); deleteErr != nil {
			return deleteErr
		}
		return bucket.Delete([]byte(RefreshTokenKey))
	})
	if err != nil {
		return fmt.Errorf("token_store.delete.bolt: %w", err)
	}
	return nil
}

// Close closes the BBolt file.
func (backend *BoltBackend) Close() error {
	return backend.db.Close()
}
