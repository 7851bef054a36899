package fakeapi

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"
)

const refreshOpaqueByteLength = 32

var (
	ErrRefreshTokenNotFound    = errors.New("refresh_store.not_found")
	ErrRefreshTokenRevoked     = errors.New("refresh_store.revoked")
	ErrRefreshTokenExpired     = errors.New("refresh_store.expired")
	ErrRefreshTokenEmptyOpaque = errors.New("refresh_store.empty_token")
)

var refreshTokenRandomSource io.Reader = rand.Reader

func generateRefreshOpaque() (string, string, error) {
	randomBytes := make([]byte, refreshOpaqueByteLength)
	if _, err := io.ReadFull(refreshTokenRandomSource, randomBytes); err != nil {
		return "", "", fmt.Errorf("refresh_store.random: %w", err)
	}
	opaque := base64.RawURLEncoding.EncodeToString(randomBytes)
	return opaque, hashOpaque(opaque), nil
}

func hashOpaque(opaque string) string {
	sum := sha256.Sum256([]byte(opaque))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

type refreshRecord struct {
	tokenID         string
	email           string
	expiresAt       time.Time
	revokedAt       time.Time
	previousTokenID string
}

// refreshTokenStore keeps opaque refresh tokens by hash. Rotation links each
// token to the one it replaced.
type refreshTokenStore struct {
	clock Clock

	mutex    sync.Mutex
	byID     map[string]*refreshRecord
	byHash   map[string]string
	sequence uint64
}

func newRefreshTokenStore(clock Clock) *refreshTokenStore {
	return &refreshTokenStore{
		clock:  clock,
		byID:   make(map[string]*refreshRecord),
		byHash: make(map[string]string),
	}
}

func (store *refreshTokenStore) Issue(email string, ttl time.Duration, previousTokenID string) (string, string, error) {
	opaque, hashValue, err := generateRefreshOpaque()
	if err != nil {
		return "", "", err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.sequence++
	tokenID := "rt-" + strconv.FormatUint(store.sequence, 10)
	store.byID[tokenID] = &refreshRecord{
		tokenID:         tokenID,
		email:           email,
		expiresAt:       store.clock.Now().Add(ttl),
		previousTokenID: previousTokenID,
	}
	store.byHash[hashValue] = tokenID
	return tokenID, opaque, nil
}

func (store *refreshTokenStore) Validate(opaque string) (string, string, error) {
	if opaque == "" {
		return "", "", ErrRefreshTokenEmptyOpaque
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	tokenID, ok := store.byHash[hashOpaque(opaque)]
	if !ok {
		return "", "", ErrRefreshTokenNotFound
	}
	record := store.byID[tokenID]
	if record == nil {
		return "", "", ErrRefreshTokenNotFound
	}
	if !record.revokedAt.IsZero() {
		return "", "", ErrRefreshTokenRevoked
	}
	if !store.clock.Now().Before(record.expiresAt) {
		return "", "", ErrRefreshTokenExpired
	}
	return record.email, record.tokenID, nil
}

func (store *refreshTokenStore) Revoke(tokenID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record := store.byID[tokenID]
	if record == nil {
		return ErrRefreshTokenNotFound
	}
	if record.revokedAt.IsZero() {
		record.revokedAt = store.clock.Now()
	}
	return nil
}

// RevokeAll revokes every live token of email and reports how many were revoked.
func (store *refreshTokenStore) RevokeAll(email string) int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	now := store.clock.Now()
	revoked := 0
	for _, record := range store.byID {
		if record.email == email && record.revokedAt.IsZero() {
			record.revokedAt = now
			revoked++
		}
	}
	return revoked
}

func (store *refreshTokenStore) Live(email string) int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	now := store.clock.Now()
	live := 0
	for _, record := range store.byID {
		if record.email == email && record.revokedAt.IsZero() && now.Before(record.expiresAt) {
			live++
		}
	}
	return live
}
