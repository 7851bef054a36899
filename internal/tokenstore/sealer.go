package tokenstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"
)

const (
	sealingKeySize = 32
	sealingSalt    = "tauth-client:token_store"
	sealingInfo    = "tauth-client:token_store:aes-256-gcm:v1"
)

var errCiphertextTooShort = errors.New("token_store.sealer.ciphertext_too_short")

// Sealer encrypts secrets with AES-256-GCM. The key is derived from a device secret and
// kept in a memguard enclave outside the Go heap; it is only decrypted for a single operation.
type Sealer struct {
	key *memguard.Enclave
}

// NewSealer derives the sealing key from secret. The caller keeps ownership of secret.
func NewSealer(secret []byte) (*Sealer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("token_store.sealer.new: %w", ErrEmptySecret)
	}
	derived := make([]byte, sealingKeySize)
	reader := hkdf.New(sha256.New, secret, []byte(sealingSalt), []byte(sealingInfo))
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, fmt.Errorf("token_store.sealer.derive: %w", err)
	}
	// NewEnclave wipes derived.
	return &Sealer{key: memguard.NewEnclave(derived)}, nil
}

// Seal encrypts plainText, binding it to aad. The nonce is prepended to the output.
func (sealer *Sealer) Seal(plainText []byte, aad []byte) ([]byte, error) {
	aead, release, err := sealer.open()
	if err != nil {
		return nil, err
	}
	defer release()

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("token_store.sealer.nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plainText, aad), nil
}

// Open decrypts a value produced by Seal with the same aad.
func (sealer *Sealer) Open(cipherText []byte, aad []byte) ([]byte, error) {
	aead, release, err := sealer.open()
	if err != nil {
		return nil, err
	}
	defer release()

	if len(cipherText) < aead.NonceSize() {
		return nil, errCiphertextTooShort
	}
	nonce, body := cipherText[:aead.NonceSize()], cipherText[aead.NonceSize():]
	plainText, openErr := aead.Open(nil, nonce, body, aad)
	if openErr != nil {
		return nil, fmt.Errorf("token_store.sealer.open: %w", openErr)
	}
	return plainText, nil
}

func (sealer *Sealer) open() (cipher.AEAD, func(), error) {
	keyBuffer, err := sealer.key.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("token_store.sealer.enclave: %w", err)
	}
	block, err := aes.NewCipher(keyBuffer.Bytes())
	if err != nil {
		keyBuffer.Destroy()
		return nil, nil, fmt.Errorf("token_store.sealer.cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		keyBuffer.Destroy()
		return nil, nil, fmt.Errorf("token_store.sealer.gcm: %w", err)
	}
	return aead, keyBuffer.Destroy, nil
}
