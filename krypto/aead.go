package krypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// NonceSize is the AES-GCM nonce length prefixed to every blob.
	NonceSize = 12
	// TagSize is the GCM authentication tag length suffixed to every blob.
	TagSize = 16
)

// ErrDecryption is returned whenever a blob fails authentication: wrong key,
// corrupted bytes and tampering are indistinguishable.
var ErrDecryption = errors.New("decryption failed: authentication tag mismatch")

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLengthBytes {
		return nil, errors.New("aes-gcm requires a 32-byte key")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// Encrypt seals plaintext with AES-256-GCM under key and returns
// nonce || ciphertext || tag. The nonce is always drawn from crypto/rand.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	blob := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(rand.Reader, blob); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return gcm.Seal(blob, blob[:NonceSize], plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt. Any authentication failure,
// including a blob too short to hold nonce and tag, yields ErrDecryption.
func Decrypt(key, blob []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(blob) < NonceSize+TagSize {
		return nil, fmt.Errorf("%w: blob too short", ErrDecryption)
	}

	plaintext, err := gcm.Open(nil, blob[:NonceSize], blob[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}
