package krypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/bcrypt"
)

const (
	// SecretHashCost is the bcrypt cost factor for stored verifiers.
	SecretHashCost = 12

	// bcrypt ignores input past 72 bytes; longer secrets are pre-hashed.
	bcryptMaxInput = 72

	recoveryKeyBytes = 24
)

// HashSecretCost returns a self-salted bcrypt verifier for secret.
func HashSecretCost(secret []byte, cost int) ([]byte, error) {
	input := bcryptInput(secret)
	defer Wipe(input)

	hash, err := bcrypt.GenerateFromPassword(input, cost)
	if err != nil {
		return nil, fmt.Errorf("hash secret: %w", err)
	}
	return hash, nil
}

// VerifySecret reports whether secret matches a verifier from HashSecretCost.
// A malformed verifier is an error; a mismatch is (false, nil).
func VerifySecret(secret, hash []byte) (bool, error) {
	input := bcryptInput(secret)
	defer Wipe(input)

	err := bcrypt.CompareHashAndPassword(hash, input)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("verify secret: %w", err)
	}
}

func bcryptInput(secret []byte) []byte {
	if len(secret) <= bcryptMaxInput {
		return append([]byte(nil), secret...)
	}
	sum := sha256.Sum256(secret)
	out := make([]byte, base64.StdEncoding.EncodedLen(len(sum)))
	base64.StdEncoding.Encode(out, sum[:])
	return out
}

// GenerateRecoveryKey returns a fresh 192-bit recovery token in base58.
func GenerateRecoveryKey() (string, error) {
	raw := make([]byte, recoveryKeyBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate recovery key: %w", err)
	}
	defer Wipe(raw)
	return base58.Encode(raw), nil
}
