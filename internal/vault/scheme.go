package vault

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/thanos-vault/thanos/krypto"
)

// Fingerprinter identifies the current machine.
type Fingerprinter interface {
	Compute() (string, error)
	LegacyID() (string, error)
}

// KeyScheme turns the master password into the session key. A scheme is
// chosen once when a vault is opened.
type KeyScheme interface {
	Name() string
	DeriveKey(ctx context.Context, password, salt []byte, p krypto.Argon2Params) ([]byte, error)
}

// LegacyScheme is used by vaults created before fingerprint binding:
// SHA-256(Argon2id(password, salt) || legacyID).
type LegacyScheme struct {
	DeviceID string
}

func (LegacyScheme) Name() string { return "legacy" }

func (s LegacyScheme) DeriveKey(ctx context.Context, password, salt []byte, p krypto.Argon2Params) ([]byte, error) {
	derived, err := krypto.DeriveKeyContext(ctx, password, salt, p)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	defer krypto.Wipe(derived)

	h := sha256.New()
	h.Write(derived)
	h.Write([]byte(s.DeviceID))
	return h.Sum(nil), nil
}

// FingerprintBoundScheme mixes the device fingerprint into the KDF input:
// Argon2id(password || fingerprint, salt).
type FingerprintBoundScheme struct {
	Fingerprint string
}

func (FingerprintBoundScheme) Name() string { return "fingerprint" }

func (s FingerprintBoundScheme) DeriveKey(ctx context.Context, password, salt []byte, p krypto.Argon2Params) ([]byte, error) {
	input := make([]byte, 0, len(password)+len(s.Fingerprint))
	input = append(input, password...)
	input = append(input, s.Fingerprint...)
	defer krypto.Wipe(input)

	key, err := krypto.DeriveKeyContext(ctx, input, salt, p)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}
