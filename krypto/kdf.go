package krypto

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/crypto/argon2"
)

const (
	// SaltLengthBytes is the length of every KDF salt (vault and backup).
	SaltLengthBytes = 16
	// KeyLengthBytes is the length of every derived key (AES-256).
	KeyLengthBytes = 32

	minParallelism = 2
)

// ErrInvalidParams reports a KDF call with unusable parameters. It signals a
// programming error rather than a user-facing failure.
var ErrInvalidParams = errors.New("invalid key derivation parameters")

// Argon2Params captures tunable parameters for Argon2id.
type Argon2Params struct {
	Time        uint32 `json:"time"`
	MemoryKiB   uint32 `json:"memoryKiB"`
	Parallelism uint8  `json:"parallelism"`
	KeyLen      uint32 `json:"keyLen"`
}

// DefaultArgon2Params returns the desktop defaults: 3 passes over 256 MiB,
// one lane per CPU core (at least two).
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Time:        3,
		MemoryKiB:   256 * 1024,
		Parallelism: DefaultParallelism(),
		KeyLen:      KeyLengthBytes,
	}
}

// BackupParams returns the parameters used for backup files. Parallelism is
// pinned so a backup taken on one machine derives the same key on another.
func BackupParams() Argon2Params {
	return Argon2Params{
		Time:        3,
		MemoryKiB:   256 * 1024,
		Parallelism: 4,
		KeyLen:      KeyLengthBytes,
	}
}

// DefaultParallelism reports the number of available cores, clamped to [2, 255].
func DefaultParallelism() uint8 {
	n := runtime.NumCPU()
	if n < minParallelism {
		n = minParallelism
	}
	if n > 255 {
		n = 255
	}
	return uint8(n)
}

// Validate checks that p can be handed to Argon2id.
func (p Argon2Params) Validate() error {
	switch {
	case p.Time == 0:
		return fmt.Errorf("%w: time cost must be positive", ErrInvalidParams)
	case p.MemoryKiB == 0:
		return fmt.Errorf("%w: memory cost must be positive", ErrInvalidParams)
	case p.Parallelism == 0:
		return fmt.Errorf("%w: parallelism must be positive", ErrInvalidParams)
	case p.KeyLen != KeyLengthBytes:
		return fmt.Errorf("%w: key length must be %d bytes", ErrInvalidParams, KeyLengthBytes)
	}
	return nil
}

// DeriveKeyArgon2id derives a key using Argon2id with the provided parameters.
// The same password, salt and parameters always yield the same key.
func DeriveKeyArgon2id(password []byte, salt []byte, p Argon2Params) ([]byte, error) {
	if len(salt) == 0 {
		return nil, fmt.Errorf("%w: salt is required", ErrInvalidParams)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	key := argon2.IDKey(password, salt, p.Time, p.MemoryKiB, p.Parallelism, p.KeyLen)
	if uint32(len(key)) != p.KeyLen {
		return nil, fmt.Errorf("derived key has unexpected length %d", len(key))
	}
	return key, nil
}

type deriveResult struct {
	key []byte
	err error
}

// DeriveKeyContext runs DeriveKeyArgon2id on its own goroutine so the caller
// can stay responsive. If ctx ends first the caller gets ctx.Err(); the
// abandoned key is wiped once the derivation finishes.
func DeriveKeyContext(ctx context.Context, password []byte, salt []byte, p Argon2Params) ([]byte, error) {
	pw := append([]byte(nil), password...)
	done := make(chan deriveResult, 1)

	go func() {
		defer Wipe(pw)
		key, err := DeriveKeyArgon2id(pw, salt, p)
		done <- deriveResult{key: key, err: err}
	}()

	select {
	case res := <-done:
		return res.key, res.err
	case <-ctx.Done():
		go func() {
			res := <-done
			Wipe(res.key)
		}()
		return nil, ctx.Err()
	}
}

// NewRandomSalt returns a cryptographically secure random salt of SaltLengthBytes.
func NewRandomSalt() ([]byte, error) {
	salt := make([]byte, SaltLengthBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// Wipe overwrites sensitive byte slices in place.
func Wipe(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
