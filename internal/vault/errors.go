package vault

import (
	"errors"

	"github.com/thanos-vault/thanos/internal/db"
	"github.com/thanos-vault/thanos/krypto"
)

var (
	// ErrInvalidVault means the store is missing, unreadable, or lacks the
	// required config rows.
	ErrInvalidVault = errors.New("invalid vault")
	// ErrAuthentication means the master password does not match.
	ErrAuthentication = errors.New("incorrect master password")
	// ErrDeviceMismatch means the vault is bound to another device. Reopen
	// with the recovery key to migrate it.
	ErrDeviceMismatch = errors.New("vault is bound to a different device")
	// ErrRecoveryKey means the supplied recovery key does not match.
	ErrRecoveryKey = errors.New("invalid recovery key")
	// ErrDecryption is an AEAD authentication failure on any ciphertext.
	ErrDecryption = krypto.ErrDecryption

	ErrVaultExists       = errors.New("vault already exists")
	ErrVaultBusy         = errors.New("vault is in use by another session")
	ErrLocked            = errors.New("vault locked")
	ErrNotFound          = db.ErrNotFound
	ErrInvalidCredential = errors.New("invalid credential")
)

// DeviceMismatchError reports the stored and current fingerprints of a vault
// that needs migration. It matches ErrDeviceMismatch with errors.Is.
type DeviceMismatchError struct {
	Stored  string
	Current string
}

func (e *DeviceMismatchError) Error() string {
	return ErrDeviceMismatch.Error() + "; recovery key required"
}

func (e *DeviceMismatchError) Is(target error) bool {
	return target == ErrDeviceMismatch
}
