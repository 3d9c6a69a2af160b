package vault

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/thanos-vault/thanos/krypto"
	"github.com/thanos-vault/thanos/store"
)

// BackupCodec seals a whole store file under a key derived from the master
// password and the recovery key. Output layout: salt || nonce || ct || tag.
type BackupCodec struct {
	Params krypto.Argon2Params
}

func (c BackupCodec) deriveKey(ctx context.Context, masterPassword, recoveryKey string, salt []byte) ([]byte, error) {
	input := make([]byte, 0, len(masterPassword)+len(recoveryKey))
	input = append(input, masterPassword...)
	input = append(input, recoveryKey...)
	defer krypto.Wipe(input)

	key, err := krypto.DeriveKeyContext(ctx, input, salt, c.Params)
	if err != nil {
		return nil, fmt.Errorf("derive backup key: %w", err)
	}
	return key, nil
}

// Seal encrypts storeBytes under a fresh salt.
func (c BackupCodec) Seal(ctx context.Context, storeBytes []byte, masterPassword, recoveryKey string) ([]byte, error) {
	salt, err := krypto.NewRandomSalt()
	if err != nil {
		return nil, err
	}
	key, err := c.deriveKey(ctx, masterPassword, recoveryKey, salt)
	if err != nil {
		return nil, err
	}
	defer krypto.Wipe(key)

	sealed, err := krypto.Encrypt(key, storeBytes)
	if err != nil {
		return nil, err
	}
	return append(salt, sealed...), nil
}

// Open reverses Seal. A wrong password, a wrong recovery key and a corrupted
// file all yield ErrDecryption.
func (c BackupCodec) Open(ctx context.Context, blob []byte, masterPassword, recoveryKey string) ([]byte, error) {
	if len(blob) < krypto.SaltLengthBytes+krypto.NonceSize+krypto.TagSize {
		return nil, fmt.Errorf("%w: backup too short", ErrDecryption)
	}
	salt := blob[:krypto.SaltLengthBytes]
	key, err := c.deriveKey(ctx, masterPassword, recoveryKey, salt)
	if err != nil {
		return nil, err
	}
	defer krypto.Wipe(key)

	return krypto.Decrypt(key, blob[krypto.SaltLengthBytes:])
}

// BackupVault writes an encrypted copy of the vault at dbPath to backupPath.
// Both secrets are checked against the vault first so an unrestorable backup
// is never written. The vault must not be open in another session.
func (e *Engine) BackupVault(ctx context.Context, dbPath, backupPath, masterPassword, recoveryKey string) error {
	if err := requireVaultFile(dbPath); err != nil {
		return err
	}
	lk, err := lockVault(dbPath)
	if err != nil {
		return err
	}
	defer unlockVault(lk)

	if err := e.checkSecrets(ctx, dbPath, masterPassword, recoveryKey); err != nil {
		return err
	}

	raw, err := os.ReadFile(dbPath)
	if err != nil {
		return fmt.Errorf("read vault: %w", err)
	}
	defer krypto.Wipe(raw)

	blob, err := e.codec.Seal(ctx, raw, masterPassword, recoveryKey)
	if err != nil {
		return err
	}
	if err := store.WriteFileAtomic(backupPath, blob, 0o600); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}

	e.log.Info("backup written", "path", backupPath, "bytes", len(blob))
	return nil
}

func (e *Engine) checkSecrets(ctx context.Context, dbPath, masterPassword, recoveryKey string) error {
	st, err := e.openExisting(ctx, dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	hdr, err := loadHeader(ctx, st, e.kdf)
	if err != nil {
		return err
	}
	if err := e.verify(masterPassword, hdr.masterHash, ErrAuthentication); err != nil {
		return err
	}
	if len(hdr.recoveryHash) == 0 {
		return fmt.Errorf("%w: vault has no recovery key", ErrRecoveryKey)
	}
	return e.verify(recoveryKey, hdr.recoveryHash, ErrRecoveryKey)
}

// RestoreVault decrypts the backup at backupPath into dbPath and opens it
// with the recovery key, which re-binds the vault to this device. dbPath
// must not exist. If the restored vault cannot be opened it is removed.
func (e *Engine) RestoreVault(ctx context.Context, backupPath, dbPath, masterPassword, recoveryKey string) (*Session, error) {
	if _, err := os.Stat(dbPath); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrVaultExists, dbPath)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat vault: %w", err)
	}

	blob, err := os.ReadFile(backupPath)
	if err != nil {
		return nil, fmt.Errorf("read backup: %w", err)
	}
	raw, err := e.codec.Open(ctx, blob, masterPassword, recoveryKey)
	if err != nil {
		return nil, err
	}
	defer krypto.Wipe(raw)

	if err := store.WriteFileAtomic(dbPath, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write restored vault: %w", err)
	}

	s, err := e.OpenVault(ctx, dbPath, masterPassword, recoveryKey)
	if err != nil {
		for _, p := range []string{dbPath, dbPath + "-journal"} {
			if rmErr := os.Remove(p); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				err = errors.Join(err, fmt.Errorf("remove restored vault: %w", rmErr))
			}
		}
		return nil, err
	}

	e.log.Info("vault restored", "path", dbPath, "from", backupPath)
	return s, nil
}
