// Package vault implements the vault lifecycle: creation, unlocking,
// device migration, master password changes, and encrypted backups.
package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/thanos-vault/thanos/internal/db"
	"github.com/thanos-vault/thanos/internal/device"
	"github.com/thanos-vault/thanos/krypto"
)

// CredentialStore is the record store a vault lives in. Atomic must commit
// every write fn makes, or none of them.
type CredentialStore interface {
	db.ReadWriter
	Atomic(ctx context.Context, fn func(db.ReadWriter) error) error
	Snapshot(ctx context.Context, dst string) error
	RestoreFrom(ctx context.Context, src string) error
	Path() string
	Close() error
}

// Config carries everything the engine needs. Zero fields take defaults.
type Config struct {
	// KDF parameters for new vaults and password changes.
	KDF krypto.Argon2Params
	// BackupKDF parameters for backup files.
	BackupKDF krypto.Argon2Params
	// SecretCost is the bcrypt cost for the password and recovery verifiers.
	SecretCost int

	Fingerprinter Fingerprinter
	OpenStore     func(ctx context.Context, path string) (CredentialStore, error)
	Logger        *slog.Logger
}

// Engine runs vault lifecycle operations. It holds no per-vault state.
type Engine struct {
	kdf        krypto.Argon2Params
	secretCost int
	fp         Fingerprinter
	openStore  func(ctx context.Context, path string) (CredentialStore, error)
	codec      BackupCodec
	log        *slog.Logger
}

// New returns an Engine configured by cfg.
func New(cfg Config) *Engine {
	e := &Engine{
		kdf:        cfg.KDF,
		secretCost: cfg.SecretCost,
		fp:         cfg.Fingerprinter,
		openStore:  cfg.OpenStore,
		codec:      BackupCodec{Params: cfg.BackupKDF},
		log:        cfg.Logger,
	}
	if e.kdf == (krypto.Argon2Params{}) {
		e.kdf = krypto.DefaultArgon2Params()
	}
	if e.codec.Params == (krypto.Argon2Params{}) {
		e.codec.Params = krypto.BackupParams()
	}
	if e.secretCost == 0 {
		e.secretCost = krypto.SecretHashCost
	}
	if e.fp == nil {
		e.fp = device.New()
	}
	if e.openStore == nil {
		e.openStore = func(ctx context.Context, path string) (CredentialStore, error) {
			return db.Open(ctx, path)
		}
	}
	if e.log == nil {
		e.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return e
}

// lockVault takes the exclusive lock next to the store file.
func lockVault(path string) (*flock.Flock, error) {
	lk := flock.New(path + ".lock")
	ok, err := lk.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock vault: %w", err)
	}
	if !ok {
		return nil, ErrVaultBusy
	}
	return lk, nil
}

func unlockVault(lk *flock.Flock) {
	if lk != nil {
		_ = lk.Unlock()
	}
}

func requireVaultFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s does not exist", ErrInvalidVault, path)
		}
		return fmt.Errorf("stat vault: %w", err)
	}
	return nil
}

// openExisting opens the store at path, refusing to create a new file.
func (e *Engine) openExisting(ctx context.Context, path string) (CredentialStore, error) {
	if err := requireVaultFile(path); err != nil {
		return nil, err
	}
	st, err := e.openStore(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidVault, err)
	}
	return st, nil
}

func (e *Engine) verify(secret string, hash []byte, mismatch error) error {
	b := []byte(secret)
	defer krypto.Wipe(b)

	ok, err := krypto.VerifySecret(b, hash)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidVault, err)
	}
	if !ok {
		return mismatch
	}
	return nil
}

func (e *Engine) hash(secret string) ([]byte, error) {
	b := []byte(secret)
	defer krypto.Wipe(b)
	return krypto.HashSecretCost(b, e.secretCost)
}

// CreateVault initialises a new vault at path and returns the recovery key.
// The recovery key is never stored and cannot be retrieved again.
func (e *Engine) CreateVault(ctx context.Context, path, masterPassword string) (string, error) {
	if masterPassword == "" {
		return "", errors.New("master password cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("create vault directory: %w", err)
	}

	lk, err := lockVault(path)
	if err != nil {
		return "", err
	}
	defer unlockVault(lk)

	st, err := e.openStore(ctx, path)
	if err != nil {
		return "", fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if _, err := st.GetConfig(ctx, keyMasterHash); err == nil {
		return "", ErrVaultExists
	} else if !errors.Is(err, db.ErrNotFound) {
		return "", fmt.Errorf("check existing vault: %w", err)
	}

	salt, err := krypto.NewRandomSalt()
	if err != nil {
		return "", err
	}
	masterHash, err := e.hash(masterPassword)
	if err != nil {
		return "", fmt.Errorf("hash master password: %w", err)
	}
	fingerprint, err := e.fp.Compute()
	if err != nil {
		return "", fmt.Errorf("compute device fingerprint: %w", err)
	}
	recoveryKey, err := krypto.GenerateRecoveryKey()
	if err != nil {
		return "", err
	}
	recoveryHash, err := e.hash(recoveryKey)
	if err != nil {
		return "", fmt.Errorf("hash recovery key: %w", err)
	}

	txCtx := context.WithoutCancel(ctx)
	err = st.Atomic(txCtx, func(w db.ReadWriter) error {
		rows := []struct {
			key   string
			value []byte
		}{
			{keyMasterHash, masterHash},
			{keyKDFSalt, salt},
			{keyFingerprint, []byte(fingerprint)},
			{keyRecoveryHash, recoveryHash},
		}
		for _, r := range rows {
			if err := w.SetConfig(txCtx, r.key, r.value); err != nil {
				return err
			}
		}
		return storeKDFParams(txCtx, w, e.kdf)
	})
	if err != nil {
		return "", fmt.Errorf("write vault config: %w", err)
	}

	e.log.Info("vault created", "path", path, "fingerprint", fingerprint)
	return recoveryKey, nil
}

// OpenVault authenticates masterPassword and returns an unlocked session.
//
// When the stored device fingerprint differs from the current one, the call
// fails with a *DeviceMismatchError unless recoveryKey is non-empty; with a
// valid recovery key every credential is re-encrypted for this device in a
// single transaction before the session is returned.
func (e *Engine) OpenVault(ctx context.Context, path, masterPassword, recoveryKey string) (*Session, error) {
	if err := requireVaultFile(path); err != nil {
		return nil, err
	}
	lk, err := lockVault(path)
	if err != nil {
		return nil, err
	}

	st, err := e.openExisting(ctx, path)
	if err != nil {
		unlockVault(lk)
		return nil, err
	}

	s, err := e.unlock(ctx, st, masterPassword, recoveryKey)
	if err != nil {
		st.Close()
		unlockVault(lk)
		return nil, err
	}
	s.lock = lk
	return s, nil
}

func (e *Engine) unlock(ctx context.Context, st CredentialStore, masterPassword, recoveryKey string) (*Session, error) {
	hdr, err := loadHeader(ctx, st, e.kdf)
	if err != nil {
		return nil, err
	}
	if err := e.verify(masterPassword, hdr.masterHash, ErrAuthentication); err != nil {
		return nil, err
	}

	password := []byte(masterPassword)
	defer krypto.Wipe(password)

	if hdr.legacy {
		deviceID, err := e.fp.LegacyID()
		if err != nil {
			return nil, fmt.Errorf("compute legacy device id: %w", err)
		}
		scheme := LegacyScheme{DeviceID: deviceID}
		key, err := scheme.DeriveKey(ctx, password, hdr.salt, hdr.params)
		if err != nil {
			return nil, err
		}
		e.log.Warn("vault opened in legacy mode", "path", st.Path())
		return newSession(e, st, scheme, key), nil
	}

	current, err := e.fp.Compute()
	if err != nil {
		return nil, fmt.Errorf("compute device fingerprint: %w", err)
	}

	if current == hdr.fingerprint {
		scheme := FingerprintBoundScheme{Fingerprint: current}
		key, err := scheme.DeriveKey(ctx, password, hdr.salt, hdr.params)
		if err != nil {
			return nil, err
		}
		e.log.Info("vault opened", "path", st.Path())
		return newSession(e, st, scheme, key), nil
	}

	if recoveryKey == "" {
		return nil, &DeviceMismatchError{Stored: hdr.fingerprint, Current: current}
	}
	if len(hdr.recoveryHash) == 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidVault, keyRecoveryHash)
	}
	if err := e.verify(recoveryKey, hdr.recoveryHash, ErrRecoveryKey); err != nil {
		return nil, err
	}

	oldScheme := FingerprintBoundScheme{Fingerprint: hdr.fingerprint}
	newScheme := FingerprintBoundScheme{Fingerprint: current}

	oldKey, err := oldScheme.DeriveKey(ctx, password, hdr.salt, hdr.params)
	if err != nil {
		return nil, err
	}
	defer krypto.Wipe(oldKey)

	newKey, err := newScheme.DeriveKey(ctx, password, hdr.salt, hdr.params)
	if err != nil {
		return nil, err
	}

	var stats rekeyStats
	err = st.Atomic(context.WithoutCancel(ctx), func(w db.ReadWriter) error {
		txCtx := context.WithoutCancel(ctx)
		var err error
		if stats, err = rekeyAll(txCtx, w, oldKey, newKey); err != nil {
			return err
		}
		return w.SetConfig(txCtx, keyFingerprint, []byte(current))
	})
	if err != nil {
		krypto.Wipe(newKey)
		return nil, fmt.Errorf("migrate vault to this device: %w", err)
	}

	e.log.Info("vault migrated to new device",
		"path", st.Path(),
		"credentials", stats.credentials,
		"logs", stats.logs,
		"unreadable_logs", stats.skippedLogs,
	)
	s := newSession(e, st, newScheme, newKey)
	s.migrated = true
	return s, nil
}
