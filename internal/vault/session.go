package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/thanos-vault/thanos/internal/db"
	"github.com/thanos-vault/thanos/krypto"
)

// Session is an unlocked vault. The session key lives in guarded memory
// until Close. A Session is safe for concurrent use.
type Session struct {
	mu     sync.RWMutex
	engine *Engine
	store  CredentialStore
	lock   *flock.Flock
	scheme KeyScheme
	key    *memguard.LockedBuffer

	migrated bool
}

func newSession(e *Engine, st CredentialStore, scheme KeyScheme, key []byte) *Session {
	return &Session{
		engine: e,
		store:  st,
		scheme: scheme,
		key:    guardKey(key),
	}
}

// guardKey moves key into a read-only locked buffer and wipes the source.
func guardKey(key []byte) *memguard.LockedBuffer {
	buf := memguard.NewBufferFromBytes(key)
	buf.Freeze()
	return buf
}

// Path returns the store file backing the session.
func (s *Session) Path() string { return s.store.Path() }

// Scheme reports the key derivation scheme the vault was opened with.
func (s *Session) Scheme() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scheme.Name()
}

// Legacy reports whether the vault is not yet bound to a device fingerprint.
func (s *Session) Legacy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.scheme.(LegacyScheme)
	return ok
}

// Migrated reports whether opening the vault re-bound it to this device.
func (s *Session) Migrated() bool { return s.migrated }

// Close destroys the session key and releases the store.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key == nil {
		return nil
	}
	s.key.Destroy()
	s.key = nil

	err := s.store.Close()
	unlockVault(s.lock)
	s.lock = nil
	return err
}

// withKey runs fn with the session key under the read lock. Store reads
// and writes made by fn cannot interleave with a re-key or Close.
func (s *Session) withKey(fn func(key []byte) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil || !s.key.IsAlive() {
		return ErrLocked
	}
	return fn(s.key.Bytes())
}

// EncryptField seals plaintext under the session key.
func (s *Session) EncryptField(plaintext []byte) ([]byte, error) {
	var blob []byte
	err := s.withKey(func(key []byte) error {
		var err error
		blob, err = krypto.Encrypt(key, plaintext)
		return err
	})
	return blob, err
}

// DecryptField opens a blob sealed by EncryptField.
func (s *Session) DecryptField(blob []byte) ([]byte, error) {
	var plaintext []byte
	err := s.withKey(func(key []byte) error {
		var err error
		plaintext, err = krypto.Decrypt(key, blob)
		return err
	})
	return plaintext, err
}

// ChangeMasterPassword re-keys the vault under newPassword. The vault is
// bound to the current device fingerprint afterwards, which also upgrades
// legacy vaults. A vault without a recovery key gets one in the same
// transaction; it is returned and is otherwise empty. On failure the store
// is restored from a snapshot taken before any row was touched.
func (s *Session) ChangeMasterPassword(ctx context.Context, oldPassword, newPassword string) (string, error) {
	if newPassword == "" {
		return "", errors.New("new master password cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		return "", ErrLocked
	}

	e := s.engine
	hdr, err := loadHeader(ctx, s.store, e.kdf)
	if err != nil {
		return "", err
	}
	if err := e.verify(oldPassword, hdr.masterHash, ErrAuthentication); err != nil {
		return "", err
	}

	fingerprint, err := e.fp.Compute()
	if err != nil {
		return "", fmt.Errorf("compute device fingerprint: %w", err)
	}
	recoveryKey, recoveryHash, err := e.missingRecoveryKey(hdr)
	if err != nil {
		return "", err
	}
	salt, err := krypto.NewRandomSalt()
	if err != nil {
		return "", err
	}
	masterHash, err := e.hash(newPassword)
	if err != nil {
		return "", fmt.Errorf("hash master password: %w", err)
	}

	scheme := FingerprintBoundScheme{Fingerprint: fingerprint}
	password := []byte(newPassword)
	newKey, err := scheme.DeriveKey(ctx, password, salt, e.kdf)
	krypto.Wipe(password)
	if err != nil {
		return "", err
	}

	if err := s.rekeyWithSnapshot(ctx, func(w db.ReadWriter) error {
		txCtx := context.WithoutCancel(ctx)
		if _, err := rekeyAll(txCtx, w, s.key.Bytes(), newKey); err != nil {
			return err
		}
		if recoveryHash != nil {
			if err := w.SetConfig(txCtx, keyRecoveryHash, recoveryHash); err != nil {
				return err
			}
		}
		if err := w.SetConfig(txCtx, keyMasterHash, masterHash); err != nil {
			return err
		}
		if err := w.SetConfig(txCtx, keyKDFSalt, salt); err != nil {
			return err
		}
		if err := w.SetConfig(txCtx, keyFingerprint, []byte(fingerprint)); err != nil {
			return err
		}
		return storeKDFParams(txCtx, w, e.kdf)
	}); err != nil {
		krypto.Wipe(newKey)
		return "", fmt.Errorf("change master password: %w", err)
	}

	s.key.Destroy()
	s.key = guardKey(newKey)
	s.scheme = scheme
	e.log.Info("master password changed", "path", s.store.Path())
	return recoveryKey, nil
}

// missingRecoveryKey generates a recovery key and its verifier when hdr has
// none. Both results are empty when the vault already has one.
func (e *Engine) missingRecoveryKey(hdr vaultHeader) (string, []byte, error) {
	if len(hdr.recoveryHash) != 0 {
		return "", nil, nil
	}
	key, err := krypto.GenerateRecoveryKey()
	if err != nil {
		return "", nil, err
	}
	hash, err := e.hash(key)
	if err != nil {
		return "", nil, fmt.Errorf("hash recovery key: %w", err)
	}
	return key, hash, nil
}

// BindToDevice upgrades a legacy vault to fingerprint binding. If the vault
// has no recovery key yet, a new one is generated and returned; otherwise
// the returned string is empty.
func (s *Session) BindToDevice(ctx context.Context, masterPassword string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		return "", ErrLocked
	}
	if _, ok := s.scheme.(LegacyScheme); !ok {
		return "", errors.New("vault is already bound to a device")
	}

	e := s.engine
	hdr, err := loadHeader(ctx, s.store, e.kdf)
	if err != nil {
		return "", err
	}
	if err := e.verify(masterPassword, hdr.masterHash, ErrAuthentication); err != nil {
		return "", err
	}

	fingerprint, err := e.fp.Compute()
	if err != nil {
		return "", fmt.Errorf("compute device fingerprint: %w", err)
	}

	recoveryKey, recoveryHash, err := e.missingRecoveryKey(hdr)
	if err != nil {
		return "", err
	}

	scheme := FingerprintBoundScheme{Fingerprint: fingerprint}
	password := []byte(masterPassword)
	newKey, err := scheme.DeriveKey(ctx, password, hdr.salt, hdr.params)
	krypto.Wipe(password)
	if err != nil {
		return "", err
	}

	err = s.store.Atomic(context.WithoutCancel(ctx), func(w db.ReadWriter) error {
		txCtx := context.WithoutCancel(ctx)
		if _, err := rekeyAll(txCtx, w, s.key.Bytes(), newKey); err != nil {
			return err
		}
		if recoveryHash != nil {
			if err := w.SetConfig(txCtx, keyRecoveryHash, recoveryHash); err != nil {
				return err
			}
		}
		if err := storeKDFParams(txCtx, w, hdr.params); err != nil {
			return err
		}
		return w.SetConfig(txCtx, keyFingerprint, []byte(fingerprint))
	})
	if err != nil {
		krypto.Wipe(newKey)
		return "", fmt.Errorf("bind vault to device: %w", err)
	}

	s.key.Destroy()
	s.key = guardKey(newKey)
	s.scheme = scheme
	e.log.Info("legacy vault bound to device", "path", s.store.Path())
	return recoveryKey, nil
}

// rekeyWithSnapshot runs fn atomically and, if it fails, also restores the
// store from a snapshot taken beforehand.
func (s *Session) rekeyWithSnapshot(ctx context.Context, fn func(db.ReadWriter) error) error {
	snapshot := fmt.Sprintf("%s.%s.bak", s.store.Path(), uuid.NewString())
	if err := s.store.Snapshot(ctx, snapshot); err != nil {
		return err
	}

	err := s.store.Atomic(context.WithoutCancel(ctx), fn)
	if err == nil {
		if rmErr := os.Remove(snapshot); rmErr != nil {
			s.engine.log.Warn("remove snapshot", "path", snapshot, "err", rmErr)
		}
		return nil
	}

	if rerr := s.store.RestoreFrom(context.WithoutCancel(ctx), snapshot); rerr != nil {
		return errors.Join(err, fmt.Errorf("restore snapshot %s: %w", snapshot, rerr))
	}
	return err
}
