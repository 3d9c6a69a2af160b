package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/thanos-vault/thanos/internal/db"
	"github.com/thanos-vault/thanos/krypto"
)

// Config table keys.
const (
	keyMasterHash   = "master_password_hash"
	keyKDFSalt      = "kdf_salt"
	keyFingerprint  = "device_fingerprint"
	keyRecoveryHash = "recovery_key_hash"
	keyKDFParams    = "kdf_params"
)

// KDFConfig describes the key-derivation parameters stored with the vault.
type KDFConfig struct {
	Name        string `json:"name"`
	Time        uint32 `json:"time"`
	MemoryKiB   uint32 `json:"memoryKiB"`
	Parallelism uint8  `json:"parallelism"`
	KeyLen      uint32 `json:"keyLen"`
}

func kdfConfigFrom(p krypto.Argon2Params) KDFConfig {
	return KDFConfig{
		Name:        "argon2id",
		Time:        p.Time,
		MemoryKiB:   p.MemoryKiB,
		Parallelism: p.Parallelism,
		KeyLen:      p.KeyLen,
	}
}

func (c KDFConfig) params() krypto.Argon2Params {
	return krypto.Argon2Params{
		Time:        c.Time,
		MemoryKiB:   c.MemoryKiB,
		Parallelism: c.Parallelism,
		KeyLen:      c.KeyLen,
	}
}

// vaultHeader is the decoded vault_config table.
type vaultHeader struct {
	masterHash   []byte
	salt         []byte
	fingerprint  string
	legacy       bool
	recoveryHash []byte
	params       krypto.Argon2Params
}

func loadHeader(ctx context.Context, r db.ReadWriter, fallback krypto.Argon2Params) (vaultHeader, error) {
	var hdr vaultHeader

	get := func(key string, required bool) ([]byte, bool, error) {
		v, err := r.GetConfig(ctx, key)
		switch {
		case errors.Is(err, db.ErrNotFound) && required:
			return nil, false, fmt.Errorf("%w: missing %s", ErrInvalidVault, key)
		case errors.Is(err, db.ErrNotFound):
			return nil, false, nil
		case err != nil:
			return nil, false, fmt.Errorf("load %s: %w", key, err)
		}
		return v, true, nil
	}

	var err error
	if hdr.masterHash, _, err = get(keyMasterHash, true); err != nil {
		return hdr, err
	}
	if hdr.salt, _, err = get(keyKDFSalt, true); err != nil {
		return hdr, err
	}
	if len(hdr.masterHash) == 0 || len(hdr.salt) == 0 {
		return hdr, fmt.Errorf("%w: empty master hash or salt", ErrInvalidVault)
	}
	if hdr.recoveryHash, _, err = get(keyRecoveryHash, false); err != nil {
		return hdr, err
	}

	fp, found, err := get(keyFingerprint, false)
	if err != nil {
		return hdr, err
	}
	hdr.fingerprint = string(fp)
	hdr.legacy = !found

	hdr.params = fallback
	raw, found, err := get(keyKDFParams, false)
	if err != nil {
		return hdr, err
	}
	if found {
		var cfg KDFConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return hdr, fmt.Errorf("%w: decode kdf params: %v", ErrInvalidVault, err)
		}
		if cfg.Name != "argon2id" {
			return hdr, fmt.Errorf("%w: unsupported kdf %q", ErrInvalidVault, cfg.Name)
		}
		if err := cfg.params().Validate(); err != nil {
			return hdr, fmt.Errorf("%w: %v", ErrInvalidVault, err)
		}
		hdr.params = cfg.params()
	}
	return hdr, nil
}

func storeKDFParams(ctx context.Context, w db.ReadWriter, p krypto.Argon2Params) error {
	raw, err := json.Marshal(kdfConfigFrom(p))
	if err != nil {
		return fmt.Errorf("encode kdf params: %w", err)
	}
	return w.SetConfig(ctx, keyKDFParams, raw)
}
