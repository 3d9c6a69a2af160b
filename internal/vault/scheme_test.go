package vault_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"testing"

	"github.com/thanos-vault/thanos/internal/vault"
	"github.com/thanos-vault/thanos/krypto"
)

func TestSchemes(t *testing.T) {
	ctx := context.Background()
	salt := bytes.Repeat([]byte{4}, krypto.SaltLengthBytes)
	p := cheapParams()

	base, err := krypto.DeriveKeyArgon2id([]byte(master), salt, p)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	h := sha256.Sum256(append(base, "mac-id"...))

	legacy, err := vault.LegacyScheme{DeviceID: "mac-id"}.DeriveKey(ctx, []byte(master), salt, p)
	if err != nil {
		t.Fatalf("legacy: %v", err)
	}
	if !bytes.Equal(legacy, h[:]) {
		t.Fatal("legacy key is not SHA-256(KDF(password) || device id)")
	}

	bound, err := vault.FingerprintBoundScheme{Fingerprint: "abc"}.DeriveKey(ctx, []byte(master), salt, p)
	if err != nil {
		t.Fatalf("bound: %v", err)
	}
	want, err := krypto.DeriveKeyArgon2id([]byte(master+"abc"), salt, p)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if !bytes.Equal(bound, want) {
		t.Fatal("bound key is not KDF(password || fingerprint)")
	}

	other, err := vault.FingerprintBoundScheme{Fingerprint: "abd"}.DeriveKey(ctx, []byte(master), salt, p)
	if err != nil {
		t.Fatalf("bound: %v", err)
	}
	if bytes.Equal(bound, other) {
		t.Fatal("different fingerprints produced the same key")
	}
}
