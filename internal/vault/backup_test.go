package vault_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/thanos-vault/thanos/internal/vault"
	"github.com/thanos-vault/thanos/krypto"
)

func TestBackupCodecRoundTrip(t *testing.T) {
	ctx := context.Background()
	codec := vault.BackupCodec{Params: cheapParams()}
	payload := bytes.Repeat([]byte("SQLite format 3\x00"), 64)

	blob, err := codec.Seal(ctx, payload, master, "R3cov")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if want := krypto.SaltLengthBytes + krypto.NonceSize + len(payload) + krypto.TagSize; len(blob) != want {
		t.Fatalf("expected %d bytes, got %d", want, len(blob))
	}

	got, err := codec.Open(ctx, blob, master, "R3cov")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("payload mismatch")
	}

	again, err := codec.Seal(ctx, payload, master, "R3cov")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Equal(blob[:krypto.SaltLengthBytes], again[:krypto.SaltLengthBytes]) {
		t.Fatal("backup salt reused")
	}

	for name, creds := range map[string][2]string{
		"wrong master":   {"wrong", "R3cov"},
		"wrong recovery": {master, "wrong"},
	} {
		if _, err := codec.Open(ctx, blob, creds[0], creds[1]); !errors.Is(err, vault.ErrDecryption) {
			t.Fatalf("%s: expected ErrDecryption, got %v", name, err)
		}
	}

	corrupt := append([]byte(nil), blob...)
	corrupt[len(corrupt)/2] ^= 0x01
	if _, err := codec.Open(ctx, corrupt, master, "R3cov"); !errors.Is(err, vault.ErrDecryption) {
		t.Fatalf("corrupt: expected ErrDecryption, got %v", err)
	}
	if _, err := codec.Open(ctx, blob[:20], master, "R3cov"); !errors.Is(err, vault.ErrDecryption) {
		t.Fatalf("short: expected ErrDecryption, got %v", err)
	}
}

func TestBackupAndRestoreOnNewDevice(t *testing.T) {
	e, fp, path, recovery := setup(t)
	ctx := context.Background()

	s := open(t, e, path, master, "")
	id := addCredential(t, s, "mail", "hunter2")

	backup := filepath.Join(t.TempDir(), "vault.bak")
	if err := e.BackupVault(ctx, path, backup, master, recovery); !errors.Is(err, vault.ErrVaultBusy) {
		t.Fatalf("backup of an open vault: expected ErrVaultBusy, got %v", err)
	}
	mustClose(t, s)

	if err := e.BackupVault(ctx, path, backup, "wrong", recovery); !errors.Is(err, vault.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if err := e.BackupVault(ctx, path, backup, master, "wrong"); !errors.Is(err, vault.ErrRecoveryKey) {
		t.Fatalf("expected ErrRecoveryKey, got %v", err)
	}
	if _, err := os.Stat(backup); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("backup written despite bad secrets")
	}

	if err := e.BackupVault(ctx, path, backup, master, recovery); err != nil {
		t.Fatalf("backup: %v", err)
	}

	fp.set(desk)
	restored := filepath.Join(t.TempDir(), "restored", "vault.db")

	if _, err := e.RestoreVault(ctx, backup, restored, "wrong", recovery); !errors.Is(err, vault.ErrDecryption) {
		t.Fatalf("wrong master: expected ErrDecryption, got %v", err)
	}
	if _, err := e.RestoreVault(ctx, backup, restored, master, "wrong"); !errors.Is(err, vault.ErrDecryption) {
		t.Fatalf("wrong recovery: expected ErrDecryption, got %v", err)
	}
	if _, err := os.Stat(restored); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("failed restore left a file behind")
	}

	s, err := e.RestoreVault(ctx, backup, restored, master, recovery)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got, err := s.RevealPassword(ctx, id); err != nil || got != "hunter2" {
		t.Fatalf("reveal after restore: %q %v", got, err)
	}
	mustClose(t, s)

	s = open(t, e, restored, master, "")
	mustClose(t, s)

	if _, err := e.RestoreVault(ctx, backup, restored, master, recovery); !errors.Is(err, vault.ErrVaultExists) {
		t.Fatalf("expected ErrVaultExists, got %v", err)
	}
}

func TestRestoreRemovesUnopenableVault(t *testing.T) {
	e := newEngine(t, &fakeFingerprint{id: laptop})
	ctx := context.Background()
	dir := t.TempDir()

	codec := vault.BackupCodec{Params: cheapParams()}
	blob, err := codec.Seal(ctx, bytes.Repeat([]byte("x"), 4096), master, "R3cov")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	backup := filepath.Join(dir, "junk.bak")
	if err := os.WriteFile(backup, blob, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	restored := filepath.Join(dir, "vault.db")
	if _, err := e.RestoreVault(ctx, backup, restored, master, "R3cov"); !errors.Is(err, vault.ErrInvalidVault) {
		t.Fatalf("expected ErrInvalidVault, got %v", err)
	}
	if _, err := os.Stat(restored); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("unopenable restored vault was not removed")
	}
}
