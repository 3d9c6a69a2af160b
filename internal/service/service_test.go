package service_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/thanos-vault/thanos/auth"
	"github.com/thanos-vault/thanos/internal/audit"
	"github.com/thanos-vault/thanos/internal/service"
	"github.com/thanos-vault/thanos/internal/vault"
	"github.com/thanos-vault/thanos/krypto"
	"github.com/thanos-vault/thanos/store"
)

const master = "Sup3r-Secret-Passphrase!"

type fakeFingerprint struct {
	mu sync.Mutex
	id string
}

func (f *fakeFingerprint) Compute() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id, nil
}

func (f *fakeFingerprint) LegacyID() (string, error) { return "legacy", nil }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testSettings() store.Settings {
	s := store.DefaultSettings()
	s.KDF = store.KDFSettings{TimeCost: 1, MemoryMiB: 8, Parallelism: 2}
	s.Security.MaxAttempts = 3
	s.Security.BlockDelay = time.Minute
	return s
}

func newService(t *testing.T, dir string, fp vault.Fingerprinter, clk *clock) *service.Service {
	t.Helper()
	svc, err := service.New(service.Options{
		Paths:         store.Paths{Dir: dir},
		Settings:      testSettings(),
		Fingerprinter: fp,
		SecretCost:    bcrypt.MinCost,
		BackupKDF:     krypto.Argon2Params{Time: 1, MemoryKiB: 8 * 1024, Parallelism: 2, KeyLen: krypto.KeyLengthBytes},
		Now:           clk.Now,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { svc.Lock() })
	return svc
}

func events(t *testing.T, svc *service.Service) map[string]int {
	t.Helper()
	entries, err := svc.SecurityLog(context.Background())
	if err != nil {
		t.Fatalf("security log: %v", err)
	}
	out := make(map[string]int)
	for _, e := range entries {
		out[e.EventType]++
	}
	return out
}

func TestCreateUnlockAndUse(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
	dir := filepath.Join(t.TempDir(), "vault")
	svc := newService(t, dir, &fakeFingerprint{id: "a"}, clk)

	need, err := svc.NeedsSetup()
	if err != nil || !need {
		t.Fatalf("expected setup needed: %v %v", need, err)
	}
	if _, err := svc.CreateVault(ctx, "short"); !errors.Is(err, auth.ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	recovery, err := svc.CreateVault(ctx, master)
	if err != nil || recovery == "" {
		t.Fatalf("create: %q %v", recovery, err)
	}
	if need, _ := svc.NeedsSetup(); need {
		t.Fatal("setup still needed after create")
	}
	saved, err := store.LoadSettings(store.Paths{Dir: dir})
	if err != nil {
		t.Fatalf("load saved settings: %v", err)
	}
	if saved.KDF != testSettings().KDF {
		t.Fatalf("settings not written next to the vault: %+v", saved.KDF)
	}

	if _, err := svc.Session(); !errors.Is(err, vault.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if err := svc.Unlock(ctx, master, ""); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	sess, err := svc.Session()
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	id, err := sess.AddCredential(ctx, vault.CredentialInput{Name: "mail", Password: "hunter2"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if got, err := sess.RevealPassword(ctx, id); err != nil || got != "hunter2" {
		t.Fatalf("reveal: %q %v", got, err)
	}
	if ev := events(t, svc); ev[audit.EventLoginSuccess] != 1 {
		t.Fatalf("unexpected events %v", ev)
	}
}

func TestUnlockThrottling(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
	svc := newService(t, t.TempDir(), &fakeFingerprint{id: "a"}, clk)
	if _, err := svc.CreateVault(ctx, master); err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := svc.Unlock(ctx, "wrong", ""); !errors.Is(err, vault.ErrAuthentication) {
			t.Fatalf("attempt %d: expected ErrAuthentication, got %v", i+1, err)
		}
	}
	if err := svc.Unlock(ctx, master, ""); !errors.Is(err, service.ErrThrottled) {
		t.Fatalf("expected ErrThrottled, got %v", err)
	}

	clk.advance(time.Minute)
	if err := svc.Unlock(ctx, master, ""); err != nil {
		t.Fatalf("unlock after delay: %v", err)
	}

	ev := events(t, svc)
	if ev[audit.EventIncorrectAttempt] != 3 || ev[audit.EventSecurityTrigger] != 1 || ev[audit.EventLoginSuccess] != 1 {
		t.Fatalf("unexpected events %v", ev)
	}
}

func TestThrottleAndEventsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
	fp := &fakeFingerprint{id: "a"}
	dir := t.TempDir()

	first := newService(t, dir, fp, clk)
	if _, err := first.CreateVault(ctx, master); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 3; i++ {
		// A fresh process per attempt, as the CLI runs.
		svc := newService(t, dir, fp, clk)
		if err := svc.Unlock(ctx, "wrong", ""); !errors.Is(err, vault.ErrAuthentication) {
			t.Fatalf("attempt %d: expected ErrAuthentication, got %v", i+1, err)
		}
	}

	pending, err := store.LoadPending(store.Paths{Dir: dir})
	if err != nil {
		t.Fatalf("load pending: %v", err)
	}
	if len(pending) != 4 {
		t.Fatalf("expected 3 attempts and a trigger on disk, got %+v", pending)
	}

	next := newService(t, dir, fp, clk)
	if err := next.Unlock(ctx, master, ""); !errors.Is(err, service.ErrThrottled) {
		t.Fatalf("expected ErrThrottled after restart, got %v", err)
	}

	clk.advance(time.Minute)
	if err := next.Unlock(ctx, master, ""); err != nil {
		t.Fatalf("unlock after delay: %v", err)
	}
	ev := events(t, next)
	if ev[audit.EventIncorrectAttempt] != 3 || ev[audit.EventSecurityTrigger] != 1 || ev[audit.EventLoginSuccess] != 1 {
		t.Fatalf("unexpected events %v", ev)
	}
	if pending, err := store.LoadPending(store.Paths{Dir: dir}); err != nil || len(pending) != 0 {
		t.Fatalf("pending events not cleared: %v %v", pending, err)
	}
}

func TestBackupEventLoggedByLaterProcess(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Now()}
	fp := &fakeFingerprint{id: "a"}
	dir := t.TempDir()

	svc := newService(t, dir, fp, clk)
	recovery, err := svc.CreateVault(ctx, master)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Backup(ctx, filepath.Join(t.TempDir(), "vault.bak"), master, recovery); err != nil {
		t.Fatalf("backup: %v", err)
	}

	later := newService(t, dir, fp, clk)
	if err := later.Unlock(ctx, master, ""); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if ev := events(t, later); ev[audit.EventBackupCreated] != 1 {
		t.Fatalf("backup event lost across processes: %v", ev)
	}
}

func TestChangeMaster(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Now()}
	dir := t.TempDir()
	svc := newService(t, dir, &fakeFingerprint{id: "a"}, clk)
	if _, err := svc.CreateVault(ctx, master); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.ChangeMaster(ctx, master, "An0ther-Long-Passphrase?"); !errors.Is(err, vault.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if err := svc.Unlock(ctx, master, ""); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := svc.ChangeMaster(ctx, master, "weak"); !errors.Is(err, auth.ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	if recovery, err := svc.ChangeMaster(ctx, master, "An0ther-Long-Passphrase?"); err != nil || recovery != "" {
		t.Fatalf("change: %q %v", recovery, err)
	}
	if ev := events(t, svc); ev[audit.EventPasswordChanged] != 1 {
		t.Fatalf("unexpected events %v", ev)
	}
	if err := svc.Lock(); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := svc.Unlock(ctx, "An0ther-Long-Passphrase?", ""); err != nil {
		t.Fatalf("unlock with new password: %v", err)
	}
}

func TestBackupRestoreAcrossDevices(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Now()}
	src := newService(t, t.TempDir(), &fakeFingerprint{id: "a"}, clk)
	recovery, err := src.CreateVault(ctx, master)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := src.Unlock(ctx, master, ""); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	sess, _ := src.Session()
	id, err := sess.AddCredential(ctx, vault.CredentialInput{Name: "mail", Password: "hunter2"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	out := filepath.Join(t.TempDir(), "vault.bak")
	if err := src.Backup(ctx, out, master, recovery); err == nil {
		t.Fatal("backup of an unlocked vault should fail")
	}
	if err := src.Lock(); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := src.Backup(ctx, out, master, recovery); err != nil {
		t.Fatalf("backup: %v", err)
	}
	if err := src.Unlock(ctx, master, ""); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if ev := events(t, src); ev[audit.EventBackupCreated] != 1 {
		t.Fatalf("backup event missing: %v", ev)
	}

	dst := newService(t, t.TempDir(), &fakeFingerprint{id: "b"}, clk)
	if err := dst.Restore(ctx, out, master, recovery); err != nil {
		t.Fatalf("restore: %v", err)
	}
	sess, err = dst.Session()
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if got, err := sess.RevealPassword(ctx, id); err != nil || got != "hunter2" {
		t.Fatalf("reveal after restore: %q %v", got, err)
	}
	if ev := events(t, dst); ev[audit.EventDeviceMigrated] != 1 {
		t.Fatalf("migration event missing: %v", ev)
	}
}

func TestDeviceMismatchNeedsRecovery(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Now()}
	fp := &fakeFingerprint{id: "a"}
	dir := t.TempDir()
	svc := newService(t, dir, fp, clk)
	recovery, err := svc.CreateVault(ctx, master)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	fp.mu.Lock()
	fp.id = "b"
	fp.mu.Unlock()

	if err := svc.Unlock(ctx, master, ""); !errors.Is(err, vault.ErrDeviceMismatch) {
		t.Fatalf("expected ErrDeviceMismatch, got %v", err)
	}
	if err := svc.Unlock(ctx, master, recovery); err != nil {
		t.Fatalf("unlock with recovery: %v", err)
	}
	if ev := events(t, svc); ev[audit.EventDeviceMigrated] != 1 {
		t.Fatalf("unexpected events %v", ev)
	}
}
