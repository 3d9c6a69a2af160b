// Package service is the application facade over the vault engine: it
// applies the password policy, throttles unlock attempts, and keeps the
// encrypted security log.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/thanos-vault/thanos/auth"
	"github.com/thanos-vault/thanos/internal/audit"
	"github.com/thanos-vault/thanos/internal/vault"
	"github.com/thanos-vault/thanos/krypto"
	"github.com/thanos-vault/thanos/store"
)

// ErrThrottled is returned while too many recent unlock attempts failed.
var ErrThrottled = errors.New("too many failed attempts; wait before retrying")

// Options configures a Service. Paths is required.
type Options struct {
	Paths    store.Paths
	Settings store.Settings
	Logger   *slog.Logger

	// Optional overrides, mostly for tests.
	Fingerprinter vault.Fingerprinter
	SecretCost    int
	BackupKDF     krypto.Argon2Params
	Breaches      *auth.HIBPClient
	Now           func() time.Time
}

// Service exposes high-level vault operations for the CLI.
type Service struct {
	mu       sync.Mutex
	paths    store.Paths
	settings store.Settings
	log      *slog.Logger
	engine   *vault.Engine
	guard    *attemptGuard
	breaches *auth.HIBPClient
	now      func() time.Time

	session *vault.Session
	audit   *audit.Log
	pending []store.PendingEvent
}

// New returns a service bound to opts.Paths. It does not open the vault,
// but it reloads events queued by earlier processes and replays their
// failed unlocks into the throttle.
func New(opts Options) (*Service, error) {
	if opts.Paths.Dir == "" {
		return nil, errors.New("vault directory not specified")
	}
	if opts.Settings == (store.Settings{}) {
		opts.Settings = store.DefaultSettings()
	}
	if err := opts.Settings.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	breaches := opts.Breaches
	if breaches == nil && opts.Settings.BreachCheck() {
		breaches = auth.NewHIBPClient()
	}

	engine := vault.New(vault.Config{
		KDF:           opts.Settings.Argon2Params(),
		BackupKDF:     opts.BackupKDF,
		SecretCost:    opts.SecretCost,
		Fingerprinter: opts.Fingerprinter,
		Logger:        opts.Logger,
	})

	s := &Service{
		paths:    opts.Paths,
		settings: opts.Settings,
		log:      opts.Logger,
		engine:   engine,
		guard:    newAttemptGuard(opts.Settings.Security.MaxAttempts, opts.Settings.Security.BlockDelay),
		breaches: breaches,
		now:      opts.Now,
	}

	pending, err := store.LoadPending(opts.Paths)
	if err != nil {
		s.log.Warn("load pending events", "err", err)
	}
	s.pending = pending
	for _, ev := range pending {
		if ev.Event == audit.EventIncorrectAttempt {
			s.guard.fail(ev.At)
		}
	}
	return s, nil
}

// NeedsSetup reports whether no vault exists yet in the directory.
func (s *Service) NeedsSetup() (bool, error) {
	_, err := os.Stat(s.paths.DatabasePath())
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, os.ErrNotExist):
		return true, nil
	default:
		return false, fmt.Errorf("stat vault: %w", err)
	}
}

func (s *Service) validateMaster(ctx context.Context, master string) error {
	opts := auth.DefaultValidateOptions()
	opts.MinZXCVBNScore = s.settings.Policy.MinimumScore()
	opts.Breaches = s.breaches
	return auth.ValidateMasterPasswordAdvanced(ctx, master, opts)
}

// CreateVault validates master against the policy, creates the vault and
// returns the recovery key.
func (s *Service) CreateVault(ctx context.Context, master string) (string, error) {
	if err := s.validateMaster(ctx, master); err != nil {
		return "", err
	}
	if err := s.paths.EnsureDir(); err != nil {
		return "", err
	}
	recovery, err := s.engine.CreateVault(ctx, s.paths.DatabasePath(), master)
	if err != nil {
		return "", err
	}
	if err := s.writeSettings(); err != nil {
		s.log.Warn("write default settings", "err", err)
	}
	return recovery, nil
}

// writeSettings saves the active settings next to a new vault unless a
// settings file is already there.
func (s *Service) writeSettings() error {
	if _, err := os.Stat(s.paths.SettingsPath()); err == nil || !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return store.SaveSettings(s.paths, s.settings)
}

// Unlock opens the vault. recoveryKey may be empty unless the vault must
// migrate to this device.
func (s *Service) Unlock(ctx context.Context, master, recoveryKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		return errors.New("vault already unlocked")
	}
	now := s.now()
	if !s.guard.allow(now) {
		return ErrThrottled
	}

	sess, err := s.engine.OpenVault(ctx, s.paths.DatabasePath(), master, recoveryKey)
	if err != nil {
		if errors.Is(err, vault.ErrAuthentication) || errors.Is(err, vault.ErrRecoveryKey) {
			s.recordFailure(now, err)
		}
		return err
	}

	s.guard.reset()
	s.attach(ctx, sess)
	return nil
}

func (s *Service) recordFailure(now time.Time, err error) {
	n, tripped := s.guard.fail(now)
	reason := "master_password"
	if errors.Is(err, vault.ErrRecoveryKey) {
		reason = "recovery_key"
	}
	s.log.Warn("unlock failed", "attempt", n, "reason", reason)
	s.queue(store.PendingEvent{
		At:      now,
		Event:   audit.EventIncorrectAttempt,
		Details: map[string]string{"attempt": strconv.Itoa(n), "reason": reason},
	})
	if tripped {
		s.queue(store.PendingEvent{
			At:      now,
			Event:   audit.EventSecurityTrigger,
			Details: map[string]string{"consecutive_failures": strconv.Itoa(n)},
		})
	}
}

// queue keeps ev on disk until the next unlock writes it to the log.
func (s *Service) queue(ev store.PendingEvent) {
	s.pending = append(s.pending, ev)
	if err := store.SavePending(s.paths, s.pending); err != nil {
		s.log.Warn("save pending events", "event", ev.Event, "err", err)
	}
}

// attach installs sess, flushes queued events and prunes old log entries.
func (s *Service) attach(ctx context.Context, sess *vault.Session) {
	s.session = sess
	s.audit = audit.New(sess)

	var unwritten []store.PendingEvent
	for _, ev := range s.pending {
		if err := s.audit.RecordAt(ctx, ev.At, ev.Event, ev.Details); err != nil {
			s.log.Warn("record queued event", "event", ev.Event, "err", err)
			unwritten = append(unwritten, ev)
		}
	}
	s.pending = unwritten
	if err := store.SavePending(s.paths, s.pending); err != nil {
		s.log.Warn("save pending events", "err", err)
	}

	if sess.Migrated() {
		s.record(ctx, audit.EventDeviceMigrated, nil)
	}
	s.record(ctx, audit.EventLoginSuccess, nil)

	if ret := s.settings.Security.LogRetention; ret > 0 {
		if n, err := s.audit.Cleanup(ctx, ret); err != nil {
			s.log.Warn("prune security log", "err", err)
		} else if n > 0 {
			s.log.Info("pruned security log", "removed", n)
		}
	}
}

func (s *Service) record(ctx context.Context, event string, details map[string]string) {
	if s.audit == nil {
		s.queue(store.PendingEvent{At: s.now(), Event: event, Details: details})
		return
	}
	if err := s.audit.Record(ctx, event, details); err != nil {
		s.log.Warn("record event", "event", event, "err", err)
	}
}

// Lock closes the session and wipes the key.
func (s *Service) Lock() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lockLocked()
}

func (s *Service) lockLocked() error {
	if s.session == nil {
		return nil
	}
	err := s.session.Close()
	s.session = nil
	s.audit = nil
	return err
}

// Session returns the unlocked session.
func (s *Service) Session() (*vault.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, vault.ErrLocked
	}
	return s.session, nil
}

// SecurityLog returns the security log entries, newest first.
func (s *Service) SecurityLog(ctx context.Context) ([]audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		return nil, vault.ErrLocked
	}
	return s.audit.Entries(ctx)
}

// ChangeMaster validates newMaster against the policy and re-keys the vault.
// It returns a new recovery key when the vault did not have one.
func (s *Service) ChangeMaster(ctx context.Context, oldMaster, newMaster string) (string, error) {
	if oldMaster == "" || newMaster == "" {
		return "", errors.New("old and new master passwords are required")
	}
	if err := s.validateMaster(ctx, newMaster); err != nil {
		return "", fmt.Errorf("validate new master password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return "", vault.ErrLocked
	}
	recovery, err := s.session.ChangeMasterPassword(ctx, oldMaster, newMaster)
	if err != nil {
		return "", err
	}
	s.record(ctx, audit.EventPasswordChanged, nil)
	return recovery, nil
}

// BindToDevice upgrades a legacy vault. It returns a new recovery key when
// the vault did not have one.
func (s *Service) BindToDevice(ctx context.Context, master string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return "", vault.ErrLocked
	}
	recovery, err := s.session.BindToDevice(ctx, master)
	if err != nil {
		return "", err
	}
	s.record(ctx, audit.EventDeviceMigrated, map[string]string{"from": "legacy"})
	return recovery, nil
}

// Backup writes an encrypted backup to out. The vault must be locked; the
// event is logged at the next unlock.
func (s *Service) Backup(ctx context.Context, out, master, recoveryKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		return errors.New("lock the vault before taking a backup")
	}
	if err := s.engine.BackupVault(ctx, s.paths.DatabasePath(), out, master, recoveryKey); err != nil {
		return err
	}
	s.record(ctx, audit.EventBackupCreated, nil)
	return nil
}

// Restore rebuilds the vault from a backup into the service directory and
// leaves it unlocked.
func (s *Service) Restore(ctx context.Context, in, master, recoveryKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		return errors.New("vault already unlocked")
	}
	if err := s.paths.EnsureDir(); err != nil {
		return err
	}
	sess, err := s.engine.RestoreVault(ctx, in, s.paths.DatabasePath(), master, recoveryKey)
	if err != nil {
		return err
	}
	s.attach(ctx, sess)
	return nil
}
