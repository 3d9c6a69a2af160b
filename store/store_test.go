package store_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/thanos-vault/thanos/store"
)

func TestPaths(t *testing.T) {
	p := store.Paths{Dir: "/tmp/v"}
	if got := p.DatabasePath(); got != filepath.Join("/tmp/v", "vault.db") {
		t.Fatalf("database path: %s", got)
	}
	if got := p.SettingsPath(); got != filepath.Join("/tmp/v", "settings.yaml") {
		t.Fatalf("settings path: %s", got)
	}
	if got := p.PendingPath(); got != filepath.Join("/tmp/v", "pending_events.yaml") {
		t.Fatalf("pending path: %s", got)
	}
	if err := (store.Paths{}).EnsureDir(); err == nil {
		t.Fatal("expected error for empty dir")
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.bin")

	if err := store.WriteFileAtomic(path, []byte("first"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := store.WriteFileAtomic(path, []byte("second"), 0o600); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "second" {
		t.Fatalf("got %q", data)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Fatalf("expected 0600, got %o", perm)
		}
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}
}

func TestLoadSettingsDefaults(t *testing.T) {
	cfg, err := store.LoadSettings(store.Paths{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := store.DefaultSettings()
	if cfg.KDF != want.KDF || cfg.Security != want.Security || cfg.Log != want.Log {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
	if cfg.BreachCheck() {
		t.Fatal("breach check should be off by default")
	}
	if p := cfg.Argon2Params(); p.MemoryKiB != 256*1024 || p.Time != 3 || p.Parallelism < 2 {
		t.Fatalf("unexpected params %+v", p)
	}
}

func TestLoadSettingsMergesFile(t *testing.T) {
	p := store.Paths{Dir: t.TempDir()}
	yml := `
kdf:
  memory_mib: 64
  parallelism: 4
security:
  max_attempts: 3
  block_delay: 30s
policy:
  check_breaches: true
log:
  level: debug
  format: json
`
	if err := os.WriteFile(p.SettingsPath(), []byte(yml), 0o600); err != nil {
		t.Fatalf("write settings: %v", err)
	}

	cfg, err := store.LoadSettings(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.KDF.TimeCost != 3 || cfg.KDF.MemoryMiB != 64 || cfg.KDF.Parallelism != 4 {
		t.Fatalf("kdf not merged: %+v", cfg.KDF)
	}
	if cfg.Security.MaxAttempts != 3 || cfg.Security.BlockDelay != 30*time.Second {
		t.Fatalf("security not merged: %+v", cfg.Security)
	}
	if cfg.Security.LogRetention != 720*time.Hour {
		t.Fatalf("retention should keep default, got %s", cfg.Security.LogRetention)
	}
	if !cfg.BreachCheck() {
		t.Fatal("breach check should be on")
	}
	lvl, err := cfg.LogLevel()
	if err != nil || lvl != slog.LevelDebug {
		t.Fatalf("level: %v %v", lvl, err)
	}
	if p := cfg.Argon2Params(); p.MemoryKiB != 64*1024 || p.Parallelism != 4 {
		t.Fatalf("unexpected params %+v", p)
	}
}

func TestLoadSettingsKeepsZeroMinScore(t *testing.T) {
	p := store.Paths{Dir: t.TempDir()}
	if err := os.WriteFile(p.SettingsPath(), []byte("policy:\n  min_score: 0\n"), 0o600); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	cfg, err := store.LoadSettings(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.Policy.MinimumScore(); got != 0 {
		t.Fatalf("explicit zero replaced by %d", got)
	}

	if got := store.DefaultSettings().Policy.MinimumScore(); got != 3 {
		t.Fatalf("default min score %d", got)
	}
	if got := (store.PolicySettings{}).MinimumScore(); got != 3 {
		t.Fatalf("unset min score %d", got)
	}
}

func TestLoadSettingsRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad yaml":   "kdf: [",
		"bad level":  "log:\n  level: loud\n",
		"bad format": "log:\n  format: xml\n",
		"bad score":  "policy:\n  min_score: 9\n",
		"tiny mem":   "kdf:\n  memory_mib: 1\n",
	}
	for name, body := range cases {
		p := store.Paths{Dir: t.TempDir()}
		if err := os.WriteFile(p.SettingsPath(), []byte(body), 0o600); err != nil {
			t.Fatalf("%s: write: %v", name, err)
		}
		if _, err := store.LoadSettings(p); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestSaveSettingsRoundTrip(t *testing.T) {
	p := store.Paths{Dir: filepath.Join(t.TempDir(), "vault")}
	cfg := store.DefaultSettings()
	cfg.Security.MaxAttempts = 7
	cfg.Log.Format = "json"

	if err := store.SaveSettings(p, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.LoadSettings(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Security.MaxAttempts != 7 || got.Log.Format != "json" {
		t.Fatalf("round trip lost values: %+v", got)
	}
}

func TestPendingEvents(t *testing.T) {
	p := store.Paths{Dir: t.TempDir()}

	got, err := store.LoadPending(p)
	if err != nil || got != nil {
		t.Fatalf("load missing: %v %v", got, err)
	}

	at := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	events := []store.PendingEvent{
		{At: at, Event: "INCORRECT_ATTEMPT", Details: map[string]string{"attempt": "1"}},
		{At: at.Add(time.Second), Event: "BACKUP_CREATED"},
	}
	if err := store.SavePending(p, events); err != nil {
		t.Fatalf("save: %v", err)
	}
	if runtime.GOOS != "windows" {
		info, err := os.Stat(p.PendingPath())
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Fatalf("expected 0600, got %o", perm)
		}
	}

	got, err = store.LoadPending(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 || !got[0].At.Equal(at) || got[0].Details["attempt"] != "1" || got[1].Event != "BACKUP_CREATED" {
		t.Fatalf("unexpected events %+v", got)
	}

	if err := store.SavePending(p, nil); err != nil {
		t.Fatalf("save empty: %v", err)
	}
	if _, err := os.Stat(p.PendingPath()); !os.IsNotExist(err) {
		t.Fatalf("pending file not removed: %v", err)
	}
	if err := store.ClearPending(p); err != nil {
		t.Fatalf("clear twice: %v", err)
	}
}
